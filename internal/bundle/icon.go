package bundle

import (
	"crypto/sha1"
	"fmt"
	"regexp"
)

// XO color pairs (stroke, fill) used to colorize activity icons. The
// pair is picked deterministically from the bundle id so an activity
// keeps its colors across submissions.
var xoPalette = [][2]string{
	{"#B20008", "#FF2B34"},
	{"#E6000A", "#FF2B34"},
	{"#FFADCE", "#FF2B34"},
	{"#9A5200", "#FF8F00"},
	{"#FF2B34", "#FF8F00"},
	{"#FF8F00", "#FFC169"},
	{"#807500", "#BE9E00"},
	{"#BE9E00", "#F8E800"},
	{"#008009", "#00B20D"},
	{"#00B20D", "#8BFF7A"},
	{"#00588C", "#005FE4"},
	{"#005FE4", "#BCCDFF"},
	{"#5E008C", "#7F00BF"},
	{"#7F00BF", "#D1A3FF"},
	{"#9B166A", "#F8E800"},
	{"#B20008", "#FFADCE"},
}

var (
	strokeEntity = regexp.MustCompile(`<!ENTITY\s+stroke_color\s+"[^"]*">`)
	fillEntity   = regexp.MustCompile(`<!ENTITY\s+fill_color\s+"[^"]*">`)
)

// IconColors picks the deterministic XO color pair for a bundle id.
func IconColors(bundleID string) (stroke, fill string) {
	sum := sha1.Sum([]byte(bundleID))
	pair := xoPalette[int(sum[0])%len(xoPalette)]
	return pair[0], pair[1]
}

// ColorizeIcon rewrites the SVG color entities with the bundle's pair.
// Icons without entity declarations pass through unchanged.
func ColorizeIcon(svg []byte, bundleID string) []byte {
	stroke, fill := IconColors(bundleID)
	svg = strokeEntity.ReplaceAll(svg, []byte(fmt.Sprintf(`<!ENTITY stroke_color "%s">`, stroke)))
	svg = fillEntity.ReplaceAll(svg, []byte(fmt.Sprintf(`<!ENTITY fill_color "%s">`, fill)))
	return svg
}

// IconRenderer rasterizes a colorized SVG; PNG encoding lives outside
// the core, so a nil renderer simply skips the raster properties.
type IconRenderer interface {
	Render(svg []byte, size int) ([]byte, error)
}

// Standard raster sizes for the icon and logo properties.
const (
	IconSize = 55
	LogoSize = 140
)
