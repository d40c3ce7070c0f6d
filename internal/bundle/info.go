// Package bundle loads activity bundles and books into the catalog:
// parsing activity metadata, rendering icons, inserting releases and
// announcing them.
package bundle

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ActivityInfo is the parsed activity/activity.info manifest.
type ActivityInfo struct {
	BundleID        string
	ActivityVersion string
	Exec            string
	Icon            string
	License         []string
	Stability       string
	Requires        string
	MimeTypes       []string
	ContextType     string

	// localized fields, keyed by language; "en" holds the base value
	Name        map[string]string
	Summary     map[string]string
	Description map[string]string
}

// ParseActivityInfo reads the INI-style manifest. Only the [Activity]
// section is honored; keys may carry a language suffix like name[es].
func ParseActivityInfo(r io.Reader) (*ActivityInfo, error) {
	info := &ActivityInfo{
		Stability:   "developer",
		ContextType: "activity",
		Name:        make(map[string]string),
		Summary:     make(map[string]string),
		Description: make(map[string]string),
	}
	scanner := bufio.NewScanner(r)
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}
		if section != "activity" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			key, value, ok = strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("bundle: malformed manifest line %q", line)
			}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		lang := "en"
		if open := strings.Index(key, "["); open >= 0 && strings.HasSuffix(key, "]") {
			lang = key[open+1 : len(key)-1]
			key = key[:open]
		}
		switch strings.ToLower(key) {
		case "bundle_id", "service_name":
			info.BundleID = value
		case "activity_version":
			info.ActivityVersion = value
		case "exec":
			info.Exec = value
		case "icon":
			info.Icon = value
		case "license":
			info.License = splitList(value)
		case "stability":
			info.Stability = value
		case "requires":
			info.Requires = value
		case "mime_types":
			info.MimeTypes = splitList(value)
		case "name":
			info.Name[lang] = value
		case "summary":
			info.Summary[lang] = value
		case "description":
			info.Description[lang] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if info.BundleID == "" {
		return nil, fmt.Errorf("bundle: manifest misses bundle_id")
	}
	if info.ActivityVersion == "" {
		return nil, fmt.Errorf("bundle: manifest misses activity_version")
	}
	if info.Exec == "" {
		return nil, fmt.Errorf("bundle: manifest misses exec")
	}
	return info, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(value, func(r rune) bool { return r == ';' || r == ',' }) {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
