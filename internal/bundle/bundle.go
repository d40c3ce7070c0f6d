package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/solver"
)

// ActivityContentType tags activity bundle blobs.
const ActivityContentType = "application/vnd.olpc-sugar"

// Options direct one submission. Context, Version and License are
// mandatory for non-activity payloads; activity bundles carry them in
// the manifest.
type Options struct {
	Context     string
	Version     string
	License     []string
	Initial     bool // create the context when absent
	ContentType string
	Filename    string // used to derive the distribution extension for books
}

// Submission describes the inserted release.
type Submission struct {
	Context    string
	ReleaseKey string
	Version    string
	Blob       db.BlobMeta
	Release    map[string]any
	Post       string // announcement post guid
}

// Loader inserts bundle payloads into a volume as releases.
type Loader struct {
	vol      *db.Volume
	renderer IconRenderer
}

// NewLoader returns a loader; renderer may be nil to skip rasterizing.
func NewLoader(vol *db.Volume, renderer IconRenderer) *Loader {
	return &Loader{vol: vol, renderer: renderer}
}

// scan is what a single pass over a zip bundle yields.
type scan struct {
	info       *ActivityInfo
	topdir     string
	unpackSize int64
	iconSVG    []byte
	changelog  []byte
	languages  []string
}

// Submit stores the payload as a blob, inserts the release into the
// target context and posts the announcement. Activity bundles are
// recognized by a parseable activity/activity.info member; anything
// else is treated as a book and requires explicit Options.
func (l *Loader) Submit(ctx context.Context, payload io.Reader, opts Options, principal db.Principal) (*Submission, error) {
	tmp, err := os.CreateTemp("", "bundle-")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, payload)
	if err != nil {
		return nil, err
	}

	sc, err := scanZip(tmp, size)
	if err != nil {
		return nil, err
	}
	if sc != nil {
		return l.submitActivity(ctx, tmp, sc, opts, principal)
	}
	return l.submitBook(ctx, tmp, size, opts, principal)
}

func (l *Loader) submitActivity(ctx context.Context, tmp *os.File, sc *scan, opts Options, principal db.Principal) (*Submission, error) {
	info := sc.info
	if opts.Context != "" && opts.Context != info.BundleID {
		return nil, fmt.Errorf("%w: bundle_id %q does not match context %q", db.ErrInvalid, info.BundleID, opts.Context)
	}
	if _, err := solver.ParseVersion(info.ActivityVersion); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrInvalid, err)
	}
	if _, ok := db.StabilityRank[info.Stability]; !ok {
		return nil, fmt.Errorf("%w: unknown stability %q", db.ErrInvalid, info.Stability)
	}
	requires, err := requiresMap(info.Requires)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrInvalid, err)
	}

	contexts, err := l.vol.Directory("context")
	if err != nil {
		return nil, err
	}
	res, err := l.ensureContext(ctx, contexts, info, opts, principal)
	if err != nil {
		return nil, err
	}
	if !containsStr(stringList(res.Get("type")), info.ContextType) {
		return nil, fmt.Errorf("%w: context %s is not an %s", db.ErrInvalid, res.GUID, info.ContextType)
	}

	license := info.License
	if len(license) == 0 {
		license = inheritLicense(res)
	}
	if len(license) == 0 {
		return nil, fmt.Errorf("%w: no license in manifest and none to inherit", db.ErrInvalid)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	title := res.GetLocalized("title", "en")
	if title == "" {
		title = res.GUID
	}
	seqno := l.vol.Seqno().Next()
	if err := l.vol.Seqno().Commit(); err != nil {
		return nil, err
	}
	meta, err := l.vol.Blobs().Post(ctx, tmp, db.BlobMeta{
		ContentType: ActivityContentType,
		Disposition: attachment(title, info.ActivityVersion, ".xo"),
		Seqno:       seqno,
	})
	if err != nil {
		return nil, err
	}

	rel := map[string]any{
		"version":   info.ActivityVersion,
		"stability": info.Stability,
		"license":   anyList(license),
		"commands": map[string]any{
			"activity": map[string]any{"exec": info.Exec},
		},
		"bundles": map[string]any{
			"*-*": map[string]any{
				"blob":        meta.Digest,
				"unpack_size": float64(sc.unpackSize),
			},
		},
	}
	if len(requires) > 0 {
		rel["requires"] = requires
	}
	update := map[string]any{
		"releases": map[string]any{meta.Digest: rel},
	}
	if len(info.MimeTypes) > 0 {
		update["mime_types"] = anyList(info.MimeTypes)
	}
	if err := contexts.Update(ctx, res.GUID, update, principal); err != nil {
		return nil, err
	}
	if err := l.storeIcons(ctx, contexts, res.GUID, sc, principal); err != nil {
		return nil, err
	}

	name := info.Name["en"]
	if name == "" {
		name = title
	}
	ann := ComposeAnnouncement(res.GUID, name, info.ActivityVersion, sc.languages,
		thirdParty(res, principal), sc.changelog)
	post, err := l.persistAnnouncement(ctx, ann, principal)
	if err != nil {
		return nil, err
	}
	return &Submission{
		Context:    res.GUID,
		ReleaseKey: meta.Digest,
		Version:    info.ActivityVersion,
		Blob:       *meta,
		Release:    rel,
		Post:       post,
	}, nil
}

func (l *Loader) submitBook(ctx context.Context, tmp *os.File, size int64, opts Options, principal db.Principal) (*Submission, error) {
	if opts.Context == "" {
		return nil, fmt.Errorf("%w: context required for non-activity payloads", db.ErrInvalid)
	}
	if opts.Version == "" {
		return nil, fmt.Errorf("%w: version required for non-activity payloads", db.ErrInvalid)
	}
	if _, err := solver.ParseVersion(opts.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrInvalid, err)
	}

	contexts, err := l.vol.Directory("context")
	if err != nil {
		return nil, err
	}
	res, err := contexts.Get(ctx, opts.Context)
	if err != nil {
		return nil, err
	}
	if !containsStr(stringList(res.Get("type")), "book") {
		return nil, fmt.Errorf("%w: context %s is not a book", db.ErrInvalid, opts.Context)
	}
	license := opts.License
	if len(license) == 0 {
		license = inheritLicense(res)
	}
	if len(license) == 0 {
		return nil, fmt.Errorf("%w: no license given and none to inherit", db.ErrInvalid)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	title := res.GetLocalized("title", "en")
	if title == "" {
		title = res.GUID
	}
	ext := filepath.Ext(opts.Filename)
	if ext == "" {
		ext = ".book"
	}
	seqno := l.vol.Seqno().Next()
	if err := l.vol.Seqno().Commit(); err != nil {
		return nil, err
	}
	meta, err := l.vol.Blobs().Post(ctx, tmp, db.BlobMeta{
		ContentType: opts.ContentType,
		Disposition: attachment(title, opts.Version, ext),
		Seqno:       seqno,
	})
	if err != nil {
		return nil, err
	}

	rel := map[string]any{
		"version":   opts.Version,
		"stability": "stable",
		"license":   anyList(license),
		"bundles": map[string]any{
			"*-*": map[string]any{
				"blob":        meta.Digest,
				"unpack_size": float64(size),
			},
		},
	}
	err = contexts.Update(ctx, res.GUID, map[string]any{
		"releases": map[string]any{meta.Digest: rel},
	}, principal)
	if err != nil {
		return nil, err
	}

	ann := ComposeAnnouncement(res.GUID, title, opts.Version, nil,
		thirdParty(res, principal), nil)
	post, err := l.persistAnnouncement(ctx, ann, principal)
	if err != nil {
		return nil, err
	}
	return &Submission{
		Context:    res.GUID,
		ReleaseKey: meta.Digest,
		Version:    opts.Version,
		Blob:       *meta,
		Release:    rel,
		Post:       post,
	}, nil
}

func (l *Loader) ensureContext(ctx context.Context, contexts *db.Directory, info *ActivityInfo, opts Options, principal db.Principal) (*db.Resource, error) {
	res, err := contexts.Get(ctx, info.BundleID)
	if err == nil {
		return res, nil
	}
	if !opts.Initial {
		return nil, err
	}
	props := map[string]any{
		"guid":  info.BundleID,
		"type":  []any{info.ContextType},
		"title": localizedValue(info.Name),
	}
	if len(info.Summary) > 0 {
		props["summary"] = localizedValue(info.Summary)
	}
	if len(info.Description) > 0 {
		props["description"] = localizedValue(info.Description)
	}
	if len(info.MimeTypes) > 0 {
		props["mime_types"] = anyList(info.MimeTypes)
	}
	if _, err := contexts.Create(ctx, props, principal); err != nil {
		return nil, err
	}
	return contexts.Get(ctx, info.BundleID)
}

func (l *Loader) storeIcons(ctx context.Context, contexts *db.Directory, guid string, sc *scan, principal db.Principal) error {
	if sc.iconSVG == nil {
		return nil
	}
	svg := ColorizeIcon(sc.iconSVG, sc.info.BundleID)
	update := make(map[string]any)
	if l.renderer == nil {
		meta, err := l.vol.Blobs().Post(ctx, bytes.NewReader(svg), db.BlobMeta{ContentType: "image/svg+xml"})
		if err != nil {
			return err
		}
		update["icon"] = meta.Digest
	} else {
		for prop, size := range map[string]int{"icon": IconSize, "logo": LogoSize} {
			png, err := l.renderer.Render(svg, size)
			if err != nil {
				return err
			}
			meta, err := l.vol.Blobs().Post(ctx, bytes.NewReader(png), db.BlobMeta{ContentType: "image/png"})
			if err != nil {
				return err
			}
			update[prop] = meta.Digest
		}
	}
	return contexts.Update(ctx, guid, update, principal)
}

// Announcement is the computed release post, kept apart from persistence
// so the title/message derivation stays testable.
type Announcement struct {
	Context string
	Title   map[string]string
	Message string
}

// ComposeAnnouncement derives the localized release notification. The
// third-party form is used when the submitter is not an original author.
func ComposeAnnouncement(context, name, version string, langs []string, thirdParty bool, changelog []byte) *Announcement {
	form := "%s %s release"
	if thirdParty {
		form = "%s %s third-party release"
	}
	seen := map[string]bool{"en": true}
	titles := map[string]string{"en": fmt.Sprintf(form, name, version)}
	for _, lang := range langs {
		if seen[lang] {
			continue
		}
		seen[lang] = true
		titles[lang] = fmt.Sprintf(form, name, version)
	}
	return &Announcement{
		Context: context,
		Title:   titles,
		Message: string(changelog),
	}
}

func (l *Loader) persistAnnouncement(ctx context.Context, ann *Announcement, principal db.Principal) (string, error) {
	posts, err := l.vol.Directory("post")
	if err != nil {
		return "", err
	}
	props := map[string]any{
		"context": ann.Context,
		"type":    "notification",
		"title":   localizedValue(ann.Title),
	}
	if ann.Message != "" {
		props["message"] = ann.Message
	}
	return posts.Create(ctx, props, principal)
}

// scanZip walks the archive once; a nil scan with nil error means the
// payload is not an activity bundle.
func scanZip(f *os.File, size int64) (*scan, error) {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, nil // not a zip, treat as book
	}

	var infoFile, iconFile, changelogFile *zip.File
	sc := &scan{}
	for _, member := range zr.File {
		sc.unpackSize += int64(member.UncompressedSize64)
		dir, base := path.Split(member.Name)
		dir = strings.TrimSuffix(dir, "/")
		if base == "activity.info" && path.Base(dir) == "activity" {
			infoFile = member
			sc.topdir = path.Dir(dir)
			if sc.topdir == "." {
				sc.topdir = ""
			}
		}
	}
	if infoFile == nil {
		return nil, nil
	}

	rc, err := infoFile.Open()
	if err != nil {
		return nil, err
	}
	sc.info, err = ParseActivityInfo(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrInvalid, err)
	}

	langs := make(map[string]bool)
	for lang := range sc.info.Name {
		langs[lang] = true
	}
	moSuffix := path.Join("LC_MESSAGES", sc.info.BundleID+".mo")
	localeDir := path.Join(sc.topdir, "locale")
	for _, member := range zr.File {
		name := path.Clean(member.Name)
		if strings.HasPrefix(name, localeDir+"/") && strings.HasSuffix(name, moSuffix) {
			rest := strings.TrimPrefix(name, localeDir+"/")
			if lang, _, ok := strings.Cut(rest, "/"); ok && lang != "" {
				langs[lang] = true
			}
		}
		if sc.info.Icon != "" && name == path.Join(sc.topdir, "activity", sc.info.Icon+".svg") {
			iconFile = member
		}
		dir, base := path.Split(name)
		if strings.EqualFold(base, "changelog") && strings.TrimSuffix(dir, "/") == sc.topdir {
			changelogFile = member
		}
	}
	for lang := range langs {
		sc.languages = append(sc.languages, lang)
	}
	sort.Strings(sc.languages)

	if iconFile != nil {
		rc, err := iconFile.Open()
		if err != nil {
			return nil, err
		}
		sc.iconSVG, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	if changelogFile != nil {
		rc, err := changelogFile.Open()
		if err != nil {
			return nil, err
		}
		sc.changelog, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// thirdParty reports whether the submitter lacks the original-author role.
func thirdParty(res *db.Resource, principal db.Principal) bool {
	if principal == nil {
		return true
	}
	author, ok := res.Authors()[principal.UserID()]
	return !ok || author.Role&db.RoleOriginal == 0
}

func inheritLicense(res *db.Resource) []string {
	entries := db.DecodeAggregated(res.Get("releases"))
	var best solver.Version
	var license []string
	for _, entry := range entries {
		if entry.Tombstone() {
			continue
		}
		rel, ok := entry.Value.(map[string]any)
		if !ok {
			continue
		}
		v, err := solver.ParseVersion(fmt.Sprint(rel["version"]))
		if err != nil {
			continue
		}
		candidate := stringList(rel["license"])
		if candidate == nil {
			continue
		}
		if license == nil || solver.CompareVersions(v, best) > 0 {
			best = v
			license = candidate
		}
	}
	return license
}

// requiresMap validates and normalizes a manifest requires string into
// the per-dependency form stored on releases.
func requiresMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if _, err := solver.ParseRequires(raw); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		dep := fields[0]
		if len(fields) > 1 {
			out[dep] = strings.Join(fields[1:], " ")
		} else {
			out[dep] = nil
		}
	}
	return out, nil
}

func attachment(title, version, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '/', '\n', '\r':
			return '-'
		}
		return r
	}, title)
	return fmt.Sprintf("attachment; filename=%q", name+"-"+version+ext)
}

func localizedValue(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for lang, v := range m {
		out[lang] = v
	}
	return out
}

func anyList(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func containsStr(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
