package solver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/sugar-network/sugar/internal/db"
)

// Options tune one resolution.
type Options struct {
	Command    string   // command to launch, default "activity"
	Stability  []string // accepted stability levels, default ["stable"]
	LSBID      string   // distro id for native package resolution
	LSBRelease string
	Machine    string
	Requires   map[string][]Constraint // extra top-level requirements
	Assume     map[string][]string     // context -> versions pretended installed
	Details    bool                    // include stability and license in rows
}

// Solution maps a context GUID to the description of its chosen release.
type Solution map[string]map[string]any

type candidate struct {
	lit         int
	context     string
	version     Version
	versionStr  string
	stability   string
	license     any
	title       string
	blob        string
	size        int64
	unpackSize  int64
	contentType string
	commandExec string
	requires    map[string][]Constraint
	rawRequires any
	packages    []string
	installed   bool // assumed or native package; satisfies any constraint
}

// Solve resolves topContext and its transitive requirements into a
// consistent release set. A nil solution with nil error means the
// request is unsatisfiable.
func Solve(ctx context.Context, vol *db.Volume, topContext string, opts Options) (Solution, error) {
	if opts.Command == "" {
		opts.Command = "activity"
	}
	if len(opts.Stability) == 0 {
		opts.Stability = []string{"stable"}
	}
	accepted := make(map[string]bool, len(opts.Stability))
	for _, s := range opts.Stability {
		accepted[s] = true
	}

	sat := NewSolver()
	byContext := make(map[string][]*candidate)
	byLit := make(map[int]*candidate)
	var order []string

	queue := []string{topContext}
	seen := map[string]bool{topContext: true}
	for len(queue) > 0 {
		guid := queue[0]
		queue = queue[1:]
		cands, err := buildCandidates(ctx, vol, sat, guid, guid == topContext, accepted, opts)
		if err != nil {
			if guid == topContext {
				return nil, err
			}
			if errors.Is(err, db.ErrNotFound) {
				cands = nil
			} else {
				return nil, err
			}
		}
		byContext[guid] = cands
		order = append(order, guid)
		lits := make([]int, 0, len(cands))
		for _, c := range cands {
			byLit[c.lit] = c
			lits = append(lits, c.lit)
			for _, dep := range sortedDeps(c.requires) {
				if !seen[dep] {
					seen[dep] = true
					queue = append(queue, dep)
				}
			}
		}
		if len(lits) > 0 {
			sat.AddAtMostOne(guid, lits...)
		}
	}

	top := byContext[topContext]
	if len(top) == 0 {
		return nil, nil
	}
	topLits := make([]int, 0, len(top))
	for _, c := range top {
		topLits = append(topLits, c.lit)
	}
	sat.AddUnion(topLits...)

	for _, guid := range order {
		for _, c := range byContext[guid] {
			for _, dep := range sortedDeps(c.requires) {
				clause := []int{-c.lit}
				for _, depCand := range byContext[dep] {
					if depCand.installed || Satisfies(depCand.version, c.requires[dep]) {
						clause = append(clause, depCand.lit)
					}
				}
				sat.AddUnion(clause...)
			}
		}
	}

	model := sat.Solve(nil)
	if model == nil {
		return nil, nil
	}
	out := make(Solution, len(model))
	for guid, lit := range model {
		c := byLit[lit]
		if c == nil {
			continue
		}
		row := map[string]any{"title": c.title}
		if c.versionStr != "" {
			row["version"] = c.versionStr
		}
		if c.blob != "" {
			row["blob"] = c.blob
			row["size"] = c.size
			row["unpack_size"] = c.unpackSize
			row["content-type"] = c.contentType
		}
		if c.packages != nil {
			row["packages"] = c.packages
		}
		if guid == topContext && c.commandExec != "" {
			row["command"] = c.commandExec
		}
		if c.rawRequires != nil {
			row["requires"] = c.rawRequires
		}
		if opts.Details {
			row["stability"] = c.stability
			if c.license != nil {
				row["license"] = c.license
			}
		}
		out[guid] = row
	}
	return out, nil
}

func buildCandidates(ctx context.Context, vol *db.Volume, sat *Solver, guid string, isTop bool, accepted map[string]bool, opts Options) ([]*candidate, error) {
	if versions, ok := opts.Assume[guid]; ok {
		out := make([]*candidate, 0, len(versions))
		for _, vs := range versions {
			v, err := ParseVersion(vs)
			if err != nil {
				return nil, err
			}
			out = append(out, &candidate{
				lit:        sat.NewVar(),
				context:    guid,
				version:    v,
				versionStr: vs,
				installed:  true,
			})
		}
		return out, nil
	}

	contexts, err := vol.Directory("context")
	if err != nil {
		return nil, err
	}
	res, err := contexts.Get(ctx, guid)
	if err != nil {
		return nil, err
	}
	title := res.GetLocalized("title", "en")
	types := stringList(res.Get("type"))

	if opts.LSBID != "" && contains(types, "package") {
		packages, err := resolvePackages(ctx, vol, res, guid, opts)
		if err != nil {
			return nil, err
		}
		if packages == nil {
			return nil, nil
		}
		return []*candidate{{
			lit:       sat.NewVar(),
			context:   guid,
			title:     title,
			packages:  packages,
			installed: true,
		}}, nil
	}

	ctxDeps, err := contextRequires(res)
	if err != nil {
		return nil, err
	}

	entries := db.DecodeAggregated(res.Get("releases"))
	keys := make([]string, 0, len(entries))
	for key, entry := range entries {
		if entry.Tombstone() {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []*candidate
	for _, key := range keys {
		rel, ok := entries[key].Value.(map[string]any)
		if !ok {
			continue
		}
		c, err := releaseCandidate(ctx, vol, guid, key, title, rel, isTop, accepted, opts)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		mergeRequires(c.requires, ctxDeps)
		if isTop {
			for dep, constraints := range opts.Requires {
				c.requires[dep] = append(c.requires[dep], constraints...)
			}
		}
		out = append(out, c)
	}
	if out == nil {
		return nil, nil
	}

	// best candidate first so the decision heuristic prefers it
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ac := boolRank(a.commandExec != "")
		bc := boolRank(b.commandExec != "")
		if ac != bc {
			return ac > bc
		}
		if ar, br := db.StabilityRank[a.stability], db.StabilityRank[b.stability]; ar != br {
			return ar > br
		}
		if cmp := CompareVersions(a.version, b.version); cmp != 0 {
			return cmp > 0
		}
		return a.versionStr > b.versionStr
	})
	for _, c := range out {
		c.lit = sat.NewVar()
	}
	return out, nil
}

func releaseCandidate(ctx context.Context, vol *db.Volume, guid, key, title string, rel map[string]any, isTop bool, accepted map[string]bool, opts Options) (*candidate, error) {
	stability, _ := rel["stability"].(string)
	if !accepted[stability] {
		return nil, nil
	}
	versionStr, _ := rel["version"].(string)
	version, err := ParseVersion(versionStr)
	if err != nil {
		return nil, nil
	}

	c := &candidate{
		context:    guid,
		versionStr: versionStr,
		version:    version,
		stability:  stability,
		license:    rel["license"],
		title:      title,
		requires:   make(map[string][]Constraint),
	}
	if raw := rel["requires"]; raw != nil {
		parsed, err := toRequires(raw)
		if err != nil {
			return nil, err
		}
		mergeRequires(c.requires, parsed)
		c.rawRequires = raw
	}

	commands, _ := rel["commands"].(map[string]any)
	if cmd, ok := commands[opts.Command].(map[string]any); ok {
		c.commandExec = fmt.Sprint(cmd["exec"])
		if isTop && cmd["requires"] != nil {
			parsed, err := toRequires(cmd["requires"])
			if err != nil {
				return nil, err
			}
			mergeRequires(c.requires, parsed)
		}
	} else if isTop {
		return nil, nil
	}

	bundles, _ := rel["bundles"].(map[string]any)
	bundle, _ := bundles["*-*"].(map[string]any)
	digest, _ := bundle["blob"].(string)
	if digest == "" || !vol.Blobs().Exists(ctx, digest) {
		return nil, nil
	}
	meta, err := vol.Blobs().Stat(ctx, digest)
	if err != nil {
		return nil, nil
	}
	c.blob = digest
	c.size = meta.ContentLength
	c.contentType = meta.ContentType
	if n, ok := bundle["unpack_size"].(float64); ok {
		c.unpackSize = int64(n)
	}
	return c, nil
}

// resolvePackages maps a package context to distro package names, most
// specific source first: a published packages file, then the context's
// releases keyed by "<lsb_id>-<release>", "<lsb_id>", "*".
func resolvePackages(ctx context.Context, vol *db.Volume, res *db.Resource, guid string, opts Options) ([]string, error) {
	filePath := path.Join(opts.LSBID+"-"+opts.LSBRelease, opts.Machine, guid)
	if _, payload, err := vol.Blobs().GetFile(ctx, "packages", filePath); err == nil {
		defer payload.Close()
		raw, err := io.ReadAll(payload)
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if pkgs := stringList(doc["binary"]); pkgs != nil {
			return pkgs, nil
		}
	}

	entries := db.DecodeAggregated(res.Get("releases"))
	for _, key := range []string{opts.LSBID + "-" + opts.LSBRelease, opts.LSBID, "*"} {
		entry, ok := entries[key]
		if !ok || entry.Tombstone() {
			continue
		}
		doc, ok := entry.Value.(map[string]any)
		if !ok {
			continue
		}
		if pkgs := stringList(doc["binary"]); pkgs != nil {
			return pkgs, nil
		}
	}
	return nil, nil
}

func contextRequires(res *db.Resource) (map[string][]Constraint, error) {
	raw := res.Get("dependencies")
	if raw == nil {
		return nil, nil
	}
	return toRequires(raw)
}

// toRequires normalizes the declaration forms found on releases and
// contexts: a requires string, a list of dependency names, or a map of
// dependency to constraint string(s).
func toRequires(raw any) (map[string][]Constraint, error) {
	out := make(map[string][]Constraint)
	switch v := raw.(type) {
	case string:
		return ParseRequires(v)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("solver: bad requires entry %v", item)
			}
			parsed, err := ParseRequires(s)
			if err != nil {
				return nil, err
			}
			mergeRequires(out, parsed)
		}
	case map[string]any:
		for dep, spec := range v {
			switch cv := spec.(type) {
			case nil:
			case string:
				c, err := ParseConstraint(cv)
				if err != nil {
					return nil, err
				}
				out[dep] = append(out[dep], c)
			case []any:
				for _, item := range cv {
					s, ok := item.(string)
					if !ok {
						return nil, fmt.Errorf("solver: bad constraint %v for %s", item, dep)
					}
					c, err := ParseConstraint(s)
					if err != nil {
						return nil, err
					}
					out[dep] = append(out[dep], c)
				}
			default:
				return nil, fmt.Errorf("solver: bad constraint %v for %s", spec, dep)
			}
			if _, ok := out[dep]; !ok {
				out[dep] = nil // bare dependency, any version
			}
		}
	default:
		return nil, fmt.Errorf("solver: bad requires declaration %v", raw)
	}
	return out, nil
}

func mergeRequires(dst, src map[string][]Constraint) {
	for dep, constraints := range src {
		if _, ok := dst[dep]; ok {
			dst[dep] = append(dst[dep], constraints...)
		} else {
			dst[dep] = constraints
		}
	}
}

func sortedDeps(requires map[string][]Constraint) []string {
	if len(requires) == 0 {
		return nil
	}
	out := make([]string, 0, len(requires))
	for dep := range requires {
		out = append(out, dep)
	}
	sort.Strings(out)
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

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
