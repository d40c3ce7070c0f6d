package db

import "fmt"

// Kind tags the value shape of a property.
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindAggregated
	KindBlob
)

// ACL bits declared per property.
type ACL uint32

const (
	ACLRead ACL = 1 << iota
	ACLCreate
	ACLWrite
	ACLInsert
	ACLRemove
	ACLReplace
	ACLLocal  // persisted but never diffed out
	ACLPublic // readable without auth
	ACLAuth   // requires an authenticated principal
	ACLAuthor // writer must appear in the resource author map
	ACLCalc   // computed from related resources; mutates without a seqno
)

// Capability bits carried by an authenticated principal.
type Capability uint32

const (
	CapAuthorOverride Capability = 1 << iota
	CapCreateWithGUID
	CapAdmin
)

// Principal is the authenticated caller as seen by the store.
type Principal interface {
	UserID() string
	UserName() string
	Cap(c Capability) bool
}

// Author role bits recorded in the resource author map.
const (
	RoleInsystem = 1
	RoleOriginal = 2
)

// PropSpec declares one typed property of a resource.
type PropSpec struct {
	Name      string
	Kind      Kind
	ACL       ACL
	Localized bool
	Required  bool
	FullText  bool
	Default   any
}

// ResourceSpec declares one resource type of a volume.
type ResourceSpec struct {
	Name   string
	OneWay bool // skipped by one_way diffs (e.g. crash reports on slaves)
	Props  []PropSpec

	byName map[string]*PropSpec
}

// Prop returns the declared property spec or nil.
func (rs *ResourceSpec) Prop(name string) *PropSpec {
	if rs.byName == nil {
		rs.byName = make(map[string]*PropSpec, len(rs.Props))
		for i := range rs.Props {
			rs.byName[rs.Props[i].Name] = &rs.Props[i]
		}
	}
	return rs.byName[name]
}

const aclPublicRead = ACLRead | ACLPublic

func systemProps() []PropSpec {
	return []PropSpec{
		{Name: "guid", Kind: KindScalar, ACL: aclPublicRead | ACLCreate},
		{Name: "ctime", Kind: KindScalar, ACL: aclPublicRead},
		{Name: "mtime", Kind: KindScalar, ACL: aclPublicRead},
		{Name: "author", Kind: KindAggregated, ACL: aclPublicRead | ACLInsert | ACLRemove | ACLAuthor},
		{Name: "state", Kind: KindScalar, ACL: aclPublicRead, Default: StateActive},
		{Name: "layer", Kind: KindList, ACL: aclPublicRead | ACLCreate | ACLWrite},
	}
}

func withSystemProps(props ...PropSpec) []PropSpec {
	return append(systemProps(), props...)
}

// Resource states.
const (
	StateActive  = "active"
	StateDeleted = "deleted"
)

// Stability ladder: insecure < buggy < developer < testing < stable.
var StabilityRank = map[string]int{
	"insecure":  0,
	"buggy":     1,
	"developer": 2,
	"testing":   3,
	"stable":    4,
}

// ContextSpec declares the catalog entry resource.
func ContextSpec() *ResourceSpec {
	return &ResourceSpec{
		Name: "context",
		Props: withSystemProps(
			PropSpec{Name: "type", Kind: KindList, ACL: aclPublicRead | ACLCreate | ACLWrite, Required: true},
			PropSpec{Name: "title", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite, Localized: true, Required: true, FullText: true},
			PropSpec{Name: "summary", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite, Localized: true, FullText: true},
			PropSpec{Name: "description", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite, Localized: true, FullText: true},
			PropSpec{Name: "releases", Kind: KindAggregated, ACL: aclPublicRead | ACLInsert | ACLRemove | ACLReplace | ACLAuthor},
			PropSpec{Name: "dependencies", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite},
			PropSpec{Name: "mime_types", Kind: KindList, ACL: aclPublicRead | ACLCreate | ACLWrite},
			PropSpec{Name: "icon", Kind: KindBlob, ACL: aclPublicRead | ACLCreate | ACLWrite},
			PropSpec{Name: "logo", Kind: KindBlob, ACL: aclPublicRead | ACLCreate | ACLWrite},
			PropSpec{Name: "rating", Kind: KindList, ACL: aclPublicRead | ACLCalc, Default: []any{float64(0), float64(0)}},
		),
	}
}

// UserSpec declares the account resource.
func UserSpec() *ResourceSpec {
	return &ResourceSpec{
		Name: "user",
		Props: withSystemProps(
			PropSpec{Name: "name", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite, Required: true, FullText: true},
			PropSpec{Name: "pubkey", Kind: KindScalar, ACL: aclPublicRead | ACLCreate, Required: true},
		),
	}
}

// PostSpec declares the discussion/announcement resource.
func PostSpec() *ResourceSpec {
	return &ResourceSpec{
		Name: "post",
		Props: withSystemProps(
			PropSpec{Name: "context", Kind: KindScalar, ACL: aclPublicRead | ACLCreate, Required: true},
			PropSpec{Name: "type", Kind: KindScalar, ACL: aclPublicRead | ACLCreate, Required: true},
			PropSpec{Name: "title", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite, Localized: true, Required: true, FullText: true},
			PropSpec{Name: "message", Kind: KindScalar, ACL: aclPublicRead | ACLCreate | ACLWrite, Localized: true, FullText: true},
			PropSpec{Name: "replies", Kind: KindScalar, ACL: aclPublicRead | ACLCalc, Default: float64(0)},
			PropSpec{Name: "vote", Kind: KindAggregated, ACL: aclPublicRead | ACLInsert | ACLRemove},
			PropSpec{Name: "attachments", Kind: KindBlob, ACL: aclPublicRead | ACLCreate | ACLWrite},
		),
	}
}

// ReportSpec declares the one-way crash report resource.
func ReportSpec() *ResourceSpec {
	return &ResourceSpec{
		Name:   "report",
		OneWay: true,
		Props: withSystemProps(
			PropSpec{Name: "context", Kind: KindScalar, ACL: aclPublicRead | ACLCreate},
			PropSpec{Name: "error", Kind: KindScalar, ACL: aclPublicRead | ACLCreate, FullText: true},
			PropSpec{Name: "logs", Kind: KindBlob, ACL: aclPublicRead | ACLCreate},
		),
	}
}

// StandardResources returns the resource set every node volume carries.
func StandardResources() []*ResourceSpec {
	return []*ResourceSpec{ContextSpec(), UserSpec(), PostSpec(), ReportSpec()}
}

func validateSpec(rs *ResourceSpec) error {
	if rs.Name == "" {
		return fmt.Errorf("db: resource spec without name")
	}
	seen := make(map[string]bool, len(rs.Props))
	for _, p := range rs.Props {
		if p.Name == "" {
			return fmt.Errorf("db: %s: property without name", rs.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("db: %s: duplicate property %q", rs.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
