package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Directory is a keyed store of resources of one declared type.
type Directory struct {
	spec *ResourceSpec
	vol  *Volume
}

// Name returns the resource type name.
func (d *Directory) Name() string { return d.spec.Name }

// Spec returns the declared resource schema.
func (d *Directory) Spec() *ResourceSpec { return d.spec }

// OneWay reports whether the directory is excluded from one-way diffs.
func (d *Directory) OneWay() bool { return d.spec.OneWay }

// Create validates required properties, assigns per-property seqnos and
// persists a new resource. Returns the new GUID.
func (d *Directory) Create(ctx context.Context, props map[string]any, principal Principal) (string, error) {
	guid, _ := props["guid"].(string)
	if guid != "" {
		if principal == nil || !principal.Cap(CapCreateWithGUID) {
			return "", fmt.Errorf("%w: guid on create requires cap_create_with_guid", ErrForbidden)
		}
	} else {
		guid = uuid.New().String()
	}
	exists, err := d.Exists(ctx, guid)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s/%s", ErrExists, d.spec.Name, guid)
	}

	for name := range props {
		if name == "guid" {
			continue
		}
		spec := d.spec.Prop(name)
		if spec == nil {
			return "", fmt.Errorf("%w: unknown property %q", ErrInvalid, name)
		}
		if spec.ACL&(ACLCreate|ACLInsert) == 0 {
			return "", fmt.Errorf("%w: property %q not writable on create", ErrForbidden, name)
		}
	}
	for _, spec := range d.spec.Props {
		if spec.Required && props[spec.Name] == nil && spec.Name != "guid" {
			return "", fmt.Errorf("%w: required property %q missing", ErrInvalid, spec.Name)
		}
	}

	ts := now()
	stored := map[string]Meta{
		"guid":  {Value: guid, Mtime: ts, Seqno: d.vol.seqno.Next()},
		"ctime": {Value: float64(ts), Mtime: ts, Seqno: d.vol.seqno.Next()},
		"mtime": {Value: float64(ts), Mtime: ts, Seqno: d.vol.seqno.Next()},
		"state": {Value: StateActive, Mtime: ts, Seqno: d.vol.seqno.Next()},
	}
	if principal != nil && principal.UserID() != "" {
		role := RoleInsystem | RoleOriginal
		author := map[string]AggEntry{
			principal.UserID(): {
				Value: map[string]any{"name": principal.UserName(), "role": float64(role)},
				Ctime: ts,
				Seqno: d.vol.seqno.Next(),
			},
		}
		stored["author"] = Meta{Value: EncodeAggregated(author), Mtime: ts, Seqno: d.vol.seqno.Next()}
	}
	for name, raw := range props {
		if name == "guid" || stored[name].Value != nil {
			continue
		}
		spec := d.spec.Prop(name)
		meta, err := d.buildValue(spec, raw, ts, principal)
		if err != nil {
			return "", err
		}
		stored[name] = meta
	}
	for _, spec := range d.spec.Props {
		if _, ok := stored[spec.Name]; !ok && spec.Default != nil {
			stored[spec.Name] = Meta{Value: spec.Default, Mtime: ts}
		}
	}

	if err := d.vol.seqno.Commit(); err != nil {
		return "", err
	}
	if err := d.vol.store.PutProps(ctx, d.spec.Name, guid, StateActive, stored); err != nil {
		return "", err
	}
	d.noteWrite(guid, stored, "create")
	return guid, nil
}

// Update sets new values with fresh mtime and seqno; identical values no-op.
func (d *Directory) Update(ctx context.Context, guid string, props map[string]any, principal Principal) error {
	res, err := d.Get(ctx, guid)
	if err != nil {
		return err
	}
	ts := now()
	stored := make(map[string]Meta)
	calcOnly := true
	for name, raw := range props {
		spec := d.spec.Prop(name)
		if spec == nil {
			return fmt.Errorf("%w: unknown property %q", ErrInvalid, name)
		}
		if err := d.checkWriteACL(spec, res, principal); err != nil {
			return err
		}
		if spec.Kind == KindAggregated {
			merged, changed := mergeAggregatedUpdate(res.Props[name].Value, raw, ts, principal, d.vol.seqno)
			if !changed {
				continue
			}
			stored[name] = Meta{Value: merged, Mtime: ts, Seqno: d.vol.seqno.Next()}
			calcOnly = false
			continue
		}
		value := normalizeValue(spec, raw)
		if reflect.DeepEqual(res.Props[name].Value, value) {
			continue
		}
		meta := Meta{Value: value, Mtime: ts}
		if spec.ACL&(ACLLocal|ACLCalc) == 0 {
			meta.Seqno = d.vol.seqno.Next()
		}
		stored[name] = meta
		if spec.ACL&ACLCalc == 0 {
			calcOnly = false
		}
	}
	if len(stored) == 0 {
		return nil
	}
	if !calcOnly {
		stored["mtime"] = Meta{Value: float64(ts), Mtime: ts, Seqno: d.vol.seqno.Next()}
	}
	if err := d.vol.seqno.Commit(); err != nil {
		return err
	}
	if err := d.vol.store.PutProps(ctx, d.spec.Name, guid, res.State(), stored); err != nil {
		return err
	}
	d.noteWrite(guid, stored, "update")
	return nil
}

// Delete sets state=deleted; the row is retained so tombstones propagate.
func (d *Directory) Delete(ctx context.Context, guid string, principal Principal) error {
	res, err := d.Get(ctx, guid)
	if err != nil {
		return err
	}
	if principal != nil && !principal.Cap(CapAuthorOverride) && !res.IsAuthor(principal.UserID()) {
		return fmt.Errorf("%w: not an author of %s/%s", ErrForbidden, d.spec.Name, guid)
	}
	ts := now()
	stored := map[string]Meta{
		"state": {Value: StateDeleted, Mtime: ts, Seqno: d.vol.seqno.Next()},
	}
	if err := d.vol.seqno.Commit(); err != nil {
		return err
	}
	if err := d.vol.store.PutProps(ctx, d.spec.Name, guid, StateDeleted, stored); err != nil {
		return err
	}
	d.noteWrite(guid, stored, "delete")
	return nil
}

// Get returns an active resource; tombstones read as NotFound.
func (d *Directory) Get(ctx context.Context, guid string) (*Resource, error) {
	res, err := d.GetAny(ctx, guid)
	if err != nil {
		return nil, err
	}
	if res.State() == StateDeleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, d.spec.Name, guid)
	}
	return res, nil
}

// GetAny returns a resource including tombstones.
func (d *Directory) GetAny(ctx context.Context, guid string) (*Resource, error) {
	res, err := d.vol.store.LoadResource(ctx, d.spec.Name, guid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, d.spec.Name, guid)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Exists reports existence including tombstones.
func (d *Directory) Exists(ctx context.Context, guid string) (bool, error) {
	return d.vol.store.ResourceExists(ctx, d.spec.Name, guid, true)
}

// Available reports existence excluding tombstones.
func (d *Directory) Available(ctx context.Context, guid string) (bool, error) {
	return d.vol.store.ResourceExists(ctx, d.spec.Name, guid, false)
}

// Patch merges an incoming diff for one resource. Properties with stale
// mtimes are dropped; aggregated properties merge per subkey. alloc is
// called at most once, lazily, to stamp accepted properties; a nil alloc
// suppresses seqno assignment (raw replica seeding).
func (d *Directory) Patch(ctx context.Context, guid string, patch map[string]Meta, alloc func() int64) (int64, bool, error) {
	existing, err := d.GetAny(ctx, guid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}
	if existing == nil {
		existing = &Resource{GUID: guid, Directory: d.spec.Name, Props: map[string]Meta{}}
	}

	var seqno int64
	take := func() int64 {
		if alloc == nil {
			return 0
		}
		if seqno == 0 {
			seqno = alloc()
		}
		return seqno
	}

	stored := make(map[string]Meta)
	for name, incoming := range patch {
		spec := d.spec.Prop(name)
		if spec == nil || spec.ACL&ACLLocal != 0 {
			continue
		}
		current, has := existing.Props[name]
		if spec.Kind == KindAggregated {
			merged, changed := mergeAggregatedPatch(current.Value, incoming.Value, take)
			if !changed {
				continue
			}
			mtime := current.Mtime
			if incoming.Mtime > mtime {
				mtime = incoming.Mtime
			}
			stored[name] = Meta{Value: merged, Mtime: mtime, Seqno: take()}
			continue
		}
		if has && incoming.Mtime <= current.Mtime {
			continue
		}
		stored[name] = Meta{Value: incoming.Value, Mtime: incoming.Mtime, Seqno: take()}
	}
	if len(stored) == 0 {
		return 0, false, nil
	}

	state := existing.State()
	if s, ok := stored["state"].Value.(string); ok && s != "" {
		state = s
	}
	if err := d.vol.seqno.Commit(); err != nil {
		return 0, false, err
	}
	if err := d.vol.store.PutProps(ctx, d.spec.Name, guid, state, stored); err != nil {
		return 0, false, err
	}
	d.noteWrite(guid, stored, "update")
	return seqno, true, nil
}

// Query describes a find call.
type Query struct {
	Query          string
	Offset         int
	Limit          int
	OrderBy        string // property name, "-" prefix for descending
	Filters        map[string]string
	IncludeDeleted bool
}

// Find runs the read path with full-text and order-by over declared
// properties. Returns the page and the total match count.
func (d *Directory) Find(ctx context.Context, q Query) ([]*Resource, int, error) {
	var terms []string
	if q.Query != "" {
		terms = strings.Fields(q.Query)
	}
	guids, err := d.vol.store.ListGUIDs(ctx, d.spec.Name, q.IncludeDeleted, terms)
	if err != nil {
		return nil, 0, err
	}
	var matched []*Resource
	for _, guid := range guids {
		res, err := d.GetAny(ctx, guid)
		if err != nil {
			return nil, 0, err
		}
		if matchFilters(res, q.Filters) {
			matched = append(matched, res)
		}
	}
	if q.OrderBy != "" {
		orderBy := q.OrderBy
		desc := strings.HasPrefix(orderBy, "-")
		orderBy = strings.TrimPrefix(orderBy, "-")
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(matched[i].Get(orderBy), matched[j].Get(orderBy)) < 0
			if desc {
				return !less
			}
			return less
		})
	}
	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func matchFilters(res *Resource, filters map[string]string) bool {
	for prop, want := range filters {
		value := res.Get(prop)
		switch v := value.(type) {
		case string:
			if v != want {
				return false
			}
		case []any:
			found := false
			for _, item := range v {
				if s, ok := item.(string); ok && s == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case float64:
			if fmt.Sprintf("%v", v) != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compareValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func (d *Directory) buildValue(spec *PropSpec, raw any, ts int64, principal Principal) (Meta, error) {
	if spec.Kind == KindAggregated {
		merged, _ := mergeAggregatedUpdate(nil, raw, ts, principal, d.vol.seqno)
		return Meta{Value: merged, Mtime: ts, Seqno: d.vol.seqno.Next()}, nil
	}
	meta := Meta{Value: normalizeValue(spec, raw), Mtime: ts}
	if spec.ACL&(ACLLocal|ACLCalc) == 0 {
		meta.Seqno = d.vol.seqno.Next()
	}
	return meta, nil
}

func normalizeValue(spec *PropSpec, raw any) any {
	if spec.Localized {
		if s, ok := raw.(string); ok {
			return map[string]any{"en": s}
		}
	}
	return raw
}

func (d *Directory) checkWriteACL(spec *PropSpec, res *Resource, principal Principal) error {
	var need ACL
	if spec.Kind == KindAggregated {
		need = ACLInsert | ACLRemove | ACLReplace | ACLWrite
	} else {
		need = ACLWrite
	}
	if spec.ACL&need == 0 && spec.ACL&ACLCalc == 0 {
		return fmt.Errorf("%w: property %q is read-only", ErrForbidden, spec.Name)
	}
	if spec.ACL&ACLAuthor != 0 {
		if principal == nil {
			return fmt.Errorf("%w: property %q requires an author", ErrForbidden, spec.Name)
		}
		if !principal.Cap(CapAuthorOverride) && !res.IsAuthor(principal.UserID()) {
			return fmt.Errorf("%w: %q is not an author", ErrForbidden, principal.UserID())
		}
	}
	return nil
}

// mergeAggregatedUpdate applies a local aggregated write {subkey: value|nil}.
func mergeAggregatedUpdate(current, raw any, ts int64, principal Principal, seq *Seqno) (any, bool) {
	entries := DecodeAggregated(current)
	patch, ok := raw.(map[string]any)
	if !ok {
		return current, false
	}
	changed := false
	for subkey, value := range patch {
		entry := AggEntry{Ctime: ts, Seqno: seq.Next()}
		if value != nil {
			entry.Value = value
			if principal != nil {
				entry.Author = principal.UserID()
			}
		}
		entries[subkey] = entry
		changed = true
	}
	if !changed {
		return current, false
	}
	return EncodeAggregated(entries), true
}

// mergeAggregatedPatch merges incoming sub-entries per-subkey by ctime.
// Sub-entry seqno is set at apply time. A later entry with a fresh ctime may
// resurrect a tombstoned subkey.
func mergeAggregatedPatch(current, incoming any, take func() int64) (any, bool) {
	entries := DecodeAggregated(current)
	patch := DecodeAggregated(incoming)
	changed := false
	for subkey, entry := range patch {
		existing, has := entries[subkey]
		if has && entry.Ctime <= existing.Ctime {
			continue
		}
		entry.Seqno = take()
		entries[subkey] = entry
		changed = true
	}
	if !changed {
		return current, false
	}
	return EncodeAggregated(entries), true
}

func (d *Directory) noteWrite(guid string, stored map[string]Meta, event string) {
	d.vol.noteWrite(d.spec.Name, guid, stored, event)
}
