package db

import (
	"encoding/json"
	"time"
)

// Meta is the stored form of one property: value plus replication metadata.
// Mtime is authoritative for conflict resolution; Seqno is absent on LOCAL
// and CALC properties.
type Meta struct {
	Value any   `json:"value"`
	Mtime int64 `json:"mtime"`
	Seqno int64 `json:"seqno,omitempty"`
}

// AggEntry is one sub-entry of an aggregated property. A nil Value is a
// tombstone; Ctime is the per-subkey last-writer-wins timestamp.
type AggEntry struct {
	Value  any    `json:"value,omitempty"`
	Ctime  int64  `json:"ctime"`
	Seqno  int64  `json:"seqno,omitempty"`
	Author string `json:"author,omitempty"`
}

// Tombstone reports whether the entry marks a removed subkey.
func (e AggEntry) Tombstone() bool { return e.Value == nil }

// Author is one entry of the resource author map.
type Author struct {
	Name string `json:"name"`
	Role int    `json:"role"`
}

// Resource is a named container of typed properties identified by GUID.
type Resource struct {
	GUID      string
	Directory string
	Props     map[string]Meta
}

// Seqno returns the max per-property seqno.
func (r *Resource) Seqno() int64 {
	var max int64
	for _, meta := range r.Props {
		if meta.Seqno > max {
			max = meta.Seqno
		}
	}
	return max
}

// State returns the lifecycle state, defaulting to active.
func (r *Resource) State() string {
	if s, ok := r.Props["state"].Value.(string); ok && s != "" {
		return s
	}
	return StateActive
}

// Get returns the raw property value or nil.
func (r *Resource) Get(prop string) any {
	return r.Props[prop].Value
}

// GetString returns a scalar property as a string.
func (r *Resource) GetString(prop string) string {
	s, _ := r.Props[prop].Value.(string)
	return s
}

// GetLocalized resolves a localized scalar for the requested language,
// falling back to "en" and then to any available translation.
func (r *Resource) GetLocalized(prop, lang string) string {
	switch v := r.Props[prop].Value.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v[lang].(string); ok {
			return s
		}
		if s, ok := v["en"].(string); ok {
			return s
		}
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Authors decodes the author map.
func (r *Resource) Authors() map[string]Author {
	agg := DecodeAggregated(r.Props["author"].Value)
	out := make(map[string]Author, len(agg))
	for guid, entry := range agg {
		if entry.Tombstone() {
			continue
		}
		var a Author
		if err := reencode(entry.Value, &a); err == nil {
			out[guid] = a
		}
	}
	return out
}

// IsAuthor reports whether the given user appears in the author map.
func (r *Resource) IsAuthor(userID string) bool {
	_, ok := r.Authors()[userID]
	return ok
}

// DecodeAggregated normalizes a stored aggregated value into subkey entries.
func DecodeAggregated(value any) map[string]AggEntry {
	out := make(map[string]AggEntry)
	raw, ok := value.(map[string]any)
	if !ok {
		if typed, ok := value.(map[string]AggEntry); ok {
			return typed
		}
		return out
	}
	for key, sub := range raw {
		var entry AggEntry
		if err := reencode(sub, &entry); err != nil {
			continue
		}
		out[key] = entry
	}
	return out
}

// EncodeAggregated converts subkey entries back into a storable value.
func EncodeAggregated(entries map[string]AggEntry) any {
	out := make(map[string]any, len(entries))
	for key, entry := range entries {
		var plain map[string]any
		if err := reencode(entry, &plain); err == nil {
			out[key] = plain
		}
	}
	return out
}

func reencode(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

func now() int64 { return time.Now().Unix() }
