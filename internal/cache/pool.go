// Package cache keeps downloaded releases on disk under a free-space
// budget and drives the activity launch pipeline on top of them.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FSStat is a snapshot of the filesystem holding the pool. A zero Total
// marks a filesystem without block accounting; such a pool is unlimited.
type FSStat struct {
	Free  int64
	Total int64
}

// StatFunc probes the filesystem under path.
type StatFunc func(path string) (FSStat, error)

const indexName = "releases.index"

// PoolOptions configure the preemptive release pool.
type PoolOptions struct {
	Root         string // directory holding release payloads and the index
	LimitBytes   int64  // hard byte ceiling, 0 for none
	LimitPercent int64  // ceiling as percent of the filesystem, 0 for none
	Lifetime     time.Duration
	Stat         StatFunc
	Now          func() time.Time // test hook
}

type poolEntry struct {
	digest string
	size   int64
	mtime  int64
}

// Pool is an LRU of release blobs that may be recycled to keep free
// space above the configured limit. Entries are recycle candidates;
// popped blobs stay on disk but are exempt from eviction.
type Pool struct {
	opts    PoolOptions
	du      int64
	order   *list.List               // oldest candidate first
	entries map[string]*list.Element // digest -> element holding *poolEntry
}

// OpenPool loads the pool index from root, starting empty when absent.
func OpenPool(opts PoolOptions) (*Pool, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("cache: pool root required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, err
	}
	p := &Pool{
		opts:    opts,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
	if err := p.loadIndex(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the on-disk location of a pooled digest.
func (p *Pool) Path(digest string) string {
	return filepath.Join(p.opts.Root, digest)
}

// DU returns the bytes currently claimed by recycle candidates.
func (p *Pool) DU() int64 { return p.du }

// Push marks a blob as a recycle candidate and refreshes its use time.
func (p *Pool) Push(digest string, size int64) error {
	if el, ok := p.entries[digest]; ok {
		entry := el.Value.(*poolEntry)
		p.du += size - entry.size
		entry.size = size
		entry.mtime = p.opts.Now().Unix()
		p.order.MoveToBack(el)
	} else {
		entry := &poolEntry{digest: digest, size: size, mtime: p.opts.Now().Unix()}
		p.entries[digest] = p.order.PushBack(entry)
		p.du += size
	}
	return p.saveIndex()
}

// Pop removes a blob from the recycle candidates, keeping its payload.
// Returns the candidate size, or -1 when the digest was not pooled.
func (p *Pool) Pop(digest string) (int64, error) {
	el, ok := p.entries[digest]
	if !ok {
		return -1, nil
	}
	entry := el.Value.(*poolEntry)
	p.order.Remove(el)
	delete(p.entries, digest)
	p.du -= entry.size
	return entry.size, p.saveIndex()
}

// Contains reports whether the digest is a recycle candidate.
func (p *Pool) Contains(digest string) bool {
	_, ok := p.entries[digest]
	return ok
}

// Exists reports whether the digest payload is on disk, pooled or not.
func (p *Pool) Exists(digest string) bool {
	_, err := os.Stat(p.Path(digest))
	return err == nil
}

// Ensure verifies that reserving requested bytes keeps the pool within
// the free-space limit, evicting least-recently-used candidates as
// needed. It fails without evicting when even a full sweep would not
// free enough.
func (p *Pool) Ensure(requested, temp int64) error {
	toFree, err := p.toFree(requested, temp)
	if err != nil {
		return err
	}
	if toFree <= 0 {
		return nil
	}
	var available int64
	for el := p.order.Front(); el != nil; el = el.Next() {
		available += el.Value.(*poolEntry).size
	}
	if available < toFree {
		return fmt.Errorf("cache: need %d more bytes but only %d recyclable", toFree, available)
	}
	return p.evict(toFree, 0)
}

// Recycle evicts candidates older than the configured lifetime and then
// trims back under the free-space limit.
func (p *Pool) Recycle() error {
	if p.opts.Lifetime > 0 {
		deadline := p.opts.Now().Add(-p.opts.Lifetime).Unix()
		if err := p.evict(0, deadline); err != nil {
			return err
		}
	}
	toFree, err := p.toFree(0, 0)
	if err != nil {
		return err
	}
	if toFree <= 0 {
		return nil
	}
	return p.evict(toFree, 0)
}

// toFree computes the limit formula: max(limit, temp) - (free - requested).
func (p *Pool) toFree(requested, temp int64) (int64, error) {
	if p.opts.Stat == nil {
		return 0, nil
	}
	stat, err := p.opts.Stat(p.opts.Root)
	if err != nil {
		return 0, err
	}
	if stat.Total == 0 {
		return 0, nil
	}
	limit := p.opts.LimitBytes
	if p.opts.LimitPercent > 0 {
		byPercent := stat.Total * p.opts.LimitPercent / 100
		if limit == 0 || byPercent < limit {
			limit = byPercent
		}
	}
	if limit == 0 {
		return 0, nil
	}
	if temp > limit {
		limit = temp
	}
	return limit - (stat.Free - requested), nil
}

// evict removes candidates oldest first until freed covers toFree; with
// a non-zero deadline it instead removes every candidate used before it.
func (p *Pool) evict(toFree, deadline int64) error {
	var freed int64
	for el := p.order.Front(); el != nil; {
		entry := el.Value.(*poolEntry)
		if deadline > 0 {
			if entry.mtime >= deadline {
				break
			}
		} else if freed >= toFree {
			break
		}
		next := el.Next()
		if err := os.RemoveAll(p.Path(entry.digest)); err != nil {
			return err
		}
		p.order.Remove(el)
		delete(p.entries, entry.digest)
		p.du -= entry.size
		freed += entry.size
		el = next
	}
	return p.saveIndex()
}

// The index serializes as [du, [[digest, [size, mtime]], ...]].
func (p *Pool) saveIndex() error {
	rows := make([]any, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*poolEntry)
		rows = append(rows, []any{entry.digest, []int64{entry.size, entry.mtime}})
	}
	data, err := json.Marshal([]any{p.du, rows})
	if err != nil {
		return err
	}
	path := filepath.Join(p.opts.Root, indexName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Pool) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(p.opts.Root, indexName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc []json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || len(doc) != 2 {
		return fmt.Errorf("cache: corrupt %s", indexName)
	}
	if err := json.Unmarshal(doc[0], &p.du); err != nil {
		return fmt.Errorf("cache: corrupt %s", indexName)
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(doc[1], &rows); err != nil {
		return fmt.Errorf("cache: corrupt %s", indexName)
	}
	for _, row := range rows {
		if len(row) != 2 {
			return fmt.Errorf("cache: corrupt %s", indexName)
		}
		var digest string
		var pair [2]int64
		if err := json.Unmarshal(row[0], &digest); err != nil {
			return fmt.Errorf("cache: corrupt %s", indexName)
		}
		if err := json.Unmarshal(row[1], &pair); err != nil {
			return fmt.Errorf("cache: corrupt %s", indexName)
		}
		entry := &poolEntry{digest: digest, size: pair[0], mtime: pair[1]}
		p.entries[digest] = p.order.PushBack(entry)
	}
	return nil
}
