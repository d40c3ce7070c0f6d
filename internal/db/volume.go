package db

import (
	"fmt"
	"os"
	"sync"
)

// Event is one broadcast record delivered to subscribers.
type Event map[string]any

// Volume groups typed directories of resources plus a content-addressed
// blob store, all bound to one shared seqno.
type Volume struct {
	layout   Layout
	store    *Store
	seqno    *Seqno
	releases *Seqno
	blobs    *BlobStore
	dirs     map[string]*Directory
	order    []string

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// OpenVolume opens or creates a volume at root with the given resource set.
func OpenVolume(root string, specs []*ResourceSpec) (*Volume, error) {
	if root == "" {
		return nil, fmt.Errorf("db: volume root required")
	}
	if len(specs) == 0 {
		specs = StandardResources()
	}
	layout := NewLayout(root)
	for _, dir := range []string{layout.Root, layout.BlobsDir, layout.FilesDir, layout.VarDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := OpenStore(layout.IndexPath)
	if err != nil {
		return nil, err
	}
	seqno, err := OpenSeqno(layout.SeqnoPath())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	releases, err := OpenSeqno(layout.ReleaseSeqnoPath())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	vol := &Volume{
		layout:   layout,
		store:    store,
		seqno:    seqno,
		releases: releases,
		dirs:     make(map[string]*Directory, len(specs)),
		subs:     make(map[int]chan Event),
	}
	vol.blobs = &BlobStore{layout: layout, store: store}
	for _, spec := range specs {
		if err := validateSpec(spec); err != nil {
			_ = store.Close()
			return nil, err
		}
		vol.dirs[spec.Name] = &Directory{spec: spec, vol: vol}
		vol.order = append(vol.order, spec.Name)
	}
	return vol, nil
}

// Close flushes counters and closes the index.
func (v *Volume) Close() error {
	if err := v.seqno.Commit(); err != nil {
		return err
	}
	if err := v.releases.Commit(); err != nil {
		return err
	}
	return v.store.Close()
}

// Directory returns a typed directory by resource name.
func (v *Volume) Directory(name string) (*Directory, error) {
	dir, ok := v.dirs[name]
	if !ok {
		return nil, fmt.Errorf("%w: no resource type %q", ErrNotFound, name)
	}
	return dir, nil
}

// Directories returns every directory in declaration order.
func (v *Volume) Directories() []*Directory {
	out := make([]*Directory, 0, len(v.order))
	for _, name := range v.order {
		out = append(out, v.dirs[name])
	}
	return out
}

// Blobs returns the volume's blob store.
func (v *Volume) Blobs() *BlobStore { return v.blobs }

// Seqno returns the general stream counter.
func (v *Volume) Seqno() *Seqno { return v.seqno }

// ReleaseSeqno returns the counter that invalidates cached solutions.
func (v *Volume) ReleaseSeqno() *Seqno { return v.releases }

// Store exposes the underlying index for the diff engine and housekeeping.
func (v *Volume) Store() *Store { return v.store }

// Layout returns the on-disk layout.
func (v *Volume) Layout() Layout { return v.layout }

// Subscribe registers an event channel; the returned func unsubscribes.
func (v *Volume) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	v.mu.Unlock()
	return ch, func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
		// drain so a blocked Broadcast cannot leak
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
}

// Broadcast delivers an event to every subscriber without blocking.
func (v *Volume) Broadcast(event Event) {
	v.mu.Lock()
	for _, ch := range v.subs {
		select {
		case ch <- event:
		default:
		}
	}
	v.mu.Unlock()
}

// releaseProps are the context properties whose writes advance the release
// seqno so clients invalidate cached solutions.
var releaseProps = map[string]bool{
	"releases":     true,
	"state":        true,
	"dependencies": true,
}

func (v *Volume) noteWrite(directory, guid string, stored map[string]Meta, event string) {
	v.Broadcast(Event{"event": event, "resource": directory, "guid": guid})
	if directory != "context" {
		return
	}
	for prop := range stored {
		if releaseProps[prop] {
			seqno := v.releases.Next()
			if err := v.releases.Commit(); err == nil {
				v.Broadcast(Event{"event": "release", "seqno": seqno})
			}
			return
		}
	}
}
