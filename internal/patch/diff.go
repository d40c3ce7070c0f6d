package patch

import (
	"context"
	"io"
	"regexp"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
)

// DiffOptions bound one diff stream.
type DiffOptions struct {
	Include ranges.Ranges // seqnos the caller lacks
	Exclude ranges.Ranges // seqnos already acknowledged
	Files   []string      // named file directories to include
	OneWay  bool          // skip one-way directories
	Blobs   bool          // include general-pool blob payloads
}

type diffStep struct {
	dir  string
	guid string
	blob *db.BlobMeta
	file *db.FileMeta
}

// Differ lazily yields the change stream for a seqno window. The consumer
// may Stop at any point; the next call then yields a commit covering what
// was already emitted, so partial transfers are not wasted.
type Differ struct {
	vol      *db.Volume
	opts     DiffOptions
	steps    []diffStep
	idx      int
	lastDir  string
	last     int64
	prepared bool
	stopped  bool
	done     bool
}

// NewDiffer builds a diff stream over the volume.
func NewDiffer(vol *db.Volume, opts DiffOptions) *Differ {
	return &Differ{vol: vol, opts: opts}
}

// Stop cancels the stream; the following Next returns the commit record.
func (d *Differ) Stop() { d.stopped = true }

// Next yields the next record or io.EOF after the terminal commit.
func (d *Differ) Next(ctx context.Context) (*Record, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.prepared {
		if err := d.prepare(ctx); err != nil {
			return nil, err
		}
		d.prepared = true
	}
	for !d.stopped && d.idx < len(d.steps) {
		step := d.steps[d.idx]
		switch {
		case step.blob != nil:
			d.idx++
			meta, payload, err := d.vol.Blobs().Get(ctx, step.blob.Digest)
			if err != nil {
				return nil, err
			}
			d.noteSeqno(meta.Seqno)
			return &Record{Blob: meta, Payload: payload}, nil
		case step.file != nil:
			d.idx++
			meta, payload, err := d.vol.Blobs().GetFile(ctx, step.file.Dir, step.file.Path)
			if err != nil {
				return nil, err
			}
			d.noteSeqno(meta.Seqno)
			return &Record{File: meta, Payload: payload}, nil
		default:
			if step.dir != d.lastDir {
				d.lastDir = step.dir
				return &Record{Resource: step.dir}, nil
			}
			d.idx++
			rec, err := d.patchRecord(ctx, step.dir, step.guid)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				continue
			}
			return rec, nil
		}
	}
	d.done = true
	return &Record{Commit: d.commit()}, nil
}

func (d *Differ) commit() ranges.Ranges {
	lo := d.opts.Include.First()
	if lo == 0 || d.last < lo {
		return ranges.Ranges{}
	}
	return ranges.Ranges{{Lo: lo, Hi: d.last}}
}

func (d *Differ) noteSeqno(seqno int64) {
	if seqno > d.last {
		d.last = seqno
	}
}

func (d *Differ) prepare(ctx context.Context) error {
	window := d.opts.Include.Clone()
	if err := window.ExcludeRanges(d.opts.Exclude); err != nil {
		return err
	}
	d.opts.Include = window

	seen := make(map[string]bool)
	for _, dir := range d.vol.Directories() {
		if d.opts.OneWay && dir.OneWay() {
			continue
		}
		for _, span := range window {
			hi := span.Hi
			if hi == ranges.Inf {
				hi = d.vol.Seqno().Value()
			}
			if hi < span.Lo {
				continue
			}
			guids, err := d.vol.Store().GUIDsInRange(ctx, dir.Name(), span.Lo, hi)
			if err != nil {
				return err
			}
			for _, guid := range guids {
				key := dir.Name() + "/" + guid
				if seen[key] {
					continue
				}
				seen[key] = true
				d.steps = append(d.steps, diffStep{dir: dir.Name(), guid: guid})
			}
		}
	}
	if d.opts.Blobs {
		for _, span := range window {
			hi := span.Hi
			if hi == ranges.Inf {
				hi = d.vol.Seqno().Value()
			}
			if hi < span.Lo {
				continue
			}
			blobs, err := d.vol.Blobs().InRange(ctx, span.Lo, hi)
			if err != nil {
				return err
			}
			for i := range blobs {
				d.steps = append(d.steps, diffStep{blob: &blobs[i]})
			}
		}
	}
	for _, fileDir := range d.opts.Files {
		for _, span := range window {
			hi := span.Hi
			if hi == ranges.Inf {
				hi = d.vol.Seqno().Value()
			}
			if hi < span.Lo {
				continue
			}
			files, err := d.vol.Blobs().FilesInRange(ctx, fileDir, span.Lo, hi)
			if err != nil {
				return err
			}
			for i := range files {
				d.steps = append(d.steps, diffStep{file: &files[i]})
			}
		}
	}
	return nil
}

// patchRecord snapshots one resource's in-window properties at yield time.
func (d *Differ) patchRecord(ctx context.Context, dirName, guid string) (*Record, error) {
	dir, err := d.vol.Directory(dirName)
	if err != nil {
		return nil, err
	}
	res, err := dir.GetAny(ctx, guid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]db.Meta)
	for name, meta := range res.Props {
		spec := dir.Spec().Prop(name)
		if spec == nil || spec.ACL&db.ACLLocal != 0 {
			continue
		}
		if spec.Kind == db.KindAggregated {
			entries := db.DecodeAggregated(meta.Value)
			filtered := make(map[string]db.AggEntry)
			for subkey, entry := range entries {
				if entry.Seqno == 0 || !d.opts.Include.Contains(entry.Seqno) {
					continue
				}
				d.noteSeqno(entry.Seqno)
				entry.Seqno = 0
				filtered[subkey] = entry
			}
			if len(filtered) == 0 {
				continue
			}
			out[name] = db.Meta{Value: db.EncodeAggregated(filtered), Mtime: meta.Mtime}
			continue
		}
		if meta.Seqno == 0 || !d.opts.Include.Contains(meta.Seqno) {
			continue
		}
		d.noteSeqno(meta.Seqno)
		out[name] = db.Meta{Value: meta.Value, Mtime: meta.Mtime}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &Record{GUID: guid, Patch: out}, nil
}

var digestPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// DiffResource produces a single-resource diff with its referenced blobs,
// used when a client first checks in a remote object.
func DiffResource(ctx context.Context, vol *db.Volume, dirName, guid string) ([]*Record, error) {
	dir, err := vol.Directory(dirName)
	if err != nil {
		return nil, err
	}
	res, err := dir.GetAny(ctx, guid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]db.Meta)
	var digests []string
	collect := func(value any) {
		if s, ok := value.(string); ok && digestPattern.MatchString(s) {
			digests = append(digests, s)
		}
	}
	for name, meta := range res.Props {
		spec := dir.Spec().Prop(name)
		if spec == nil || spec.ACL&db.ACLLocal != 0 {
			continue
		}
		if spec.Kind == db.KindBlob {
			collect(meta.Value)
		}
		if spec.Kind == db.KindAggregated {
			for _, entry := range db.DecodeAggregated(meta.Value) {
				if sub, ok := entry.Value.(map[string]any); ok {
					walkDigests(sub, collect)
				}
			}
		}
		meta.Seqno = 0
		out[name] = meta
	}
	records := []*Record{
		{Resource: dirName},
		{GUID: guid, Patch: out},
	}
	for _, digest := range digests {
		meta, payload, err := vol.Blobs().Get(ctx, digest)
		if err != nil {
			continue // orphan reference; receiver fetches on demand
		}
		records = append(records, &Record{Blob: meta, Payload: payload})
	}
	return records, nil
}

func walkDigests(value map[string]any, collect func(any)) {
	for _, sub := range value {
		switch v := sub.(type) {
		case map[string]any:
			walkDigests(v, collect)
		default:
			collect(v)
		}
	}
}
