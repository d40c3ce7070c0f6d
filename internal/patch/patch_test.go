package patch

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
)

type testPrincipal struct{ id string }

func (p testPrincipal) UserID() string           { return p.id }
func (p testPrincipal) UserName() string         { return p.id }
func (p testPrincipal) Cap(db.Capability) bool   { return false }

func openVolume(t *testing.T) *db.Volume {
	t.Helper()
	vol, err := db.OpenVolume(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	t.Cleanup(func() { _ = vol.Close() })
	return vol
}

func drain(t *testing.T, d *Differ) []*Record {
	t.Helper()
	var out []*Record
	for {
		rec, err := d.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func seed(t *testing.T, vol *db.Volume) string {
	t.Helper()
	contexts, _ := vol.Directory("context")
	guid, err := contexts.Create(context.Background(), map[string]any{
		"type":  []any{"activity"},
		"title": "Maze",
	}, testPrincipal{id: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return guid
}

func TestDiffPatchRoundTrip(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	guid := seed(t, src)
	blob, err := src.Blobs().Post(context.Background(), bytes.NewReader([]byte("icon")), db.BlobMeta{ContentType: "image/svg+xml", Seqno: src.Seqno().Next()})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	include, _ := ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	records := drain(t, NewDiffer(src, DiffOptions{Include: include, Blobs: true}))
	if records[len(records)-1].Kind() != "commit" {
		t.Fatalf("missing terminal commit")
	}

	dst := openVolume(t)
	if _, _, err := ApplyRecords(context.Background(), dst, records, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	contexts, _ := dst.Directory("context")
	res, err := contexts.Get(context.Background(), guid)
	if err != nil {
		t.Fatalf("Get after apply: %v", err)
	}
	if res.GetLocalized("title", "en") != "Maze" {
		t.Fatalf("title lost: %v", res.Get("title"))
	}
	if !dst.Blobs().Exists(context.Background(), blob.Digest) {
		t.Fatalf("blob payload lost")
	}
}

func TestPatchIdempotence(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	seed(t, src)
	include, _ := ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	records := drain(t, NewDiffer(src, DiffOptions{Include: include}))

	dst := openVolume(t)
	if _, _, err := ApplyRecords(context.Background(), dst, records, true); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before := dst.Seqno().Value()
	if _, _, err := ApplyRecords(context.Background(), dst, records, true); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if dst.Seqno().Value() != before {
		t.Fatalf("second apply advanced seqno: %d -> %d", before, dst.Seqno().Value())
	}
}

func TestDifferCommitWindow(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	seed(t, src)
	last := src.Seqno().Value()

	include, _ := ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	records := drain(t, NewDiffer(src, DiffOptions{Include: include}))
	commit := records[len(records)-1].Commit
	if len(commit) != 1 || commit[0].Lo != 1 || commit[0].Hi != last {
		t.Fatalf("unexpected commit %v, want [1,%d]", commit, last)
	}

	// an empty window commits nothing
	empty, _ := ranges.New(ranges.Range{Lo: last + 1, Hi: ranges.Inf})
	records = drain(t, NewDiffer(src, DiffOptions{Include: empty}))
	if len(records) != 1 || len(records[0].Commit) != 0 {
		t.Fatalf("expected bare empty commit, got %+v", records)
	}
}

func TestDifferStopEmitsCommit(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	seed(t, src)
	seed(t, src)

	include, _ := ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	d := NewDiffer(src, DiffOptions{Include: include})

	var last int64
	// consume the first directory header and one patch record, then cancel
	for i := 0; i < 2; i++ {
		rec, err := d.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if rec.Kind() == "patch" {
			for _, meta := range rec.Patch {
				_ = meta
			}
		}
	}
	d.Stop()
	rec, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after stop: %v", err)
	}
	if rec.Kind() != "commit" {
		t.Fatalf("expected commit after stop, got %s", rec.Kind())
	}
	if len(rec.Commit) == 1 {
		last = rec.Commit[0].Hi
		if last >= src.Seqno().Value() {
			t.Fatalf("partial commit should not cover the whole stream")
		}
	}
	if _, err := d.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestOneWayDirectorySkipped(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	reports, _ := src.Directory("report")
	if _, err := reports.Create(context.Background(), map[string]any{"error": "crash"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	include, _ := ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	records := drain(t, NewDiffer(src, DiffOptions{Include: include, OneWay: true}))
	for _, rec := range records {
		if rec.Resource == "report" || (rec.Kind() == "patch" && rec.Resource != "") {
			t.Fatalf("one-way directory leaked into diff: %+v", rec)
		}
	}
}

func TestDiffResourceCollectsBlobs(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	blob, err := src.Blobs().Post(context.Background(), bytes.NewReader([]byte("svg")), db.BlobMeta{ContentType: "image/svg+xml"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	contexts, _ := src.Directory("context")
	guid, err := contexts.Create(context.Background(), map[string]any{
		"type":  []any{"activity"},
		"title": "t",
		"icon":  blob.Digest,
	}, testPrincipal{id: "u"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	records, err := DiffResource(context.Background(), src, "context", guid)
	if err != nil {
		t.Fatalf("DiffResource: %v", err)
	}
	var sawBlob bool
	for _, rec := range records {
		if rec.Kind() == "blob" {
			sawBlob = true
			if rec.Blob.Digest != blob.Digest {
				t.Fatalf("unexpected digest %s", rec.Blob.Digest)
			}
			rec.Payload.Close()
		}
	}
	if !sawBlob {
		t.Fatalf("referenced blob not packed")
	}
}
