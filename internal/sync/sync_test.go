package sync

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
)

type testPrincipal struct{ id string }

func (p testPrincipal) UserID() string         { return p.id }
func (p testPrincipal) UserName() string       { return p.id }
func (p testPrincipal) Cap(db.Capability) bool { return false }

func openVolume(t *testing.T) *db.Volume {
	t.Helper()
	vol, err := db.OpenVolume(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	t.Cleanup(func() { _ = vol.Close() })
	return vol
}

func createContext(t *testing.T, vol *db.Volume, title string) string {
	t.Helper()
	contexts, _ := vol.Directory("context")
	guid, err := contexts.Create(context.Background(), map[string]any{
		"type":  []any{"activity"},
		"title": title,
	}, testPrincipal{id: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return guid
}

func title(t *testing.T, vol *db.Volume, guid string) string {
	t.Helper()
	contexts, _ := vol.Directory("context")
	res, err := contexts.Get(context.Background(), guid)
	if err != nil {
		t.Fatalf("Get %s: %v", guid, err)
	}
	return res.GetLocalized("title", "en")
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	pw, err := NewPacketWriter(&buf, Header{GUID: "p1", Sender: "n1", To: "n2"})
	if err != nil {
		t.Fatalf("NewPacketWriter: %v", err)
	}
	rows := []Row{
		{Type: "pull", Ranges: ranges.Ranges{{Lo: 1, Hi: ranges.Inf}}},
		{Type: "diff", Resource: "context"},
		{Type: "diff", GUID: "g1", Patch: map[string]db.Meta{"title": {Value: "t", Mtime: 10}}},
		{Type: "diff", Commit: ranges.Ranges{{Lo: 1, Hi: 4}}},
	}
	for _, row := range rows {
		if err := pw.WriteRow(row, nil); err != nil {
			t.Fatalf("WriteRow: %v", err)
		}
	}
	payload := []byte("blob bytes")
	blobRow := Row{Type: "diff", Blob: &db.BlobMeta{Digest: "d1", ContentLength: int64(len(payload))}, BlobSize: int64(len(payload))}
	if err := pw.WriteRow(blobRow, bytes.NewReader(payload)); err != nil {
		t.Fatalf("WriteRow blob: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pr, err := NewPacketReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewPacketReader: %v", err)
	}
	if h := pr.Header(); h.GUID != "p1" || h.Sender != "n1" || h.To != "n2" || h.Subject != Subject {
		t.Fatalf("header mangled: %+v", h)
	}
	var got []Row
	var gotPayload []byte
	for {
		row, data, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, row)
		if data != nil {
			gotPayload = data
		}
	}
	if len(got) != len(rows)+1 {
		t.Fatalf("expected %d rows, got %d", len(rows)+1, len(got))
	}
	if got[0].Ranges.String() != rows[0].Ranges.String() {
		t.Fatalf("pull row mangled: %+v", got[0])
	}
	if got[3].Commit == nil || got[1].Commit != nil {
		t.Fatalf("commit discrimination broken: %+v %+v", got[1], got[3])
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mangled: %q", gotPayload)
	}
}

func TestPacketChecksumDetectsCorruption(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	pw, _ := NewPacketWriter(&buf, Header{GUID: "p1"})
	if err := pw.WriteRow(Row{Type: "pull"}, nil); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// flip a payload byte under the gzip layer and rebuild the stream
	gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	var corrupt bytes.Buffer
	cw := gzip.NewWriter(&corrupt)
	cw.Write(raw)
	cw.Close()

	pr, err := NewPacketReader(bytes.NewReader(corrupt.Bytes()))
	if err != nil {
		t.Fatalf("NewPacketReader: %v", err)
	}
	if _, _, err := pr.Next(); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("expected checksum failure, got %v", err)
	}
}

func TestPacketRejectsForeignSubject(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	writeFrame(gz, []byte(`{"subject":"something else","guid":"p"}`))
	gz.Close()
	if _, err := NewPacketReader(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatalf("foreign subject accepted")
	}
}

func TestOnlineSyncRoundTrip(t *testing.T) {
	t.Parallel()
	master := openVolume(t)
	slave := openVolume(t)
	guid := createContext(t, master, "t1")

	// cycle 1: slave pulls everything, pushes nothing
	var req, resp bytes.Buffer
	x := Exchange{Pull: ranges.Ranges{{Lo: 1, Hi: ranges.Inf}}}
	if err := WriteSyncRequest(context.Background(), &req, slave, "slave", "master", x); err != nil {
		t.Fatalf("WriteSyncRequest: %v", err)
	}
	if err := ServeSync(context.Background(), master, "master", &req, &resp); err != nil {
		t.Fatalf("ServeSync: %v", err)
	}
	result, err := ReadSyncResponse(context.Background(), slave, &resp)
	if err != nil {
		t.Fatalf("ReadSyncResponse: %v", err)
	}
	if result.Pulled.Empty() {
		t.Fatalf("nothing pulled: %+v", result)
	}
	if result.Stamped.Empty() {
		t.Fatalf("applying the pull must report local stamps: %+v", result)
	}
	if got := title(t, slave, guid); got != "t1" {
		t.Fatalf("slave title = %q, want t1", got)
	}

	// slave edits the title; a later mtime so the master accepts it
	contexts, _ := slave.Directory("context")
	res, _ := contexts.Get(context.Background(), guid)
	editAt := res.Props["title"].Mtime + 100
	pushLo := slave.Seqno().Value() + 1
	if _, applied, err := contexts.Patch(context.Background(), guid, map[string]db.Meta{
		"title": {Value: map[string]any{"en": "t2"}, Mtime: editAt},
	}, func() int64 { return slave.Seqno().Next() }); err != nil || !applied {
		t.Fatalf("Patch: applied=%v err=%v", applied, err)
	}

	// cycle 2: push the edit
	req.Reset()
	resp.Reset()
	pull := x.Pull.Clone()
	if err := pull.ExcludeRanges(result.Pulled); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	x2 := Exchange{Pull: pull, Push: ranges.Ranges{{Lo: pushLo, Hi: ranges.Inf}}}
	if err := WriteSyncRequest(context.Background(), &req, slave, "slave", "master", x2); err != nil {
		t.Fatalf("WriteSyncRequest: %v", err)
	}
	if err := ServeSync(context.Background(), master, "master", &req, &resp); err != nil {
		t.Fatalf("ServeSync: %v", err)
	}
	result, err = ReadSyncResponse(context.Background(), slave, &resp)
	if err != nil {
		t.Fatalf("ReadSyncResponse: %v", err)
	}
	if result.Acked.Empty() {
		t.Fatalf("push not acknowledged: %+v", result)
	}
	if !result.Failed.Empty() {
		t.Fatalf("unexpected failed ranges: %v", result.Failed)
	}
	if result.Echo.Empty() {
		t.Fatalf("ack must report the master-side stamps for the push: %+v", result)
	}
	if got := title(t, master, guid); got != "t2" {
		t.Fatalf("master title = %q, want t2", got)
	}
}

func TestOnlineSyncFailedPush(t *testing.T) {
	t.Parallel()
	master := openVolume(t)

	// a patch row with no preceding resource header is malformed
	var req, resp bytes.Buffer
	pw, err := NewPacketWriter(&req, Header{GUID: "p", Sender: "slave", To: "master"})
	if err != nil {
		t.Fatalf("NewPacketWriter: %v", err)
	}
	pw.WriteRow(Row{Type: "pull", Ranges: ranges.Ranges{}}, nil)
	pw.WriteRow(Row{Type: "diff", GUID: "g1", Patch: map[string]db.Meta{"title": {Value: "x", Mtime: 1}}}, nil)
	pw.WriteRow(Row{Type: "diff", Commit: ranges.Ranges{{Lo: 5, Hi: 9}}}, nil)
	if err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := ServeSync(context.Background(), master, "master", &req, &resp); err != nil {
		t.Fatalf("ServeSync: %v", err)
	}
	pr, err := NewPacketReader(bytes.NewReader(resp.Bytes()))
	if err != nil {
		t.Fatalf("NewPacketReader: %v", err)
	}
	row, _, err := pr.Next()
	if err != nil || row.Type != "ack" {
		t.Fatalf("expected leading ack, got %+v err=%v", row, err)
	}
	if row.Ranges.String() != "[5,9]" {
		t.Fatalf("failed range should cover the claimed push, got %v", row.Ranges)
	}
	if !row.Ack.Empty() {
		t.Fatalf("nothing should be acked, got %v", row.Ack)
	}
}

func TestOfflineBatchRemap(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	batch := OpenBatch(filepath.Join(t.TempDir(), "requests"))

	if err := batch.Append(Request{
		Op: "create", Resource: "context", GUID: "tmp-1",
		Props: map[string]any{"type": []any{"activity"}, "title": "offline"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := batch.Append(Request{
		Op: "update", Resource: "context", GUID: "tmp-1",
		Props: map[string]any{"summary": "written later"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	meta, err := batch.Apply(context.Background(), vol, testPrincipal{id: "u1"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(meta.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", meta.Failed)
	}
	assigned := meta.GUIDMap["tmp-1"]
	if assigned == "" {
		t.Fatalf("provisional GUID not remapped: %+v", meta)
	}
	contexts, _ := vol.Directory("context")
	res, err := contexts.Get(context.Background(), assigned)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.GetLocalized("summary", "en") != "written later" {
		t.Fatalf("update missed the remapped GUID: %v", res.Get("summary"))
	}
	if batch.Pending() {
		t.Fatalf("batch file should be unlinked after full success")
	}
}

func TestOfflineBatchRetainsFailures(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	batch := OpenBatch(filepath.Join(t.TempDir(), "requests"))

	batch.Append(Request{Op: "create", Resource: "context", Props: map[string]any{"type": []any{"activity"}, "title": "ok"}})
	batch.Append(Request{Op: "update", Resource: "context", GUID: "no-such", Props: map[string]any{"summary": "x"}})

	meta, err := batch.Apply(context.Background(), vol, testPrincipal{id: "u1"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(meta.Failed) != 1 || meta.Failed[0] != 1 {
		t.Fatalf("expected record 1 to fail, got %v", meta.Failed)
	}
	if !batch.Pending() {
		t.Fatalf("batch must be retained while records fail")
	}

	// the retry replays only the failed record
	contexts, _ := vol.Directory("context")
	before, _, _ := contexts.Find(context.Background(), db.Query{})
	meta, err = batch.Apply(context.Background(), vol, testPrincipal{id: "u1"})
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if len(meta.Failed) != 1 {
		t.Fatalf("failure should persist, got %v", meta.Failed)
	}
	after, _, _ := contexts.Find(context.Background(), db.Query{})
	if len(after) != len(before) {
		t.Fatalf("retry duplicated the created resource")
	}
}

func freeNone(string) (int64, error) { return 0, nil }

func TestSneakernetChainAcrossVolumes(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	guid := createContext(t, src, "carried")

	dirA := t.TempDir()
	dirB := t.TempDir()
	w, err := NewDirWriter(dirA, "node-a", "node-b", DirWriterOptions{
		Reserved: 64, // force a rotation on every row
		Free:     freeNone,
		Swap:     func() (string, error) { return dirB, nil },
	})
	if err != nil {
		t.Fatalf("NewDirWriter: %v", err)
	}
	push := ranges.Ranges{{Lo: 1, Hi: ranges.Inf}}
	pullWant := ranges.Ranges{{Lo: 7, Hi: ranges.Inf}}
	if err := ExportVolume(context.Background(), src, w, push, pullWant); err != nil {
		t.Fatalf("ExportVolume: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	countPackets := func(dir string) int {
		entries, _ := os.ReadDir(dir)
		n := 0
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), PacketSuffix) {
				n++
			}
		}
		return n
	}
	if countPackets(dirA) != 1 || countPackets(dirB) < 1 {
		t.Fatalf("expected the chain to span both volumes: a=%d b=%d", countPackets(dirA), countPackets(dirB))
	}

	// the second volume alone is an incomplete chain: nothing merges
	dst := openVolume(t)
	result, err := ImportDir(context.Background(), dst, dirB, "node-b")
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if len(result.Buffered) == 0 {
		t.Fatalf("incomplete chain should be buffered: %+v", result)
	}
	if !result.Synced.Empty() {
		t.Fatalf("syn must wait for missing parts, got %v", result.Synced)
	}
	contexts, _ := dst.Directory("context")
	if ok, _ := contexts.Available(context.Background(), guid); ok {
		t.Fatalf("diff should not merge before the chain is complete")
	}

	// copy the head packet over; now the chain resolves
	entries, _ := os.ReadDir(dirA)
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(dirA, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dirB, e.Name()), raw, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	result, err = ImportDir(context.Background(), dst, dirB, "node-b")
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if len(result.Buffered) != 0 {
		t.Fatalf("chain still buffered: %+v", result)
	}
	if result.Synced.Empty() {
		t.Fatalf("syn rows should merge once the chain is whole")
	}
	if result.Pull.String() != pullWant.String() {
		t.Fatalf("pull request lost: %v", result.Pull)
	}
	if got := title(t, dst, guid); got != "carried" {
		t.Fatalf("context not imported, title=%q", got)
	}

	// re-import is a no-op
	seqnoBefore := dst.Seqno().Value()
	if _, err := ImportDir(context.Background(), dst, dirB, "node-b"); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if dst.Seqno().Value() != seqnoBefore {
		t.Fatalf("re-import advanced seqno: %d -> %d", seqnoBefore, dst.Seqno().Value())
	}
	if got := title(t, dst, guid); got != "carried" {
		t.Fatalf("re-import changed state, title=%q", got)
	}
}

func TestSneakernetSynPacketDependencies(t *testing.T) {
	t.Parallel()
	src := openVolume(t)
	createContext(t, src, "claimed")

	dir := t.TempDir()
	w, err := NewDirWriter(dir, "node-a", "node-b", DirWriterOptions{})
	if err != nil {
		t.Fatalf("NewDirWriter: %v", err)
	}
	push := ranges.Ranges{{Lo: 1, Hi: ranges.Inf}}
	if err := ExportVolume(context.Background(), src, w, push, ranges.Ranges{}); err != nil {
		t.Fatalf("ExportVolume: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the syn row names the packets its diff was written into
	f, err := os.Open(filepath.Join(dir, w.GUID()+PacketSuffix))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	pr, err := NewPacketReader(f)
	if err != nil {
		t.Fatalf("NewPacketReader: %v", err)
	}
	var packets []string
	found := false
	for {
		row, _, err := pr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if row.Type == "syn" {
			found = true
			packets = row.Packets
		}
	}
	if !found {
		t.Fatalf("no syn row exported")
	}
	if len(packets) != 1 || packets[0] != w.GUID() {
		t.Fatalf("syn packets = %v, want [%s]", packets, w.GUID())
	}

	// present dependencies merge
	dst := openVolume(t)
	result, err := ImportDir(context.Background(), dst, dir, "node-b")
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if result.Synced.Empty() {
		t.Fatalf("syn with its packets on the media should merge: %+v", result)
	}

	// a syn naming a packet absent from the media does not merge
	lone := t.TempDir()
	lf, err := os.Create(filepath.Join(lone, "p1"+PacketSuffix))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pw, err := NewPacketWriter(lf, Header{GUID: "p1", Sender: "node-c"})
	if err != nil {
		t.Fatalf("NewPacketWriter: %v", err)
	}
	syn := Row{Type: "syn", Ranges: ranges.Ranges{{Lo: 1, Hi: 3}}, Packets: []string{"p1", "gone"}}
	if err := pw.WriteRow(syn, nil); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	lf.Close()

	result, err = ImportDir(context.Background(), dst, lone, "node-b")
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if !result.Synced.Empty() {
		t.Fatalf("syn merged despite a missing dependency packet: %v", result.Synced)
	}
}

func TestSneakernetRecyclesOwnPackets(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	dir := t.TempDir()

	w, err := NewDirWriter(dir, "node-a", "node-b", DirWriterOptions{})
	if err != nil {
		t.Fatalf("NewDirWriter: %v", err)
	}
	if err := w.WriteRow(Row{Type: "pull", Ranges: ranges.Ranges{{Lo: 1, Hi: ranges.Inf}}}, nil); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the packet comes back to its author
	result, err := ImportDir(context.Background(), vol, dir, "node-a")
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if len(result.Recycled) != 1 {
		t.Fatalf("own packet should be recycled: %+v", result)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("packet file should be deleted, found %d entries", len(entries))
	}
}
