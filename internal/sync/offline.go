package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/sugar-network/sugar/internal/db"
)

// BatchMeta is the sidecar state kept next to an offline batch file.
type BatchMeta struct {
	Principal string            `json:"principal"`
	GUIDMap   map[string]string `json:"guid_map"`
	Failed    []int             `json:"failed"`
	Applied   int               `json:"applied"` // records replayed so far
}

// Batch accumulates API requests issued while offline, one JSON record
// per line, and replays them against a volume later. The batch file is
// retained until every record succeeds.
type Batch struct {
	path string
}

// OpenBatch binds a batch to its file path; the file is created on the
// first append.
func OpenBatch(path string) *Batch {
	return &Batch{path: path}
}

func (b *Batch) metaPath() string { return b.path + ".meta" }

// Append records one request at the end of the batch.
func (b *Batch) Append(req Request) error {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = f.Write(raw)
	return err
}

// Pending reports whether the batch still holds records to replay.
func (b *Batch) Pending() bool {
	info, err := os.Stat(b.path)
	return err == nil && info.Size() > 0
}

func (b *Batch) loadMeta() (BatchMeta, error) {
	meta := BatchMeta{GUIDMap: make(map[string]string)}
	raw, err := os.ReadFile(b.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	if meta.GUIDMap == nil {
		meta.GUIDMap = make(map[string]string)
	}
	return meta, nil
}

func (b *Batch) saveMeta(meta BatchMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := b.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.metaPath())
}

// Apply replays the batch against the volume. Created GUIDs feed the
// remap table so later records referencing a provisional GUID reach the
// assigned one. Failing records are collected and retried on the next
// call; once every record succeeds both files are unlinked.
func (b *Batch) Apply(ctx context.Context, vol *db.Volume, principal db.Principal) (BatchMeta, error) {
	meta, err := b.loadMeta()
	if err != nil {
		return meta, err
	}
	if principal != nil {
		meta.Principal = principal.UserID()
	}

	f, err := os.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	defer f.Close()

	retry := make(map[int]bool, len(meta.Failed))
	for _, idx := range meta.Failed {
		retry[idx] = true
	}
	meta.Failed = nil

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	idx := -1
	for scanner.Scan() {
		idx++
		if idx < meta.Applied && !retry[idx] {
			continue
		}
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			meta.Failed = append(meta.Failed, idx)
			log.Printf("sync: batch record %d malformed err=%v", idx, err)
			continue
		}
		if err := b.replay(ctx, vol, req, &meta, principal); err != nil {
			meta.Failed = append(meta.Failed, idx)
			log.Printf("sync: batch record %d failed op=%s resource=%s err=%v", idx, req.Op, req.Resource, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return meta, err
	}
	if idx+1 > meta.Applied {
		meta.Applied = idx + 1
	}

	if len(meta.Failed) == 0 {
		if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return meta, err
		}
		if err := os.Remove(b.metaPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return meta, err
		}
		return meta, nil
	}
	return meta, b.saveMeta(meta)
}

func (b *Batch) replay(ctx context.Context, vol *db.Volume, req Request, meta *BatchMeta, principal db.Principal) error {
	dir, err := vol.Directory(req.Resource)
	if err != nil {
		return err
	}
	guid := req.GUID
	if mapped, ok := meta.GUIDMap[guid]; ok {
		guid = mapped
	}
	props := remapProps(req.Props, meta.GUIDMap)
	switch req.Op {
	case "create":
		// the volume assigns the real GUID; the provisional one only
		// keys the remap table
		delete(props, "guid")
		created, err := dir.Create(ctx, props, principal)
		if err != nil {
			return err
		}
		if req.GUID != "" && req.GUID != created {
			meta.GUIDMap[req.GUID] = created
		}
		return nil
	case "update":
		return dir.Update(ctx, guid, props, principal)
	case "delete":
		return dir.Delete(ctx, guid, principal)
	default:
		return fmt.Errorf("sync: unknown batch op %q", req.Op)
	}
}

// remapProps redirects provisional GUIDs inside property values.
func remapProps(props map[string]any, guidMap map[string]string) map[string]any {
	if len(guidMap) == 0 || len(props) == 0 {
		return props
	}
	out := make(map[string]any, len(props))
	for name, value := range props {
		out[name] = remapValue(value, guidMap)
	}
	return out
}

func remapValue(value any, guidMap map[string]string) any {
	switch v := value.(type) {
	case string:
		if mapped, ok := guidMap[v]; ok {
			return mapped
		}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = remapValue(item, guidMap)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = remapValue(item, guidMap)
		}
		return out
	}
	return value
}
