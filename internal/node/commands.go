package node

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
	"github.com/sugar-network/sugar/internal/solver"
	"github.com/sugar-network/sugar/internal/sync"
)

func (n *Node) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("cmd") {
	case "status":
		n.handleStatus(w, r)
	case "subscribe":
		n.handleSubscribe(w, r)
	case "sync":
		n.handleSync(w, r)
	case "online_sync":
		n.handleOnlineSync(w, r)
	case "offline_sync":
		n.handleOfflineSync(w, r)
	default:
		writeError(w, r, fmt.Errorf("%w: unknown command", db.ErrInvalid))
	}
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	resources := make(map[string]any)
	for _, dir := range n.vol.Directories() {
		_, total, err := dir.Find(r.Context(), db.Query{Limit: 1})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resources[dir.Name()] = map[string]any{"total": total}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"guid":          n.opts.GUID,
		"mode":          n.Mode(),
		"resources":     resources,
		"seqno":         n.vol.Seqno().Value(),
		"release_seqno": n.vol.ReleaseSeqno().Value(),
		"stats":         n.stats.Snapshot(),
	})
}

// handleSubscribe streams volume events as server-sent events.
func (n *Node) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("node: streaming unsupported"))
		return
	}
	events, cancel := n.vol.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSync is the master side of the online exchange.
func (n *Node) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, fmt.Errorf("%w: sync is POST", db.ErrInvalid))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := sync.ServeSync(r.Context(), n.vol, n.opts.GUID, r.Body, w); err != nil {
		// headers are out by now; the broken stream is the signal
		log.Printf("node: sync: %v", err)
	}
}

func (n *Node) handleSolve(w http.ResponseWriter, r *http.Request, dir *db.Directory, guid string) {
	if dir.Name() != "context" {
		writeError(w, r, fmt.Errorf("%w: solve applies to contexts", db.ErrInvalid))
		return
	}
	params := r.URL.Query()
	opts := solver.Options{
		Stability:  splitReply(params.Get("stability")),
		LSBID:      params.Get("lsb_id"),
		LSBRelease: params.Get("lsb_release"),
		Machine:    params.Get("machine"),
		Details:    true,
	}
	if raw := params.Get("requires"); raw != "" {
		requires, err := solver.ParseRequires(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", db.ErrInvalid, err))
			return
		}
		opts.Requires = requires
	}
	for _, raw := range params["assume"] {
		context, version, ok := strings.Cut(raw, "=")
		if !ok {
			writeError(w, r, fmt.Errorf("%w: assume wants context=version", db.ErrInvalid))
			return
		}
		if opts.Assume == nil {
			opts.Assume = make(map[string][]string)
		}
		opts.Assume[context] = append(opts.Assume[context], version)
	}

	solution, err := solver.Solve(r.Context(), n.vol, guid, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if solution == nil {
		writeError(w, r, fmt.Errorf("%w: failed to solve %s", db.ErrNotFound, guid))
		return
	}
	base := baseURL(r)
	for _, row := range solution {
		if digest, _ := row["blob"].(string); digest != "" {
			row["blob"] = base + "/blobs/" + digest
		}
	}
	writeJSON(w, http.StatusOK, solution)
}

func (n *Node) syncRanges() (pull, push ranges.Ranges) {
	pull, err := ranges.Load(n.pullPath())
	if err != nil || pull.Empty() {
		pull, _ = ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	}
	push, err = ranges.Load(n.pushPath())
	if err != nil || push.Empty() {
		push, _ = ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	}
	return pull, push
}

func (n *Node) pullPath() string {
	return filepath.Join(n.vol.Layout().VarDir, "pull.ranges")
}

func (n *Node) pushPath() string {
	return filepath.Join(n.vol.Layout().VarDir, "push.ranges")
}

// handleOnlineSync runs one pull/push cycle against the master.
func (n *Node) handleOnlineSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, fmt.Errorf("%w: online_sync is POST", db.ErrInvalid))
		return
	}
	if n.opts.Master == "" {
		writeError(w, r, fmt.Errorf("%w: not a slave", db.ErrInvalid))
		return
	}
	pull, push := n.syncRanges()

	body, pipe := io.Pipe()
	go func() {
		err := sync.WriteSyncRequest(r.Context(), pipe, n.vol, n.opts.GUID, "", sync.Exchange{
			Pull: pull.Clone(),
			Push: push.Clone(),
		})
		pipe.CloseWithError(err)
	}()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, n.opts.Master+"/?cmd=sync", body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := n.client.Do(req)
	if err != nil {
		writeError(w, r, fmt.Errorf("node: master unreachable: %w", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeError(w, r, fmt.Errorf("node: master answered %s", resp.Status))
		return
	}
	result, err := sync.ReadSyncResponse(r.Context(), n.vol, resp.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Pulled and Echo are master seqnos and narrow the pull window;
	// Acked and Stamped are local seqnos and narrow the push window.
	// Crossing the two spaces would echo data back or drop retries.
	for _, done := range []ranges.Ranges{result.Pulled, result.Echo} {
		if err := pull.ExcludeRanges(done); err != nil {
			writeError(w, r, err)
			return
		}
	}
	for _, done := range []ranges.Ranges{result.Acked, result.Stamped} {
		if err := push.ExcludeRanges(done); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := pull.Save(n.pullPath()); err != nil {
		writeError(w, r, err)
		return
	}
	if err := push.Save(n.pushPath()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acked":  result.Acked,
		"failed": result.Failed,
		"pulled": result.Pulled,
	})
}

// handleOfflineSync imports every packet chain on a media directory and
// exports the local push plus a pull request onto it.
func (n *Node) handleOfflineSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, fmt.Errorf("%w: offline_sync is POST", db.ErrInvalid))
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, r, fmt.Errorf("%w: offline_sync wants {path}", db.ErrInvalid))
		return
	}

	result, err := sync.ImportDir(r.Context(), n.vol, req.Path, n.opts.GUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pull, push := n.syncRanges()
	// Applied and Echo are peer seqnos and narrow the pull window;
	// Acked and Stamped are local seqnos and narrow the push window.
	for _, done := range []ranges.Ranges{result.Applied, result.Echo} {
		if err := pull.ExcludeRanges(done); err != nil {
			writeError(w, r, err)
			return
		}
	}
	for _, done := range []ranges.Ranges{result.Acked, result.Stamped} {
		if err := push.ExcludeRanges(done); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writer, err := sync.NewDirWriter(req.Path, n.opts.GUID, "", sync.DirWriterOptions{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(result.Synced) > 0 {
		if err := writer.WriteAck("", result.Synced, nil, result.Stamped); err != nil {
			writer.Close()
			writeError(w, r, err)
			return
		}
	}
	if err := sync.ExportVolume(r.Context(), n.vol, writer, push.Clone(), pull.Clone()); err != nil {
		writer.Close()
		writeError(w, r, err)
		return
	}
	if err := writer.Close(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := pull.Save(n.pullPath()); err != nil {
		writeError(w, r, err)
		return
	}
	if err := push.Save(n.pushPath()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":  result.Applied,
		"acked":    result.Acked,
		"failed":   result.Failed,
		"recycled": result.Recycled,
		"buffered": result.Buffered,
		"packet":   writer.GUID(),
	})
}
