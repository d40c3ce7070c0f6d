package node

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sugar-network/sugar/internal/db"
)

// reserved query keys that never act as property filters
var reservedParams = map[string]bool{
	"cmd": true, "query": true, "offset": true, "limit": true,
	"order_by": true, "reply": true, "stability": true,
	"lsb_id": true, "lsb_release": true, "machine": true,
	"requires": true, "assume": true,
}

func (n *Node) handleResource(w http.ResponseWriter, r *http.Request) {
	dir, err := n.vol.Directory(mux.Vars(r)["resource"])
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", db.ErrNotFound, err))
		return
	}
	switch r.Method {
	case http.MethodGet:
		n.handleList(w, r, dir)
	case http.MethodPost:
		n.handleCreate(w, r, dir)
	}
}

func (n *Node) handleList(w http.ResponseWriter, r *http.Request, dir *db.Directory) {
	params := r.URL.Query()
	q := db.Query{
		Query:   params.Get("query"),
		OrderBy: params.Get("order_by"),
		Filters: make(map[string]string),
	}
	if v := params.Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	if v := params.Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	for key, values := range params {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		if dir.Spec().Prop(key) == nil {
			writeError(w, r, fmt.Errorf("%w: unknown filter %q", db.ErrInvalid, key))
			return
		}
		q.Filters[key] = values[0]
	}

	reply := splitReply(params.Get("reply"))
	if len(reply) == 0 {
		reply = []string{"guid"}
	}
	matched, total, err := dir.Find(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result := make([]map[string]any, 0, len(matched))
	for _, res := range matched {
		result = append(result, renderResource(res, reply))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "result": result})
}

func (n *Node) handleCreate(w http.ResponseWriter, r *http.Request, dir *db.Directory) {
	principal, err := n.principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var props map[string]any
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", db.ErrInvalid, err))
		return
	}
	guid, err := dir.Create(r.Context(), props, principal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"guid": guid})
}

func (n *Node) handleGUID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dir, err := n.vol.Directory(vars["resource"])
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", db.ErrNotFound, err))
		return
	}
	guid := vars["guid"]

	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("cmd") == "solve" {
			n.handleSolve(w, r, dir, guid)
			return
		}
		res, err := dir.Get(r.Context(), guid)
		if err != nil {
			writeError(w, r, err)
			return
		}
		reply := splitReply(r.URL.Query().Get("reply"))
		if len(reply) == 0 {
			reply = readableProps(dir.Spec())
		}
		writeJSON(w, http.StatusOK, renderResource(res, reply))

	case http.MethodPut:
		principal, err := n.principal(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var props map[string]any
		if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", db.ErrInvalid, err))
			return
		}
		if err := dir.Update(r.Context(), guid, props, principal); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		principal, err := n.principal(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := dir.Delete(r.Context(), guid, principal); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (n *Node) handleProp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dir, err := n.vol.Directory(vars["resource"])
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", db.ErrNotFound, err))
		return
	}
	guid, prop := vars["guid"], vars["prop"]
	spec := dir.Spec().Prop(prop)
	if spec == nil {
		writeError(w, r, fmt.Errorf("%w: unknown property %q", db.ErrInvalid, prop))
		return
	}

	switch r.Method {
	case http.MethodGet:
		res, err := dir.Get(r.Context(), guid)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if spec.Kind == db.KindBlob {
			n.serveBlobProp(w, r, res, prop)
			return
		}
		writeJSON(w, http.StatusOK, res.Get(prop))

	case http.MethodPut:
		principal, err := n.principal(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var value any
		if spec.Kind == db.KindBlob {
			seqno := n.vol.Seqno().Next()
			if err := n.vol.Seqno().Commit(); err != nil {
				writeError(w, r, err)
				return
			}
			meta, err := n.vol.Blobs().Post(r.Context(), r.Body, db.BlobMeta{
				ContentType: r.Header.Get("Content-Type"),
				Seqno:       seqno,
			})
			if err != nil {
				writeError(w, r, err)
				return
			}
			n.stats.AddBytesIn(meta.ContentLength)
			value = meta.Digest
		} else {
			if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", db.ErrInvalid, err))
				return
			}
		}
		if err := dir.Update(r.Context(), guid, map[string]any{prop: value}, principal); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// serveBlobProp streams a blob property, honoring If-Modified-Since.
func (n *Node) serveBlobProp(w http.ResponseWriter, r *http.Request, res *db.Resource, prop string) {
	digest := res.GetString(prop)
	if digest == "" {
		writeError(w, r, fmt.Errorf("%w: %s/%s has no payload", db.ErrNotFound, res.GUID, prop))
		return
	}
	mtime := time.Unix(res.Props[prop].Mtime, 0).UTC()
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil && !mtime.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	n.streamBlob(w, r, digest, mtime)
}

func (n *Node) handleBlobByDigest(w http.ResponseWriter, r *http.Request) {
	n.streamBlob(w, r, mux.Vars(r)["digest"], time.Time{})
}

func (n *Node) streamBlob(w http.ResponseWriter, r *http.Request, digest string, mtime time.Time) {
	meta, payload, err := n.vol.Blobs().Get(r.Context(), digest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer payload.Close()
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.ContentLength, 10))
	if meta.Disposition != "" {
		w.Header().Set("Content-Disposition", meta.Disposition)
	}
	if !mtime.IsZero() {
		w.Header().Set("Last-Modified", mtime.Format(http.TimeFormat))
	}
	if _, err := io.Copy(w, payload); err != nil {
		log.Printf("node: stream blob %s: %v", digest, err)
	}
}

func renderResource(res *db.Resource, reply []string) map[string]any {
	out := make(map[string]any, len(reply))
	for _, prop := range reply {
		if value := res.Get(prop); value != nil {
			out[prop] = value
		}
	}
	return out
}

func readableProps(spec *db.ResourceSpec) []string {
	out := make([]string, 0, len(spec.Props))
	for _, p := range spec.Props {
		if p.ACL&db.ACLRead != 0 {
			out = append(out, p.Name)
		}
	}
	return out
}

func splitReply(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
