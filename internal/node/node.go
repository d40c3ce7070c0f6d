// Package node serves the catalog HTTP API: resource CRUD, the release
// resolver, sync endpoints and the event stream.
package node

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sugar-network/sugar/internal/auth"
	"github.com/sugar-network/sugar/internal/db"
)

// Options configure one node.
type Options struct {
	GUID     string // node identity used as sync sender
	Master   string // master API URL; empty when this node is the master
	Verifier *auth.Verifier
	Stats    *Stats
	Client   *http.Client // used by slave sync; defaults to http.DefaultClient
}

// Node binds a volume to the HTTP surface.
type Node struct {
	vol    *db.Volume
	opts   Options
	stats  *Stats
	client *http.Client
}

// New creates a node over the volume.
func New(vol *db.Volume, opts Options) *Node {
	if opts.Stats == nil {
		opts.Stats = NewStats()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Node{vol: vol, opts: opts, stats: opts.Stats, client: client}
}

// Mode reports master or slave.
func (n *Node) Mode() string {
	if n.opts.Master == "" {
		return "master"
	}
	return "slave"
}

// Volume exposes the backing volume.
func (n *Node) Volume() *db.Volume { return n.vol }

// Handler builds the routed HTTP handler with logging and stats.
func (n *Node) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", n.handleRoot)
	r.HandleFunc("/blobs/{digest}", n.handleBlobByDigest).Methods(http.MethodGet)
	r.HandleFunc("/{resource}", n.handleResource).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{resource}/{guid}", n.handleGUID).
		Methods(http.MethodGet, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/{resource}/{guid}/{prop}", n.handleProp).
		Methods(http.MethodGet, http.MethodPut)
	return n.observe(r)
}

// observe wraps the router with request logging and per-op counters.
func (n *Node) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := &countingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r)
		op := r.Method
		if cmd := r.URL.Query().Get("cmd"); cmd != "" {
			op = r.Method + " cmd=" + cmd
		}
		dur := time.Since(start)
		n.stats.Record(op, cw.status, dur)
		n.stats.AddBytesOut(cw.written)
		log.Printf("method=%s path=%s status=%d dur_ms=%d",
			r.Method, r.URL.Path, cw.status, dur.Milliseconds())
	})
}

type countingResponseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *countingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingResponseWriter) Write(p []byte) (int, error) {
	nn, err := w.ResponseWriter.Write(p)
	w.written += int64(nn)
	return nn, err
}

func (w *countingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// principal authenticates the request when an Authorization header is
// present; anonymous requests yield a nil principal.
func (n *Node) principal(r *http.Request) (db.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	if n.opts.Verifier == nil {
		return nil, auth.ErrUnauthorized
	}
	p, err := n.opts.Verifier.Verify(r.Context(), header)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
