// Package client runs the shell-facing side: an IPC surface that serves
// the home volume while offline and proxies to the master while online,
// replicating both ways in the background.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sugar-network/sugar/internal/cache"
	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/node"
)

const (
	DefaultSyncTimeout      = 30 * time.Second
	DefaultReconnectTimeout = 3 * time.Second
)

// Options configure the client daemon.
type Options struct {
	API              string // master API URL
	GUID             string // replica identity used as sync sender
	Injector         *cache.Injector
	HTTP             *http.Client
	SyncTimeout      time.Duration
	ReconnectTimeout time.Duration
}

// Client routes shell requests between the home volume and the master.
type Client struct {
	home   *db.Volume
	local  http.Handler
	inj    *cache.Injector
	opts   Options
	http   *http.Client
	inline atomic.Bool
	kick   chan struct{}
}

// New creates a client over its home volume.
func New(home *db.Volume, opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = DefaultReconnectTimeout
	}
	return &Client{
		home:  home,
		local: node.New(home, node.Options{GUID: opts.GUID}).Handler(),
		inj:   opts.Injector,
		opts:  opts,
		http:  opts.HTTP,
		kick:  make(chan struct{}, 1),
	}
}

// Inline reports whether the subscription stream to the master is alive.
func (c *Client) Inline() bool { return c.inline.Load() }

func (c *Client) setInline(v bool) {
	if c.inline.Swap(v) == v {
		return
	}
	log.Printf("client: inline=%v", v)
	if v {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Handler builds the IPC surface served to the local shell.
func (c *Client) Handler() http.Handler {
	return http.HandlerFunc(c.route)
}

func (c *Client) route(w http.ResponseWriter, r *http.Request) {
	if c.handleCommand(w, r) {
		return
	}
	if !c.inline.Load() {
		c.local.ServeHTTP(w, r)
		return
	}
	// writes against a pinned context stay local and reach the master
	// through the push window on the next sync cycle
	if c.pinnedWrite(r) {
		c.local.ServeHTTP(w, r)
		return
	}
	c.proxy(w, r)
}

// handleCommand serves the commands that only exist on the client side.
func (c *Client) handleCommand(w http.ResponseWriter, r *http.Request) bool {
	cmd := r.URL.Query().Get("cmd")
	if r.URL.Path == "/" && cmd == "inline" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"inline": c.Inline()})
		return true
	}
	if c.inj == nil {
		return false
	}
	switch cmd {
	case "launch", "checkin", "checkout":
	default:
		return false
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "context" {
		return false
	}
	guid := parts[1]

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	emit := func(event cache.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	params := r.URL.Query()
	stability := splitList(params.Get("stability"))
	var err error
	switch cmd {
	case "launch":
		// Launch emits its own failure event
		if err := c.inj.Launch(r.Context(), cache.LaunchOptions{
			Context:    guid,
			Stability:  stability,
			ActivityID: params.Get("activity_id"),
			ObjectID:   params.Get("object_id"),
			URI:        params.Get("uri"),
			Args:       params["args"],
		}, emit); err != nil {
			log.Printf("client: launch %s: %v", guid, err)
		}
	case "checkin":
		_, err = c.inj.Checkin(r.Context(), guid, stability, emit)
	case "checkout":
		if err = c.inj.Checkout(guid); err == nil {
			emit(cache.Event{"event": "checkout", "state": "ready"})
		}
	}
	if err != nil {
		emit(cache.Event{"event": "failure", "error": err.Error()})
	}
	return true
}

func (c *Client) pinnedWrite(r *http.Request) bool {
	if r.Method == http.MethodGet || c.inj == nil {
		return false
	}
	parts := strings.SplitN(strings.Trim(r.URL.Path, "/"), "/", 3)
	if len(parts) < 2 || parts[0] != "context" {
		return false
	}
	return c.inj.CheckedIn(parts[1])
}

// proxy forwards the request to the master, dropping back to the home
// volume when the master cannot be reached.
func (c *Client) proxy(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method,
		c.opts.API+r.URL.RequestURI(), r.Body)
	if err != nil {
		c.local.ServeHTTP(w, r)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := c.http.Do(req)
	if err != nil {
		c.setInline(false)
		c.local.ServeHTTP(w, r)
		return
	}
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// headers are out; the truncated body is the signal
		log.Printf("client: proxy %s: %v", r.URL.Path, err)
	}
}

func splitList(raw string) []string {
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
