package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sugar-network/sugar/internal/ranges"
	"github.com/sugar-network/sugar/internal/sync"
)

// errSilent marks subscription failures that retry without logging.
var errSilent = errors.New("client: silent reconnect")

// Run keeps the subscription stream and the periodic sync cycle alive
// until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.subscribeLoop(ctx)
	c.syncLoop(ctx)
}

func (c *Client) subscribeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		err := c.subscribe(ctx)
		c.setInline(false)
		if err != nil && !errors.Is(err, errSilent) && ctx.Err() == nil {
			log.Printf("client: subscription: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectTimeout):
		}
	}
}

// subscribe holds one event stream open, flipping the inline flag for
// its lifetime.
func (c *Client) subscribe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.opts.API+"/?cmd=subscribe", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errSilent, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return errSilent
	default:
		return fmt.Errorf("client: subscription refused: %s", resp.Status)
	}

	c.setInline(true)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return errSilent
			}
			return fmt.Errorf("%w: %v", errSilent, err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event); err != nil {
			continue
		}
		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event map[string]any) {
	switch event["event"] {
	case "release":
		// new releases upstream; pull them in before launching anything
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

func (c *Client) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SyncTimeout)
	defer ticker.Stop()
	backoff := c.opts.ReconnectTimeout
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if !c.inline.Load() {
			continue
		}
		if err := c.SyncOnce(ctx); err != nil {
			if ctx.Err() == nil {
				log.Printf("client: sync: %v backoff=%s", err, backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > c.opts.SyncTimeout {
				backoff = c.opts.SyncTimeout
			}
			continue
		}
		backoff = c.opts.ReconnectTimeout
		c.invalidateStale()
	}
}

// SyncOnce runs one pull/push exchange with the master.
func (c *Client) SyncOnce(ctx context.Context) error {
	pull, push := c.syncRanges()

	body, pipe := io.Pipe()
	go func() {
		err := sync.WriteSyncRequest(ctx, pipe, c.home, c.opts.GUID, "", sync.Exchange{
			Pull: pull.Clone(),
			Push: push.Clone(),
		})
		pipe.CloseWithError(err)
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.API+"/?cmd=sync", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: master unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: master answered %s", resp.Status)
	}
	result, err := sync.ReadSyncResponse(ctx, c.home, resp.Body)
	if err != nil {
		return err
	}

	// Pulled and Echo are master seqnos and narrow the pull window;
	// Acked and Stamped are local seqnos and narrow the push window.
	// Crossing the two spaces would echo data back or drop retries.
	for _, done := range []ranges.Ranges{result.Pulled, result.Echo} {
		if err := pull.ExcludeRanges(done); err != nil {
			return err
		}
	}
	for _, done := range []ranges.Ranges{result.Acked, result.Stamped} {
		if err := push.ExcludeRanges(done); err != nil {
			return err
		}
	}
	if err := pull.Save(c.pullPath()); err != nil {
		return err
	}
	return push.Save(c.pushPath())
}

// invalidateStale drops cached solutions for pinned contexts whose
// solve predates the newest replicated release.
func (c *Client) invalidateStale() {
	if c.inj == nil {
		return
	}
	current := c.home.ReleaseSeqno().Value()
	for guid, seqno := range c.inj.Checkins() {
		if seqno < current {
			c.inj.InvalidateSolution(guid)
		}
	}
}

func (c *Client) syncRanges() (pull, push ranges.Ranges) {
	pull, err := ranges.Load(c.pullPath())
	if err != nil || pull.Empty() {
		pull, _ = ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	}
	push, err = ranges.Load(c.pushPath())
	if err != nil || push.Empty() {
		push, _ = ranges.New(ranges.Range{Lo: 1, Hi: ranges.Inf})
	}
	return pull, push
}

func (c *Client) pullPath() string {
	return filepath.Join(c.home.Layout().VarDir, "pull.ranges")
}

func (c *Client) pushPath() string {
	return filepath.Join(c.home.Layout().VarDir, "push.ranges")
}
