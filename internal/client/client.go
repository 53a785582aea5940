// Package client consumes the event stream and reconciles an optimistic
// local view against the persisted history.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"codeagent/internal/models"
	"codeagent/internal/sse"
)

// flushInterval bounds visible updates to roughly one per UI frame. A final
// unthrottled flush always runs on the terminal event, so throttling never
// loses data.
const flushInterval = 16 * time.Millisecond

// SendOptions mirror the /chat request knobs.
type SendOptions struct {
	Model            string
	IncludeWebSearch *bool
	Media            []models.Blob
}

// Client talks to the backend and maintains the optimistic view.
type Client struct {
	baseURL  string
	http     *http.Client
	view     *View
	pageSize int

	// now is the clock used by the flush throttle; injectable for tests.
	now func() time.Time
	// onUpdate fires on every visible update of the view.
	onUpdate func()

	mu         sync.Mutex
	toolStatus string
	streaming  bool
	hasMore    bool
	loaded     int // persisted messages merged into the view so far
	abort      context.CancelFunc
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		http:     http.DefaultClient,
		view:     NewView(),
		pageSize: 20,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option  { return func(c *Client) { c.http = h } }
func WithPageSize(n int) Option             { return func(c *Client) { c.pageSize = n } }
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }
func WithUpdateCallback(fn func()) Option   { return func(c *Client) { c.onUpdate = fn } }

// View exposes the optimistic message list for rendering.
func (c *Client) View() *View {
	return c.view
}

// ToolStatus returns the transient status of a tool invocation in progress,
// empty when none is shown.
func (c *Client) ToolStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolStatus
}

// Streaming reports whether a generation stream is currently consumed.
func (c *Client) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Send submits a user message. The user message and an empty model
// placeholder enter the view before any network traffic, then the response
// stream is applied to the placeholder with throttled updates.
func (c *Client) Send(ctx context.Context, text string, opts SendOptions) error {
	userMsg := models.TextMessage(models.RoleUser, text)
	placeholder := models.TextMessage(models.RoleModel, "")
	c.view.Append(userMsg)
	c.view.Append(placeholder)
	c.notify()

	body := map[string]any{
		"message": text,
		"model":   opts.Model,
	}
	if opts.IncludeWebSearch != nil {
		body["include_web_search"] = *opts.IncludeWebSearch
	}
	if len(opts.Media) > 0 {
		media := make([]map[string]any, 0, len(opts.Media))
		for _, m := range opts.Media {
			media = append(media, map[string]any{"mime_type": m.MimeType, "data": m.Data})
		}
		body["media"] = media
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode chat request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.setAbort(cancel)
	defer c.setAbort(nil)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	// The backend commits the user message plus, when text accumulated,
	// the model message for this exchange.
	return c.consume(resp.Body, placeholder, 1)
}

// Resume re-attaches to a still-running generation after a reload. The
// optimistic view is primed with a fresh placeholder; the synthetic first
// event from the backend carries the text accumulated so far, so nothing is
// double-counted. Returns false when no session is active.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	c.setAbort(cancel)
	defer c.setAbort(nil)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/api/stream/active", nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	placeholder := models.TextMessage(models.RoleModel, "")
	c.view.Append(placeholder)
	c.notify()
	// The user message of a resumed generation was committed before this
	// client attached; only the model message is new.
	return true, c.consume(resp.Body, placeholder, 0)
}

// Stop cancels the in-flight generation: the local request is aborted AND an
// explicit stop is issued, since a client-side abort alone does not stop the
// server-side session.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort != nil {
		abort()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Reset wipes the entire history. The local view is dropped only after the
// backend confirms the wipe.
func (c *Client) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/reset", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	c.view.Reset()
	c.mu.Lock()
	c.loaded = 0
	c.hasMore = false
	c.toolStatus = ""
	c.mu.Unlock()
	c.notify()
	return nil
}

// LoadOlder fetches the next older history page and prepends it. On failure
// the loaded view is left untouched so the caller can retry.
func (c *Client) LoadOlder(ctx context.Context) (bool, error) {
	c.mu.Lock()
	offset := c.loaded
	c.mu.Unlock()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/history?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	var page struct {
		Messages []*models.Message `json:"messages"`
		HasMore  bool              `json:"has_more"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return false, fmt.Errorf("decode history page: %w", err)
	}

	c.view.PrependPage(page.Messages)
	c.mu.Lock()
	c.loaded += len(page.Messages)
	c.hasMore = page.HasMore
	c.mu.Unlock()
	c.notify()
	return page.HasMore, nil
}

// HasMore reports whether older history pages remain after the last
// LoadOlder call.
func (c *Client) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// consume applies decoded events to the placeholder until the terminal
// event. Visible updates are throttled; the terminal flush is not.
// committedBase is the number of messages the backend persisted for this
// exchange before any model text; at the terminal event the loaded cursor
// advances past the whole exchange so LoadOlder never re-delivers the
// optimistic copies under their server-side ids.
func (c *Client) consume(r io.Reader, placeholder *models.Message, committedBase int) error {
	c.setStreaming(true)
	defer c.setStreaming(false)

	dec := sse.NewDecoder()
	var accumulated string
	lastFlush := time.Time{}

	buf := make([]byte, 4096)
	for !dec.Done() {
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				switch ev.Name {
				case sse.EventMessage:
					accumulated += ev.Data
					if now := c.now(); now.Sub(lastFlush) >= flushInterval {
						lastFlush = now
						c.view.SetText(placeholder.ID, accumulated)
						c.notify()
					}
				case sse.EventTool:
					c.setToolStatus(ev.Data)
				case sse.EventDone:
					c.view.SetText(placeholder.ID, accumulated)
					c.setToolStatus("")
					c.markPersisted(committedBase, accumulated)
					c.notify()
					return nil
				case sse.EventError:
					// Flush what arrived, then annotate visibly.
					// The rest of the view stays usable.
					annotated := accumulated
					if annotated != "" {
						annotated += "\n\n"
					}
					annotated += "[Error: " + ev.Data + "]"
					c.view.SetText(placeholder.ID, annotated)
					c.setToolStatus("")
					c.markPersisted(committedBase, accumulated)
					c.notify()
					return nil
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && dec.Done() {
				return nil
			}
			// Keep the partial text visible even on a broken stream.
			c.view.SetText(placeholder.ID, accumulated)
			c.setToolStatus("")
			c.notify()
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
	return nil
}

// markPersisted counts the just-finished exchange as already merged into the
// view. Partial text survives both cancellation and upstream errors on the
// backend, so a non-empty accumulation always means one committed model
// message.
func (c *Client) markPersisted(committedBase int, accumulated string) {
	delta := committedBase
	if accumulated != "" {
		delta++
	}
	if delta == 0 {
		return
	}
	c.mu.Lock()
	c.loaded += delta
	c.mu.Unlock()
}

func (c *Client) setToolStatus(status string) {
	c.mu.Lock()
	c.toolStatus = status
	c.mu.Unlock()
}

func (c *Client) setStreaming(v bool) {
	c.mu.Lock()
	c.streaming = v
	c.mu.Unlock()
}

func (c *Client) setAbort(cancel context.CancelFunc) {
	c.mu.Lock()
	c.abort = cancel
	c.mu.Unlock()
}

func (c *Client) notify() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("backend: %s (%d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("backend: unexpected status %d", resp.StatusCode)
}
