// Package client is the agent-side SDK for the Sekimori gateway.
//
// The client maintains a single logical connection over WebSocket with
// automatic exponential-backoff reconnection.  Request futures survive
// transport drops: after a reconnect the client re-authenticates and
// fetches outcomes the gateway resolved while no connection was open, so
// a request either resolves with its true outcome or fails with a
// connection error once retries are exhausted; it never vanishes silently.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnect backoff bounds.
const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// authTimeout bounds the auth handshake on each (re)connection.
const authTimeout = 10 * time.Second

// authFrameID is the fixed id of the initial auth frame.
const authFrameID = "auth-1"

// PendingResult is one replayed outcome returned by GetPendingResults.
type PendingResult struct {
	RequestID int64  `json:"request_id"`
	Result    string `json:"result"`
}

// request and response frames, kept private to the SDK.
type frame struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id,omitempty"`
}

type responseFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  map[string]any  `json:"result"`
	Error   *errorObject    `json:"error"`
	ID      json.RawMessage `json:"id"`
}

type errorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// response is delivered on a request's future channel.
type response struct {
	result map[string]any
	err    error
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries bounds the number of reconnection attempts.  The default
// is unlimited.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithInsecureTLS disables certificate verification, for gateways running
// with self-signed certificates.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
}

// Client is a Sekimori gateway client.
type Client struct {
	url        string
	token      string
	maxRetries int // negative means unlimited
	dialer     *websocket.Dialer

	// backoffSleep is swapped out by tests to observe delays.
	backoffSleep func(d time.Duration) bool

	mu          sync.Mutex
	ws          *websocket.Conn
	pending     map[int64]chan response
	nextID      int64
	closed      bool
	connectedCh chan struct{}

	writeMu  sync.Mutex
	done     chan struct{}
	readerWG sync.WaitGroup
}

// New creates a Client for the given gateway URL (ws:// or wss://) and
// agent token.
func New(url, token string, opts ...Option) *Client {
	d := *websocket.DefaultDialer
	c := &Client{
		url:         url,
		token:       token,
		maxRetries:  -1,
		dialer:      &d,
		pending:     make(map[int64]chan response),
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.backoffSleep = c.sleep
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the gateway, authenticates, and starts the reader.
func (c *Client) Connect(ctx context.Context) error {
	ws, err := c.dialAndAuth(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	close(c.connectedCh)
	c.mu.Unlock()

	c.readerWG.Add(1)
	go c.readLoop(ws)
	return nil
}

// Close shuts the client down: the reader and any reconnection stop, the
// connection is closed, and outstanding requests fail with a connection
// error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	close(c.done)
	select {
	case <-c.connectedCh:
	default:
		close(c.connectedCh)
	}
	futures := c.takePendingLocked()
	c.mu.Unlock()

	failFutures(futures, connectionError(-1, "client closed"))

	if ws != nil {
		ws.Close()
	}
	c.readerWG.Wait()
	return nil
}

// ToolRequest sends a tool call and blocks until its terminal outcome.
// The returned map is the executed result data; denials, timeouts, and
// execution failures come back as typed errors.
func (c *Client) ToolRequest(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	id, ch, err := c.sendRequest(ctx, "tool_request", map[string]any{"tool": tool, "args": args})
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		data, _ := resp.result["data"].(map[string]any)
		return data, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// GetPendingResults fetches outcomes the gateway resolved while no
// connection was open.  Matching local request futures are resolved as a
// side effect.
func (c *Client) GetPendingResults(ctx context.Context) ([]PendingResult, error) {
	id, ch, err := c.sendRequest(ctx, "get_pending_results", map[string]any{})
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		return c.applyPendingResults(resp.result), nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// ── Request plumbing ─────────────────────────────────────────────────────────

// sendRequest registers a future, waits for a live connection, and writes
// the frame.
func (c *Client) sendRequest(ctx context.Context, method string, params any) (int64, chan response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, connectionError(-1, "client closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var ws *websocket.Conn
	for ws == nil {
		if err := c.awaitConnected(ctx); err != nil {
			c.forget(id)
			return 0, nil, err
		}
		// The connection can drop again between the wait and the snapshot;
		// wait for the next one instead of leaving the frame unsent.
		c.mu.Lock()
		ws = c.ws
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err := ws.WriteJSON(frame{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	c.writeMu.Unlock()
	if err != nil {
		// The write raced a disconnect.  Keep the future: the reconnect
		// replay resolves it if the gateway got the frame.  Otherwise it
		// stays pending until ctx is cancelled, the client closes, or
		// reconnection gives up and fails it.
		slog.Debug("write failed, awaiting reconnect", "id", id, "err", err)
	}
	return id, ch, nil
}

// awaitConnected blocks until the client holds a live connection.
func (c *Client) awaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return connectionError(-1, "client closed")
		}
		if c.ws != nil {
			c.mu.Unlock()
			return nil
		}
		ch := c.connectedCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ── Reader and reconnection ──────────────────────────────────────────────────

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.readerWG.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			slog.Info("connection lost, reconnecting", "err", err)
			next, ok := c.reconnect()
			if !ok {
				c.mu.Lock()
				futures := c.takePendingLocked()
				c.mu.Unlock()
				failFutures(futures, connectionError(-1, "Connection lost"))
				return
			}
			ws = next
			continue
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame to its waiting future.  Malformed
// frames are logged and skipped; frames with unknown ids are dropped.
func (c *Client) dispatch(data []byte) {
	var resp responseFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("ignoring malformed frame", "err", err)
		return
	}

	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if resp.Error != nil {
		ch <- response{err: wireError(resp.Error.Code, resp.Error.Message)}
		return
	}
	ch <- response{result: resp.Result}
}

// reconnect re-establishes the connection with exponential backoff.  It
// returns the new connection, or ok=false when the client closed or the
// retry allowance ran out.
func (c *Client) reconnect() (*websocket.Conn, bool) {
	c.mu.Lock()
	c.ws = nil
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()

	delay := backoffInitial
	attempts := 0

	for {
		if c.isClosed() {
			return nil, false
		}
		if c.maxRetries >= 0 && attempts >= c.maxRetries {
			slog.Warn("reconnection attempts exhausted", "attempts", attempts)
			return nil, false
		}
		attempts++

		if !c.backoffSleep(delay) {
			return nil, false
		}
		if c.isClosed() {
			return nil, false
		}

		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		ws, err := c.dialAndAuth(ctx)
		cancel()
		if err != nil {
			slog.Info("reconnect attempt failed", "attempt", attempts, "err", err)
			delay *= 2
			if delay > backoffMax {
				delay = backoffMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return nil, false
		}
		c.ws = ws
		close(c.connectedCh)
		hasPending := len(c.pending) > 0
		c.mu.Unlock()

		slog.Info("reconnected", "attempts", attempts)

		if hasPending {
			// Fetch outcomes resolved while we were away; responses arrive
			// through the read loop that resumes right after this returns.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := c.GetPendingResults(ctx); err != nil {
					slog.Warn("failed to fetch pending results after reconnect", "err", err)
				}
			}()
		}

		return ws, true
	}
}

// applyPendingResults resolves local futures from replayed outcomes and
// returns the decoded list.
func (c *Client) applyPendingResults(result map[string]any) []PendingResult {
	raw, _ := result["results"].([]any)
	results := make([]PendingResult, 0, len(raw))

	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		idFloat, ok := obj["request_id"].(float64)
		if !ok {
			continue
		}
		payload, _ := obj["result"].(string)
		pr := PendingResult{RequestID: int64(idFloat), Result: payload}
		results = append(results, pr)

		c.mu.Lock()
		ch, waiting := c.pending[pr.RequestID]
		if waiting {
			delete(c.pending, pr.RequestID)
		}
		c.mu.Unlock()
		if !waiting {
			continue
		}

		ch <- decodeReplay(payload)
	}

	return results
}

// decodeReplay converts one stringified terminal payload into the same
// response shape a live frame would have produced.
func decodeReplay(payload string) response {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return response{err: connectionError(-1, fmt.Sprintf("undecodable replayed result: %v", err))}
	}

	if decoded["status"] == "executed" {
		return response{result: decoded}
	}

	code := -1
	if f, ok := decoded["code"].(float64); ok {
		code = int(f)
	}
	message, _ := decoded["data"].(string)
	if message == "" {
		message = "request denied"
	}
	return response{err: wireError(code, message)}
}

// ── Connection establishment ─────────────────────────────────────────────────

// dialAndAuth dials the gateway and performs the auth handshake before the
// reader takes over the connection.
func (c *Client) dialAndAuth(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, connectionError(-1, fmt.Sprintf("dial failed: %v", err))
	}

	auth := frame{
		JSONRPC: "2.0",
		Method:  "auth",
		Params:  map[string]any{"token": c.token},
		ID:      authFrameID,
	}
	if err := ws.WriteJSON(auth); err != nil {
		ws.Close()
		return nil, connectionError(-1, fmt.Sprintf("auth send failed: %v", err))
	}

	ws.SetReadDeadline(time.Now().Add(authTimeout))
	var resp responseFrame
	if err := ws.ReadJSON(&resp); err != nil {
		ws.Close()
		return nil, connectionError(-1, fmt.Sprintf("auth read failed: %v", err))
	}
	ws.SetReadDeadline(time.Time{})

	if resp.Error != nil {
		ws.Close()
		return nil, connectionError(resp.Error.Code, resp.Error.Message)
	}
	if status, _ := resp.Result["status"].(string); status != "authenticated" {
		ws.Close()
		return nil, connectionError(-1, fmt.Sprintf("Unexpected auth response: %v", resp.Result))
	}

	return ws, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// sleep waits for d or until the client closes; it reports whether the
// full delay elapsed.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.done:
		return false
	}
}

// takePendingLocked drains the pending map.  Callers hold c.mu.
func (c *Client) takePendingLocked() []chan response {
	futures := make([]chan response, 0, len(c.pending))
	for _, ch := range c.pending {
		futures = append(futures, ch)
	}
	c.pending = make(map[int64]chan response)
	return futures
}

func failFutures(futures []chan response, err error) {
	for _, ch := range futures {
		ch <- response{err: err}
	}
}
