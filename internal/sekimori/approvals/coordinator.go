// Package approvals implements the approval coordinator: the in-memory
// registry of pending ask-requests, their per-request timers, and the
// bridge between the policy engine's ask outcome and the guardian
// messenger.
//
// Resolution is exactly-once by first-writer-wins: whichever of guardian
// callback, timeout, or gateway shutdown fires first drives the completion
// signal; later resolvers are silently dropped.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/messenger"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
)

// Resolution causes, recorded in the audit trail and mapped to wire errors
// by the session.
const (
	CauseUser     = "user"
	CauseTimeout  = "timeout"
	CauseShutdown = "gateway_shutdown"
)

// Resolver ids used when no human drove the outcome.
const (
	ResolverTimeout  = "timeout"
	ResolverShutdown = "shutdown"
)

// ErrTooManyPending is returned when a connection exceeds its in-flight
// approval cap.
var ErrTooManyPending = errors.New("too many pending approvals")

// Outcome is the terminal result of a pending approval, delivered on the
// completion signal returned by RequestApproval.
type Outcome struct {
	Allowed    bool
	ResolvedBy string
	Cause      string
}

// pendingEntry is the in-memory side of one pending approval.
type pendingEntry struct {
	req    messenger.ApprovalRequest
	connID string
	handle string
	timer  *time.Timer
	done   chan Outcome
}

// Coordinator owns the pending-approval registry.
type Coordinator struct {
	store      *store.Store
	adapter    messenger.Adapter
	timeout    time.Duration
	maxPerConn int

	mu       sync.Mutex
	pending  map[string]*pendingEntry
	perConn  map[string]int
	resolved map[string]bool
}

// New creates a Coordinator.  timeout is the per-request approval deadline;
// maxPerConn caps in-flight ask-requests per connection.
func New(st *store.Store, adapter messenger.Adapter, timeout time.Duration, maxPerConn int) *Coordinator {
	return &Coordinator{
		store:      st,
		adapter:    adapter,
		timeout:    timeout,
		maxPerConn: maxPerConn,
		pending:    make(map[string]*pendingEntry),
		perConn:    make(map[string]int),
		resolved:   make(map[string]bool),
	}
}

// RequestApproval registers a pending approval for the given connection,
// persists it, notifies the guardian, arms the timeout, and returns the
// completion signal the caller awaits.
//
// The durable row is written before the messenger is notified so a crash
// between the two leaves a row the startup sweep can report.
func (c *Coordinator) RequestApproval(ctx context.Context, connID string, req messenger.ApprovalRequest) (<-chan Outcome, error) {
	c.mu.Lock()
	if c.perConn[connID] >= c.maxPerConn {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d in flight on connection", ErrTooManyPending, c.maxPerConn)
	}

	now := time.Now()
	entry := &pendingEntry{
		req:    req,
		connID: connID,
		done:   make(chan Outcome, 1),
	}
	c.pending[req.RequestID] = entry
	c.perConn[connID]++
	c.mu.Unlock()

	err := c.store.InsertPending(ctx, &store.PendingRequest{
		RequestID: req.RequestID,
		Tool:      req.Tool,
		Args:      req.Args,
		Signature: req.Signature,
		CreatedAt: now,
		ExpiresAt: now.Add(c.timeout),
	})
	if err != nil {
		c.drop(req.RequestID)
		return nil, fmt.Errorf("persist pending approval: %w", err)
	}

	handle, err := c.adapter.SendApproval(ctx, req, messenger.StandardChoices)
	if err != nil {
		c.drop(req.RequestID)
		if derr := c.store.DeletePending(ctx, req.RequestID); derr != nil {
			slog.Warn("failed to delete pending row after send failure", "request_id", req.RequestID, "err", derr)
		}
		return nil, fmt.Errorf("notify guardian: %w", err)
	}

	c.mu.Lock()
	// The guardian may have answered before the handle arrived; only store
	// it when the request is still pending.
	if live, ok := c.pending[req.RequestID]; ok {
		live.handle = handle
		live.timer = time.AfterFunc(c.timeout, func() {
			c.Resolve(req.RequestID, "deny", ResolverTimeout, CauseTimeout)
		})
	}
	c.mu.Unlock()

	if err := c.store.SetPendingHandle(ctx, req.RequestID, handle); err != nil {
		slog.Warn("failed to persist messenger handle", "request_id", req.RequestID, "err", err)
	}

	return entry.done, nil
}

// Resolve drives a pending approval to its terminal state.  It is called
// by the messenger callback, the timeout timer, and the shutdown path, and
// is idempotent: only the first resolution wins, the rest are no-ops.
// It reports whether this call was the winning resolution.
func (c *Coordinator) Resolve(requestID, action, resolverID, cause string) bool {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if !ok || c.resolved[requestID] {
		c.mu.Unlock()
		return false
	}
	c.resolved[requestID] = true
	delete(c.pending, requestID)
	c.perConn[entry.connID]--
	if c.perConn[entry.connID] <= 0 {
		delete(c.perConn, entry.connID)
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	c.mu.Unlock()

	// Everything past the registry update is best-effort: the authoritative
	// resolution is the one already committed above.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if entry.handle != "" {
		status, detail := resolutionText(action, resolverID, cause)
		c.adapter.UpdateApproval(ctx, entry.handle, status, detail)
	}

	if err := c.store.DeletePending(ctx, requestID); err != nil {
		slog.Warn("failed to delete resolved pending row", "request_id", requestID, "err", err)
	}

	entry.done <- Outcome{
		Allowed:    action == "allow",
		ResolvedBy: resolverID,
		Cause:      cause,
	}
	return true
}

// ResolveAllPending drains the registry on gateway shutdown, denying every
// outstanding approval.
func (c *Coordinator) ResolveAllPending(cause string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Resolve(id, "deny", ResolverShutdown, cause)
	}
}

// PendingCount reports the number of in-flight approvals for a connection.
func (c *Coordinator) PendingCount(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perConn[connID]
}

// drop removes a registry entry that never became a live pending approval
// (persist or send failed) without emitting an outcome.
func (c *Coordinator) drop(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[requestID]
	if !ok {
		return
	}
	delete(c.pending, requestID)
	c.perConn[entry.connID]--
	if c.perConn[entry.connID] <= 0 {
		delete(c.perConn, entry.connID)
	}
}

func resolutionText(action, resolverID, cause string) (status, detail string) {
	switch cause {
	case CauseTimeout:
		return "Expired", "Approval timed out"
	case CauseShutdown:
		return "Denied", "Gateway shut down"
	default:
		status = "Denied"
		if action == "allow" {
			status = "Approved"
		}
		return status, fmt.Sprintf("%s by %s at %s", status, resolverID, time.Now().Format("15:04"))
	}
}
