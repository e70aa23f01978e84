// Package messenger defines the contract between the gateway core and the
// guardian-facing adapter.  Any conforming adapter is acceptable; the core
// never assumes a particular chat transport.
//
// The adapter is responsible for guardian allow-listing, for surviving
// restarts (callback data must be recoverable from the transport itself),
// and for ignoring duplicate button presses.  The core keeps its own
// first-writer-wins guard on top and must not rely on adapter idempotence
// beyond that.
package messenger

import (
	"context"
	"time"
)

// ApprovalRequest describes one tool call awaiting guardian sign-off.
type ApprovalRequest struct {
	RequestID string
	Tool      string
	Args      map[string]any
	Signature string
}

// Choice is one button offered to the guardian.
type Choice struct {
	Label  string
	Action string
}

// StandardChoices is the allow/deny pair sent with every approval.
var StandardChoices = []Choice{
	{Label: "Allow", Action: "allow"},
	{Label: "Deny", Action: "deny"},
}

// Result is the guardian's decision, delivered through the registered
// callback.
type Result struct {
	RequestID string
	Action    string
	UserID    string
	Timestamp time.Time
}

// Callback receives guardian decisions.  It is invoked from the adapter's
// own goroutine and must not block for long.
type Callback func(Result)

// Adapter is the guardian-facing side of the gateway.
type Adapter interface {
	// SendApproval posts the approval request with the given choices and
	// returns an opaque handle usable with UpdateApproval.
	SendApproval(ctx context.Context, req ApprovalRequest, choices []Choice) (string, error)

	// UpdateApproval edits a previously sent approval message to reflect a
	// decision or expiry.  Best-effort: failures are logged, never raised.
	UpdateApproval(ctx context.Context, handle, status, detail string)

	// RegisterCallback installs the function invoked when the guardian
	// decides.
	RegisterCallback(cb Callback)

	Start(ctx context.Context) error
	Stop()
}
