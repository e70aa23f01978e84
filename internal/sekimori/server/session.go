package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bdobrica/Sekimori/common/trace"
	"github.com/bdobrica/Sekimori/internal/sekimori/approvals"
	"github.com/bdobrica/Sekimori/internal/sekimori/engine"
	"github.com/bdobrica/Sekimori/internal/sekimori/messenger"
	"github.com/bdobrica/Sekimori/internal/sekimori/observability"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
	"github.com/bdobrica/Sekimori/internal/sekimori/wire"
)

// Audit resolution strings, recorded on the terminal transition of every
// request.
const (
	resolutionExecuted         = "executed"
	resolutionExecutionFailed  = "execution_failed"
	resolutionValidationFailed = "validation_failed"
	resolutionDeniedByPolicy   = "denied_by_policy"
	resolutionDeniedByUser     = "denied_by_user"
	resolutionApprovalTimeout  = "approval_timeout"
	resolutionGatewayShutdown  = "gateway_shutdown"
	resolutionRateLimited      = "rate_limited"
)

// session is the per-connection state machine: one instance per accepted
// WebSocket connection, owning the read loop, the write mutex, and the
// token-bucket rate limiter.
type session struct {
	gw      *Gateway
	conn    *websocket.Conn
	id      string
	agentID string
	limiter *rate.Limiter

	// writeMu serializes frames onto the wire; request handlers run
	// concurrently and responses may interleave out of order.
	writeMu sync.Mutex

	// requests tracks in-flight handler goroutines so the session drains
	// before the connection teardown completes.
	requests sync.WaitGroup
}

func newSession(gw *Gateway, conn *websocket.Conn) *session {
	perMinute := gw.cfg.RateLimit.MaxRequestsPerMinute
	return &session{
		gw:      gw,
		conn:    conn,
		id:      uuid.NewString(),
		agentID: defaultAgentID,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// run drives the session through its lifecycle: auth, then the read loop
// until the connection drops or the gateway shuts down.
func (s *session) run(ctx context.Context) {
	// Close the connection as soon as the read loop ends, then wait for
	// in-flight requests: their terminal frames fail to send and the
	// outcomes stay undelivered for replay.
	defer s.requests.Wait()
	defer s.conn.Close()

	if !s.authenticate() {
		return
	}

	slog.Info("agent session ready", "session_id", s.id)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("agent connection lost", "session_id", s.id, "err", err)
			}
			return
		}

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.write(wire.NewError(nil, wire.CodeServerError, "Malformed frame"))
			continue
		}

		switch req.Method {
		case wire.MethodToolRequest:
			if !s.limiter.Allow() {
				s.write(wire.NewError(req.ID, wire.CodeRateLimited, "Rate limit exceeded"))
				continue
			}
			// Each request runs in its own goroutine so later frames are not
			// blocked behind a pending human approval.
			s.requests.Add(1)
			go func(req wire.Request) {
				defer s.requests.Done()
				s.handleToolRequest(ctx, req)
			}(req)
		case wire.MethodGetPendingResults:
			s.requests.Add(1)
			go func(req wire.Request) {
				defer s.requests.Done()
				s.handleGetPendingResults(ctx, req)
			}(req)
		default:
			s.write(wire.NewError(req.ID, wire.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method)))
		}
	}
}

// authenticate reads exactly one frame, which must be a well-formed auth
// request carrying the agent token.  Comparison is constant-time over
// fixed-size digests so neither content nor length leaks to a timing
// adversary.
func (s *session) authenticate() bool {
	s.conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var req wire.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method != wire.MethodAuth {
		s.write(wire.NewError(req.ID, wire.CodeAuthFailed, "Authentication required"))
		return false
	}

	var params wire.AuthParams
	if err := json.Unmarshal(req.Params, &params); err != nil || !tokenEqual(params.Token, s.gw.agentToken) {
		slog.Warn("agent authentication failed", "session_id", s.id)
		s.write(wire.NewError(req.ID, wire.CodeAuthFailed, "Invalid token"))
		return false
	}

	return s.write(wire.NewResult(req.ID, wire.AuthResult{Status: wire.StatusAuthenticated})) == nil
}

func tokenEqual(got, want string) bool {
	gotSum := sha256.Sum256([]byte(got))
	wantSum := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(gotSum[:], wantSum[:]) == 1
}

// handleToolRequest carries one tool call from decode through policy,
// optional approval, dispatch, and response.
func (s *session) handleToolRequest(ctx context.Context, req wire.Request) {
	requestID := uuid.NewString()
	ctx = trace.WithTraceID(ctx, requestID)
	log := observability.WithTrace(ctx).With("session_id", s.id)

	var params wire.ToolRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Tool == "" {
		s.write(wire.NewError(req.ID, wire.CodeServerError, "Invalid tool_request params"))
		return
	}
	if params.Args == nil {
		params.Args = map[string]any{}
	}
	wireID, _ := wire.WireID(req.ID)

	decision, signature, err := s.gw.engine.Evaluate(params.Tool, params.Args)
	if err != nil {
		log.Warn("request failed validation", "tool", params.Tool, "err", err)
		s.audit(ctx, &store.AuditEntry{
			RequestID: requestID,
			WireID:    wireID,
			AgentID:   s.agentID,
			Tool:      params.Tool,
			Args:      params.Args,
			Decision:  engine.DecisionDeny.String(),
		})
		s.finishError(ctx, requestID, req.ID, wire.CodePolicyDenied, err.Error(), resolutionValidationFailed, "", nil)
		return
	}

	log.Info("policy decision", "tool", params.Tool, "signature", signature, "decision", decision.String())
	s.audit(ctx, &store.AuditEntry{
		RequestID: requestID,
		WireID:    wireID,
		AgentID:   s.agentID,
		Tool:      params.Tool,
		Args:      params.Args,
		Signature: signature,
		Decision:  decision.String(),
	})

	switch decision {
	case engine.DecisionDeny:
		s.finishError(ctx, requestID, req.ID, wire.CodePolicyDenied, "Denied by policy", resolutionDeniedByPolicy, "policy", nil)

	case engine.DecisionAllow:
		s.execute(ctx, requestID, req.ID, params, "policy")

	case engine.DecisionAsk:
		s.handleAsk(ctx, requestID, req.ID, params, signature)
	}
}

// handleAsk bridges the policy's ask outcome to the approval coordinator
// and awaits the guardian's decision.
func (s *session) handleAsk(ctx context.Context, requestID string, id json.RawMessage, params wire.ToolRequestParams, signature string) {
	done, err := s.gw.coordinator.RequestApproval(ctx, s.id, messenger.ApprovalRequest{
		RequestID: requestID,
		Tool:      params.Tool,
		Args:      params.Args,
		Signature: signature,
	})
	if err != nil {
		if errors.Is(err, approvals.ErrTooManyPending) {
			s.finishError(ctx, requestID, id, wire.CodeRateLimited, "Too many pending approvals", resolutionRateLimited, "", nil)
			return
		}
		slog.Warn("failed to request approval", "request_id", requestID, "err", err)
		s.finishError(ctx, requestID, id, wire.CodeServerError, "Failed to request approval", resolutionExecutionFailed, "", nil)
		return
	}

	// The outcome arrives regardless of connection state; a dead connection
	// only suppresses the wire frame, never the audit resolution.
	outcome := <-done

	switch {
	case outcome.Allowed:
		s.execute(ctx, requestID, id, params, outcome.ResolvedBy)
	case outcome.Cause == approvals.CauseTimeout:
		s.finishError(ctx, requestID, id, wire.CodeApprovalTimeout, "Approval timed out", resolutionApprovalTimeout, outcome.ResolvedBy, nil)
	case outcome.Cause == approvals.CauseShutdown:
		s.finishError(ctx, requestID, id, wire.CodeServerError, "Gateway shutting down", resolutionGatewayShutdown, outcome.ResolvedBy, nil)
	default:
		s.finishError(ctx, requestID, id, wire.CodeDeniedByUser, "Denied by user", resolutionDeniedByUser, outcome.ResolvedBy, nil)
	}
}

// execute dispatches an approved call and reports its result.
func (s *session) execute(ctx context.Context, requestID string, id json.RawMessage, params wire.ToolRequestParams, resolvedBy string) {
	result, err := s.gw.executor.Execute(ctx, params.Tool, params.Args)
	if err != nil {
		slog.Warn("execution failed", "request_id", requestID, "tool", params.Tool, "err", err)
		s.finishError(ctx, requestID, id, wire.CodeExecutionFailed, err.Error(), resolutionExecutionFailed, resolvedBy,
			map[string]any{"error": err.Error()})
		return
	}
	s.finishSuccess(ctx, requestID, id, resolvedBy, result)
}

// finishSuccess sends the executed response and records the terminal
// audit transition.  When the connection is already gone the frame is
// skipped and the outcome stays undelivered for replay.
func (s *session) finishSuccess(ctx context.Context, requestID string, id json.RawMessage, resolvedBy string, data map[string]any) {
	sent := s.write(wire.NewResult(id, wire.ToolResult{Status: wire.StatusExecuted, Data: data})) == nil
	s.resolveAudit(ctx, requestID, resolutionExecuted, resolvedBy, data, sent)
}

// finishError sends an error response and records the terminal audit
// transition.
func (s *session) finishError(ctx context.Context, requestID string, id json.RawMessage, code int, message, resolution, resolvedBy string, result map[string]any) {
	sent := s.write(wire.NewError(id, code, message)) == nil
	s.resolveAudit(ctx, requestID, resolution, resolvedBy, result, sent)
}

// handleGetPendingResults replays every terminal outcome recorded while no
// connection was open.  Rows are marked delivered only after the frame is
// actually written.
func (s *session) handleGetPendingResults(ctx context.Context, req wire.Request) {
	entries, err := s.gw.store.GetUndeliveredResolved(ctx, s.agentID)
	if err != nil {
		slog.Error("failed to load pending results", "err", err)
		s.write(wire.NewError(req.ID, wire.CodeServerError, "Failed to load pending results"))
		return
	}

	results := make([]wire.PendingResult, 0, len(entries))
	delivered := make([]string, 0, len(entries))
	for _, entry := range entries {
		payload, err := replayPayload(entry)
		if err != nil {
			slog.Warn("skipping unreplayable audit row", "request_id", entry.RequestID, "err", err)
			continue
		}
		results = append(results, wire.PendingResult{RequestID: entry.WireID, Result: payload})
		delivered = append(delivered, entry.RequestID)
	}

	if err := s.write(wire.NewResult(req.ID, wire.PendingResultsResult{Results: results})); err != nil {
		return
	}

	if len(delivered) > 0 {
		if err := s.gw.store.MarkDelivered(ctx, delivered); err != nil {
			slog.Warn("failed to mark results delivered", "err", err)
		}
	}
}

// replayPayload reconstructs the stringified terminal payload for one
// resolved audit row.
func replayPayload(entry *store.AuditEntry) (string, error) {
	var payload map[string]any
	switch entry.Resolution {
	case resolutionExecuted:
		payload = map[string]any{"status": wire.StatusExecuted, "data": entry.ExecutionResult}
	case resolutionDeniedByUser:
		payload = deniedPayload(wire.CodeDeniedByUser, "Denied by user")
	case resolutionDeniedByPolicy:
		payload = deniedPayload(wire.CodePolicyDenied, "Denied by policy")
	case resolutionValidationFailed:
		payload = deniedPayload(wire.CodePolicyDenied, "Denied by policy")
	case resolutionApprovalTimeout:
		payload = deniedPayload(wire.CodeApprovalTimeout, "Approval timed out")
	case resolutionGatewayShutdown:
		payload = deniedPayload(wire.CodeServerError, "Gateway shutting down")
	case resolutionExecutionFailed:
		message := "Execution failed"
		if m, ok := entry.ExecutionResult["error"].(string); ok && m != "" {
			message = m
		}
		payload = deniedPayload(wire.CodeExecutionFailed, message)
	case resolutionRateLimited:
		payload = deniedPayload(wire.CodeRateLimited, "Too many pending approvals")
	default:
		return "", fmt.Errorf("unknown resolution %q", entry.Resolution)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func deniedPayload(code int, message string) map[string]any {
	return map[string]any{"status": "denied", "code": code, "data": message}
}

// audit writes the decision row.  A store failure here is logged, not
// fatal: the request proceeds and the terminal resolve will fail loudly if
// the store is really gone.
func (s *session) audit(ctx context.Context, entry *store.AuditEntry) {
	if err := s.gw.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("failed to write audit row", "request_id", entry.RequestID, "err", err)
	}
}

func (s *session) resolveAudit(ctx context.Context, requestID, resolution, resolvedBy string, result map[string]any, delivered bool) {
	if err := s.gw.store.ResolveAudit(ctx, requestID, resolution, resolvedBy, result, delivered); err != nil {
		slog.Error("failed to record audit resolution", "request_id", requestID, "err", err)
	}
}

// write serializes one frame onto the wire.
func (s *session) write(resp *wire.Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(resp)
}
