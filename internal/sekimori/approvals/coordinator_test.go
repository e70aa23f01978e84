package approvals_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/approvals"
	"github.com/bdobrica/Sekimori/internal/sekimori/messenger"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
)

// fakeAdapter records approval traffic without a real transport.
type fakeAdapter struct {
	mu       sync.Mutex
	sent     []messenger.ApprovalRequest
	updates  []string
	sendErr  error
	callback messenger.Callback
}

func (f *fakeAdapter) SendApproval(_ context.Context, req messenger.ApprovalRequest, _ []messenger.Choice) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, req)
	return "msg-1", nil
}

func (f *fakeAdapter) UpdateApproval(_ context.Context, handle, status, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
}

func (f *fakeAdapter) RegisterCallback(cb messenger.Callback) { f.callback = cb }
func (f *fakeAdapter) Start(context.Context) error            { return nil }
func (f *fakeAdapter) Stop()                                  {}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newCoordinator(t *testing.T, adapter messenger.Adapter, timeout time.Duration, maxPerConn int) (*approvals.Coordinator, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return approvals.New(st, adapter, timeout, maxPerConn), st
}

func request(id string) messenger.ApprovalRequest {
	return messenger.ApprovalRequest{
		RequestID: id,
		Tool:      "ha_call_service",
		Args:      map[string]any{"domain": "light", "service": "turn_on"},
		Signature: "ha_call_service(light.turn_on, )",
	}
}

func TestRequestApproval_GuardianAllows(t *testing.T) {
	adapter := &fakeAdapter{}
	c, st := newCoordinator(t, adapter, time.Minute, 10)
	ctx := context.Background()

	done, err := c.RequestApproval(ctx, "conn-1", request("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	if adapter.sentCount() != 1 {
		t.Fatalf("expected 1 approval message, got %d", adapter.sentCount())
	}

	// The durable row exists while pending.
	if p, _ := st.GetPending(ctx, "req-1"); p == nil {
		t.Fatal("pending row not persisted")
	}

	if !c.Resolve("req-1", "allow", "777", approvals.CauseUser) {
		t.Fatal("first resolution must win")
	}

	select {
	case out := <-done:
		if !out.Allowed || out.ResolvedBy != "777" || out.Cause != approvals.CauseUser {
			t.Errorf("unexpected outcome: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("completion signal never fired")
	}

	// The durable row is gone after resolution.
	if p, _ := st.GetPending(ctx, "req-1"); p != nil {
		t.Error("pending row should be deleted on resolution")
	}
}

func TestResolve_FirstWriterWins(t *testing.T) {
	adapter := &fakeAdapter{}
	c, _ := newCoordinator(t, adapter, time.Minute, 10)

	done, err := c.RequestApproval(context.Background(), "conn-1", request("req-1"))
	if err != nil {
		t.Fatal(err)
	}

	if !c.Resolve("req-1", "deny", "999", approvals.CauseUser) {
		t.Fatal("first resolution must win")
	}
	if c.Resolve("req-1", "allow", "777", approvals.CauseUser) {
		t.Error("second resolution must be a no-op")
	}
	if c.Resolve("req-1", "deny", approvals.ResolverTimeout, approvals.CauseTimeout) {
		t.Error("timeout after resolution must be a no-op")
	}

	out := <-done
	if out.Allowed || out.ResolvedBy != "999" {
		t.Errorf("outcome must reflect the first resolver: %+v", out)
	}

	select {
	case extra := <-done:
		t.Errorf("completion signal fired twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolve_ConcurrentResolversExactlyOnce(t *testing.T) {
	adapter := &fakeAdapter{}
	c, _ := newCoordinator(t, adapter, time.Minute, 10)

	done, err := c.RequestApproval(context.Background(), "conn-1", request("req-1"))
	if err != nil {
		t.Fatal(err)
	}

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			action := "allow"
			if n%2 == 0 {
				action = "deny"
			}
			if c.Resolve("req-1", action, "racer", approvals.CauseUser) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one resolver must win, got %d", wins)
	}
	<-done
}

func TestRequestApproval_Timeout(t *testing.T) {
	adapter := &fakeAdapter{}
	c, st := newCoordinator(t, adapter, 50*time.Millisecond, 10)

	done, err := c.RequestApproval(context.Background(), "conn-1", request("req-1"))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-done:
		if out.Allowed || out.Cause != approvals.CauseTimeout || out.ResolvedBy != approvals.ResolverTimeout {
			t.Errorf("unexpected timeout outcome: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	if p, _ := st.GetPending(context.Background(), "req-1"); p != nil {
		t.Error("pending row should be gone after timeout")
	}
}

func TestRequestApproval_PerConnectionCap(t *testing.T) {
	adapter := &fakeAdapter{}
	c, _ := newCoordinator(t, adapter, time.Minute, 2)
	ctx := context.Background()

	if _, err := c.RequestApproval(ctx, "conn-1", request("req-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RequestApproval(ctx, "conn-1", request("req-2")); err != nil {
		t.Fatal(err)
	}

	_, err := c.RequestApproval(ctx, "conn-1", request("req-3"))
	if !errors.Is(err, approvals.ErrTooManyPending) {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}

	// A different connection has its own allowance.
	if _, err := c.RequestApproval(ctx, "conn-2", request("req-4")); err != nil {
		t.Errorf("other connections must not be affected: %v", err)
	}

	// Resolving frees a slot.
	c.Resolve("req-1", "deny", "u", approvals.CauseUser)
	if _, err := c.RequestApproval(ctx, "conn-1", request("req-5")); err != nil {
		t.Errorf("slot should be free after resolution: %v", err)
	}
}

func TestRequestApproval_SendFailureRollsBack(t *testing.T) {
	adapter := &fakeAdapter{sendErr: errors.New("bot api down")}
	c, st := newCoordinator(t, adapter, time.Minute, 1)
	ctx := context.Background()

	if _, err := c.RequestApproval(ctx, "conn-1", request("req-1")); err == nil {
		t.Fatal("send failure must surface")
	}

	// Slot and durable row are released.
	if c.PendingCount("conn-1") != 0 {
		t.Error("failed request must not consume the cap")
	}
	if p, _ := st.GetPending(ctx, "req-1"); p != nil {
		t.Error("durable row must be rolled back")
	}

	adapter.sendErr = nil
	if _, err := c.RequestApproval(ctx, "conn-1", request("req-2")); err != nil {
		t.Errorf("capacity should be available: %v", err)
	}
}

func TestResolveAllPending_Shutdown(t *testing.T) {
	adapter := &fakeAdapter{}
	c, _ := newCoordinator(t, adapter, time.Minute, 10)
	ctx := context.Background()

	done1, err := c.RequestApproval(ctx, "conn-1", request("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	done2, err := c.RequestApproval(ctx, "conn-1", request("req-2"))
	if err != nil {
		t.Fatal(err)
	}

	c.ResolveAllPending(approvals.CauseShutdown)

	for _, done := range []<-chan approvals.Outcome{done1, done2} {
		select {
		case out := <-done:
			if out.Allowed || out.Cause != approvals.CauseShutdown || out.ResolvedBy != approvals.ResolverShutdown {
				t.Errorf("unexpected shutdown outcome: %+v", out)
			}
		case <-time.After(time.Second):
			t.Fatal("shutdown did not drain pending approvals")
		}
	}

	if c.PendingCount("conn-1") != 0 {
		t.Error("registry not drained")
	}
}
