// Package server implements the wire-facing side of the gateway: the
// WebSocket listener, the per-connection session state machine, and the
// orchestration of engine, executor, approval coordinator, store, and
// messenger for each request.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdobrica/Sekimori/internal/sekimori/approvals"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/engine"
	"github.com/bdobrica/Sekimori/internal/sekimori/executor"
	"github.com/bdobrica/Sekimori/internal/sekimori/messenger"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
)

// defaultAgentID identifies the single configured agent in audit rows.
const defaultAgentID = "default"

// authReadTimeout bounds how long a fresh connection may sit in AUTH_WAIT.
const authReadTimeout = 30 * time.Second

// shutdownGrace bounds the drain of live sessions on shutdown.
const shutdownGrace = 10 * time.Second

// Gateway owns the collaborators and accepts agent connections.
type Gateway struct {
	cfg         *config.Config
	agentToken  string
	engine      *engine.Engine
	executor    *executor.Executor
	coordinator *approvals.Coordinator
	store       *store.Store
	adapter     messenger.Adapter

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	sessions map[*session]struct{}
	stopped  bool
}

// New wires a Gateway together and binds the messenger callback so
// guardian decisions reach the approval coordinator.
func New(cfg *config.Config, eng *engine.Engine, exec *executor.Executor, coord *approvals.Coordinator, st *store.Store, adapter messenger.Adapter) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		agentToken:  cfg.Agent.Token,
		engine:      eng,
		executor:    exec,
		coordinator: coord,
		store:       st,
		adapter:     adapter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The agent authenticates with the shared token; origin checks
			// add nothing for non-browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}

	adapter.RegisterCallback(func(res messenger.Result) {
		if !coord.Resolve(res.RequestID, res.Action, res.UserID, approvals.CauseUser) {
			slog.Info("ignoring decision for unknown or resolved request", "request_id", res.RequestID)
		}
	})

	return g
}

// Handler returns the HTTP handler that upgrades agent connections.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleUpgrade)
	return mux
}

// Run listens for agent connections until ctx is cancelled, then performs
// the graceful shutdown sequence.  insecure permits a plaintext listener
// when no TLS is configured.
func (g *Gateway) Run(ctx context.Context, insecure bool) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)
	g.httpServer = &http.Server{Addr: addr, Handler: g.Handler()}

	tlsConfigured := g.cfg.Gateway.TLS != nil
	if !tlsConfigured && !insecure {
		return fmt.Errorf("TLS not configured; use --insecure to allow plaintext connections")
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfigured {
			err = g.httpServer.ListenAndServeTLS(g.cfg.Gateway.TLS.Cert, g.cfg.Gateway.TLS.Key)
		} else {
			err = g.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	scheme := "ws"
	if tlsConfigured {
		scheme = "wss"
	}
	slog.Info("gateway ready", "addr", fmt.Sprintf("%s://%s", scheme, addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("listener failed: %w", err)
	case <-ctx.Done():
	}

	g.Shutdown()
	return nil
}

// Shutdown performs the graceful teardown: resolve all pending approvals
// as denied, stop accepting connections, then drain live sessions.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	slog.Info("gateway shutting down")
	g.coordinator.ResolveAllPending(approvals.CauseShutdown)

	if g.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("listener shutdown incomplete", "err", err)
		}
	}

	// http.Server.Shutdown does not touch hijacked connections.  Let the
	// in-flight request handlers finish writing their terminal frames, then
	// close the remaining sessions explicitly.
	g.mu.Lock()
	live := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		for _, s := range live {
			s.requests.Wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		slog.Warn("session drain timed out")
	}

	for _, s := range live {
		s.conn.Close()
	}
}

// handleUpgrade accepts one agent connection and runs its session.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("connection upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := newSession(g, conn)
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	slog.Info("agent connected", "remote", r.RemoteAddr, "session_id", s.id)

	// The request context dies with the HTTP handler; sessions live until
	// the connection drops or the gateway stops.
	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.sessions, s)
			g.mu.Unlock()
			slog.Info("agent session closed", "session_id", s.id)
		}()
		s.run(context.Background())
	}()
}
