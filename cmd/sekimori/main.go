// Command sekimori runs the execution gateway: it interposes between an
// untrusted AI agent and a privileged Home Assistant controller, gating
// every tool call through policy evaluation and, where required, human
// approval over Telegram.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Sekimori/common/environment"
	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/approvals"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/engine"
	"github.com/bdobrica/Sekimori/internal/sekimori/executor"
	"github.com/bdobrica/Sekimori/internal/sekimori/messenger/telegram"
	"github.com/bdobrica/Sekimori/internal/sekimori/observability"
	"github.com/bdobrica/Sekimori/internal/sekimori/server"
	"github.com/bdobrica/Sekimori/internal/sekimori/services"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
)

func main() {
	configPath := flag.String("config", environment.StringOr("SEKIMORI_CONFIG", config.DefaultConfigPath), "Config file path")
	permissionsPath := flag.String("permissions", environment.StringOr("SEKIMORI_PERMISSIONS", config.DefaultPermissionsPath), "Permissions file path")
	insecure := flag.Bool("insecure", false, "Allow plaintext WebSocket connections (no TLS)")
	flag.Parse()

	observability.Setup(
		environment.StringOr("SEKIMORI_LOG_LEVEL", "info"),
		environment.StringOr("SEKIMORI_LOG_FORMAT", "text"),
	)

	slog.Info("sekimori execution gateway", "version", version.Info())

	if err := run(*configPath, *permissionsPath, *insecure); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, permissionsPath string, insecure bool) error {
	// 1. Load configuration and permissions.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	perms, err := config.LoadPermissions(permissionsPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// 2. TLS check before anything touches the network.
	if cfg.Gateway.TLS == nil && !insecure {
		return fmt.Errorf("TLS not configured; use --insecure to allow plaintext connections")
	}

	secrets := cfg.SecretValues()

	// 3. Durable store, with the startup stale sweep.
	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage error: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stale, err := st.CleanupStale(ctx)
	if err != nil {
		return fmt.Errorf("storage error: %w", err)
	}
	for _, p := range stale {
		slog.Warn("auto-denied stale pending approval from previous run",
			"request_id", p.RequestID, "tool", p.Tool, "expired_at", p.ExpiresAt)
		if err := st.ResolveAudit(ctx, p.RequestID, "approval_timeout", "startup_sweep", nil, false); err != nil {
			slog.Warn("could not record stale resolution",
				"request_id", p.RequestID,
				"err", observability.RedactSecrets(err.Error(), secrets...))
		}
	}

	// 4. Downstream service and health probe.  An unreachable controller is
	// a warning, not a startup failure.
	ha := services.NewHomeAssistant(cfg.Services["homeassistant"])
	defer ha.Close()
	if !ha.HealthCheck(ctx) {
		slog.Warn("Home Assistant unreachable, continuing anyway", "url", cfg.Services["homeassistant"].URL)
	}
	exec := executor.New(map[string]services.Handler{"homeassistant": ha})

	// 5. Policy engine.
	eng := engine.New(perms)

	// 6. Guardian messenger.
	adapter, err := telegram.New(*cfg.Messenger.Telegram)
	if err != nil {
		return fmt.Errorf("messenger error: %s", observability.RedactSecrets(err.Error(), secrets...))
	}

	// 7. Approval coordinator and gateway.
	coord := approvals.New(st, adapter, time.Duration(cfg.ApprovalTimeout)*time.Second, cfg.RateLimit.MaxPendingApprovals)
	gw := server.New(cfg, eng, exec, coord, st, adapter)

	// Optionally audit button presses from users outside the allowlist.
	if cfg.Messenger.Telegram.AuditUnauthorized {
		adapter.RegisterUnauthorizedHandler(func(requestID, action string, userID int64) {
			err := st.AppendAudit(ctx, &store.AuditEntry{
				RequestID: fmt.Sprintf("%s-unauthorized-%d", requestID, time.Now().UnixNano()),
				Tool:      "approval_decision",
				Args:      map[string]any{"request_id": requestID, "action": action, "user_id": userID},
				Decision:  "ignored",
				Delivered: true,
			})
			if err != nil {
				slog.Warn("could not audit unauthorized press", "err", err)
			}
		})
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("messenger error: %w", err)
	}
	defer adapter.Stop()

	// 8. Serve until signalled, then unwind: Run performs the graceful
	// shutdown (deny pending approvals, stop accepting, drain sessions).
	if err := gw.Run(ctx, insecure); err != nil {
		return err
	}

	slog.Info("sekimori stopped")
	return nil
}
