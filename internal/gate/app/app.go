// Package app wires the gateway subsystems together and runs the HTTP edge:
// store → vault → executor → queue, plus messaging, mementos, sessions, and
// the tool dispatcher, all behind one mux.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentgate/agentgate/common/version"
	"github.com/agentgate/agentgate/internal/gate/access"
	"github.com/agentgate/agentgate/internal/gate/executor"
	"github.com/agentgate/agentgate/internal/gate/httpapi"
	"github.com/agentgate/agentgate/internal/gate/memento"
	"github.com/agentgate/agentgate/internal/gate/messaging"
	"github.com/agentgate/agentgate/internal/gate/notify"
	"github.com/agentgate/agentgate/internal/gate/observability"
	"github.com/agentgate/agentgate/internal/gate/queue"
	"github.com/agentgate/agentgate/internal/gate/registry"
	"github.com/agentgate/agentgate/internal/gate/session"
	"github.com/agentgate/agentgate/internal/gate/settings"
	"github.com/agentgate/agentgate/internal/gate/store"
	"github.com/agentgate/agentgate/internal/gate/tools"
	"github.com/agentgate/agentgate/internal/gate/vault"
)

// Config holds the application configuration. All values are loaded from
// environment variables by cmd/agentgate/main.go.
type Config struct {
	// DataDir holds the SQLite database. Created if absent.
	DataDir string

	// Port is the TCP port the edge listens on.
	Port int

	// MasterKeyHex, when set, enables credential encryption at rest
	// (64 hex chars / 32 bytes).
	MasterKeyHex string

	// DenylistFile optionally replaces the compiled-in blocked-path
	// patterns with a YAML file.
	DenylistFile string

	// WebhookTimeout bounds each outbound agent webhook delivery.
	WebhookTimeout time.Duration

	// Matrix holds the optional admin notice channel. Empty homeserver
	// disables it.
	Matrix MatrixConfig

	// LogLevel is "debug", "info", "warn", or "error". Defaults to "info".
	LogLevel string
	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string
}

// MatrixConfig configures the send-only admin notifier.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// App owns the wired subsystems and the lifecycle of the HTTP edge.
type App struct {
	cfg      *Config
	store    *store.Store
	queue    *queue.Queue
	sessions *session.Manager
	server   *http.Server
}

// New wires every subsystem. Construction opens the database and runs
// migrations; nothing starts serving until Run.
func New(cfg *Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(filepath.Join(cfg.DataDir, "agentgate.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	v, err := vault.New(st, vault.Options{MasterKeyHex: cfg.MasterKeyHex})
	if err != nil {
		st.Close()
		return nil, err
	}

	denylist := registry.DefaultDenylist()
	if cfg.DenylistFile != "" {
		denylist, err = registry.LoadDenylist(cfg.DenylistFile)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load denylist: %w", err)
		}
	}

	var admin notify.Admin
	if cfg.Matrix.Homeserver != "" {
		admin, err = notify.NewMatrixAdmin(cfg.Matrix.Homeserver, cfg.Matrix.UserID,
			cfg.Matrix.AccessToken, cfg.Matrix.RoomID)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("matrix admin channel: %w", err)
		}
		slog.Info("matrix admin notices enabled", "room", cfg.Matrix.RoomID)
	}

	cfgStore := settings.New(st)
	resolver := access.New(st)
	exec := executor.New(v, nil)
	webhook := notify.NewWebhook(cfg.WebhookTimeout)
	q := queue.New(st, cfgStore, resolver, exec, webhook, admin, denylist)
	msg := messaging.New(st, cfgStore, webhook, admin)
	mem := memento.New(st)
	dispatcher := tools.New(st, q, msg, mem, resolver, exec, denylist, version.Version)
	sessions := session.NewManager(st, 0, 0)

	edge := httpapi.New(httpapi.Options{
		Store:      st,
		Settings:   cfgStore,
		Access:     resolver,
		Queue:      q,
		Messaging:  msg,
		Mementos:   mem,
		Executor:   exec,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Webhook:    webhook,
		Denylist:   denylist,
	})

	return &App{
		cfg:      cfg,
		store:    st,
		queue:    q,
		sessions: sessions,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: edge.Handler(),
		},
	}, nil
}

// Run recovers stranded queue entries, starts the session sweeper, and
// serves until SIGINT/SIGTERM, then drains in-flight requests.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.queue.RecoverStuck(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	go a.sessions.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentgate listening",
			"addr", a.server.Addr,
			"version", version.Info(),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-sigCh:
		slog.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown did not drain cleanly", "err", err)
	}
	cancel()
	if err := a.store.Close(); err != nil {
		slog.Warn("closing store", "err", err)
	}
	return nil
}
