// Package daemon wires the control-plane process together: state store,
// history database, edge provider, tunnel manager, download monitor and the
// control API, with graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/shareonce/shareonce/internal/api"
	"github.com/shareonce/shareonce/internal/core"
	"github.com/shareonce/shareonce/internal/edge"
	"github.com/shareonce/shareonce/internal/history"
	"github.com/shareonce/shareonce/internal/monitor"
	"github.com/shareonce/shareonce/internal/store"
	"github.com/shareonce/shareonce/internal/token"
	"github.com/shareonce/shareonce/internal/tunnel"
)

const (
	// drainTimeout bounds how long in-flight requests may run at shutdown.
	drainTimeout = 10 * time.Second
	// tokenSweepInterval is how often expired token records are reaped.
	tokenSweepInterval = time.Minute
)

// Daemon is the running control-plane process.
type Daemon struct {
	cfg     *core.Configuration
	store   *store.Store
	hist    *history.DB
	manager *tunnel.Manager
	monitor *monitor.Monitor
	tokens  *token.Service
}

// New builds a daemon from the configuration. Nothing is started yet.
func New(cfg *core.Configuration) *Daemon {
	return &Daemon{cfg: cfg}
}

// setupLogging installs the tint handler. Verbosity 0 logs info and above.
func (d *Daemon) setupLogging() {
	level := slog.LevelInfo
	if d.cfg.Verbose > 0 {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}

// Run starts the daemon and blocks until the context is cancelled or a
// shutdown signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	d.setupLogging()

	if err := d.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Starting shareonce daemon",
		"version", core.Version,
		"listen_addr", d.cfg.ListenAddr,
		"library_root", d.cfg.LibraryRoot,
		"staging_root", d.cfg.StagingRoot)

	st, err := store.Open(d.cfg.StateStoreURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	d.store = st

	hist, err := history.Open(filepath.Join(d.cfg.ConfigPath, "shareonce.db"))
	if err != nil {
		return err
	}
	defer hist.Close()
	d.hist = hist
	if err := hist.LogDaemonEvent("start", "daemon started, version "+core.Version); err != nil {
		slog.Warn("Failed to record start event", "error", err)
	}

	if err := os.MkdirAll(d.cfg.StagingRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create staging root: %w", err)
	}

	provider := edge.NewTailscale(d.cfg.EdgeCommand, d.cfg.StagingRoot)
	d.manager = tunnel.NewManager(st, provider, hist,
		d.cfg.LibraryRoot, d.cfg.StagingRoot,
		d.cfg.MaxTunnelLifetime(), d.cfg.GracePeriod())

	d.tokens, err = token.NewService(st, []byte(d.cfg.JWTSecret), d.cfg.MaxTunnelLifetime())
	if err != nil {
		return err
	}

	d.monitor = monitor.NewMonitor(d.manager, d.cfg.StallTimeout(), d.cfg.TickInterval())

	// Crash recovery before anything serves traffic
	if err := d.manager.ReconcileOnStartup(ctx); err != nil {
		slog.Error("Startup reconciliation failed", "error", err)
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tailer := monitor.NewTailer(d.cfg.AccessLogPath, st, d.monitor.HandleLine)
	go func() {
		if err := tailer.Run(runCtx, true); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Log tailer stopped", "error", err)
		}
	}()

	go d.monitor.Run(runCtx)
	go d.sweepTokens(runCtx)

	server := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           api.NewServer(d.cfg, st, d.tokens, d.manager, d.monitor, hist).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Edge provisioning happens inside link creation; allow for its retries
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Control API listening", "addr", d.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		d.shutdown(server)
		return fmt.Errorf("control API failed: %w", err)
	case <-runCtx.Done():
	}

	slog.Info("Shutdown signal received")
	d.shutdown(server)
	return nil
}

// shutdown drains in-flight requests, then destroys every live tunnel so no
// public endpoint outlives the process.
func (d *Daemon) shutdown(server *http.Server) {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		slog.Warn("HTTP drain incomplete", "error", err)
	}

	d.manager.Shutdown(drainCtx)

	if err := d.hist.LogDaemonEvent("stop", "daemon stopped"); err != nil {
		slog.Warn("Failed to record stop event", "error", err)
	}
	slog.Info("Daemon stopped")
}

// sweepTokens reaps expired token records on an interval. Store TTLs handle
// the common case; the sweep keeps the keyspace tidy after clock jumps.
func (d *Daemon) sweepTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.tokens.SweepExpired(ctx); err != nil {
				slog.Warn("Token sweep failed", "error", err)
			}
		}
	}
}
