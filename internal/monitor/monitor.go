// Package monitor turns the static server's access log into tunnel lifecycle
// decisions: byte attribution, completion and stall detection, expiry and
// grace-period teardown.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shareonce/shareonce/internal/tunnel"
)

// tunnelPathRe attributes a request path to a tunnel. Only the download
// route accrues bytes; the courtesy page is activity-neutral.
var tunnelPathRe = regexp.MustCompile(`^/(files|download-file)/([a-f0-9]{8})(?:/|$)`)

const (
	downloadRoute = "download-file"
	// connectionWindow bounds the distinct-request-id connection heuristic.
	connectionWindow = 60 * time.Second
	// routeSweepEvery runs the orphan-route sweep on every Nth tick.
	routeSweepEvery = 24
)

// Monitor consumes access-log lines and drives tunnel state transitions on a
// periodic tick.
type Monitor struct {
	manager      *tunnel.Manager
	stallTimeout time.Duration
	tickInterval time.Duration
	now          func() time.Time

	parseErrors atomic.Int64
	running     atomic.Bool
	tickCount   int

	mu    sync.Mutex
	conns map[string]map[string]time.Time // tunnel_id -> request_id -> last seen
}

// NewMonitor creates a monitor over the given tunnel manager.
func NewMonitor(mgr *tunnel.Manager, stallTimeout, tickInterval time.Duration) *Monitor {
	return &Monitor{
		manager:      mgr,
		stallTimeout: stallTimeout,
		tickInterval: tickInterval,
		now:          time.Now,
		conns:        make(map[string]map[string]time.Time),
	}
}

// Run evaluates triggers every tick until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	slog.Info("Download monitor running", "tick", m.tickInterval, "stall_timeout", m.stallTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// HandleLine ingests one access-log line: parse, attribute, account.
func (m *Monitor) HandleLine(ctx context.Context, line string) {
	ev, err := parseLine(line)
	if err != nil {
		m.parseErrors.Add(1)
		return
	}

	match := tunnelPathRe.FindStringSubmatch(ev.Path)
	if match == nil {
		return
	}
	route, tunnelID := match[1], match[2]

	if route != downloadRoute {
		return
	}
	if ev.Status != 200 && ev.Status != 206 {
		return
	}

	rec, err := m.manager.Get(ctx, tunnelID)
	if errors.Is(err, tunnel.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("Failed to load tunnel for log event", "tunnel_id", tunnelID, "error", err)
		return
	}
	if rec.Status.Terminal() && rec.Status != tunnel.StatusCompleted {
		return
	}

	// Overshoot from overlapping range requests is dropped at the cap
	if remaining := rec.FileSize - rec.BytesServed; remaining > 0 && ev.BodyBytes > 0 {
		delta := ev.BodyBytes
		if delta > remaining {
			delta = remaining
		}
		if total, err := m.manager.AddBytes(ctx, tunnelID, delta); err != nil {
			slog.Warn("Failed to record bytes", "tunnel_id", tunnelID, "error", err)
		} else {
			slog.Debug("Bytes attributed", "tunnel_id", tunnelID, "delta", delta, "total", total, "file_size", rec.FileSize)
		}
	}

	active := m.trackConnection(tunnelID, ev.RequestID, ev.Timestamp)
	at := ev.Timestamp
	if !rec.LastActivityAt.IsZero() && rec.LastActivityAt.After(at) {
		at = rec.LastActivityAt
	}
	if err := m.manager.RecordActivity(ctx, tunnelID, at, active); err != nil {
		slog.Warn("Failed to record activity", "tunnel_id", tunnelID, "error", err)
	}
}

// trackConnection updates the distinct-request-id heuristic and returns the
// current count within the window. Best effort; reported, not relied on.
func (m *Monitor) trackConnection(tunnelID, requestID string, at time.Time) int {
	if requestID == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := m.conns[tunnelID]
	if seen == nil {
		seen = make(map[string]time.Time)
		m.conns[tunnelID] = seen
	}
	seen[requestID] = at

	cutoff := m.now().Add(-connectionWindow)
	for rid, last := range seen {
		if last.Before(cutoff) {
			delete(seen, rid)
		}
	}
	return len(seen)
}

// Tick evaluates lifecycle triggers for every live tunnel. Precedence per
// tunnel: expired over stalled over completed; at most one trigger fires.
func (m *Monitor) Tick(ctx context.Context) {
	records, err := m.manager.ListLive(ctx)
	if err != nil {
		// A flaky store pauses ticking rather than misfiring triggers
		slog.Warn("Monitor tick skipped, store unavailable", "error", err)
		return
	}

	now := m.now().UTC()
	for _, rec := range records {
		m.evaluate(ctx, rec, now)
	}

	m.pruneConnections(records)

	m.tickCount++
	if m.tickCount%routeSweepEvery == 0 {
		if err := m.manager.SweepOrphanRoutes(ctx); err != nil {
			slog.Warn("Orphan route sweep failed", "error", err)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, rec *tunnel.Record, now time.Time) {
	// A completed tunnel keeps its route past expires_at; only the grace
	// deadline retires it
	if rec.Status == tunnel.StatusCompleted {
		if !rec.GraceDeadline.IsZero() && now.After(rec.GraceDeadline) {
			m.destroy(ctx, rec.TunnelID, "completed")
		}
		return
	}

	if now.After(rec.ExpiresAt) {
		m.destroy(ctx, rec.TunnelID, "expired")
		return
	}

	if rec.Status == tunnel.StatusActive {
		if rec.BytesServed > 0 && !rec.LastActivityAt.IsZero() && now.Sub(rec.LastActivityAt) > m.stallTimeout {
			m.destroy(ctx, rec.TunnelID, "stalled")
			return
		}
		// Zero-byte files complete on their first download hit, which shows
		// up as activity without bytes
		if rec.BytesReported() >= rec.FileSize && !rec.LastActivityAt.IsZero() {
			if _, err := m.manager.MarkCompleted(ctx, rec.TunnelID); err != nil {
				slog.Warn("Failed to mark tunnel completed", "tunnel_id", rec.TunnelID, "error", err)
			}
		}
	}
}

func (m *Monitor) destroy(ctx context.Context, tunnelID, reason string) {
	if err := m.manager.Destroy(ctx, tunnelID, reason); err != nil {
		slog.Error("Monitor-triggered destroy failed", "tunnel_id", tunnelID, "reason", reason, "error", err)
	}
}

// pruneConnections drops heuristic state for tunnels no longer live.
func (m *Monitor) pruneConnections(live []*tunnel.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alive := make(map[string]bool, len(live))
	for _, rec := range live {
		alive[rec.TunnelID] = true
	}
	for id := range m.conns {
		if !alive[id] {
			delete(m.conns, id)
		}
	}
}

// ForceTick runs one immediate trigger evaluation. Backs /admin/cleanup.
func (m *Monitor) ForceTick(ctx context.Context) {
	m.Tick(ctx)
}

// Stats is the monitor's contribution to /admin/monitor/status.
type Stats struct {
	Running         bool  `json:"monitor_active"`
	ActiveDownloads int   `json:"active_downloads"`
	ParseErrors     int64 `json:"parse_errors"`
}

// Stats reports the monitor's current state. Active downloads counts tunnels
// with at least one connection inside the heuristic window.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-connectionWindow)
	downloads := 0
	for _, seen := range m.conns {
		for _, last := range seen {
			if !last.Before(cutoff) {
				downloads++
				break
			}
		}
	}
	return Stats{
		Running:         m.running.Load(),
		ActiveDownloads: downloads,
		ParseErrors:     m.parseErrors.Load(),
	}
}
