// Package tunnel implements the tunnel manager: allocation of tunnel IDs,
// staging of library files, edge publication and reliable destruction.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shareonce/shareonce/internal/edge"
	"github.com/shareonce/shareonce/internal/history"
	"github.com/shareonce/shareonce/internal/store"
)

var (
	// ErrNotFound is returned for unknown tunnel IDs.
	ErrNotFound = errors.New("tunnel not found")
	// ErrFileNotFound is returned when the requested library file does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrPathEscape is returned when the requested path resolves outside the
	// library root.
	ErrPathEscape = errors.New("path escapes library root")
	// ErrNotRegularFile is returned for directories, devices and other
	// non-regular files.
	ErrNotRegularFile = errors.New("not a regular file")
	// ErrEdgeProvisionFailed is returned when the edge provider could not
	// publish a route after retries.
	ErrEdgeProvisionFailed = errors.New("edge provisioning failed")
)

const (
	keyPrefix = "tunnel:"
	// stagedFileName is the fixed symlink name inside a staging directory,
	// so URLs stay valid regardless of the original file name.
	stagedFileName = "file"
	// idAttempts bounds retries on tunnel ID collisions.
	idAttempts = 5
	// retention keeps terminal records readable in the store for a short
	// while after destruction; long-term history lives in SQLite.
	retention = 15 * time.Minute
)

// Manager owns tunnel records, their staging references and edge routes.
type Manager struct {
	store       *store.Store
	edge        edge.Provider
	hist        *history.DB
	libraryRoot string
	stagingRoot string
	maxLifetime time.Duration
	gracePeriod time.Duration
	now         func() time.Time
}

// NewManager creates a tunnel manager.
func NewManager(st *store.Store, provider edge.Provider, hist *history.DB, libraryRoot, stagingRoot string, maxLifetime, gracePeriod time.Duration) *Manager {
	return &Manager{
		store:       st,
		edge:        provider,
		hist:        hist,
		libraryRoot: libraryRoot,
		stagingRoot: stagingRoot,
		maxLifetime: maxLifetime,
		gracePeriod: gracePeriod,
		now:         time.Now,
	}
}

// GracePeriod returns the post-completion route retention.
func (m *Manager) GracePeriod() time.Duration {
	return m.gracePeriod
}

// Create stages a library file, publishes it at the edge and returns the
// active tunnel record. The TTL is clamped to the maximum tunnel lifetime;
// non-positive TTLs are rejected.
func (m *Manager) Create(ctx context.Context, filePath string, ttl time.Duration) (*Record, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("tunnel ttl must be positive, got %v", ttl)
	}
	if ttl > m.maxLifetime {
		ttl = m.maxLifetime
	}

	resolved, size, err := m.resolveLibraryPath(filePath)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	rec := &Record{
		FilePath:  filePath,
		FileSize:  size,
		Status:    StatusProvisioning,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	// Allocate a unique ID; set-if-absent on the record key is the lock
	for attempt := 0; ; attempt++ {
		rec.TunnelID = newTunnelID()
		created, err := m.store.CreateRecord(ctx, keyPrefix+rec.TunnelID, rec.fields(), ttl+m.gracePeriod+retention)
		if err != nil {
			return nil, fmt.Errorf("failed to insert tunnel record: %w", err)
		}
		if created {
			break
		}
		if attempt+1 >= idAttempts {
			return nil, fmt.Errorf("failed to allocate tunnel id after %d attempts", idAttempts)
		}
	}

	slog.Info("Creating tunnel", "tunnel_id", rec.TunnelID, "file_path", filePath, "file_size", size, "ttl", ttl)

	if err := m.stage(rec.TunnelID, resolved); err != nil {
		m.store.Delete(ctx, keyPrefix+rec.TunnelID)
		return nil, err
	}

	route, err := edge.PublishWithRetry(ctx, m.edge, rec.TunnelID, m.stagedPath(rec.TunnelID))
	if err != nil {
		slog.Error("Edge publish failed, cleaning up tunnel", "tunnel_id", rec.TunnelID, "error", err)
		if derr := m.Destroy(ctx, rec.TunnelID, "failed"); derr != nil {
			slog.Error("Cleanup of failed tunnel also failed", "tunnel_id", rec.TunnelID, "error", derr)
		}
		return nil, fmt.Errorf("%w: %v", ErrEdgeProvisionFailed, err)
	}

	base := path.Base(filePath)
	rec.Hostname = route.Hostname
	rec.PublicURL = fmt.Sprintf("%s/files/%s/%s", route.PublicURL, rec.TunnelID, base)
	rec.DownloadURL = fmt.Sprintf("%s/download-file/%s/%s", route.PublicURL, rec.TunnelID, base)
	rec.Status = StatusActive

	err = m.store.SetFields(ctx, keyPrefix+rec.TunnelID, map[string]string{
		"hostname":     rec.Hostname,
		"public_url":   rec.PublicURL,
		"download_url": rec.DownloadURL,
		"status":       string(StatusActive),
	})
	if err != nil {
		if derr := m.Destroy(ctx, rec.TunnelID, "failed"); derr != nil {
			slog.Error("Cleanup of failed tunnel also failed", "tunnel_id", rec.TunnelID, "error", derr)
		}
		return nil, fmt.Errorf("failed to activate tunnel record: %w", err)
	}

	slog.Info("Tunnel active", "tunnel_id", rec.TunnelID, "public_url", rec.PublicURL, "expires_at", rec.ExpiresAt)
	return rec, nil
}

// Destroy tears down a tunnel: terminal status, edge unpublish, staging
// removal, history append. Idempotent; concurrent and repeated calls
// collapse into one teardown via compare-and-set on destroyed_at.
func (m *Manager) Destroy(ctx context.Context, tunnelID, reason string) error {
	key := keyPrefix + tunnelID

	fields, err := m.store.GetRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// Record already expired from the store; nothing left to tear down
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load tunnel record: %w", err)
	}
	rec, err := recordFromFields(fields)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	err = m.store.CompareAndSwapField(ctx, key, "destroyed_at", "", formatTime(now))
	if errors.Is(err, store.ErrCASFailed) || errors.Is(err, store.ErrNotFound) {
		// Another caller won the teardown
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim tunnel teardown: %w", err)
	}

	finalStatus := terminalStatus(reason, rec.Status)
	if err := m.store.SetFields(ctx, key, map[string]string{
		"status": string(finalStatus),
		"reason": reason,
	}); err != nil {
		slog.Error("Failed to persist terminal status", "tunnel_id", tunnelID, "error", err)
	}

	slog.Info("Destroying tunnel", "tunnel_id", tunnelID, "reason", reason, "bytes_served", rec.BytesReported())

	// Unpublish is best-effort: a failure here is logged and left to the
	// reconciler; the tunnel is already terminal either way
	if err := edge.UnpublishWithRetry(ctx, m.edge, tunnelID); err != nil {
		slog.Error("Edge unpublish failed, reconciler will retry", "tunnel_id", tunnelID, "error", err)
	}

	if err := m.unstage(tunnelID); err != nil {
		slog.Error("Failed to remove staging reference", "tunnel_id", tunnelID, "error", err)
	}

	if m.hist != nil {
		entry := history.Entry{
			TunnelID:    tunnelID,
			FilePath:    rec.FilePath,
			FileSize:    rec.FileSize,
			BytesServed: rec.BytesReported(),
			Reason:      reason,
			CreatedAt:   rec.CreatedAt,
			DestroyedAt: now,
		}
		if err := m.hist.AppendTunnel(entry); err != nil {
			slog.Error("Failed to append tunnel history", "tunnel_id", tunnelID, "error", err)
		}
	}

	if err := m.store.Expire(ctx, key, retention); err != nil {
		slog.Error("Failed to set record retention", "tunnel_id", tunnelID, "error", err)
	}
	return nil
}

// terminalStatus maps a destruction reason onto the final status. A
// completed tunnel stays completed regardless of why teardown ran.
func terminalStatus(reason string, current Status) Status {
	if current == StatusCompleted {
		return StatusCompleted
	}
	switch reason {
	case "completed":
		return StatusCompleted
	case "stalled":
		return StatusStalled
	case "expired":
		return StatusExpired
	case "terminated", "shutdown":
		return StatusTerminated
	default:
		return StatusFailed
	}
}

// Get returns the record for a tunnel ID.
func (m *Manager) Get(ctx context.Context, tunnelID string) (*Record, error) {
	fields, err := m.store.GetRecord(ctx, keyPrefix+tunnelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordFromFields(fields)
}

// ListLive returns all records still holding a staging reference
// (provisioning, active or completed), oldest first.
func (m *Manager) ListLive(ctx context.Context) ([]*Record, error) {
	keys, err := m.store.KeysByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	var records []*Record
	for _, key := range keys {
		fields, err := m.store.GetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := recordFromFields(fields)
		if err != nil {
			slog.Warn("Skipping malformed tunnel record", "key", key, "error", err)
			continue
		}
		if rec.Status.Live() && rec.DestroyedAt.IsZero() {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

// Terminate destroys a tunnel on admin request.
func (m *Manager) Terminate(ctx context.Context, tunnelID string) error {
	if _, err := m.Get(ctx, tunnelID); err != nil {
		return err
	}
	return m.Destroy(ctx, tunnelID, "terminated")
}

// MarkCompleted transitions an active tunnel to completed and sets its grace
// deadline. Returns the deadline; a lost transition race is not an error.
func (m *Manager) MarkCompleted(ctx context.Context, tunnelID string) (time.Time, error) {
	deadline := m.now().UTC().Add(m.gracePeriod)
	err := m.store.CompareAndSwapField(ctx, keyPrefix+tunnelID, "status", string(StatusActive), string(StatusCompleted))
	if errors.Is(err, store.ErrCASFailed) || errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	err = m.store.SetFields(ctx, keyPrefix+tunnelID, map[string]string{
		"grace_deadline": formatTime(deadline),
	})
	if err != nil {
		return time.Time{}, err
	}
	slog.Info("Tunnel completed, grace period started", "tunnel_id", tunnelID, "grace_deadline", deadline)
	return deadline, nil
}

// AddBytes increments the byte counter and returns the new raw total.
func (m *Manager) AddBytes(ctx context.Context, tunnelID string, n int64) (int64, error) {
	return m.store.IncrementField(ctx, keyPrefix+tunnelID, "bytes_served", n)
}

// RecordActivity updates last activity and the connection heuristic.
func (m *Manager) RecordActivity(ctx context.Context, tunnelID string, at time.Time, activeConnections int) error {
	return m.store.SetFields(ctx, keyPrefix+tunnelID, map[string]string{
		"last_activity_at":   formatTime(at),
		"active_connections": fmt.Sprintf("%d", activeConnections),
	})
}

// ReconcileOnStartup restores consistency between the state store and the
// edge provider after a crash: records without routes are failed and
// cleaned, routes without records are unpublished.
func (m *Manager) ReconcileOnStartup(ctx context.Context) error {
	routes, err := m.edge.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list published routes: %w", err)
	}
	routeByID := make(map[string]edge.Route, len(routes))
	for _, r := range routes {
		routeByID[r.TunnelID] = r
	}

	records, err := m.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tunnel records: %w", err)
	}

	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.TunnelID] = true
		if _, ok := routeByID[rec.TunnelID]; ok {
			slog.Info("Reconciled tunnel, route intact", "tunnel_id", rec.TunnelID, "status", rec.Status)
			continue
		}
		// Provisioning records are expected to lack a route after a crash
		slog.Warn("Tunnel record has no edge route, failing it", "tunnel_id", rec.TunnelID, "status", rec.Status)
		if err := m.Destroy(ctx, rec.TunnelID, "failed"); err != nil {
			slog.Error("Failed to clean routeless tunnel", "tunnel_id", rec.TunnelID, "error", err)
		}
	}

	for id := range routeByID {
		if known[id] {
			continue
		}
		slog.Warn("Edge route has no tunnel record, unpublishing", "tunnel_id", id)
		if err := edge.UnpublishWithRetry(ctx, m.edge, id); err != nil {
			slog.Error("Failed to unpublish orphan route", "tunnel_id", id, "error", err)
		}
		// Orphan staging directories go with the orphan route
		if err := m.unstage(id); err != nil {
			slog.Error("Failed to remove orphan staging directory", "tunnel_id", id, "error", err)
		}
	}
	return nil
}

// SweepOrphanRoutes unpublishes edge routes that no live record claims.
// Unlike startup reconciliation it never touches records, so it is safe to
// run while tunnels are being provisioned.
func (m *Manager) SweepOrphanRoutes(ctx context.Context) error {
	routes, err := m.edge.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list published routes: %w", err)
	}
	if len(routes) == 0 {
		return nil
	}
	records, err := m.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tunnel records: %w", err)
	}
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.TunnelID] = true
	}
	for _, r := range routes {
		if known[r.TunnelID] {
			continue
		}
		slog.Warn("Unpublishing orphan edge route", "tunnel_id", r.TunnelID)
		if err := edge.UnpublishWithRetry(ctx, m.edge, r.TunnelID); err != nil {
			slog.Error("Failed to unpublish orphan route", "tunnel_id", r.TunnelID, "error", err)
		}
		if err := m.unstage(r.TunnelID); err != nil {
			slog.Error("Failed to remove orphan staging directory", "tunnel_id", r.TunnelID, "error", err)
		}
	}
	return nil
}

// Shutdown destroys every live tunnel. Called on daemon exit so no public
// endpoint outlives the process.
func (m *Manager) Shutdown(ctx context.Context) {
	records, err := m.ListLive(ctx)
	if err != nil {
		slog.Error("Failed to list tunnels during shutdown", "error", err)
		return
	}
	for _, rec := range records {
		if err := m.Destroy(ctx, rec.TunnelID, "shutdown"); err != nil {
			slog.Error("Failed to destroy tunnel during shutdown", "tunnel_id", rec.TunnelID, "error", err)
		}
	}
	if len(records) > 0 {
		slog.Info("Destroyed live tunnels on shutdown", "count", len(records))
	}
}

// resolveLibraryPath canonicalizes a library-relative path and verifies it
// stays under the library root and names a regular file.
func (m *Manager) resolveLibraryPath(filePath string) (string, int64, error) {
	if filePath == "" {
		return "", 0, ErrFileNotFound
	}
	// Reject traversal segments before normalization would fold them away
	for _, seg := range strings.Split(filepath.ToSlash(filePath), "/") {
		if seg == ".." {
			return "", 0, ErrPathEscape
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(filePath)), "/")

	root, err := filepath.EvalSymlinks(m.libraryRoot)
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve library root: %w", err)
	}

	full := filepath.Join(root, filepath.FromSlash(clean))
	resolved, err := filepath.EvalSymlinks(full)
	if os.IsNotExist(err) {
		return "", 0, ErrFileNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve file path: %w", err)
	}

	// Canonicalize, then verify prefix: symlinks inside the library must not
	// lead outside it
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return "", 0, ErrPathEscape
	}

	fi, err := os.Stat(resolved)
	if err != nil {
		return "", 0, ErrFileNotFound
	}
	if !fi.Mode().IsRegular() {
		return "", 0, ErrNotRegularFile
	}
	return resolved, fi.Size(), nil
}

func (m *Manager) stagingDir(tunnelID string) string {
	return filepath.Join(m.stagingRoot, tunnelID)
}

func (m *Manager) stagedPath(tunnelID string) string {
	return filepath.Join(m.stagingDir(tunnelID), stagedFileName)
}

// stage creates the per-tunnel staging directory with a read-only symlink to
// the resolved library file.
func (m *Manager) stage(tunnelID, resolved string) error {
	dir := m.stagingDir(tunnelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	link := m.stagedPath(tunnelID)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear stale staging link: %w", err)
	}
	if err := os.Symlink(resolved, link); err != nil {
		return fmt.Errorf("failed to create staging link: %w", err)
	}
	return nil
}

// unstage removes the per-tunnel staging directory.
func (m *Manager) unstage(tunnelID string) error {
	if err := os.RemoveAll(m.stagingDir(tunnelID)); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}
	return nil
}

// newTunnelID returns 8 random lowercase hex characters.
func newTunnelID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// IsTunnelID reports whether s is a well-formed tunnel ID.
func IsTunnelID(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
