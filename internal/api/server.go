// Package api exposes the control-plane HTTP surface: link generation, admin
// listings, cleanup, termination and token consumption.
package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/shareonce/shareonce/internal/core"
	"github.com/shareonce/shareonce/internal/history"
	"github.com/shareonce/shareonce/internal/monitor"
	"github.com/shareonce/shareonce/internal/store"
	"github.com/shareonce/shareonce/internal/token"
	"github.com/shareonce/shareonce/internal/tunnel"
)

// Server holds the handler dependencies.
type Server struct {
	cfg       *core.Configuration
	store     *store.Store
	tokens    *token.Service
	manager   *tunnel.Manager
	monitor   *monitor.Monitor
	hist      *history.DB
	startTime time.Time
}

// NewServer creates the control API server.
func NewServer(cfg *core.Configuration, st *store.Store, tokens *token.Service, mgr *tunnel.Manager, mon *monitor.Monitor, hist *history.DB) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		tokens:    tokens,
		manager:   mgr,
		monitor:   mon,
		hist:      hist,
		startTime: time.Now(),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/generate-link", s.handleGenerateLink)
	r.Get("/api/files", s.handleListFiles)
	r.Get("/health", s.handleHealth)

	r.Get("/download/{token}", s.handleDownload)
	r.Head("/download/{token}", s.handleDownloadPeek)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/tunnels", s.handleListTunnels)
		r.Get("/tunnels/{id}/stats", s.handleTunnelStats)
		r.Delete("/tunnels/{id}", s.handleTerminateTunnel)
		r.Get("/monitor/status", s.handleMonitorStatus)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/history", s.handleHistory)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

type generateLinkRequest struct {
	FilePath         string `json:"file_path"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type generateLinkResponse struct {
	DownloadURL      string `json:"download_url"`
	TunnelID         string `json:"tunnel_id"`
	Token            string `json:"token"`
	FilePath         string `json:"file_path"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func (s *Server) handleGenerateLink(w http.ResponseWriter, r *http.Request) {
	var req generateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	if req.ExpiresInSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "expires_in_seconds must be positive")
		return
	}

	ttl := time.Duration(req.ExpiresInSeconds) * time.Second

	rec, err := s.manager.Create(r.Context(), req.FilePath, ttl)
	if err != nil {
		s.writeTunnelError(w, err)
		return
	}

	// The record carries the effective (possibly clamped) lifetime
	effective := rec.ExpiresAt.Sub(rec.CreatedAt)
	tok, err := s.tokens.Mint(r.Context(), req.FilePath, effective, rec.TunnelID)
	if err != nil {
		slog.Error("Token mint failed, destroying tunnel", "tunnel_id", rec.TunnelID, "error", err)
		if derr := s.manager.Destroy(r.Context(), rec.TunnelID, "failed"); derr != nil {
			slog.Error("Cleanup after mint failure also failed", "tunnel_id", rec.TunnelID, "error", derr)
		}
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	writeJSON(w, http.StatusOK, generateLinkResponse{
		DownloadURL:      rec.DownloadURL,
		TunnelID:         rec.TunnelID,
		Token:            tok,
		FilePath:         req.FilePath,
		ExpiresInSeconds: int(effective.Seconds()),
	})
}

func (s *Server) writeTunnelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tunnel.ErrPathEscape), errors.Is(err, tunnel.ErrNotRegularFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tunnel.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, tunnel.ErrNotFound):
		writeError(w, http.StatusNotFound, "tunnel not found")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
	case errors.Is(err, tunnel.ErrEdgeProvisionFailed):
		writeError(w, http.StatusInternalServerError, "edge provisioning failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var files []string
	root := s.cfg.LibraryRoot
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		slog.Error("Library walk failed", "root", root, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// tunnelView is the JSON shape of a tunnel record. Zero times render as null.
type tunnelView struct {
	TunnelID          string  `json:"tunnel_id"`
	FilePath          string  `json:"file_path"`
	FileSize          int64   `json:"file_size"`
	PublicURL         string  `json:"public_url"`
	DownloadURL       string  `json:"download_url"`
	Hostname          string  `json:"hostname"`
	Status            string  `json:"status"`
	CreatedAt         string  `json:"created_at"`
	ExpiresAt         string  `json:"expires_at"`
	GraceDeadline     *string `json:"grace_deadline"`
	LastActivityAt    *string `json:"last_activity_at"`
	BytesServed       int64   `json:"bytes_served"`
	ActiveConnections int     `json:"active_connections"`
}

func viewOf(rec *tunnel.Record) tunnelView {
	return tunnelView{
		TunnelID:          rec.TunnelID,
		FilePath:          rec.FilePath,
		FileSize:          rec.FileSize,
		PublicURL:         rec.PublicURL,
		DownloadURL:       rec.DownloadURL,
		Hostname:          rec.Hostname,
		Status:            string(rec.Status),
		CreatedAt:         rec.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:         rec.ExpiresAt.UTC().Format(time.RFC3339),
		GraceDeadline:     timeOrNull(rec.GraceDeadline),
		LastActivityAt:    timeOrNull(rec.LastActivityAt),
		BytesServed:       rec.BytesReported(),
		ActiveConnections: rec.ActiveConnections,
	}
}

func timeOrNull(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	records, err := s.manager.ListLive(r.Context())
	if err != nil {
		s.writeTunnelError(w, err)
		return
	}
	views := make([]tunnelView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_tunnels": views,
		"count":          len(views),
	})
}

func (s *Server) handleTunnelStats(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTunnelError(w, err)
		return
	}

	progress := 0.0
	if rec.FileSize > 0 {
		progress = float64(rec.BytesReported()) / float64(rec.FileSize) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnel":           viewOf(rec),
		"progress_percent": progress,
	})
}

func (s *Server) handleTerminateTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Terminate(r.Context(), id); err != nil {
		s.writeTunnelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnel_id": id, "status": "terminated"})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.manager.ListLive(r.Context())
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		s.writeTunnelError(w, err)
		return
	}

	storeConnected := s.store.Ping(r.Context()) == nil
	stats := s.monitor.Stats()

	status := map[string]any{
		"active_tunnels_count":  len(records),
		"active_downloads":      stats.ActiveDownloads,
		"monitor_active":        stats.Running,
		"log_parse_errors":      stats.ParseErrors,
		"state_store_connected": storeConnected,
		"state_store_memory":    s.store.MemoryUsage(r.Context()),
		"uptime_seconds":        int64(time.Since(s.startTime).Seconds()),
		"version":               core.Version,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			status["process_rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			status["process_cpu_percent"] = cpu
		}
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.monitor.ForceTick(r.Context())
	cleaned, err := s.tokens.SweepExpired(r.Context())
	if err != nil {
		slog.Warn("Token sweep failed during cleanup", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"tokens_cleaned": cleaned,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.hist.Recent(limit)
	if err != nil {
		slog.Error("History query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "state_store": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleDownload consumes a capability token and reveals the public URL.
// Any invalid token gets a connection drop, not an HTTP error: probing the
// public boundary must yield no signal.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.ValidateAndConsume(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		dropConnection(w)
		return
	}

	rec, err := s.manager.Get(r.Context(), claims.TunnelID)
	if err != nil || !rec.Status.Live() {
		dropConnection(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"public_url": rec.PublicURL,
		"file_path":  claims.FilePath,
	})
}

// handleDownloadPeek answers HEAD without consuming the token, so link
// preview fetchers don't burn the single use.
func (s *Server) handleDownloadPeek(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Peek(chi.URLParam(r, "token"))
	if err != nil {
		dropConnection(w)
		return
	}
	w.Header().Set("X-File-Path", claims.FilePath)
	w.Header().Set("X-Tunnel-Id", claims.TunnelID)
	w.Header().Set("X-Expires-At", time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
}

// dropConnection closes the client connection without writing a response.
func dropConnection(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	// HTTP/2 and test recorders cannot hijack; abort the handler instead
	panic(http.ErrAbortHandler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
