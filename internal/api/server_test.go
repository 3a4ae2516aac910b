package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shareonce/shareonce/internal/core"
	"github.com/shareonce/shareonce/internal/edge"
	"github.com/shareonce/shareonce/internal/history"
	"github.com/shareonce/shareonce/internal/monitor"
	"github.com/shareonce/shareonce/internal/store"
	"github.com/shareonce/shareonce/internal/token"
	"github.com/shareonce/shareonce/internal/tunnel"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiEnv struct {
	server  *httptest.Server
	edge    *edge.Fake
	manager *tunnel.Manager
	library string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { st.Close() })

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	library := t.TempDir()
	cfg := &core.Configuration{
		LibraryRoot:         library,
		StagingRoot:         t.TempDir(),
		JWTSecret:           testSecret,
		MaxTunnelSeconds:    3600,
		StallTimeoutSeconds: 300,
		GracePeriodSeconds:  3600,
		TickSeconds:         5,
	}

	fake := edge.NewFake("host.ts.net")
	mgr := tunnel.NewManager(st, fake, hist, cfg.LibraryRoot, cfg.StagingRoot, cfg.MaxTunnelLifetime(), cfg.GracePeriod())
	tokens, err := token.NewService(st, []byte(cfg.JWTSecret), cfg.MaxTunnelLifetime())
	if err != nil {
		t.Fatal(err)
	}
	mon := monitor.NewMonitor(mgr, cfg.StallTimeout(), cfg.TickInterval())

	srv := httptest.NewServer(NewServer(cfg, st, tokens, mgr, mon, hist).Router())
	t.Cleanup(srv.Close)

	return &apiEnv{server: srv, edge: fake, manager: mgr, library: library}
}

func (e *apiEnv) writeFile(t *testing.T, name, content string) {
	t.Helper()
	full := filepath.Join(e.library, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *apiEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func (e *apiEnv) generateLink(t *testing.T, filePath string, ttl int) generateLinkResponse {
	t.Helper()
	resp := e.postJSON(t, "/generate-link", generateLinkRequest{FilePath: filePath, ExpiresInSeconds: ttl})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("generate-link returned %d: %s", resp.StatusCode, body)
	}
	var out generateLinkResponse
	decodeBody(t, resp, &out)
	return out
}

func TestGenerateLink(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "movies/a.mkv", "twelve bytes")

	out := env.generateLink(t, "movies/a.mkv", 600)

	if !tunnel.IsTunnelID(out.TunnelID) {
		t.Errorf("malformed tunnel id %q", out.TunnelID)
	}
	if out.DownloadURL != "https://host.ts.net/download-file/"+out.TunnelID+"/a.mkv" {
		t.Errorf("unexpected download url %q", out.DownloadURL)
	}
	if parts := strings.Split(out.Token, "."); len(parts) != 3 {
		t.Errorf("token is not header.payload.sig: %q", out.Token)
	}
	if out.ExpiresInSeconds != 600 {
		t.Errorf("expires_in_seconds = %d, want 600", out.ExpiresInSeconds)
	}
	if !env.edge.HasRoute(out.TunnelID) {
		t.Error("expected published route")
	}
}

func TestGenerateLinkClampsTTL(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "x")

	out := env.generateLink(t, "a.txt", 999999)
	if out.ExpiresInSeconds != 3600 {
		t.Errorf("expires_in_seconds = %d, want clamp to 3600", out.ExpiresInSeconds)
	}
}

func TestGenerateLinkValidation(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "x")

	cases := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"path traversal", generateLinkRequest{FilePath: "../etc/passwd", ExpiresInSeconds: 60}, http.StatusBadRequest},
		{"missing file", generateLinkRequest{FilePath: "nope.txt", ExpiresInSeconds: 60}, http.StatusNotFound},
		{"zero ttl", generateLinkRequest{FilePath: "a.txt", ExpiresInSeconds: 0}, http.StatusBadRequest},
		{"negative ttl", generateLinkRequest{FilePath: "a.txt", ExpiresInSeconds: -5}, http.StatusBadRequest},
		{"empty path", generateLinkRequest{ExpiresInSeconds: 60}, http.StatusBadRequest},
		{"malformed body", "not json", http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.postJSON(t, "/generate-link", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestListFiles(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "b.txt", "x")
	env.writeFile(t, "movies/a.mkv", "x")
	env.writeFile(t, ".hidden", "x")
	env.writeFile(t, ".git/config", "x")

	resp, err := http.Get(env.server.URL + "/api/files")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Files []string `json:"files"`
	}
	decodeBody(t, resp, &out)

	want := []string{"b.txt", "movies/a.mkv"}
	if len(out.Files) != len(want) {
		t.Fatalf("files = %v, want %v", out.Files, want)
	}
	for i := range want {
		if out.Files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, out.Files[i], want[i])
		}
	}
}

func TestAdminTunnelLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "twelve bytes")
	out := env.generateLink(t, "a.txt", 600)

	// List shows the active tunnel
	resp, err := http.Get(env.server.URL + "/admin/tunnels")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		ActiveTunnels []tunnelView `json:"active_tunnels"`
		Count         int          `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 1 || list.ActiveTunnels[0].TunnelID != out.TunnelID {
		t.Fatalf("unexpected tunnel list %+v", list)
	}
	if list.ActiveTunnels[0].Status != "active" {
		t.Errorf("status = %q", list.ActiveTunnels[0].Status)
	}
	if list.ActiveTunnels[0].LastActivityAt != nil {
		t.Error("expected null last_activity_at before any download")
	}

	// Stats for one tunnel
	resp, err = http.Get(env.server.URL + "/admin/tunnels/" + out.TunnelID + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		Tunnel          tunnelView `json:"tunnel"`
		ProgressPercent float64    `json:"progress_percent"`
	}
	decodeBody(t, resp, &stats)
	if stats.Tunnel.FileSize != 12 || stats.ProgressPercent != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// Terminate
	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/admin/tunnels/"+out.TunnelID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate returned %d", resp.StatusCode)
	}
	if env.edge.HasRoute(out.TunnelID) {
		t.Error("expected route removal on terminate")
	}

	// History records the termination
	resp, err = http.Get(env.server.URL + "/admin/history")
	if err != nil {
		t.Fatal(err)
	}
	var hist struct {
		History []history.Entry `json:"history"`
	}
	decodeBody(t, resp, &hist)
	if len(hist.History) != 1 || hist.History[0].TunnelID != out.TunnelID || hist.History[0].Reason != "terminated" {
		t.Errorf("unexpected history %+v", hist.History)
	}
}

func TestTerminateUnknownTunnel(t *testing.T) {
	env := newAPIEnv(t)

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/admin/tunnels/deadbeef", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMonitorStatus(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "x")
	env.generateLink(t, "a.txt", 600)

	resp, err := http.Get(env.server.URL + "/admin/monitor/status")
	if err != nil {
		t.Fatal(err)
	}
	var status map[string]any
	decodeBody(t, resp, &status)

	if status["active_tunnels_count"] != float64(1) {
		t.Errorf("active_tunnels_count = %v", status["active_tunnels_count"])
	}
	if status["state_store_connected"] != true {
		t.Errorf("state_store_connected = %v", status["state_store_connected"])
	}
	for _, key := range []string{"active_downloads", "monitor_active", "uptime_seconds", "state_store_memory"} {
		if _, ok := status[key]; !ok {
			t.Errorf("missing %s in status", key)
		}
	}
}

func TestCleanupEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "x")
	env.generateLink(t, "a.txt", 600)

	resp, err := http.Post(env.server.URL+"/admin/cleanup", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["status"] != "ok" {
		t.Errorf("unexpected cleanup response %v", out)
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestDownloadConsumesToken(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "twelve bytes")
	out := env.generateLink(t, "a.txt", 600)

	resp, err := http.Get(env.server.URL + "/download/" + out.Token)
	if err != nil {
		t.Fatalf("first consumption failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if !strings.Contains(body["public_url"], out.TunnelID) {
		t.Errorf("public_url = %q", body["public_url"])
	}

	// Replay: the connection is dropped without a response
	resp, err = http.Get(env.server.URL + "/download/" + out.Token)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected connection drop on replay, got status %d", resp.StatusCode)
	}
}

func TestDownloadInvalidTokenDropsConnection(t *testing.T) {
	env := newAPIEnv(t)

	for _, tok := range []string{"garbage", "a.b.c", "eyJhbGciOiJIUzI1NiJ9.e30.bad"} {
		resp, err := http.Get(env.server.URL + "/download/" + tok)
		if err == nil {
			resp.Body.Close()
			t.Errorf("expected connection drop for %q, got status %d", tok, resp.StatusCode)
		}
	}
}

func TestDownloadHeadPeeksWithoutConsuming(t *testing.T) {
	env := newAPIEnv(t)
	env.writeFile(t, "a.txt", "twelve bytes")
	out := env.generateLink(t, "a.txt", 600)

	// Link preview fetchers send HEAD; the token must survive them
	for i := 0; i < 3; i++ {
		resp, err := http.Head(env.server.URL + "/download/" + out.Token)
		if err != nil {
			t.Fatalf("HEAD %d failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("HEAD status = %d", resp.StatusCode)
		}
		if got := resp.Header.Get("X-File-Path"); got != "a.txt" {
			t.Errorf("X-File-Path = %q", got)
		}
		if got := resp.Header.Get("X-Tunnel-Id"); got != out.TunnelID {
			t.Errorf("X-Tunnel-Id = %q", got)
		}
	}

	// The GET afterwards still succeeds exactly once
	resp, err := http.Get(env.server.URL + "/download/" + out.Token)
	if err != nil {
		t.Fatalf("GET after HEADs failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET after HEADs = %d", resp.StatusCode)
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	env := newAPIEnv(t)

	for _, q := range []string{"limit=0", "limit=-1", "limit=abc", "limit=99999"} {
		resp, err := http.Get(fmt.Sprintf("%s/admin/history?%s", env.server.URL, q))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("history?%s = %d, want 400", q, resp.StatusCode)
		}
	}
}
