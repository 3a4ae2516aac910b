package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 30 * time.Second

// Tailscale publishes routes through a tailscale funnel. The funnel is a
// single catch-all route to the static server, so "publishing" a tunnel means
// ensuring the funnel is up and deriving the public hostname; individual
// tunnels are distinguished by their staging directory, which the static
// server maps into the URL path. A route therefore exists for a tunnel iff
// the funnel is active and the tunnel's staging directory is present.
type Tailscale struct {
	stagingRoot string
	run         runner
}

// runner executes an edge CLI invocation. Factored out for tests.
type runner func(ctx context.Context, args ...string) ([]byte, error)

// NewTailscale creates a provider driving the given CLI command prefix
// (e.g. ["tailscale"] or ["docker", "exec", "tailscale-tunnel", "tailscale"]).
func NewTailscale(command []string, stagingRoot string) *Tailscale {
	prefix := append([]string(nil), command...)
	return &Tailscale{
		stagingRoot: stagingRoot,
		run: func(ctx context.Context, args ...string) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			full := append(append([]string(nil), prefix...), args...)
			out, err := exec.CommandContext(ctx, full[0], full[1:]...).Output()
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					return nil, fmt.Errorf("%s: %s", strings.Join(full, " "), strings.TrimSpace(string(exitErr.Stderr)))
				}
				return nil, fmt.Errorf("%s: %w", strings.Join(full, " "), err)
			}
			return out, nil
		},
	}
}

// Publish ensures the funnel is active and returns the route for tunnelID.
func (t *Tailscale) Publish(ctx context.Context, tunnelID, localPath string) (Route, error) {
	if err := t.ensureFunnel(ctx); err != nil {
		return Route{}, fmt.Errorf("failed to activate funnel: %w", err)
	}
	hostname, err := t.hostname(ctx)
	if err != nil {
		return Route{}, fmt.Errorf("failed to determine funnel hostname: %w", err)
	}
	return Route{
		TunnelID:  tunnelID,
		Hostname:  hostname,
		PublicURL: "https://" + hostname,
	}, nil
}

// Unpublish withdraws the route for tunnelID. The funnel stays up while
// other tunnels still have staging directories; when the last one goes, the
// funnel is reset so nothing public remains.
func (t *Tailscale) Unpublish(ctx context.Context, tunnelID string) error {
	remaining, err := t.stagedTunnels()
	if err != nil {
		return err
	}
	for _, id := range remaining {
		if id != tunnelID {
			return nil
		}
	}
	slog.Info("No staged tunnels remain, resetting funnel")
	if _, err := t.run(ctx, "funnel", "reset"); err != nil {
		return fmt.Errorf("failed to reset funnel: %w", err)
	}
	return nil
}

// ListPublished derives the published routes from funnel state and the
// staging directory.
func (t *Tailscale) ListPublished(ctx context.Context) ([]Route, error) {
	active, err := t.funnelActive(ctx)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}
	hostname, err := t.hostname(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := t.stagedTunnels()
	if err != nil {
		return nil, err
	}
	routes := make([]Route, 0, len(ids))
	for _, id := range ids {
		routes = append(routes, Route{TunnelID: id, Hostname: hostname, PublicURL: "https://" + hostname})
	}
	return routes, nil
}

func (t *Tailscale) ensureFunnel(ctx context.Context) error {
	active, err := t.funnelActive(ctx)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	slog.Info("Activating funnel")
	// Funnel requirement: target must be localhost
	if _, err := t.run(ctx, "funnel", "--bg", "localhost:80"); err != nil {
		return err
	}
	return nil
}

func (t *Tailscale) funnelActive(ctx context.Context) (bool, error) {
	out, err := t.run(ctx, "funnel", "status")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), "Funnel on"), nil
}

func (t *Tailscale) hostname(ctx context.Context) (string, error) {
	out, err := t.run(ctx, "status", "--json")
	if err != nil {
		return "", err
	}
	var status struct {
		Self struct {
			DNSName string `json:"DNSName"`
		} `json:"Self"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return "", fmt.Errorf("failed to parse tailscale status: %w", err)
	}
	hostname := strings.TrimSuffix(status.Self.DNSName, ".")
	if hostname == "" {
		return "", fmt.Errorf("tailscale status reported no DNS name")
	}
	return hostname, nil
}

// stagedTunnels lists the tunnel IDs that currently have a staging directory.
func (t *Tailscale) stagedTunnels() ([]string, error) {
	entries, err := os.ReadDir(t.stagingRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staging root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && isTunnelID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func isTunnelID(s string) bool {
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
