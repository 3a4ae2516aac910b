package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.retry); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestPublishWithRetryRecovers(t *testing.T) {
	f := NewFake("host.ts.net")
	f.FailPublish = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	route, err := PublishWithRetry(ctx, f, "ab12cd34", "/tunnels/ab12cd34/file")
	if err != nil {
		t.Fatalf("expected publish to recover, got %v", err)
	}
	if route.Hostname != "host.ts.net" {
		t.Errorf("unexpected hostname %q", route.Hostname)
	}
	if f.PublishCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.PublishCalls)
	}
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	f := NewFake("host.ts.net")
	f.FailPublish = 10

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := PublishWithRetry(ctx, f, "ab12cd34", "/x"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if f.PublishCalls != retryAttempts {
		t.Errorf("expected %d attempts, got %d", retryAttempts, f.PublishCalls)
	}
}

// fakeRunner scripts CLI responses keyed by the first two arguments.
func fakeRunner(t *testing.T, responses map[string]string) runner {
	t.Helper()
	return func(ctx context.Context, args ...string) ([]byte, error) {
		key := ""
		if len(args) >= 2 {
			key = args[0] + " " + args[1]
		} else if len(args) == 1 {
			key = args[0]
		}
		out, ok := responses[key]
		if !ok {
			return nil, fmt.Errorf("unexpected command: %v", args)
		}
		return []byte(out), nil
	}
}

func tailscaleStatusJSON(dnsName string) string {
	out, _ := json.Marshal(map[string]interface{}{
		"Self": map[string]string{"DNSName": dnsName},
	})
	return string(out)
}

func TestTailscalePublish(t *testing.T) {
	staging := t.TempDir()
	ts := NewTailscale([]string{"tailscale"}, staging)
	ts.run = fakeRunner(t, map[string]string{
		"funnel status": "Funnel on\nhttps://host.ts.net",
		"status --json": tailscaleStatusJSON("host.ts.net."),
	})

	route, err := ts.Publish(context.Background(), "ab12cd34", filepath.Join(staging, "ab12cd34", "file"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if route.Hostname != "host.ts.net" {
		t.Errorf("expected trailing dot stripped, got %q", route.Hostname)
	}
	if route.PublicURL != "https://host.ts.net" {
		t.Errorf("unexpected public URL %q", route.PublicURL)
	}
}

func TestTailscalePublishActivatesFunnel(t *testing.T) {
	staging := t.TempDir()
	activated := false
	ts := NewTailscale([]string{"tailscale"}, staging)
	ts.run = func(ctx context.Context, args ...string) ([]byte, error) {
		switch args[0] + " " + args[1] {
		case "funnel status":
			if activated {
				return []byte("Funnel on"), nil
			}
			return []byte("Funnel off"), nil
		case "funnel --bg":
			activated = true
			return nil, nil
		case "status --json":
			return []byte(tailscaleStatusJSON("host.ts.net")), nil
		}
		return nil, fmt.Errorf("unexpected command: %v", args)
	}

	if _, err := ts.Publish(context.Background(), "ab12cd34", "/x"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !activated {
		t.Error("expected funnel activation")
	}
}

func TestTailscaleUnpublishResetsOnlyWhenLast(t *testing.T) {
	staging := t.TempDir()
	for _, id := range []string{"ab12cd34", "ffff0000"} {
		if err := os.MkdirAll(filepath.Join(staging, id), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	resets := 0
	ts := NewTailscale([]string{"tailscale"}, staging)
	ts.run = func(ctx context.Context, args ...string) ([]byte, error) {
		if args[0] == "funnel" && args[1] == "reset" {
			resets++
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected command: %v", args)
	}

	// Other tunnel still staged: no reset
	if err := ts.Unpublish(context.Background(), "ab12cd34"); err != nil {
		t.Fatal(err)
	}
	if resets != 0 {
		t.Fatalf("expected no reset while other tunnels staged, got %d", resets)
	}

	// Remove the other tunnel; now ffff0000 is the last one
	if err := os.RemoveAll(filepath.Join(staging, "ab12cd34")); err != nil {
		t.Fatal(err)
	}
	if err := ts.Unpublish(context.Background(), "ffff0000"); err != nil {
		t.Fatal(err)
	}
	if resets != 1 {
		t.Fatalf("expected funnel reset for last tunnel, got %d", resets)
	}
}

func TestTailscaleListPublished(t *testing.T) {
	staging := t.TempDir()
	for _, name := range []string{"ab12cd34", "not-an-id", "ffff0000"} {
		if err := os.MkdirAll(filepath.Join(staging, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	ts := NewTailscale([]string{"tailscale"}, staging)
	ts.run = fakeRunner(t, map[string]string{
		"funnel status": "Funnel on",
		"status --json": tailscaleStatusJSON("host.ts.net"),
	})

	routes, err := ts.ListPublished(context.Background())
	if err != nil {
		t.Fatalf("ListPublished failed: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes (non-ID dirs skipped), got %d", len(routes))
	}

	// Funnel off: no routes regardless of staging
	ts.run = fakeRunner(t, map[string]string{
		"funnel status": "Funnel off",
	})
	routes, err = ts.ListPublished(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 0 {
		t.Errorf("expected no routes with funnel off, got %d", len(routes))
	}
}
