package daemon

import (
	"context"
	"strings"
	"testing"

	"github.com/shareonce/shareonce/internal/core"
)

func testConfig(t *testing.T) *core.Configuration {
	t.Helper()
	return &core.Configuration{
		ConfigPath:          t.TempDir(),
		ListenAddr:          "127.0.0.1:0",
		LibraryRoot:         t.TempDir(),
		StagingRoot:         t.TempDir(),
		AccessLogPath:       t.TempDir() + "/access.log",
		StateStoreURL:       "redis://127.0.0.1:1",
		JWTSecret:           "0123456789abcdef0123456789abcdef",
		MaxTunnelSeconds:    3600,
		StallTimeoutSeconds: 300,
		GracePeriodSeconds:  3600,
		TickSeconds:         5,
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = "too short"

	err := New(cfg).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for short secret")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunFailsWhenStoreUnreachable(t *testing.T) {
	// Port 1 refuses connections immediately
	err := New(testConfig(t)).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for unreachable state store")
	}
	if !strings.Contains(err.Error(), "state store unreachable") {
		t.Errorf("unexpected error: %v", err)
	}
}
