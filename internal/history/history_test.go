package history

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "shareonce.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndRecent(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TunnelID: "11111111", FilePath: "a.txt", FileSize: 12, BytesServed: 12, Reason: "completed", CreatedAt: base, DestroyedAt: base.Add(time.Hour)},
		{TunnelID: "22222222", FilePath: "b.iso", FileSize: 1 << 30, BytesServed: 4096, Reason: "stalled", CreatedAt: base.Add(time.Minute), DestroyedAt: base.Add(2 * time.Hour)},
		{TunnelID: "33333333", FilePath: "c.bin", FileSize: 100, BytesServed: 0, Reason: "expired", CreatedAt: base.Add(2 * time.Minute), DestroyedAt: base.Add(3 * time.Hour)},
	}
	for _, e := range entries {
		if err := db.AppendTunnel(e); err != nil {
			t.Fatalf("AppendTunnel failed: %v", err)
		}
	}

	recent, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	// Newest first
	if recent[0].TunnelID != "33333333" {
		t.Errorf("expected newest entry first, got %q", recent[0].TunnelID)
	}
	if recent[0].Reason != "expired" {
		t.Errorf("expected reason round trip, got %q", recent[0].Reason)
	}
	if recent[1].BytesServed != 4096 {
		t.Errorf("expected bytes_served round trip, got %d", recent[1].BytesServed)
	}
}

func TestRecentIsBounded(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		e := Entry{
			TunnelID:    "00000000",
			FilePath:    "a.txt",
			Reason:      "expired",
			CreatedAt:   base,
			DestroyedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.AppendTunnel(e); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := db.Recent(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 5 {
		t.Errorf("expected limit of 5, got %d", len(recent))
	}
}

func TestLogDaemonEvent(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogDaemonEvent("start", "daemon started"); err != nil {
		t.Fatalf("LogDaemonEvent failed: %v", err)
	}

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM daemon_events`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}
