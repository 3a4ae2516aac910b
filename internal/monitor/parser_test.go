package monitor

import (
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	line := `203.0.113.7 - - [24/Aug/2026:10:15:30 +0000] "GET /download-file/deadbeef/a.txt HTTP/1.1" 200 1048576 "-" "curl/8.5.0" rt=0.512 rid=8f3a2b1c`

	ev, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine failed: %v", err)
	}
	if ev.RemoteAddr != "203.0.113.7" {
		t.Errorf("remote addr = %q", ev.RemoteAddr)
	}
	want := time.Date(2026, 8, 24, 10, 15, 30, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Method != "GET" || ev.Path != "/download-file/deadbeef/a.txt" {
		t.Errorf("request = %q %q", ev.Method, ev.Path)
	}
	if ev.Status != 200 || ev.BodyBytes != 1048576 {
		t.Errorf("status/bytes = %d/%d", ev.Status, ev.BodyBytes)
	}
	if ev.RequestID != "8f3a2b1c" {
		t.Errorf("request id = %q", ev.RequestID)
	}
}

func TestParseLineVariants(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, ev Event)
	}{
		{
			name: "plain combined without extension",
			line: `10.0.0.1 - - [24/Aug/2026:10:15:30 +0000] "GET /files/deadbeef/a.txt HTTP/1.1" 200 512 "-" "Mozilla/5.0"`,
			check: func(t *testing.T, ev Event) {
				if ev.RequestID != "" {
					t.Errorf("expected empty request id, got %q", ev.RequestID)
				}
				if ev.BodyBytes != 512 {
					t.Errorf("bytes = %d", ev.BodyBytes)
				}
			},
		},
		{
			name: "dash byte count",
			line: `10.0.0.1 - - [24/Aug/2026:10:15:30 +0000] "HEAD /download-file/deadbeef/a.txt HTTP/1.1" 200 - "-" "-"`,
			check: func(t *testing.T, ev Event) {
				if ev.BodyBytes != 0 {
					t.Errorf("expected 0 bytes for dash, got %d", ev.BodyBytes)
				}
			},
		},
		{
			name: "query string stripped",
			line: `10.0.0.1 - - [24/Aug/2026:10:15:30 +0000] "GET /download-file/deadbeef/a.txt?dl=1 HTTP/1.1" 206 100 "-" "-"`,
			check: func(t *testing.T, ev Event) {
				if ev.Path != "/download-file/deadbeef/a.txt" {
					t.Errorf("path = %q", ev.Path)
				}
				if ev.Status != 206 {
					t.Errorf("status = %d", ev.Status)
				}
			},
		},
		{name: "garbage", line: `not an access log line`, wantErr: true},
		{name: "empty", line: ``, wantErr: true},
		{name: "bad timestamp", line: `10.0.0.1 - - [yesterday] "GET / HTTP/1.1" 200 5`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := parseLine(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected parse error for %q", tc.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLine failed: %v", err)
			}
			tc.check(t, ev)
		})
	}
}
