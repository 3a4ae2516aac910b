package tunnel

import (
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state of a tunnel.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusStalled      Status = "stalled"
	StatusExpired      Status = "expired"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further status transition is allowed; a
// terminal record may only be torn down and deleted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStalled, StatusExpired, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// Live reports whether the tunnel still holds a staging reference. A
// completed tunnel remains live until its grace deadline passes.
func (s Status) Live() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusCompleted:
		return true
	}
	return false
}

// Record is a tunnel record as stored in the state store.
type Record struct {
	TunnelID          string
	FilePath          string // relative to the library root
	FileSize          int64
	PublicURL         string // courtesy page URL on the edge hostname
	DownloadURL       string // attachment download URL on the edge hostname
	Hostname          string
	Status            Status
	Reason            string // final reason once destroyed
	CreatedAt         time.Time
	ExpiresAt         time.Time
	GraceDeadline     time.Time // set when status becomes completed
	LastActivityAt    time.Time
	DestroyedAt       time.Time
	BytesServed       int64
	ActiveConnections int
}

// BytesReported returns bytes served capped at the file size. Range request
// overlap can push the raw counter past the file size; reported stats never
// exceed it.
func (r *Record) BytesReported() int64 {
	if r.BytesServed > r.FileSize {
		return r.FileSize
	}
	return r.BytesServed
}

// fields encodes the record as a state store hash.
func (r *Record) fields() map[string]string {
	return map[string]string{
		"tunnel_id":          r.TunnelID,
		"file_path":          r.FilePath,
		"file_size":          strconv.FormatInt(r.FileSize, 10),
		"public_url":         r.PublicURL,
		"download_url":       r.DownloadURL,
		"hostname":           r.Hostname,
		"status":             string(r.Status),
		"reason":             r.Reason,
		"created_at":         formatTime(r.CreatedAt),
		"expires_at":         formatTime(r.ExpiresAt),
		"grace_deadline":     formatTime(r.GraceDeadline),
		"last_activity_at":   formatTime(r.LastActivityAt),
		"destroyed_at":       formatTime(r.DestroyedAt),
		"bytes_served":       strconv.FormatInt(r.BytesServed, 10),
		"active_connections": strconv.Itoa(r.ActiveConnections),
	}
}

// recordFromFields decodes a state store hash into a record.
func recordFromFields(fields map[string]string) (*Record, error) {
	r := &Record{
		TunnelID:    fields["tunnel_id"],
		FilePath:    fields["file_path"],
		PublicURL:   fields["public_url"],
		DownloadURL: fields["download_url"],
		Hostname:    fields["hostname"],
		Status:      Status(fields["status"]),
		Reason:      fields["reason"],
	}
	if r.TunnelID == "" || r.Status == "" {
		return nil, fmt.Errorf("malformed tunnel record: missing tunnel_id or status")
	}

	var err error
	if r.FileSize, err = parseInt(fields["file_size"]); err != nil {
		return nil, fmt.Errorf("malformed tunnel record %s: %w", r.TunnelID, err)
	}
	if r.BytesServed, err = parseInt(fields["bytes_served"]); err != nil {
		return nil, fmt.Errorf("malformed tunnel record %s: %w", r.TunnelID, err)
	}
	conns, err := parseInt(fields["active_connections"])
	if err != nil {
		return nil, fmt.Errorf("malformed tunnel record %s: %w", r.TunnelID, err)
	}
	r.ActiveConnections = int(conns)

	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"created_at", &r.CreatedAt},
		{"expires_at", &r.ExpiresAt},
		{"grace_deadline", &r.GraceDeadline},
		{"last_activity_at", &r.LastActivityAt},
		{"destroyed_at", &r.DestroyedAt},
	} {
		if *f.dst, err = parseTime(fields[f.name]); err != nil {
			return nil, fmt.Errorf("malformed tunnel record %s: bad %s: %w", r.TunnelID, f.name, err)
		}
	}
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
