// Package edge abstracts the tunnel edge provider: the external service that
// maps a public HTTPS hostname onto the static file server.
package edge

import (
	"context"
	"log/slog"
	"time"
)

// Route describes one published edge route.
type Route struct {
	TunnelID  string
	Hostname  string
	PublicURL string
}

// Provider is the edge provider contract. Publish and Unpublish may fail
// transiently; callers go through the retry helpers below.
type Provider interface {
	// Publish exposes the staged path for tunnelID and returns the route.
	Publish(ctx context.Context, tunnelID, localPath string) (Route, error)
	// Unpublish withdraws the route for tunnelID.
	Unpublish(ctx context.Context, tunnelID string) error
	// ListPublished returns the currently published routes. Used by startup
	// reconciliation.
	ListPublished(ctx context.Context) ([]Route, error)
}

const (
	retryAttempts  = 3
	initialBackoff = time.Second
	backoffFactor  = 2
)

// backoffDelay returns the delay before retry n (0-based): 1s, 2s, 4s.
func backoffDelay(retry int) time.Duration {
	d := initialBackoff
	for i := 0; i < retry; i++ {
		d *= backoffFactor
	}
	return d
}

// PublishWithRetry calls Publish with bounded retries and exponential backoff.
func PublishWithRetry(ctx context.Context, p Provider, tunnelID, localPath string) (Route, error) {
	var route Route
	err := withRetry(ctx, "publish", tunnelID, func() error {
		var err error
		route, err = p.Publish(ctx, tunnelID, localPath)
		return err
	})
	return route, err
}

// UnpublishWithRetry calls Unpublish with bounded retries and exponential
// backoff.
func UnpublishWithRetry(ctx context.Context, p Provider, tunnelID string) error {
	return withRetry(ctx, "unpublish", tunnelID, func() error {
		return p.Unpublish(ctx, tunnelID)
	})
}

func withRetry(ctx context.Context, op, tunnelID string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			slog.Warn("Edge operation failed, retrying",
				"op", op, "tunnel_id", tunnelID, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
