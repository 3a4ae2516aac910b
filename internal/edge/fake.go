package edge

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory edge provider used by tests and by development setups
// without a real edge.
type Fake struct {
	mu     sync.Mutex
	routes map[string]Route

	Hostname string
	// FailPublish and FailUnpublish make the next N calls fail, to exercise
	// the retry paths.
	FailPublish   int
	FailUnpublish int

	PublishCalls   int
	UnpublishCalls int
}

// NewFake creates a fake provider answering with the given hostname.
func NewFake(hostname string) *Fake {
	return &Fake{
		routes:   make(map[string]Route),
		Hostname: hostname,
	}
}

// Publish records an in-memory route.
func (f *Fake) Publish(ctx context.Context, tunnelID, localPath string) (Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishCalls++
	if f.FailPublish > 0 {
		f.FailPublish--
		return Route{}, fmt.Errorf("fake edge: publish failed")
	}
	route := Route{
		TunnelID:  tunnelID,
		Hostname:  f.Hostname,
		PublicURL: "https://" + f.Hostname,
	}
	f.routes[tunnelID] = route
	return route, nil
}

// Unpublish removes an in-memory route. Removing an absent route is not an
// error, matching real providers.
func (f *Fake) Unpublish(ctx context.Context, tunnelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnpublishCalls++
	if f.FailUnpublish > 0 {
		f.FailUnpublish--
		return fmt.Errorf("fake edge: unpublish failed")
	}
	delete(f.routes, tunnelID)
	return nil
}

// ListPublished returns the current in-memory routes.
func (f *Fake) ListPublished(ctx context.Context) ([]Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	routes := make([]Route, 0, len(f.routes))
	for _, r := range f.routes {
		routes = append(routes, r)
	}
	return routes, nil
}

// HasRoute reports whether a route exists for the tunnel ID.
func (f *Fake) HasRoute(tunnelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.routes[tunnelID]
	return ok
}

// AddRoute seeds a route directly, bypassing Publish. Used by reconciliation
// tests to simulate orphan routes.
func (f *Fake) AddRoute(tunnelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[tunnelID] = Route{TunnelID: tunnelID, Hostname: f.Hostname, PublicURL: "https://" + f.Hostname}
}
