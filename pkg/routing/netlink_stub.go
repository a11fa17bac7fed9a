//go:build !linux

package routing

import "sync"

// StubPlatform is a no-op implementation for non-Linux systems.
// It stores routes in memory for testing purposes.
type StubPlatform struct {
	mu     sync.Mutex
	routes map[int][]*Route
}

// NewNetlinkPlatform returns a stub platform on non-Linux systems.
func NewNetlinkPlatform() (*StubPlatform, error) {
	return &StubPlatform{
		routes: make(map[int][]*Route),
	}, nil
}

// Close is a no-op on stub platforms.
func (p *StubPlatform) Close() {}

// AddRoute stores a route in memory.
func (p *StubPlatform) AddRoute(route *Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := route.Table
	if table == 0 {
		table = MainTable
	}

	for _, r := range p.routes[table] {
		if r.Destination.String() == route.Destination.String() {
			// Replace existing
			*r = *route
			return nil
		}
	}

	p.routes[table] = append(p.routes[table], route)
	return nil
}

// DeleteRoute removes a route from memory.
func (p *StubPlatform) DeleteRoute(route *Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := route.Table
	if table == 0 {
		table = MainTable
	}

	routes := p.routes[table]
	for i, r := range routes {
		if sameRoute(r, route) {
			p.routes[table] = append(routes[:i], routes[i+1:]...)
			return nil
		}
	}

	return nil // Not found is not an error
}

// GetRoutes returns all routes in a table.
func (p *StubPlatform) GetRoutes(table int) ([]*Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*Route(nil), p.routes[table]...), nil
}
