package routing

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

// RouteRecorder receives route operation outcomes.
type RouteRecorder interface {
	RecordRouteOperation(operation string, err error)
	SetRoutesActive(count int)
}

// PrefixRouteConfig holds configuration for delegated prefix routes.
type PrefixRouteConfig struct {
	// Interface the requesting routers are reached through. When empty the
	// zone of the requesting router's link-local address is used.
	Interface string

	// Table is the routing table routes are installed in. Defaults to
	// MainTable.
	Table int

	// Metric is the route priority. Zero leaves the kernel default.
	Metric int

	// WithdrawOnStop removes every installed route on Stop.
	WithdrawOnStop bool
}

// PrefixRoute is a route installed for a delegated prefix.
type PrefixRoute struct {
	ClientID    dhcpv6.ClientID `json:"client_id"`
	Prefix      dhcpv6.Prefix   `json:"prefix"`
	Route       *Route          `json:"route"`
	InstalledAt time.Time       `json:"installed_at"`
}

// PrefixRouter installs a route for every delegated prefix pointing at the
// requesting router, and withdraws it when the prefix is released.
type PrefixRouter struct {
	config   PrefixRouteConfig
	platform RoutingPlatform
	recorder RouteRecorder
	logger   *zap.Logger

	mu     sync.Mutex
	routes map[dhcpv6.ClientID]*PrefixRoute
}

// NewPrefixRouter creates a new prefix router.
func NewPrefixRouter(config PrefixRouteConfig, platform RoutingPlatform, logger *zap.Logger) *PrefixRouter {
	if config.Table == 0 {
		config.Table = MainTable
	}

	return &PrefixRouter{
		config:   config,
		platform: platform,
		logger:   logger,
		routes:   make(map[dhcpv6.ClientID]*PrefixRoute),
	}
}

// SetRecorder sets the route metrics recorder.
func (r *PrefixRouter) SetRecorder(recorder RouteRecorder) {
	r.recorder = recorder
}

// PrefixDelegated installs a route for lease via peer.
func (r *PrefixRouter) PrefixDelegated(ctx context.Context, lease dhcpv6.Lease, peer *net.UDPAddr) error {
	if peer == nil || peer.IP.To4() != nil || peer.IP.To16() == nil {
		return fmt.Errorf("no IPv6 next hop for %s", lease.Prefix)
	}

	iface := r.config.Interface
	if iface == "" {
		iface = peer.Zone
	}
	if iface == "" && peer.IP.IsLinkLocalUnicast() {
		return fmt.Errorf("link-local next hop %s has no interface", peer.IP)
	}

	route := &Route{
		Destination: lease.Prefix.IPNet(),
		Gateway:     peer.IP,
		Interface:   iface,
		Metric:      r.config.Metric,
		Table:       r.config.Table,
		Protocol:    ProtoDHCP,
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.routes[lease.ClientID]; ok {
		if sameRoute(existing.Route, route) {
			return nil
		}
		// Prefix or next hop moved; drop the stale route first.
		if err := r.deleteLocked(existing); err != nil {
			r.logger.Warn("Failed to withdraw replaced route",
				zap.String("client_id", string(lease.ClientID)),
				zap.Stringer("prefix", existing.Prefix),
				zap.String("gateway", existing.Route.Gateway.String()),
				zap.Error(err),
			)
		}
	}

	err := r.platform.AddRoute(route)
	r.record("add", err)
	if err != nil {
		return fmt.Errorf("install route for %s: %w", lease.Prefix, err)
	}

	r.routes[lease.ClientID] = &PrefixRoute{
		ClientID:    lease.ClientID,
		Prefix:      lease.Prefix,
		Route:       route,
		InstalledAt: time.Now(),
	}
	r.setActiveLocked()

	r.logger.Info("Delegated prefix route installed",
		zap.String("client_id", string(lease.ClientID)),
		zap.Stringer("prefix", lease.Prefix),
		zap.String("gateway", peer.IP.String()),
		zap.String("interface", iface),
	)

	return nil
}

// PrefixReleased withdraws the route installed for lease.
func (r *PrefixRouter) PrefixReleased(ctx context.Context, lease dhcpv6.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pr, ok := r.routes[lease.ClientID]
	if !ok {
		return nil
	}

	return r.deleteLocked(pr)
}

func (r *PrefixRouter) deleteLocked(pr *PrefixRoute) error {
	err := r.platform.DeleteRoute(pr.Route)
	r.record("delete", err)
	if err != nil {
		return fmt.Errorf("withdraw route for %s: %w", pr.Prefix, err)
	}

	delete(r.routes, pr.ClientID)
	r.setActiveLocked()

	r.logger.Info("Delegated prefix route withdrawn",
		zap.String("client_id", string(pr.ClientID)),
		zap.Stringer("prefix", pr.Prefix),
	)

	return nil
}

// FlushStale removes DHCP routes left in the table by a previous run. Leases
// do not survive a restart, so none of them are backed by a live lease.
func (r *PrefixRouter) FlushStale() (int, error) {
	routes, err := r.platform.GetRoutes(r.config.Table)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, route := range routes {
		if route.Protocol != ProtoDHCP || r.ownedLocked(route) {
			continue
		}
		err := r.platform.DeleteRoute(route)
		r.record("delete", err)
		if err != nil {
			r.logger.Warn("Failed to remove stale route",
				zap.String("destination", route.Destination.String()),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	return removed, nil
}

func (r *PrefixRouter) ownedLocked(route *Route) bool {
	for _, pr := range r.routes {
		if sameRoute(pr.Route, route) {
			return true
		}
	}
	return false
}

// Routes returns the installed routes ordered by prefix.
func (r *PrefixRouter) Routes() []*PrefixRoute {
	r.mu.Lock()
	routes := make([]*PrefixRoute, 0, len(r.routes))
	for _, pr := range r.routes {
		routes = append(routes, pr)
	}
	r.mu.Unlock()

	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Prefix.String() < routes[j].Prefix.String()
	})
	return routes
}

// Stop withdraws installed routes when configured to, and closes the
// platform.
func (r *PrefixRouter) Stop() {
	if r.config.WithdrawOnStop {
		r.mu.Lock()
		for _, pr := range r.routes {
			if err := r.deleteLocked(pr); err != nil {
				r.logger.Warn("Failed to withdraw route on shutdown",
					zap.Stringer("prefix", pr.Prefix),
					zap.Error(err),
				)
			}
		}
		r.mu.Unlock()
	}

	r.platform.Close()
}

func (r *PrefixRouter) record(operation string, err error) {
	if r.recorder != nil {
		r.recorder.RecordRouteOperation(operation, err)
	}
}

func (r *PrefixRouter) setActiveLocked() {
	if r.recorder != nil {
		r.recorder.SetRoutesActive(len(r.routes))
	}
}
