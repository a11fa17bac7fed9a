//go:build linux

package routing

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
)

// NetlinkPlatform implements RoutingPlatform using Linux netlink.
type NetlinkPlatform struct {
	handle *netlink.Handle
}

// NewNetlinkPlatform creates a new Linux netlink routing platform.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}

	return &NetlinkPlatform{
		handle: handle,
	}, nil
}

// Close releases the netlink handle.
func (p *NetlinkPlatform) Close() {
	if p.handle != nil {
		p.handle.Close()
	}
}

// AddRoute adds a route to the routing table.
func (p *NetlinkPlatform) AddRoute(route *Route) error {
	nlRoute, err := p.routeToNetlink(route)
	if err != nil {
		return err
	}

	if err := p.handle.RouteAdd(nlRoute); err != nil {
		// Check if route already exists
		if strings.Contains(err.Error(), "file exists") {
			// Replace existing route
			return p.handle.RouteReplace(nlRoute)
		}
		return fmt.Errorf("add route: %w", err)
	}

	return nil
}

// DeleteRoute removes a route from the routing table.
func (p *NetlinkPlatform) DeleteRoute(route *Route) error {
	nlRoute, err := p.routeToNetlink(route)
	if err != nil {
		return err
	}

	if err := p.handle.RouteDel(nlRoute); err != nil {
		// Ignore "no such process" which means route doesn't exist
		if strings.Contains(err.Error(), "no such process") {
			return nil
		}
		return fmt.Errorf("delete route: %w", err)
	}

	return nil
}

// GetRoutes returns the IPv6 routes in a table that were installed for
// DHCP leases.
func (p *NetlinkPlatform) GetRoutes(table int) ([]*Route, error) {
	filter := &netlink.Route{
		Table:    table,
		Protocol: netlink.RouteProtocol(ProtoDHCP),
	}

	nlRoutes, err := p.handle.RouteListFiltered(netlink.FAMILY_V6, filter, netlink.RT_FILTER_TABLE|netlink.RT_FILTER_PROTOCOL)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	routes := make([]*Route, 0, len(nlRoutes))
	for i := range nlRoutes {
		routes = append(routes, p.netlinkToRoute(&nlRoutes[i], table))
	}

	return routes, nil
}

// routeToNetlink converts our Route to netlink.Route.
func (p *NetlinkPlatform) routeToNetlink(route *Route) (*netlink.Route, error) {
	nlRoute := &netlink.Route{
		Dst:      route.Destination,
		Gw:       route.Gateway,
		Table:    route.Table,
		Protocol: netlink.RouteProtocol(route.Protocol),
	}

	if route.Metric > 0 {
		nlRoute.Priority = route.Metric
	}

	// Link-local gateways are only meaningful with an outgoing interface.
	if route.Interface != "" {
		link, err := p.handle.LinkByName(route.Interface)
		if err != nil {
			return nil, fmt.Errorf("get interface %s: %w", route.Interface, err)
		}
		nlRoute.LinkIndex = link.Attrs().Index
	}

	return nlRoute, nil
}

// netlinkToRoute converts netlink.Route to our Route.
func (p *NetlinkPlatform) netlinkToRoute(nlRoute *netlink.Route, table int) *Route {
	route := &Route{
		Destination: nlRoute.Dst,
		Gateway:     nlRoute.Gw,
		Metric:      nlRoute.Priority,
		Table:       table,
		Protocol:    int(nlRoute.Protocol),
	}

	if nlRoute.LinkIndex > 0 {
		link, err := p.handle.LinkByIndex(nlRoute.LinkIndex)
		if err == nil {
			route.Interface = link.Attrs().Name
		}
	}

	return route
}
