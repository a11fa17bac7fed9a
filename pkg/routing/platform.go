package routing

import (
	"net"
)

const (
	// MainTable is the kernel's main routing table.
	MainTable = 254

	// ProtoDHCP marks routes installed on behalf of a DHCP lease
	// (RTPROT_DHCP).
	ProtoDHCP = 16
)

// Route represents a routing table entry.
type Route struct {
	Destination *net.IPNet `json:"destination"`
	Gateway     net.IP     `json:"gateway"`
	Interface   string     `json:"interface"`
	Metric      int        `json:"metric"`
	Table       int        `json:"table"`
	Protocol    int        `json:"protocol"`
}

// RoutingPlatform abstracts platform-specific routing operations.
type RoutingPlatform interface {
	AddRoute(route *Route) error
	DeleteRoute(route *Route) error
	GetRoutes(table int) ([]*Route, error)
	Close()
}

func sameRoute(a, b *Route) bool {
	return a.Destination.String() == b.Destination.String() &&
		a.Gateway.Equal(b.Gateway) &&
		a.Interface == b.Interface
}
