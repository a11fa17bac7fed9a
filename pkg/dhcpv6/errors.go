package dhcpv6

import "errors"

var (
	// ErrPoolExhausted is returned when no more prefixes are available.
	ErrPoolExhausted = errors.New("no prefixes available")

	// ErrInvalidPool is returned when a pool configuration cannot be served.
	ErrInvalidPool = errors.New("invalid prefix pool")
)
