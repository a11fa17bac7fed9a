package dhcpv6

import (
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// AllocationMode selects how a pool picks the offset of a new lease.
type AllocationMode string

const (
	// ModeSequential derives the offset from the number of live leases.
	// Releasing any lease but the newest lets the next client receive a
	// prefix that is still delegated to someone else.
	ModeSequential AllocationMode = "sequential"

	// ModeFreeList hands out the lowest offset not held by a live lease.
	ModeFreeList AllocationMode = "freelist"
)

// ParseAllocationMode converts a configuration string to an AllocationMode.
func ParseAllocationMode(s string) (AllocationMode, error) {
	switch AllocationMode(s) {
	case ModeSequential, ModeFreeList:
		return AllocationMode(s), nil
	case "":
		return ModeSequential, nil
	}
	return "", fmt.Errorf("unknown allocation mode %q", s)
}

// Prefix is a delegated IPv6 prefix.
type Prefix struct {
	Address [16]byte
	Length  uint8
}

// PrefixFromIPNet converts a *net.IPNet into a Prefix.
func PrefixFromIPNet(n *net.IPNet) Prefix {
	var p Prefix
	copy(p.Address[:], n.IP.To16())
	ones, _ := n.Mask.Size()
	p.Length = uint8(ones)
	return p
}

// IP returns the prefix base address.
func (p Prefix) IP() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, p.Address[:])
	return ip
}

// IPNet returns the prefix as a *net.IPNet.
func (p Prefix) IPNet() *net.IPNet {
	return &net.IPNet{
		IP:   p.IP(),
		Mask: net.CIDRMask(int(p.Length), 128),
	}
}

func (p Prefix) String() string {
	return netip.PrefixFrom(netip.AddrFrom16(p.Address), int(p.Length)).String()
}

// Advance returns start moved forward by offset steps of a /prefixLen
// prefix. The step is computed at full 128-bit width and added with a
// byte-wise ripple carry from the least significant byte. ok is false if
// the result does not fit in 128 bits.
func Advance(start [16]byte, offset uint64, prefixLen uint8) (addr [16]byte, ok bool) {
	if prefixLen > 128 {
		return start, false
	}

	inc := new(big.Int).SetUint64(offset)
	inc.Lsh(inc, uint(128-int(prefixLen)))
	if inc.BitLen() > 128 {
		return start, false
	}

	var step [16]byte
	inc.FillBytes(step[:])

	addr = start
	var carry uint16
	for i := 15; i >= 0; i-- {
		sum := uint16(addr[i]) + uint16(step[i]) + carry
		addr[i] = byte(sum)
		carry = sum >> 8
	}

	return addr, carry == 0
}

// PoolConfig is the configuration for creating a prefix pool
type PoolConfig struct {
	Start        netip.Addr
	Size         uint64
	PrefixLength uint8
	Mode         AllocationMode
}

// Lease is a live prefix delegation.
type Lease struct {
	ClientID    ClientID
	Prefix      Prefix
	Offset      uint64
	AllocatedAt time.Time
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Size        uint64
	Allocated   uint64
	Available   uint64
	Utilization float64
}

// PrefixPool manages delegated prefix allocation. All methods are safe for
// concurrent use.
type PrefixPool struct {
	cfg   PoolConfig
	start [16]byte

	mu        sync.Mutex
	allocated map[ClientID]Lease

	// Free-list mode only: one bit per offset held by a live lease, and
	// the lowest offset that may be free.
	used     *big.Int
	nextFree uint64
}

// NewPrefixPool creates a new prefix delegation pool
func NewPrefixPool(cfg PoolConfig) (*PrefixPool, error) {
	if !cfg.Start.Is6() || cfg.Start.Is4In6() {
		return nil, fmt.Errorf("%w: pool start %s is not an IPv6 address", ErrInvalidPool, cfg.Start)
	}
	if cfg.PrefixLength > 128 {
		return nil, fmt.Errorf("%w: prefix length %d exceeds 128", ErrInvalidPool, cfg.PrefixLength)
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("%w: pool size must be positive", ErrInvalidPool)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSequential
	}
	if _, err := ParseAllocationMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPool, err)
	}

	start := cfg.Start.As16()

	// Reject pools whose last prefix would wrap past the end of the address
	// space; allocation can then never overflow.
	if _, ok := Advance(start, cfg.Size-1, cfg.PrefixLength); !ok {
		return nil, fmt.Errorf("%w: %d /%d prefixes from %s overflow the address space",
			ErrInvalidPool, cfg.Size, cfg.PrefixLength, cfg.Start)
	}

	return &PrefixPool{
		cfg:       cfg,
		start:     start,
		allocated: make(map[ClientID]Lease),
		used:      new(big.Int),
	}, nil
}

// Config returns the pool configuration.
func (p *PrefixPool) Config() PoolConfig {
	return p.cfg
}

// Allocate returns the prefix delegated to clientID, allocating a new one on
// first use. It returns false when the pool is exhausted.
func (p *PrefixPool) Allocate(clientID ClientID) (Prefix, bool) {
	lease, _, ok := p.AllocateLease(clientID)
	return lease.Prefix, ok
}

// AllocateLease is Allocate returning the full lease. created reports
// whether the lease was made by this call.
func (p *PrefixPool) AllocateLease(clientID ClientID) (lease Lease, created bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Check if already allocated
	if lease, exists := p.allocated[clientID]; exists {
		return lease, false, true
	}

	offset, ok := p.nextOffset()
	if !ok {
		return Lease{}, false, false
	}

	addr, ok := Advance(p.start, offset, p.cfg.PrefixLength)
	if !ok {
		return Lease{}, false, false
	}

	lease = Lease{
		ClientID:    clientID,
		Prefix:      Prefix{Address: addr, Length: p.cfg.PrefixLength},
		Offset:      offset,
		AllocatedAt: time.Now(),
	}
	p.allocated[clientID] = lease
	if p.cfg.Mode == ModeFreeList {
		p.used.SetBit(p.used, int(offset), 1)
	}
	return lease, true, true
}

// nextOffset picks the offset for a new lease. Callers hold p.mu.
func (p *PrefixPool) nextOffset() (uint64, bool) {
	count := uint64(len(p.allocated))
	if count >= p.cfg.Size {
		return 0, false
	}

	if p.cfg.Mode != ModeFreeList {
		return count, true
	}

	for i := p.nextFree; i < p.cfg.Size; i++ {
		if p.used.Bit(int(i)) == 0 {
			p.nextFree = i + 1
			return i, true
		}
	}
	return 0, false
}

// Release removes the lease held by clientID. Releasing an unknown client
// is a no-op.
func (p *PrefixPool) Release(clientID ClientID) {
	p.ReleaseLease(clientID)
}

// ReleaseLease is Release returning the removed lease, if any.
func (p *PrefixPool) ReleaseLease(clientID ClientID) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.allocated[clientID]
	if !ok {
		return Lease{}, false
	}
	delete(p.allocated, clientID)

	if p.cfg.Mode == ModeFreeList {
		p.used.SetBit(p.used, int(lease.Offset), 0)
		if lease.Offset < p.nextFree {
			p.nextFree = lease.Offset
		}
	}

	return lease, true
}

// Lookup returns the prefix delegated to clientID without allocating.
func (p *PrefixPool) Lookup(clientID ClientID) (Prefix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.allocated[clientID]
	return lease.Prefix, ok
}

// Leases returns a snapshot of all live leases ordered by offset.
func (p *PrefixPool) Leases() []Lease {
	p.mu.Lock()
	leases := make([]Lease, 0, len(p.allocated))
	for _, l := range p.allocated {
		leases = append(leases, l)
	}
	p.mu.Unlock()

	sort.Slice(leases, func(i, j int) bool {
		if leases[i].Offset != leases[j].Offset {
			return leases[i].Offset < leases[j].Offset
		}
		return leases[i].ClientID < leases[j].ClientID
	})
	return leases
}

// Stats returns pool statistics.
func (p *PrefixPool) Stats() PoolStats {
	p.mu.Lock()
	allocated := uint64(len(p.allocated))
	p.mu.Unlock()

	return PoolStats{
		Size:        p.cfg.Size,
		Allocated:   allocated,
		Available:   p.cfg.Size - allocated,
		Utilization: float64(allocated) / float64(p.cfg.Size),
	}
}
