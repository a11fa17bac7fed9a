package dhcpv6

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/server6"
	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
)

// maxDatagram is the largest UDP payload read from the socket.
const maxDatagram = 65535

// clientLockStripes is the number of locks client operations are spread
// over. Messages from one client always map to the same stripe.
const clientLockStripes = 256

// Message outcomes reported to a Recorder.
const (
	OutcomeDelegated = "delegated"
	OutcomeExisting  = "existing"
	OutcomeExhausted = "exhausted"
	OutcomeDropped   = "dropped"
	OutcomeReleased  = "released"
)

// Hook is notified when a prefix is delegated to a new client or released.
// Calls for one client are serialized with that client's pool operations,
// so PrefixReleased never runs ahead of the PrefixDelegated it undoes.
type Hook interface {
	PrefixDelegated(ctx context.Context, lease Lease, peer *net.UDPAddr) error
	PrefixReleased(ctx context.Context, lease Lease) error
}

// Recorder receives the outcome of every handled message.
type Recorder interface {
	RecordMessage(outcome string, elapsed time.Duration)
}

// Server is a DHCPv6 prefix delegation server
type Server struct {
	iface  string
	laddr  *net.UDPAddr
	logger *zap.Logger
	pool   *PrefixPool

	hooks       []Hook
	hookTimeout time.Duration
	recorder    Recorder

	clientLocks [clientLockStripes]sync.Mutex

	// Statistics
	received  uint64
	solicits  uint64
	replies   uint64
	dropped   uint64
	exhausted uint64
	releases  uint64
}

// ServerConfig configures the DHCPv6 server
type ServerConfig struct {
	Interface string

	// Address to listen on. Defaults to [::]:547, which also joins the
	// All_DHCP_Relay_Agents_and_Servers group.
	Address *net.UDPAddr

	// Hooks run synchronously in the packet path, each bounded by
	// HookTimeout (default 2s).
	Hooks       []Hook
	HookTimeout time.Duration

	Recorder Recorder
}

// NewServer creates a new DHCPv6 server
func NewServer(cfg ServerConfig, pool *PrefixPool, logger *zap.Logger) (*Server, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("interface required")
	}
	if pool == nil {
		return nil, fmt.Errorf("prefix pool required")
	}

	laddr := cfg.Address
	if laddr == nil {
		laddr = &net.UDPAddr{
			IP:   net.IPv6unspecified,
			Port: DHCPv6ServerPort,
		}
	}

	hookTimeout := cfg.HookTimeout
	if hookTimeout == 0 {
		hookTimeout = 2 * time.Second
	}

	return &Server{
		iface:       cfg.Interface,
		laddr:       laddr,
		logger:      logger,
		pool:        pool,
		hooks:       cfg.Hooks,
		hookTimeout: hookTimeout,
		recorder:    cfg.Recorder,
	}, nil
}

// Start listens on the configured interface and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	conn, err := server6.NewIPv6UDPConn(s.iface, s.laddr)
	if err != nil {
		return fmt.Errorf("failed to create DHCPv6 socket: %w", err)
	}
	if err := s.joinGroups(conn); err != nil {
		conn.Close()
		return err
	}

	s.logger.Info("DHCPv6 prefix delegation server started",
		zap.String("interface", s.iface),
		zap.String("listen", s.laddr.String()),
		zap.String("pool_start", s.pool.Config().Start.String()),
		zap.Uint64("pool_size", s.pool.Config().Size),
		zap.Uint8("prefix_length", s.pool.Config().PrefixLength),
		zap.String("mode", string(s.pool.Config().Mode)),
	)

	return s.Serve(ctx, conn)
}

// joinGroups joins the DHCPv6 server multicast groups when listening on the
// wildcard address, or the configured group when listening on one.
func (s *Server) joinGroups(conn net.PacketConn) error {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %w", s.iface, err)
	}

	var groups []net.IP
	switch {
	case s.laddr.IP.IsMulticast():
		groups = []net.IP{s.laddr.IP}
	case (s.laddr.IP == nil || s.laddr.IP.IsUnspecified()) && s.laddr.Port == DHCPv6ServerPort:
		groups = []net.IP{dhcpv6.AllDHCPRelayAgentsAndServers, dhcpv6.AllDHCPServers}
	}

	p := ipv6.NewPacketConn(conn)
	for _, g := range groups {
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: g}); err != nil {
			return fmt.Errorf("failed to join %s: %w", g, err)
		}
	}
	return nil
}

// Serve handles datagrams read from conn until ctx is done, then closes
// conn. Joining any multicast group is the caller's responsibility. Each
// datagram is passed to Handle as received; nothing is parsed ahead of it.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping DHCPv6 server")
			conn.Close()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read from socket: %w", err)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.respond(conn, payload, peer)
		}()
	}
}

func (s *Server) respond(conn net.PacketConn, payload []byte, peer net.Addr) {
	resp := s.Handle(payload, peer)
	if resp == nil {
		return
	}

	if _, err := conn.WriteTo(resp, peer); err != nil {
		s.logger.Error("Failed to send response",
			zap.Error(err),
			zap.String("to", peer.String()),
		)
	}
}

// lockClient serializes pool operations and hooks for one client.
func (s *Server) lockClient(clientID ClientID) func() {
	mu := &s.clientLocks[xxhash.Sum64String(string(clientID))%clientLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Handle processes one inbound message and returns the reply to send, or
// nil when nothing should be sent.
func (s *Server) Handle(payload []byte, peer net.Addr) []byte {
	start := time.Now()
	atomic.AddUint64(&s.received, 1)

	if len(payload) > 0 && (payload[0] == MsgTypeRelayForw || payload[0] == MsgTypeRelayRepl) {
		s.logger.Debug("Ignoring relayed DHCPv6 message",
			zap.String("from", addrString(peer)),
		)
		atomic.AddUint64(&s.dropped, 1)
		s.record(OutcomeDropped, start)
		return nil
	}

	if len(payload) > 0 && payload[0] == MsgTypeRelease {
		s.handleRelease(payload, peer)
		s.record(OutcomeReleased, start)
		return nil
	}

	clientID, status := DecodeClientID(payload)
	if !status.Found() {
		s.logger.Debug("Dropping DHCPv6 message",
			zap.String("from", addrString(peer)),
			zap.Stringer("reason", status),
			zap.Int("length", len(payload)),
		)
		atomic.AddUint64(&s.dropped, 1)
		s.record(OutcomeDropped, start)
		return nil
	}
	atomic.AddUint64(&s.solicits, 1)

	unlock := s.lockClient(clientID)
	defer unlock()

	lease, created, ok := s.pool.AllocateLease(clientID)
	if !ok {
		s.logger.Warn("Prefix delegation failed",
			zap.Error(ErrPoolExhausted),
			zap.String("client_id", string(clientID)),
			zap.Uint64("pool_size", s.pool.Config().Size),
		)
		atomic.AddUint64(&s.exhausted, 1)
		s.record(OutcomeExhausted, start)
		return nil
	}

	outcome := OutcomeExisting
	if created {
		outcome = OutcomeDelegated
		s.logger.Info("DHCPv6 prefix delegated",
			zap.String("client_id", string(clientID)),
			zap.Stringer("prefix", lease.Prefix),
			zap.Uint64("offset", lease.Offset),
			zap.String("client", addrString(peer)),
		)
		s.notifyDelegated(lease, peer)
	}

	xid, _ := TransactionID(payload)
	reply := Reply{
		TransactionID: xid,
		IAID:          PlaceholderIAID,
		ClientID:      clientID,
		Prefix:        lease.Prefix,
	}

	atomic.AddUint64(&s.replies, 1)
	s.record(outcome, start)
	return reply.Marshal()
}

// handleRelease handles a Release message
func (s *Server) handleRelease(payload []byte, peer net.Addr) {
	atomic.AddUint64(&s.releases, 1)

	clientID, status := decodeClientID(payload, MsgTypeRelease)
	if !status.Found() {
		s.logger.Debug("Release without Client ID",
			zap.String("from", addrString(peer)),
			zap.Stringer("reason", status),
		)
		return
	}

	unlock := s.lockClient(clientID)
	defer unlock()

	lease, ok := s.pool.ReleaseLease(clientID)
	if !ok {
		return
	}

	s.logger.Info("DHCPv6 prefix released",
		zap.String("client_id", string(clientID)),
		zap.Stringer("prefix", lease.Prefix),
	)

	for _, h := range s.hooks {
		ctx, cancel := context.WithTimeout(context.Background(), s.hookTimeout)
		if err := h.PrefixReleased(ctx, lease); err != nil {
			s.logger.Warn("Release hook failed",
				zap.String("client_id", string(clientID)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (s *Server) notifyDelegated(lease Lease, peer net.Addr) {
	udpPeer, _ := peer.(*net.UDPAddr)

	for _, h := range s.hooks {
		ctx, cancel := context.WithTimeout(context.Background(), s.hookTimeout)
		if err := h.PrefixDelegated(ctx, lease, udpPeer); err != nil {
			s.logger.Warn("Delegation hook failed",
				zap.String("client_id", string(lease.ClientID)),
				zap.Stringer("prefix", lease.Prefix),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (s *Server) record(outcome string, start time.Time) {
	if s.recorder != nil {
		s.recorder.RecordMessage(outcome, time.Since(start))
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]uint64 {
	poolStats := s.pool.Stats()

	return map[string]uint64{
		"messages_received":  atomic.LoadUint64(&s.received),
		"solicits_received":  atomic.LoadUint64(&s.solicits),
		"replies_sent":       atomic.LoadUint64(&s.replies),
		"messages_dropped":   atomic.LoadUint64(&s.dropped),
		"pool_exhausted":     atomic.LoadUint64(&s.exhausted),
		"releases_received":  atomic.LoadUint64(&s.releases),
		"active_leases":      poolStats.Allocated,
		"available_prefixes": poolStats.Available,
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
