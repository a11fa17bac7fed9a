// Package load provides load testing utilities for DHCPv6 prefix delegation.
//
// Each worker plays a set of requesting routers, sends them Solicits and
// checks every Reply it gets back:
//   - the transaction id echoes the Solicit
//   - a client always receives the same prefix
//   - no two clients ever receive the same prefix
package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	pd "github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

// AllDHCPRelayAgentsAndServers is the link-scoped multicast group DHCPv6
// servers listen on.
const AllDHCPRelayAgentsAndServers = "[ff02::1:2]:547"

// BenchmarkConfig configures the prefix delegation load test
type BenchmarkConfig struct {
	// Target is the server address, unicast or multicast
	// (e.g. "[2001:db8::1]:547" or "[ff02::1:2]:547").
	Target string

	// Interface is used for multicast targets and link-local scopes
	Interface string

	// Concurrency is the number of concurrent workers
	Concurrency int

	// Duration is how long to run the test
	Duration time.Duration

	// RequestsPerSecond is the target RPS (0 for unlimited)
	RequestsPerSecond int

	// UniqueClients is the number of distinct client DUIDs to use.
	// Keep it at or below the pool size or the excess clients time out.
	UniqueClients int

	// WarmupDuration is the time to warm up before measuring
	WarmupDuration time.Duration

	// ReadTimeout bounds the wait for each Reply
	ReadTimeout time.Duration

	// HopLimit for multicast Solicits
	HopLimit int

	// MinRPS and MaxP99 are the pass thresholds checked by MeetsTargets
	MinRPS float64
	MaxP99 time.Duration
}

// DefaultConfig returns a default benchmark configuration
func DefaultConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		Target:            AllDHCPRelayAgentsAndServers,
		Interface:         "lo",
		Concurrency:       50,
		Duration:          30 * time.Second,
		RequestsPerSecond: 0, // Unlimited
		UniqueClients:     10000,
		WarmupDuration:    5 * time.Second,
		ReadTimeout:       time.Second,
		HopLimit:          1,
		MinRPS:            10000,
		MaxP99:            10 * time.Millisecond,
	}
}

// BenchmarkResult contains the results of a prefix delegation load test
type BenchmarkResult struct {
	Config *BenchmarkConfig

	// Duration is the actual test duration (excluding warmup)
	Duration time.Duration

	Requests  uint64
	Responses uint64
	Errors    uint64
	Timeouts  uint64

	// Mismatched counts Replies whose transaction id did not match
	Mismatched uint64

	RequestsPerSecond float64

	Latencies  []time.Duration
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
	LatencyMin time.Duration
	LatencyAvg time.Duration

	// UniquePrefixes is the number of distinct prefixes seen
	UniquePrefixes int

	// Conflicts counts prefixes delegated to more than one client
	Conflicts uint64

	// Reassignments counts clients that were handed a different prefix
	// than on an earlier Reply
	Reassignments uint64
}

// Benchmark runs a prefix delegation load test
type Benchmark struct {
	config *BenchmarkConfig
	logger *zap.Logger

	// Statistics
	requests      uint64
	responses     uint64
	errors        uint64
	timeouts      uint64
	mismatched    uint64
	conflicts     uint64
	reassignments uint64

	// Latency tracking
	latencies   []time.Duration
	latenciesMu sync.Mutex

	// Client pool
	macPool []net.HardwareAddr

	// Delegations seen so far
	byClient   map[string]string // MAC -> prefix
	byPrefix   map[string]string // prefix -> MAC
	delegation sync.Mutex
}

// NewBenchmark creates a new prefix delegation benchmark
func NewBenchmark(config *BenchmarkConfig, logger *zap.Logger) *Benchmark {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = time.Second
	}
	if config.HopLimit == 0 {
		config.HopLimit = 1
	}

	return &Benchmark{
		config:   config,
		logger:   logger,
		macPool:  generateMACs(config.UniqueClients),
		byClient: make(map[string]string),
		byPrefix: make(map[string]string),
	}
}

// generateMACs generates a pool of unique MAC addresses, one per client.
func generateMACs(count int) []net.HardwareAddr {
	macs := make([]net.HardwareAddr, count)
	for i := 0; i < count; i++ {
		mac := make(net.HardwareAddr, 6)
		// Locally administered unicast
		mac[0] = 0x02
		mac[1] = byte(i >> 24)
		mac[2] = byte(i >> 16)
		mac[3] = byte(i >> 8)
		mac[4] = byte(i)
		mac[5] = byte(rand.Intn(256))
		macs[i] = mac
	}
	return macs
}

// Run executes the benchmark
func (b *Benchmark) Run(ctx context.Context) (*BenchmarkResult, error) {
	if b.config.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive")
	}
	if len(b.macPool) == 0 {
		return nil, fmt.Errorf("at least one client required")
	}

	b.logger.Info("Starting prefix delegation benchmark",
		zap.String("target", b.config.Target),
		zap.Int("concurrency", b.config.Concurrency),
		zap.Duration("duration", b.config.Duration),
		zap.Int("clients", b.config.UniqueClients),
	)

	target, ifi, err := b.resolveTarget()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.Duration+b.config.WarmupDuration+time.Minute)
	defer cancel()

	b.resetCounters()

	var wg sync.WaitGroup
	workerCtx, workerCancel := context.WithCancel(ctx)

	// All workers draw from one ticker, so it runs at the aggregate rate.
	var rateLimiter <-chan time.Time
	if b.config.RequestsPerSecond > 0 {
		ticker := time.NewTicker(rateInterval(b.config.RequestsPerSecond))
		defer ticker.Stop()
		rateLimiter = ticker.C
	}

	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(workerCtx, workerID, target, ifi, rateLimiter)
		}(i)
	}

	if b.config.WarmupDuration > 0 {
		b.logger.Info("Warmup phase", zap.Duration("duration", b.config.WarmupDuration))
		select {
		case <-time.After(b.config.WarmupDuration):
		case <-ctx.Done():
			workerCancel()
			wg.Wait()
			return nil, ctx.Err()
		}
		// Delegations made during warmup stay recorded so later Replies
		// are still checked against them.
		b.resetCounters()
		b.logger.Info("Warmup complete, starting measurement phase")
	}

	startTime := time.Now()
	select {
	case <-time.After(b.config.Duration):
	case <-ctx.Done():
	}

	workerCancel()
	wg.Wait()

	return b.calculateResults(time.Since(startTime)), nil
}

// rateInterval returns the ticker interval for rps requests per second.
func rateInterval(rps int) time.Duration {
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return interval
}

func (b *Benchmark) resetCounters() {
	atomic.StoreUint64(&b.requests, 0)
	atomic.StoreUint64(&b.responses, 0)
	atomic.StoreUint64(&b.errors, 0)
	atomic.StoreUint64(&b.timeouts, 0)
	atomic.StoreUint64(&b.mismatched, 0)
	b.latenciesMu.Lock()
	b.latencies = make([]time.Duration, 0, 100000)
	b.latenciesMu.Unlock()
}

// resolveTarget parses the target and, for multicast or link-local
// targets, looks up the interface to send on.
func (b *Benchmark) resolveTarget() (*net.UDPAddr, *net.Interface, error) {
	target, err := net.ResolveUDPAddr("udp6", b.config.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid target address: %w", err)
	}

	if !target.IP.IsMulticast() && !target.IP.IsLinkLocalUnicast() {
		return target, nil, nil
	}

	ifi, err := net.InterfaceByName(b.config.Interface)
	if err != nil {
		return nil, nil, fmt.Errorf("interface %s: %w", b.config.Interface, err)
	}
	if target.Zone == "" {
		target.Zone = ifi.Name
	}
	return target, ifi, nil
}

// worker runs a single benchmark worker
func (b *Benchmark) worker(ctx context.Context, id int, target *net.UDPAddr, ifi *net.Interface, rateLimiter <-chan time.Time) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		b.logger.Error("Worker failed to open socket", zap.Int("worker", id), zap.Error(err))
		return
	}
	defer conn.Close()

	p := ipv6.NewPacketConn(conn)
	if target.IP.IsMulticast() {
		if err := p.SetMulticastHopLimit(b.config.HopLimit); err != nil {
			b.logger.Warn("Failed to set multicast hop limit", zap.Int("worker", id), zap.Error(err))
		}
		if ifi != nil {
			if err := p.SetMulticastInterface(ifi); err != nil {
				b.logger.Error("Failed to set multicast interface", zap.Int("worker", id), zap.Error(err))
				return
			}
		}
	}

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-ctx.Done():
				return
			}
		}

		mac := b.macPool[rand.Intn(len(b.macPool))]

		start := time.Now()
		prefix, err := b.solicit(p, buf, mac, target)
		latency := time.Since(start)

		atomic.AddUint64(&b.requests, 1)

		if err != nil {
			switch {
			case isTimeout(err):
				atomic.AddUint64(&b.timeouts, 1)
			case errors.Is(err, errTransactionMismatch):
				atomic.AddUint64(&b.mismatched, 1)
			default:
				atomic.AddUint64(&b.errors, 1)
			}
			continue
		}

		atomic.AddUint64(&b.responses, 1)

		b.latenciesMu.Lock()
		b.latencies = append(b.latencies, latency)
		b.latenciesMu.Unlock()

		b.recordDelegation(mac.String(), prefix.String())
	}
}

var errTransactionMismatch = errors.New("reply transaction id does not match")

// solicit sends one Solicit with an IA_PD and waits for the Reply
func (b *Benchmark) solicit(p *ipv6.PacketConn, buf []byte, mac net.HardwareAddr, target *net.UDPAddr) (pd.Prefix, error) {
	msg, err := newSolicit(mac)
	if err != nil {
		return pd.Prefix{}, err
	}

	if _, err := p.WriteTo(msg.ToBytes(), nil, target); err != nil {
		return pd.Prefix{}, fmt.Errorf("failed to send Solicit: %w", err)
	}

	if err := p.SetReadDeadline(time.Now().Add(b.config.ReadTimeout)); err != nil {
		return pd.Prefix{}, err
	}

	n, _, _, err := p.ReadFrom(buf)
	if err != nil {
		return pd.Prefix{}, err
	}
	reply := buf[:n]

	xid, ok := pd.TransactionID(reply)
	if !ok || xid != [3]byte(msg.TransactionID) {
		return pd.Prefix{}, errTransactionMismatch
	}

	prefix, ok := pd.ParseReplyPrefix(reply)
	if !ok {
		return pd.Prefix{}, fmt.Errorf("reply carries no delegated prefix")
	}
	return prefix, nil
}

// newSolicit builds a Solicit with an IA_PD. The client id is a DUID-LL so
// a client keeps its identity across runs; the library default embeds the
// current time.
func newSolicit(mac net.HardwareAddr) (*dhcpv6.Message, error) {
	msg, err := dhcpv6.NewSolicit(mac,
		dhcpv6.WithClientID(&dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: mac,
		}),
		dhcpv6.WithIAPD([4]byte{0, 0, 0, 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Solicit: %w", err)
	}
	return msg, nil
}

// recordDelegation checks a delegation against earlier ones
func (b *Benchmark) recordDelegation(client, prefix string) {
	b.delegation.Lock()
	defer b.delegation.Unlock()

	if prev, ok := b.byClient[client]; ok && prev != prefix {
		atomic.AddUint64(&b.reassignments, 1)
		b.logger.Warn("Client received a different prefix",
			zap.String("client", client),
			zap.String("previous", prev),
			zap.String("prefix", prefix),
		)
	}
	if owner, ok := b.byPrefix[prefix]; ok && owner != client {
		atomic.AddUint64(&b.conflicts, 1)
		b.logger.Warn("Prefix delegated to more than one client",
			zap.String("prefix", prefix),
			zap.String("owner", owner),
			zap.String("client", client),
		)
	}

	b.byClient[client] = prefix
	b.byPrefix[prefix] = client
}

// calculateResults calculates benchmark results from collected data
func (b *Benchmark) calculateResults(duration time.Duration) *BenchmarkResult {
	requests := atomic.LoadUint64(&b.requests)

	result := &BenchmarkResult{
		Config:            b.config,
		Duration:          duration,
		Requests:          requests,
		Responses:         atomic.LoadUint64(&b.responses),
		Errors:            atomic.LoadUint64(&b.errors),
		Timeouts:          atomic.LoadUint64(&b.timeouts),
		Mismatched:        atomic.LoadUint64(&b.mismatched),
		Conflicts:         atomic.LoadUint64(&b.conflicts),
		Reassignments:     atomic.LoadUint64(&b.reassignments),
		RequestsPerSecond: float64(requests) / duration.Seconds(),
	}

	b.delegation.Lock()
	result.UniquePrefixes = len(b.byPrefix)
	b.delegation.Unlock()

	b.latenciesMu.Lock()
	latencies := make([]time.Duration, len(b.latencies))
	copy(latencies, b.latencies)
	b.latenciesMu.Unlock()

	if len(latencies) == 0 {
		return result
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	result.Latencies = latencies
	result.LatencyMin = latencies[0]
	result.LatencyMax = latencies[len(latencies)-1]
	result.LatencyP50 = percentile(latencies, 0.50)
	result.LatencyP95 = percentile(latencies, 0.95)
	result.LatencyP99 = percentile(latencies, 0.99)

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	result.LatencyAvg = total / time.Duration(len(latencies))

	return result
}

// percentile calculates the nth percentile of sorted latencies
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// isTimeout checks if an error is a timeout
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// PrintReport prints a human-readable report of the benchmark results
func (r *BenchmarkResult) PrintReport() {
	fmt.Println("============================================================")
	fmt.Println("DHCPv6 Prefix Delegation Load Test Results")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Printf("Test Duration:     %s\n", r.Duration)
	fmt.Printf("Concurrency:       %d workers\n", r.Config.Concurrency)
	fmt.Printf("Unique Clients:    %d\n", r.Config.UniqueClients)
	fmt.Println()
	fmt.Println("--- Throughput ---")
	fmt.Printf("Total Requests:    %d\n", r.Requests)
	fmt.Printf("Total Responses:   %d\n", r.Responses)
	fmt.Printf("Errors:            %d\n", r.Errors)
	fmt.Printf("Timeouts:          %d\n", r.Timeouts)
	fmt.Printf("Mismatched XIDs:   %d\n", r.Mismatched)
	fmt.Printf("Requests/sec:      %.2f\n", r.RequestsPerSecond)
	fmt.Println()
	fmt.Println("--- Latency ---")
	fmt.Printf("Min:               %s\n", r.LatencyMin)
	fmt.Printf("Avg:               %s\n", r.LatencyAvg)
	fmt.Printf("P50 (median):      %s\n", r.LatencyP50)
	fmt.Printf("P95:               %s\n", r.LatencyP95)
	fmt.Printf("P99:               %s\n", r.LatencyP99)
	fmt.Printf("Max:               %s\n", r.LatencyMax)
	fmt.Println()
	fmt.Println("--- Delegations ---")
	fmt.Printf("Unique Prefixes:   %d\n", r.UniquePrefixes)
	fmt.Printf("Conflicts:         %d\n", r.Conflicts)
	fmt.Printf("Reassignments:     %d\n", r.Reassignments)
	fmt.Println()
	fmt.Println("--- Target Validation ---")
	fmt.Printf("RPS >= %.0f:       %s (%.2f)\n", r.Config.MinRPS, passFailStr(r.RequestsPerSecond >= r.Config.MinRPS), r.RequestsPerSecond)
	fmt.Printf("P99 < %s:        %s (%s)\n", r.Config.MaxP99, passFailStr(r.LatencyP99 < r.Config.MaxP99), r.LatencyP99)
	fmt.Printf("No conflicts:      %s\n", passFailStr(r.Conflicts == 0 && r.Reassignments == 0))
	fmt.Println("============================================================")
}

func passFailStr(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

// MeetsTargets checks throughput, tail latency and delegation consistency
func (r *BenchmarkResult) MeetsTargets() bool {
	if r.RequestsPerSecond < r.Config.MinRPS {
		return false
	}
	if r.LatencyP99 >= r.Config.MaxP99 {
		return false
	}
	return r.Consistent()
}

// Consistent reports whether every client kept one prefix and no prefix
// was handed to two clients.
func (r *BenchmarkResult) Consistent() bool {
	return r.Conflicts == 0 && r.Reassignments == 0 && r.Mismatched == 0
}
