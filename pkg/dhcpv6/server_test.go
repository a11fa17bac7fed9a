package dhcpv6_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	pd "github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

type fakeHook struct {
	mu        sync.Mutex
	delegated []pd.Lease
	released  []pd.Lease
	peers     []*net.UDPAddr
	events    []string
	err       error

	// When set, PrefixDelegated signals entered and waits on proceed.
	entered chan struct{}
	proceed chan struct{}
}

func (h *fakeHook) PrefixDelegated(_ context.Context, lease pd.Lease, peer *net.UDPAddr) error {
	if h.entered != nil {
		h.entered <- struct{}{}
		<-h.proceed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.delegated = append(h.delegated, lease)
	h.peers = append(h.peers, peer)
	h.events = append(h.events, "delegated "+lease.Prefix.String())
	return h.err
}

func (h *fakeHook) PrefixReleased(_ context.Context, lease pd.Lease) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, lease)
	h.events = append(h.events, "released "+lease.Prefix.String())
	return h.err
}

func (h *fakeHook) recordedEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHook) delegatedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delegated)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *fakeRecorder) RecordMessage(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func solicit(xid [3]byte, clientID ...byte) []byte {
	data := []byte{pd.MsgTypeSolicit, xid[0], xid[1], xid[2]}
	data = append(data, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00) // Elapsed Time
	data = append(data, 0x00, 0x01, 0x00, byte(len(clientID)))
	return append(data, clientID...)
}

func release(clientID ...byte) []byte {
	data := []byte{pd.MsgTypeRelease, 0x01, 0x02, 0x03}
	data = append(data, 0x00, 0x01, 0x00, byte(len(clientID)))
	return append(data, clientID...)
}

var _ = Describe("DHCPv6 Server", func() {
	var (
		pool     *pd.PrefixPool
		hook     *fakeHook
		recorder *fakeRecorder
		server   *pd.Server
		peer     *net.UDPAddr
	)

	newServer := func(size uint64, mode pd.AllocationMode) {
		var err error
		pool, err = pd.NewPrefixPool(pd.PoolConfig{
			Start:        netip.MustParseAddr("2001:db8::"),
			Size:         size,
			PrefixLength: 64,
			Mode:         mode,
		})
		Expect(err).NotTo(HaveOccurred())

		hook = &fakeHook{}
		recorder = &fakeRecorder{}
		server, err = pd.NewServer(pd.ServerConfig{
			Interface: "lo",
			Hooks:     []pd.Hook{hook},
			Recorder:  recorder,
		}, pool, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		peer = &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: pd.DHCPv6ClientPort, Zone: "lo"}
		newServer(4, pd.ModeSequential)
	})

	Describe("NewServer", func() {
		It("should require an interface", func() {
			_, err := pd.NewServer(pd.ServerConfig{}, pool, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})

		It("should require a pool", func() {
			_, err := pd.NewServer(pd.ServerConfig{Interface: "lo"}, nil, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Handle", func() {
		It("should delegate sequential prefixes and echo the transaction id", func() {
			reply := server.Handle(solicit([3]byte{0x01, 0x02, 0x03}, 0xAA, 0xBB), peer)
			Expect(reply).NotTo(BeNil())

			xid, ok := pd.TransactionID(reply)
			Expect(ok).To(BeTrue())
			Expect(xid).To(Equal([3]byte{0x01, 0x02, 0x03}))

			prefix, ok := pd.ParseReplyPrefix(reply)
			Expect(ok).To(BeTrue())
			Expect(prefix.String()).To(Equal("2001:db8::/64"))

			reply = server.Handle(solicit([3]byte{0x04, 0x05, 0x06}, 0xCC, 0xDD), peer)
			prefix, ok = pd.ParseReplyPrefix(reply)
			Expect(ok).To(BeTrue())
			Expect(prefix.String()).To(Equal("2001:db8:0:1::/64"))

			Expect(hook.delegatedCount()).To(Equal(2))
			Expect(hook.peers[0]).To(Equal(peer))
			Expect(recorder.recorded()).To(Equal([]string{pd.OutcomeDelegated, pd.OutcomeDelegated}))
		})

		It("should answer a repeated Solicit with the same prefix", func() {
			first := server.Handle(solicit([3]byte{0, 0, 1}, 0xAA, 0xBB), peer)
			second := server.Handle(solicit([3]byte{0, 0, 2}, 0xAA, 0xBB), peer)

			p1, _ := pd.ParseReplyPrefix(first)
			p2, _ := pd.ParseReplyPrefix(second)
			Expect(p2).To(Equal(p1))

			Expect(hook.delegatedCount()).To(Equal(1))
			Expect(recorder.recorded()).To(Equal([]string{pd.OutcomeDelegated, pd.OutcomeExisting}))
		})

		It("should stay silent when the pool is exhausted", func() {
			newServer(1, pd.ModeFreeList)

			Expect(server.Handle(solicit([3]byte{0, 0, 1}, 0x01), peer)).NotTo(BeNil())
			Expect(server.Handle(solicit([3]byte{0, 0, 2}, 0x02), peer)).To(BeNil())

			stats := server.GetStats()
			Expect(stats["pool_exhausted"]).To(Equal(uint64(1)))
			Expect(stats["replies_sent"]).To(Equal(uint64(1)))
			Expect(stats["available_prefixes"]).To(Equal(uint64(0)))
			Expect(recorder.recorded()).To(ContainElement(pd.OutcomeExhausted))
		})

		DescribeTable("dropping messages without a client identifier",
			func(payload []byte) {
				Expect(server.Handle(payload, peer)).To(BeNil())
				Expect(server.GetStats()["messages_dropped"]).To(Equal(uint64(1)))
				Expect(pool.Stats().Allocated).To(BeZero())
				Expect(recorder.recorded()).To(Equal([]string{pd.OutcomeDropped}))
			},
			Entry("empty", []byte{}),
			Entry("header only", []byte{0x01, 0x00, 0x00, 0x01}),
			Entry("Request", []byte{0x03, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0xAA}),
			Entry("truncated option", []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x09, 0xAA}),
			Entry("no client id", []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00}),
		)

		It("should drop relayed messages", func() {
			relay := []byte{pd.MsgTypeRelayForw, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0xAA}
			Expect(server.Handle(relay, peer)).To(BeNil())
			Expect(server.GetStats()["messages_dropped"]).To(Equal(uint64(1)))
			Expect(pool.Stats().Allocated).To(BeZero())
		})

		It("should keep serving when a hook fails", func() {
			hook.err = errors.New("route table full")

			reply := server.Handle(solicit([3]byte{0, 0, 1}, 0xAA), peer)
			Expect(reply).NotTo(BeNil())
			Expect(pool.Stats().Allocated).To(Equal(uint64(1)))
		})
	})

	Describe("Release", func() {
		It("should free the lease and notify hooks", func() {
			newServer(4, pd.ModeFreeList)

			server.Handle(solicit([3]byte{0, 0, 1}, 0xAA), peer)
			server.Handle(solicit([3]byte{0, 0, 2}, 0xBB), peer)

			Expect(server.Handle(release(0xAA), peer)).To(BeNil())

			_, held := pool.Lookup("aa")
			Expect(held).To(BeFalse())
			Expect(hook.released).To(HaveLen(1))
			Expect(hook.released[0].Prefix.String()).To(Equal("2001:db8::/64"))

			reply := server.Handle(solicit([3]byte{0, 0, 3}, 0xCC), peer)
			prefix, ok := pd.ParseReplyPrefix(reply)
			Expect(ok).To(BeTrue())
			Expect(prefix.String()).To(Equal("2001:db8::/64"))

			Expect(server.GetStats()["releases_received"]).To(Equal(uint64(1)))
		})

		It("should not run release hooks ahead of the delegation they undo", func() {
			hook.entered = make(chan struct{})
			hook.proceed = make(chan struct{})

			solicited := make(chan []byte, 1)
			go func() {
				solicited <- server.Handle(solicit([3]byte{0, 0, 1}, 0xAA), peer)
			}()
			Eventually(hook.entered).Should(Receive())

			released := make(chan struct{})
			go func() {
				server.Handle(release(0xAA), peer)
				close(released)
			}()
			Consistently(released, 100*time.Millisecond).ShouldNot(BeClosed())

			close(hook.proceed)
			Eventually(solicited).Should(Receive(Not(BeNil())))
			Eventually(released).Should(BeClosed())

			Expect(hook.recordedEvents()).To(Equal([]string{
				"delegated 2001:db8::/64",
				"released 2001:db8::/64",
			}))
		})

		It("should ignore a release from an unknown client", func() {
			Expect(server.Handle(release(0x99), peer)).To(BeNil())
			Expect(hook.released).To(BeEmpty())
			Expect(recorder.recorded()).To(Equal([]string{pd.OutcomeReleased}))
		})
	})

	Describe("Serve", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			client *net.UDPConn
			done   chan error
		)

		BeforeEach(func() {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			Expect(err).NotTo(HaveOccurred())

			client, err = net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() {
				done <- server.Serve(ctx, conn)
			}()
		})

		AfterEach(func() {
			cancel()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
			client.Close()
		})

		It("should reply to a Solicit built by a DHCPv6 client", func() {
			mac, err := net.ParseMAC("02:00:5e:10:00:01")
			Expect(err).NotTo(HaveOccurred())
			msg, err := dhcpv6.NewSolicit(mac, dhcpv6.WithIAPD([4]byte{0, 0, 0, 1}))
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Write(msg.ToBytes())
			Expect(err).NotTo(HaveOccurred())

			Expect(client.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			buf := make([]byte, 1500)
			n, err := client.Read(buf)
			Expect(err).NotTo(HaveOccurred())

			reply := buf[:n]
			xid, _ := pd.TransactionID(reply)
			Expect(xid).To(Equal([3]byte(msg.TransactionID)))

			prefix, ok := pd.ParseReplyPrefix(reply)
			Expect(ok).To(BeTrue())
			Expect(prefix.String()).To(Equal("2001:db8::/64"))
			Expect(hook.delegatedCount()).To(Equal(1))
		})

		DescribeTable("answering Solicits a strict DHCPv6 parser would reject",
			func(payload []byte, prefix string) {
				_, err := client.Write(payload)
				Expect(err).NotTo(HaveOccurred())

				Expect(client.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
				buf := make([]byte, 1500)
				n, err := client.Read(buf)
				Expect(err).NotTo(HaveOccurred())

				got, ok := pd.ParseReplyPrefix(buf[:n])
				Expect(ok).To(BeTrue())
				Expect(got.String()).To(Equal(prefix))
			},
			Entry("client id followed by a truncated option",
				append(solicit([3]byte{0, 0, 1}, 0x00, 0x03, 0xAA, 0xBB), 0x00, 0x19, 0x00, 0x0C, 0x00),
				"2001:db8::/64"),
			Entry("one byte client id", solicit([3]byte{0, 0, 2}, 0xAA), "2001:db8::/64"),
		)

		It("should stay silent for a relayed message", func() {
			_, err := client.Write([]byte{pd.MsgTypeRelayForw, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0xAA})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() uint64 { return server.GetStats()["messages_dropped"] }).Should(Equal(uint64(1)))

			Expect(client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))).To(Succeed())
			_, err = client.Read(make([]byte, 1500))
			Expect(err).To(HaveOccurred())
		})
	})
})
