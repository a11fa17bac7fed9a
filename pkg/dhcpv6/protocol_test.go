package dhcpv6_test

import (
	"encoding/hex"
	"net"
	"net/netip"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv6"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	pd "github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

func mustPrefix(s string) pd.Prefix {
	p := netip.MustParsePrefix(s)
	return pd.Prefix{Address: p.Addr().As16(), Length: uint8(p.Bits())}
}

var _ = Describe("DHCPv6 Protocol", func() {

	Describe("DecodeClientID", func() {

		Context("when the message carries a client identifier", func() {
			It("should extract it from a Solicit message", func() {
				// Given a DHCPv6 Solicit message
				data := []byte{
					0x01,             // Type: Solicit
					0xAB, 0xCD, 0xEF, // Transaction ID
					// Client ID option
					0x00, 0x01, // Option: Client ID
					0x00, 0x0E, // Length: 14
					0x00, 0x01, // DUID-LLT
					0x00, 0x01, // Hardware type: Ethernet
					0x00, 0x00, 0x00, 0x00, // Time
					0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, // MAC
				}

				// When decoding
				id, status := pd.DecodeClientID(data)

				// Then the payload should be rendered as lowercase hex
				Expect(status).To(Equal(pd.DecodeFound))
				Expect(status.Found()).To(BeTrue())
				Expect(id).To(Equal(pd.ClientID("0001000100000000aabbccddeeff")))
			})

			It("should skip options that precede it", func() {
				data := []byte{
					0x01, 0x00, 0x00, 0x01,
					0x00, 0x08, 0x00, 0x02, 0x00, 0x00, // Elapsed Time
					0x00, 0x06, 0x00, 0x04, 0x00, 0x17, 0x00, 0x18, // ORO
					0x00, 0x01, 0x00, 0x03, 0x0A, 0x0B, 0x0C, // Client ID
				}

				id, status := pd.DecodeClientID(data)
				Expect(status.Found()).To(BeTrue())
				Expect(id).To(Equal(pd.ClientID("0a0b0c")))
			})

			It("should return the first client identifier", func() {
				data := []byte{
					0x01, 0x00, 0x00, 0x01,
					0x00, 0x01, 0x00, 0x01, 0x11,
					0x00, 0x01, 0x00, 0x01, 0x22,
				}

				id, _ := pd.DecodeClientID(data)
				Expect(id).To(Equal(pd.ClientID("11")))
			})

			It("should accept a zero length client identifier", func() {
				data := []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00}

				id, status := pd.DecodeClientID(data)
				Expect(status).To(Equal(pd.DecodeFound))
				Expect(id).To(BeEmpty())
			})

			It("should decode a Solicit built by a DHCPv6 client library", func() {
				mac, err := net.ParseMAC("02:00:5e:10:00:01")
				Expect(err).NotTo(HaveOccurred())

				solicit, err := dhcpv6.NewSolicit(mac, dhcpv6.WithIAPD([4]byte{0, 0, 0, 1}))
				Expect(err).NotTo(HaveOccurred())

				id, status := pd.DecodeClientID(solicit.ToBytes())
				Expect(status.Found()).To(BeTrue())
				Expect(id).To(Equal(pd.ClientID(hex.EncodeToString(solicit.Options.ClientID().ToBytes()))))
			})
		})

		DescribeTable("messages without a usable client identifier",
			func(data []byte, expected pd.DecodeStatus) {
				id, status := pd.DecodeClientID(data)
				Expect(status).To(Equal(expected))
				Expect(status.Found()).To(BeFalse())
				Expect(id).To(BeEmpty())
			},
			Entry("empty buffer", []byte{}, pd.DecodeTooShort),
			Entry("partial header", []byte{0x01, 0x00}, pd.DecodeTooShort),
			Entry("header only", []byte{0x01, 0xAA, 0xBB, 0xCC}, pd.DecodeTooShort),
			Entry("header only with another type", []byte{0x07, 0x00, 0x00, 0x00}, pd.DecodeTooShort),
			Entry("Advertise", []byte{0x02, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0xFF}, pd.DecodeWrongType),
			Entry("Request", []byte{0x03, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0xFF}, pd.DecodeWrongType),
			Entry("Reply", []byte{0x07, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0xFF}, pd.DecodeWrongType),
			Entry("truncated client id", []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x08, 0xFF}, pd.DecodeTruncated),
			Entry("truncated earlier option", []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x10, 0x00, 0x01, 0x00, 0x01, 0xFF}, pd.DecodeTruncated),
			Entry("no client id", []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00}, pd.DecodeNoClientID),
			Entry("trailing partial option header", []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01}, pd.DecodeNoClientID),
		)

		It("should name every status", func() {
			Expect(pd.DecodeFound.String()).To(Equal("found"))
			Expect(pd.DecodeTooShort.String()).To(Equal("too_short"))
			Expect(pd.DecodeWrongType.String()).To(Equal("wrong_type"))
			Expect(pd.DecodeTruncated.String()).To(Equal("truncated"))
			Expect(pd.DecodeNoClientID.String()).To(Equal("no_client_id"))
		})
	})

	Describe("EncodeReply", func() {

		It("should produce the fixed reply layout", func() {
			data := pd.EncodeReply("aabb", mustPrefix("2001:db8::1/64"))

			expected := []byte{
				0x07,             // Type: Reply
				0xAA, 0xBB, 0xCC, // Transaction ID placeholder
				0x00, 0x01, // Option: Client ID
				0x00, 0x02, // Length: 2
				0xAA, 0xBB,
				0x00, 0x19, // Option: IA_PD
				0x00, 0x14, // Length: 20
				0xAA, 0xBB, 0xCC, 0xDD, // IAID placeholder
				0x20, 0x01, 0x0D, 0xB8, 0x00, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
				0x40,       // Prefix length: 64
				0x00, 0x00, // Reserved
			}
			Expect(data).To(Equal(expected))
		})

		DescribeTable("client identifiers that are not valid hex",
			func(id pd.ClientID) {
				data := pd.EncodeReply(id, mustPrefix("2001:db8::/56"))

				Expect(data[4:8]).To(Equal([]byte{0x00, 0x01, 0x00, 0x00}))
				Expect(data[8:10]).To(Equal([]byte{0x00, 0x19}))
				Expect(data).To(HaveLen(4 + 4 + 4 + 23))
			},
			Entry("odd length", pd.ClientID("abc")),
			Entry("non hex characters", pd.ClientID("zz")),
			Entry("empty", pd.ClientID("")),
		)

		It("should accept uppercase hex", func() {
			data := pd.EncodeReply("AABB", mustPrefix("2001:db8::/64"))
			Expect(data[6:10]).To(Equal([]byte{0x00, 0x02, 0xAA, 0xBB}))
		})

		It("should cut a client identifier longer than one option", func() {
			long := pd.ClientID(strings.Repeat("ab", 70000))

			data := pd.EncodeReply(long, mustPrefix("2001:db8::/56"))
			Expect(data[6:8]).To(Equal([]byte{0xFF, 0xFF}))
			Expect(data).To(HaveLen(4 + 4 + 0xFFFF + 4 + 23))

			prefix, ok := pd.ParseReplyPrefix(data)
			Expect(ok).To(BeTrue())
			Expect(prefix.String()).To(Equal("2001:db8::/56"))
		})

		It("should echo the transaction id and IAID of a Reply", func() {
			r := pd.Reply{
				TransactionID: [3]byte{0x11, 0x22, 0x33},
				IAID:          [4]byte{0x00, 0x00, 0x00, 0x07},
				ClientID:      "00030001020000000001",
				Prefix:        mustPrefix("2001:db8:1::/48"),
			}

			data := r.Marshal()

			xid, ok := pd.TransactionID(data)
			Expect(ok).To(BeTrue())
			Expect(xid).To(Equal([3]byte{0x11, 0x22, 0x33}))
			Expect(data[22:26]).To(Equal([]byte{0x00, 0x00, 0x00, 0x07}))
		})
	})

	Describe("ParseReplyPrefix", func() {

		DescribeTable("round trip through the IA_PD option",
			func(id pd.ClientID, prefix string) {
				original := mustPrefix(prefix)

				parsed, ok := pd.ParseReplyPrefix(pd.EncodeReply(id, original))

				Expect(ok).To(BeTrue())
				Expect(parsed).To(Equal(original))
			},
			Entry("/64", pd.ClientID("aabb"), "2001:db8::/64"),
			Entry("/56 with a long client id", pd.ClientID("000100012a2b3c4d020000000001"), "2001:db8:0:300::/56"),
			Entry("/48", pd.ClientID(""), "2001:db8:ff::/48"),
			Entry("/128", pd.ClientID("01"), "2001:db8::1:0:1/128"),
			Entry("/0", pd.ClientID("01"), "::/0"),
		)

		It("should reject buffers that are not a reply", func() {
			_, ok := pd.ParseReplyPrefix([]byte{0x01, 0x00, 0x00, 0x00})
			Expect(ok).To(BeFalse())
		})

		It("should reject a truncated reply", func() {
			data := pd.EncodeReply("aabb", mustPrefix("2001:db8::/64"))
			_, ok := pd.ParseReplyPrefix(data[:len(data)-3])
			Expect(ok).To(BeFalse())
		})
	})

	Describe("TransactionID", func() {
		It("should require a full header", func() {
			_, ok := pd.TransactionID([]byte{0x01, 0x02})
			Expect(ok).To(BeFalse())
		})
	})
})
