package dhcpv6

import (
	"encoding/hex"
	"net"

	"github.com/u-root/uio/uio"
)

// DHCPv6 message types
const (
	MsgTypeSolicit            = 1
	MsgTypeAdvertise          = 2
	MsgTypeRequest            = 3
	MsgTypeConfirm            = 4
	MsgTypeRenew              = 5
	MsgTypeRebind             = 6
	MsgTypeReply              = 7
	MsgTypeRelease            = 8
	MsgTypeDecline            = 9
	MsgTypeReconfigure        = 10
	MsgTypeInformationRequest = 11
	MsgTypeRelayForw          = 12
	MsgTypeRelayRepl          = 13
)

// DHCPv6 option types
const (
	OptClientID = 1
	OptServerID = 2
	OptIAPD     = 25 // Identity Association for Prefix Delegation
)

// Well-known multicast addresses
var (
	AllDHCPRelayAgentsAndServers = net.ParseIP("ff02::1:2")
)

// Ports
const (
	DHCPv6ClientPort = 546
	DHCPv6ServerPort = 547
)

const (
	msgHeaderLen = 4 // type + 3 byte transaction id
	optHeaderLen = 4 // code + length

	// iapdDeclaredLen is the IA_PD length written on the wire: IAID plus the
	// 16 byte address. The prefix length and reserved bytes that follow are
	// not counted.
	iapdDeclaredLen = 4 + net.IPv6len
	iapdBodyLen     = 4 + net.IPv6len + 1 + 2

	maxOptionLen = 0xffff
)

// Placeholder values carried by EncodeReply.
var (
	PlaceholderTransactionID = [3]byte{0xaa, 0xbb, 0xcc}
	PlaceholderIAID          = [4]byte{0xaa, 0xbb, 0xcc, 0xdd}
)

// ClientID is a client identifier rendered as lowercase hex.
type ClientID string

// Bytes returns the raw identifier. An identifier that is not valid hex
// yields nil.
func (c ClientID) Bytes() []byte {
	b, err := hex.DecodeString(string(c))
	if err != nil {
		return nil
	}
	return b
}

// ClientIDFromBytes renders raw option payload as a ClientID.
func ClientIDFromBytes(b []byte) ClientID {
	return ClientID(hex.EncodeToString(b))
}

// DecodeStatus is the outcome of scanning an inbound message.
type DecodeStatus uint8

const (
	DecodeFound DecodeStatus = iota
	DecodeTooShort
	DecodeWrongType
	DecodeTruncated
	DecodeNoClientID
)

// Found reports whether a client identifier was extracted. Every other
// status means the message should be dropped without a reply.
func (s DecodeStatus) Found() bool {
	return s == DecodeFound
}

func (s DecodeStatus) String() string {
	switch s {
	case DecodeFound:
		return "found"
	case DecodeTooShort:
		return "too_short"
	case DecodeWrongType:
		return "wrong_type"
	case DecodeTruncated:
		return "truncated"
	case DecodeNoClientID:
		return "no_client_id"
	}
	return "unknown"
}

// DecodeClientID extracts the client identifier from a Solicit message.
// Malformed input never produces an error, only a status other than
// DecodeFound.
func DecodeClientID(data []byte) (ClientID, DecodeStatus) {
	return decodeClientID(data, MsgTypeSolicit)
}

func decodeClientID(data []byte, msgType uint8) (ClientID, DecodeStatus) {
	if len(data) <= msgHeaderLen {
		return "", DecodeTooShort
	}
	if data[0] != msgType {
		return "", DecodeWrongType
	}

	buf := uio.NewBigEndianBuffer(data[msgHeaderLen:])
	for buf.Has(optHeaderLen) {
		code := buf.Read16()
		length := int(buf.Read16())

		if !buf.Has(length) {
			return "", DecodeTruncated
		}
		payload := buf.CopyN(length)

		// First client identifier wins.
		if code == OptClientID {
			return ClientIDFromBytes(payload), DecodeFound
		}
	}

	return "", DecodeNoClientID
}

// TransactionID returns the transaction id of a message, or false when the
// buffer is shorter than the message header.
func TransactionID(data []byte) ([3]byte, bool) {
	var xid [3]byte
	if len(data) < msgHeaderLen {
		return xid, false
	}
	copy(xid[:], data[1:msgHeaderLen])
	return xid, true
}

// Reply is the Reply message sent back to a soliciting client.
type Reply struct {
	TransactionID [3]byte
	IAID          [4]byte
	ClientID      ClientID
	Prefix        Prefix
}

// Marshal serializes the reply. A client identifier that is not valid hex
// is written as a zero length option rather than failing, and one longer
// than an option can carry is cut to the first 65535 bytes.
func (r *Reply) Marshal() []byte {
	id := r.ClientID.Bytes()
	if len(id) > maxOptionLen {
		id = id[:maxOptionLen]
	}

	buf := uio.NewBigEndianBuffer(make([]byte, 0, msgHeaderLen+2*optHeaderLen+len(id)+iapdBodyLen))
	buf.Write8(MsgTypeReply)
	buf.WriteBytes(r.TransactionID[:])

	buf.Write16(OptClientID)
	buf.Write16(uint16(len(id)))
	buf.WriteBytes(id)

	buf.Write16(OptIAPD)
	buf.Write16(iapdDeclaredLen)
	buf.WriteBytes(r.IAID[:])
	buf.WriteBytes(r.Prefix.Address[:])
	buf.Write8(r.Prefix.Length)
	buf.Write16(0) // reserved

	return buf.Data()
}

// EncodeReply builds a Reply carrying the placeholder transaction id and
// IAID. Callers answering a real exchange should fill Reply themselves so
// the request's transaction id is echoed.
func EncodeReply(clientID ClientID, prefix Prefix) []byte {
	r := Reply{
		TransactionID: PlaceholderTransactionID,
		IAID:          PlaceholderIAID,
		ClientID:      clientID,
		Prefix:        prefix,
	}
	return r.Marshal()
}

// ParseReplyPrefix reads the delegated prefix back out of a reply produced
// by Marshal.
func ParseReplyPrefix(data []byte) (Prefix, bool) {
	var p Prefix
	if len(data) < msgHeaderLen || data[0] != MsgTypeReply {
		return p, false
	}

	buf := uio.NewBigEndianBuffer(data[msgHeaderLen:])
	if buf.Read16() != OptClientID {
		return p, false
	}
	buf.CopyN(int(buf.Read16()))

	if buf.Read16() != OptIAPD || buf.Read16() != iapdDeclaredLen {
		return p, false
	}
	buf.CopyN(4) // IAID
	buf.ReadBytes(p.Address[:])
	p.Length = buf.Read8()
	buf.Read16()

	if buf.FinError() != nil {
		return Prefix{}, false
	}
	return p, true
}
