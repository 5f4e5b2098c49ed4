// Package ippkt decodes the IP header chain of an uncompressed packet into
// a neutral record the compression profiles work against.
//
// At most two IP headers are supported (outer + one tunneled inner header);
// a third nested header is rejected. IPv6 extension headers are not
// traversed: the next-header value of the fixed header is exposed as the
// transport protocol.
package ippkt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IP protocol numbers the compressor cares about.
const (
	ProtoIPIP    = 4 // IPv4 encapsulated in IP
	ProtoUDP     = 17
	ProtoIPv6    = 41 // IPv6 encapsulated in IP
	ProtoESP     = 50
	ProtoUDPLite = 136
)

const (
	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
)

var (
	// ErrTooShort is returned when the buffer ends inside a header.
	ErrTooShort = errors.New("ippkt: packet too short")
	// ErrVersion is returned for a version nibble other than 4 or 6.
	ErrVersion = errors.New("ippkt: unsupported IP version")
	// ErrTooManyHeaders is returned when a third nested IP header is found.
	ErrTooManyHeaders = errors.New("ippkt: more than two IP headers")
)

// Header is the neutral view of one IPv4 or IPv6 header.
type Header struct {
	Version   uint8
	Src       netip.Addr
	Dst       netip.Addr
	TOS       uint8  // TOS (v4) or traffic class (v6)
	TTL       uint8  // TTL (v4) or hop limit (v6)
	ID        uint16 // IPv4 identification, as transmitted (big endian)
	DF        bool   // IPv4 don't-fragment flag
	FlowLabel uint32 // IPv6 only
	Protocol  uint8  // protocol / next header carried after this header
	HeaderLen int
	Raw       []byte // the bytes of this header only
}

// IsV4 reports whether the header is IPv4.
func (h *Header) IsV4() bool { return h.Version == 4 }

// Packet is a fully parsed IP chain.
type Packet struct {
	Outer Header
	Inner *Header // nil when the packet has a single IP header
	Buf   []byte  // whole uncompressed packet

	// Proto is the transport protocol after the innermost IP header.
	Proto uint8
	// HdrChainLen is the total length of the IP header chain, ie. the
	// offset of the transport header in Buf.
	HdrChainLen int
}

// Last returns the innermost IP header.
func (p *Packet) Last() *Header {
	if p.Inner != nil {
		return p.Inner
	}
	return &p.Outer
}

// HdrChain returns the bytes of the IP header chain.
func (p *Packet) HdrChain() []byte { return p.Buf[:p.HdrChainLen] }

// Transport returns the bytes following the IP header chain.
func (p *Packet) Transport() []byte { return p.Buf[p.HdrChainLen:] }

// Parse decodes the IP chain of an uncompressed packet.
func Parse(data []byte) (*Packet, error) {
	pkt := &Packet{Buf: data}

	n, err := parseOne(data, &pkt.Outer)
	if err != nil {
		return nil, fmt.Errorf("outer header: %w", err)
	}
	pkt.Proto = pkt.Outer.Protocol
	pkt.HdrChainLen = n

	if pkt.Proto == ProtoIPIP || pkt.Proto == ProtoIPv6 {
		inner := &Header{}
		m, err := parseOne(data[n:], inner)
		if err != nil {
			return nil, fmt.Errorf("inner header: %w", err)
		}
		pkt.Inner = inner
		pkt.Proto = inner.Protocol
		pkt.HdrChainLen = n + m

		if pkt.Proto == ProtoIPIP || pkt.Proto == ProtoIPv6 {
			return nil, ErrTooManyHeaders
		}
	}

	return pkt, nil
}

// parseOne decodes a single IP header at the start of data and returns its
// length.
func parseOne(data []byte, h *Header) (int, error) {
	if len(data) < 1 {
		return 0, ErrTooShort
	}
	switch data[0] >> 4 {
	case 4:
		return parseV4(data, h)
	case 6:
		return parseV6(data, h)
	default:
		return 0, ErrVersion
	}
}

func parseV4(data []byte, h *Header) (int, error) {
	if len(data) < ipv4MinHeaderLen {
		return 0, ErrTooShort
	}

	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return 0, fmt.Errorf("ippkt: %w", err)
	}

	headerLen := int(ip4.IHL) * 4
	if headerLen < ipv4MinHeaderLen || len(data) < headerLen {
		return 0, ErrTooShort
	}
	// the declared total length must fit in the buffer
	if int(ip4.Length) < headerLen || int(ip4.Length) > len(data) {
		return 0, ErrTooShort
	}

	src, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())

	h.Version = 4
	h.Src = src
	h.Dst = dst
	h.TOS = ip4.TOS
	h.TTL = ip4.TTL
	h.ID = ip4.Id
	h.DF = ip4.Flags&layers.IPv4DontFragment != 0
	h.Protocol = uint8(ip4.Protocol)
	h.HeaderLen = headerLen
	h.Raw = data[:headerLen]
	return headerLen, nil
}

func parseV6(data []byte, h *Header) (int, error) {
	if len(data) < ipv6HeaderLen {
		return 0, ErrTooShort
	}

	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return 0, fmt.Errorf("ippkt: %w", err)
	}

	// the declared payload length must fit in the buffer
	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	if ipv6HeaderLen+payloadLen > len(data) {
		return 0, ErrTooShort
	}

	src, _ := netip.AddrFromSlice(ip6.SrcIP.To16())
	dst, _ := netip.AddrFromSlice(ip6.DstIP.To16())

	h.Version = 6
	h.Src = src
	h.Dst = dst
	h.TOS = ip6.TrafficClass
	h.TTL = ip6.HopLimit
	h.FlowLabel = ip6.FlowLabel
	h.Protocol = uint8(ip6.NextHeader)
	h.HeaderLen = ipv6HeaderLen
	h.Raw = data[:ipv6HeaderLen]
	return ipv6HeaderLen, nil
}
