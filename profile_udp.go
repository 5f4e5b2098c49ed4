package rohc

import (
	"encoding/binary"

	"github.com/oprsystem/rohc/internal/ippkt"
)

const udpHeaderLen = 8

// udpState is the IP/UDP-specific sub-block of the generic context.
type udpState struct {
	srcPort uint16
	dstPort uint16
	// checksumPresent records whether the flow currently uses UDP checksums;
	// a zero checksum disables the per-packet checksum field. It is
	// re-evaluated on every packet.
	checksumPresent bool
	checksumCount   int
}

// udpProfile is the IP/UDP compression profile (RFC 3095 §5.11). The UDP
// checksum, when in use, is carried uncompressed in every packet; the SN is
// an internal counter like the IP-only profile's.
type udpProfile struct{}

func (udpProfile) ID() uint16          { return ProfileUDP }
func (udpProfile) Description() string { return "UDP / Compressor" }

func (udpProfile) CheckProfile(comp *Compressor, pkt *ippkt.Packet) (uint64, bool) {
	if pkt.Proto != ippkt.ProtoUDP {
		return 0, false
	}
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen {
		return 0, false
	}
	return udpContextKey(pkt, udp), true
}

func udpContextKey(pkt *ippkt.Packet, udp []byte) uint64 {
	parts := [][]byte{
		pkt.Outer.Src.AsSlice(),
		pkt.Outer.Dst.AsSlice(),
		udp[0:4], // source and destination ports
	}
	if pkt.Inner != nil {
		parts = append(parts, pkt.Inner.Src.AsSlice(), pkt.Inner.Dst.AsSlice())
	}
	return contextKey(parts...)
}

func (udpProfile) CheckContext(ctx *context, pkt *ippkt.Packet) bool {
	if !ipChainMatches(ctx, pkt) {
		return false
	}
	g := ctx.specific.(*rfc3095Context)
	u, ok := g.specific.(*udpState)
	if !ok {
		return false
	}
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen {
		return false
	}
	return u.srcPort == binary.BigEndian.Uint16(udp[0:2]) &&
		u.dstPort == binary.BigEndian.Uint16(udp[2:4])
}

func (udpProfile) Create(ctx *context, pkt *ippkt.Packet) error {
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen {
		return ErrInvalidInput
	}
	g := rfc3095Create(ctx, pkt)
	u := &udpState{
		srcPort:         binary.BigEndian.Uint16(udp[0:2]),
		dstPort:         binary.BigEndian.Uint16(udp[2:4]),
		checksumPresent: binary.BigEndian.Uint16(udp[6:8]) != 0,
		checksumCount:   oaRepetitions,
	}
	g.specific = u
	g.hooks = rfc3095Hooks{
		nextSN:         ipNextSN,
		decideFOPacket: ipDecideFOPacket,
		decideSOPacket: ipDecideSOPacket,
		extraChanges:   u.detectChanges,
		staticPart:     udpStaticPart,
		dynamicPart:    udpDynamicPart,
		irRemainder:    codeSN16,
		uoTrailer:      u.uoTrailer,
		payloadOffset:  func(pkt *ippkt.Packet) int { return pkt.HdrChainLen + udpHeaderLen },
	}
	ctx.specific = g
	return nil
}

func (udpProfile) Destroy(ctx *context) { ctx.specific = nil }

func (udpProfile) Encode(ctx *context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	g := ctx.specific.(*rfc3095Context)
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen {
		return nil, 0, PacketUnknown, ErrInvalidInput
	}
	return rfc3095Encode(ctx, g, pkt, buf)
}

func (udpProfile) ReinitContext(ctx *context) {
	g := ctx.specific.(*rfc3095Context)
	g.reinit(ctx)
}

func (udpProfile) Feedback(ctx *context, fb *Feedback) {
	g := ctx.specific.(*rfc3095Context)
	rfc3095Feedback(ctx, g, fb)
}

func (udpProfile) UseUDPPort(ctx *context, port uint16) bool {
	g := ctx.specific.(*rfc3095Context)
	u, ok := g.specific.(*udpState)
	return ok && (u.srcPort == port || u.dstPort == port)
}

// detectChanges tracks the UDP checksum behaviour: toggling between zero and
// non-zero checksums is a dynamic change that must be re-conveyed.
func (u *udpState) detectChanges(g *rfc3095Context, pkt *ippkt.Packet) (int, int) {
	udp := pkt.Transport()
	present := binary.BigEndian.Uint16(udp[6:8]) != 0
	if present != u.checksumPresent {
		u.checksumPresent = present
		u.checksumCount = 0
	}
	if u.checksumCount < oaRepetitions {
		u.checksumCount++
		return 1, 0
	}
	return 0, 0
}

// udpStaticPart appends the UDP static chain: source and destination ports
// (RFC 3095 §5.7.7.5).
func udpStaticPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[0:4]...)
}

// udpDynamicPart appends the UDP dynamic chain: the checksum.
func udpDynamicPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[6:8]...)
}

// uoTrailer carries the UDP checksum uncompressed in every UO/UOR packet of
// flows that use it.
func (u *udpState) uoTrailer(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	if !u.checksumPresent {
		return buf
	}
	return append(buf, pkt.Transport()[6:8]...)
}
