package rohc

import (
	"encoding/binary"

	"github.com/oprsystem/rohc/internal/ippkt"
)

const udpLiteHeaderLen = 8

// udpLiteState is the IP/UDP-Lite-specific sub-block.
type udpLiteState struct {
	srcPort uint16
	dstPort uint16
	// coverage is the checksum coverage field; a change must be re-conveyed
	// through the dynamic chain before minimal packets resume.
	coverage      uint16
	coverageCount int
}

// udpLiteProfile is the IP/UDP-Lite compression profile (RFC 4019). It
// differs from the UDP profile by the checksum coverage field, which is
// part of the dynamic chain, and by the checksum being mandatory on the
// wire in every packet.
type udpLiteProfile struct{}

func (udpLiteProfile) ID() uint16          { return ProfileUDPLite }
func (udpLiteProfile) Description() string { return "UDP-Lite / Compressor" }

func (udpLiteProfile) CheckProfile(comp *Compressor, pkt *ippkt.Packet) (uint64, bool) {
	if pkt.Proto != ippkt.ProtoUDPLite {
		return 0, false
	}
	udp := pkt.Transport()
	if len(udp) < udpLiteHeaderLen {
		return 0, false
	}
	return udpContextKey(pkt, udp), true
}

func (udpLiteProfile) CheckContext(ctx *context, pkt *ippkt.Packet) bool {
	if !ipChainMatches(ctx, pkt) {
		return false
	}
	g := ctx.specific.(*rfc3095Context)
	u, ok := g.specific.(*udpLiteState)
	if !ok {
		return false
	}
	udp := pkt.Transport()
	if len(udp) < udpLiteHeaderLen {
		return false
	}
	return u.srcPort == binary.BigEndian.Uint16(udp[0:2]) &&
		u.dstPort == binary.BigEndian.Uint16(udp[2:4])
}

func (udpLiteProfile) Create(ctx *context, pkt *ippkt.Packet) error {
	udp := pkt.Transport()
	if len(udp) < udpLiteHeaderLen {
		return ErrInvalidInput
	}
	g := rfc3095Create(ctx, pkt)
	u := &udpLiteState{
		srcPort:       binary.BigEndian.Uint16(udp[0:2]),
		dstPort:       binary.BigEndian.Uint16(udp[2:4]),
		coverage:      binary.BigEndian.Uint16(udp[4:6]),
		coverageCount: oaRepetitions,
	}
	g.specific = u
	g.hooks = rfc3095Hooks{
		nextSN:         ipNextSN,
		decideFOPacket: ipDecideFOPacket,
		decideSOPacket: ipDecideSOPacket,
		extraChanges:   u.detectChanges,
		staticPart:     udpStaticPart,
		dynamicPart:    udpLiteDynamicPart,
		irRemainder:    codeSN16,
		uoTrailer:      udpLiteUOTrailer,
		payloadOffset:  func(pkt *ippkt.Packet) int { return pkt.HdrChainLen + udpLiteHeaderLen },
	}
	ctx.specific = g
	return nil
}

func (udpLiteProfile) Destroy(ctx *context) { ctx.specific = nil }

func (udpLiteProfile) Encode(ctx *context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	g := ctx.specific.(*rfc3095Context)
	if len(pkt.Transport()) < udpLiteHeaderLen {
		return nil, 0, PacketUnknown, ErrInvalidInput
	}
	return rfc3095Encode(ctx, g, pkt, buf)
}

func (udpLiteProfile) ReinitContext(ctx *context) {
	g := ctx.specific.(*rfc3095Context)
	g.reinit(ctx)
}

func (udpLiteProfile) Feedback(ctx *context, fb *Feedback) {
	g := ctx.specific.(*rfc3095Context)
	rfc3095Feedback(ctx, g, fb)
}

func (udpLiteProfile) UseUDPPort(ctx *context, port uint16) bool {
	g := ctx.specific.(*rfc3095Context)
	u, ok := g.specific.(*udpLiteState)
	return ok && (u.srcPort == port || u.dstPort == port)
}

// detectChanges flags checksum-coverage changes as dynamic changes until
// re-conveyed.
func (u *udpLiteState) detectChanges(g *rfc3095Context, pkt *ippkt.Packet) (int, int) {
	coverage := binary.BigEndian.Uint16(pkt.Transport()[4:6])
	if coverage != u.coverage {
		u.coverage = coverage
		u.coverageCount = 0
	}
	if u.coverageCount < oaRepetitions {
		u.coverageCount++
		return 1, 0
	}
	return 0, 0
}

// udpLiteDynamicPart appends the UDP-Lite dynamic chain: checksum coverage
// and checksum.
func udpLiteDynamicPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[4:8]...)
}

// udpLiteUOTrailer carries the mandatory UDP-Lite checksum in every packet.
func udpLiteUOTrailer(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[6:8]...)
}
