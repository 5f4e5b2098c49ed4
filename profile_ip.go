package rohc

import "github.com/oprsystem/rohc/internal/ippkt"

// ipProfile is the IP-only compression profile (RFC 3843). It accepts any
// IP packet that no transport-aware profile claimed and compresses up to two
// IP headers; the 16-bit SN is an internal counter initialized at random.
type ipProfile struct{}

func (ipProfile) ID() uint16          { return ProfileIP }
func (ipProfile) Description() string { return "IP / Compressor" }

func (ipProfile) CheckProfile(comp *Compressor, pkt *ippkt.Packet) (uint64, bool) {
	// any valid IP chain is acceptable; the profile registry guarantees the
	// transport-aware profiles were given their chance first
	return ipContextKey(pkt), true
}

// ipContextKey folds the addresses (and IPv6 flow labels) of the IP chain.
func ipContextKey(pkt *ippkt.Packet) uint64 {
	parts := [][]byte{
		pkt.Outer.Src.AsSlice(),
		pkt.Outer.Dst.AsSlice(),
		{pkt.Outer.Version},
	}
	if pkt.Inner != nil {
		parts = append(parts,
			pkt.Inner.Src.AsSlice(),
			pkt.Inner.Dst.AsSlice(),
			[]byte{pkt.Inner.Version})
	}
	return contextKey(parts...)
}

// ipChainMatches verifies the static IP fields of the packet against the
// generic context.
func ipChainMatches(ctx *context, pkt *ippkt.Packet) bool {
	g, ok := ctx.specific.(*rfc3095Context)
	if !ok {
		return false
	}
	if g.outer.version != pkt.Outer.Version {
		return false
	}
	if (g.inner != nil) != (pkt.Inner != nil) {
		return false
	}
	return true
}

func (ipProfile) CheckContext(ctx *context, pkt *ippkt.Packet) bool {
	return ipChainMatches(ctx, pkt)
}

func (ipProfile) Create(ctx *context, pkt *ippkt.Packet) error {
	g := rfc3095Create(ctx, pkt)
	g.hooks = rfc3095Hooks{
		nextSN:         ipNextSN,
		decideFOPacket: ipDecideFOPacket,
		decideSOPacket: ipDecideSOPacket,
		irRemainder:    codeSN16,
		payloadOffset:  func(pkt *ippkt.Packet) int { return pkt.HdrChainLen },
	}
	ctx.specific = g
	return nil
}

func (ipProfile) Destroy(ctx *context) {
	ctx.specific = nil
}

func (ipProfile) Encode(ctx *context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	g := ctx.specific.(*rfc3095Context)
	return rfc3095Encode(ctx, g, pkt, buf)
}

func (ipProfile) ReinitContext(ctx *context) {
	g := ctx.specific.(*rfc3095Context)
	g.reinit(ctx)
}

func (ipProfile) Feedback(ctx *context, fb *Feedback) {
	g := ctx.specific.(*rfc3095Context)
	rfc3095Feedback(ctx, g, fb)
}

func (ipProfile) UseUDPPort(ctx *context, port uint16) bool { return false }

// ipNextSN yields the internal SN: the previous value plus one, modulo 2^16.
func ipNextSN(g *rfc3095Context, pkt *ippkt.Packet) uint16 {
	return g.sn + 1
}

// ipDecideFOPacket picks between IR-DYN and UOR-2 in FO state.
func ipDecideFOPacket(ctx *context, g *rfc3095Context) PacketType {
	comp := ctx.compressor
	switch {
	case (g.outer.version == 4 && g.outer.sidCount < oaRepetitions) ||
		(g.inner != nil && g.inner.version == 4 && g.inner.sidCount < oaRepetitions):
		comp.tracef(TraceDebug, ProfileIP,
			"choose packet IR-DYN because at least one SID flag changed")
		return PacketIRDyn
	case g.tmp.sendStatic > 0 && g.tmp.sn13Possible:
		comp.tracef(TraceDebug, ProfileIP,
			"choose packet UOR-2 because at least one static field changed")
		return PacketUOR2
	case g.ipHdrCount() == 1 && g.tmp.sendDynamic > 2:
		comp.tracef(TraceDebug, ProfileIP,
			"choose packet IR-DYN because %d > 2 dynamic fields changed "+
				"with a single IP header", g.tmp.sendDynamic)
		return PacketIRDyn
	case g.ipHdrCount() > 1 && g.tmp.sendDynamic > 4:
		comp.tracef(TraceDebug, ProfileIP,
			"choose packet IR-DYN because %d > 4 dynamic fields changed "+
				"with double IP headers", g.tmp.sendDynamic)
		return PacketIRDyn
	case g.tmp.sn13Possible:
		// UOR-2 can carry at most 13 SN bits: 5 in the base header plus 8
		// in extension 3
		return PacketUOR2
	default:
		comp.tracef(TraceDebug, ProfileIP,
			"choose packet IR-DYN because > 13 SN bits must be transmitted")
		return PacketIRDyn
	}
}

// ipDecideSOPacket picks among UO-0, UO-1, UOR-2 and IR-DYN in SO state.
func ipDecideSOPacket(ctx *context, g *rfc3095Context) PacketType {
	if g.ipHdrCount() == 1 {
		switch {
		case g.tmp.sn4Possible && noOuterIPIDBitsRequired(g):
			return PacketUO0
		case g.tmp.sn5Possible && isOuterIPID6BitsPossible(g):
			return PacketUO1
		case g.tmp.sn13Possible:
			return PacketUOR2
		default:
			return PacketIRDyn
		}
	}
	switch {
	case g.tmp.sn4Possible && noOuterIPIDBitsRequired(g) && noInnerIPIDBitsRequired(g):
		return PacketUO0
	case g.tmp.sn5Possible && isOuterIPID6BitsPossible(g) && noInnerIPIDBitsRequired(g):
		return PacketUO1
	case g.tmp.sn13Possible:
		return PacketUOR2
	default:
		return PacketIRDyn
	}
}
