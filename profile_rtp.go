package rohc

import (
	"encoding/binary"

	"github.com/oprsystem/rohc/internal/crc"
	"github.com/oprsystem/rohc/internal/ippkt"
	"github.com/oprsystem/rohc/internal/sdvl"
	"github.com/oprsystem/rohc/internal/wlsb"
)

const (
	rtpMinHeaderLen = 12
	rtpVersion      = 2
)

// rtpState is the IP/UDP/RTP-specific sub-block. The profile SN is the RTP
// sequence number; the timestamp is compressed through the scaled-TS scheme
// (RFC 3095 §4.5.3): once a constant stride is observed, only the scaled
// value needs W-LSB bits and a timestamp that follows the SN linearly needs
// none at all.
type rtpState struct {
	srcPort uint16
	dstPort uint16
	ssrc    uint32

	checksumPresent bool
	checksumCount   int

	payloadType uint8
	ptCount     int

	lastTS   uint32
	tsStride uint32
	// consecutive deltas equal to tsStride
	strideCount int
	// scaled is set once the stride is established; strideConveyed once an
	// IR/IR-DYN carried it to the decompressor
	scaled         bool
	strideConveyed bool
	tsWindow       *wlsb.Window

	// per-packet scratch
	tmpTS     uint32
	tmpScaled uint32
	tmpTSBits int
	tmpMarker bool
}

// rtpProfile is the IP/UDP/RTP compression profile (RFC 3095 §5.7). It must
// be evaluated before the UDP profile so that RTP-over-UDP is caught first.
type rtpProfile struct{}

func (rtpProfile) ID() uint16          { return ProfileRTP }
func (rtpProfile) Description() string { return "RTP / Compressor" }

func (rtpProfile) CheckProfile(comp *Compressor, pkt *ippkt.Packet) (uint64, bool) {
	if pkt.Proto != ippkt.ProtoUDP {
		return 0, false
	}
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen+rtpMinHeaderLen {
		return 0, false
	}
	rtp := udp[udpHeaderLen:]
	if rtp[0]>>6 != rtpVersion {
		return 0, false
	}
	// CSRC lists and RTP header extensions are not compressed; leave such
	// streams to the UDP profile
	if rtp[0]&0x0f != 0 || rtp[0]&0x10 != 0 {
		return 0, false
	}

	if !comp.isRTPStream(pkt, udp) {
		return 0, false
	}

	parts := [][]byte{
		pkt.Outer.Src.AsSlice(),
		pkt.Outer.Dst.AsSlice(),
		udp[0:4],
		rtp[8:12], // SSRC
	}
	if pkt.Inner != nil {
		parts = append(parts, pkt.Inner.Src.AsSlice(), pkt.Inner.Dst.AsSlice())
	}
	return contextKey(parts...), true
}

// isRTPStream applies the RTP detection policy: the user callback when set,
// the dedicated UDP port list otherwise.
func (c *Compressor) isRTPStream(pkt *ippkt.Packet, udp []byte) bool {
	if c.rtpCallback != nil {
		return c.rtpCallback(pkt.Last().Raw, udp[:udpHeaderLen], udp[udpHeaderLen:], c.rtpCallbackUser)
	}
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	for _, port := range c.rtpPorts {
		if port == dstPort {
			return true
		}
	}
	return false
}

func (rtpProfile) CheckContext(ctx *context, pkt *ippkt.Packet) bool {
	if !ipChainMatches(ctx, pkt) {
		return false
	}
	g := ctx.specific.(*rfc3095Context)
	r, ok := g.specific.(*rtpState)
	if !ok {
		return false
	}
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen+rtpMinHeaderLen {
		return false
	}
	rtp := udp[udpHeaderLen:]
	return r.srcPort == binary.BigEndian.Uint16(udp[0:2]) &&
		r.dstPort == binary.BigEndian.Uint16(udp[2:4]) &&
		r.ssrc == binary.BigEndian.Uint32(rtp[8:12])
}

func (rtpProfile) Create(ctx *context, pkt *ippkt.Packet) error {
	udp := pkt.Transport()
	if len(udp) < udpHeaderLen+rtpMinHeaderLen {
		return ErrInvalidInput
	}
	rtp := udp[udpHeaderLen:]

	comp := ctx.compressor
	g := rfc3095Create(ctx, pkt)
	r := &rtpState{
		srcPort:         binary.BigEndian.Uint16(udp[0:2]),
		dstPort:         binary.BigEndian.Uint16(udp[2:4]),
		ssrc:            binary.BigEndian.Uint32(rtp[8:12]),
		checksumPresent: binary.BigEndian.Uint16(udp[6:8]) != 0,
		checksumCount:   oaRepetitions,
		payloadType:     rtp[1] & 0x7f,
		ptCount:         oaRepetitions,
		lastTS:          binary.BigEndian.Uint32(rtp[4:8]),
		tsWindow:        wlsb.New(comp.wlsbWindowWidth, 32, wlsb.ShiftTS(comp.wlsbWindowWidth)),
	}
	g.specific = r

	// the RTP sequence number is the profile SN; start one behind the first
	// packet so that the usual +1 step applies
	g.sn = binary.BigEndian.Uint16(rtp[2:4]) - 1

	g.hooks = rfc3095Hooks{
		nextSN:         rtpNextSN,
		decideFOPacket: rtpDecideFOPacket,
		decideSOPacket: rtpDecideSOPacket,
		extraChanges:   r.detectChanges,
		commit:         r.commit,
		staticPart:     rtpStaticPart,
		dynamicPart:    r.dynamicPart,
		uoTrailer:      r.uoTrailer,
		payloadOffset: func(pkt *ippkt.Packet) int {
			return pkt.HdrChainLen + udpHeaderLen + rtpMinHeaderLen
		},
	}
	ctx.specific = g
	return nil
}

func (rtpProfile) Destroy(ctx *context) { ctx.specific = nil }

func (rtpProfile) Encode(ctx *context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	g := ctx.specific.(*rfc3095Context)
	if len(pkt.Transport()) < udpHeaderLen+rtpMinHeaderLen {
		return nil, 0, PacketUnknown, ErrInvalidInput
	}
	return rfc3095Encode(ctx, g, pkt, buf)
}

func (rtpProfile) ReinitContext(ctx *context) {
	g := ctx.specific.(*rfc3095Context)
	r := g.specific.(*rtpState)
	r.strideConveyed = false
	g.reinit(ctx)
}

func (rtpProfile) Feedback(ctx *context, fb *Feedback) {
	g := ctx.specific.(*rfc3095Context)
	rfc3095Feedback(ctx, g, fb)
}

func (rtpProfile) UseUDPPort(ctx *context, port uint16) bool {
	g := ctx.specific.(*rfc3095Context)
	r, ok := g.specific.(*rtpState)
	return ok && (r.srcPort == port || r.dstPort == port)
}

// rtpHeader returns the RTP header bytes of the packet.
func rtpHeader(pkt *ippkt.Packet) []byte {
	return pkt.Transport()[udpHeaderLen:]
}

// rtpNextSN reads the RTP sequence number from the packet.
func rtpNextSN(g *rfc3095Context, pkt *ippkt.Packet) uint16 {
	return binary.BigEndian.Uint16(rtpHeader(pkt)[2:4])
}

// detectChanges maintains the timestamp stride, the scaled-TS scratch and
// the UDP checksum / payload type repetition counters.
func (r *rtpState) detectChanges(g *rfc3095Context, pkt *ippkt.Packet) (int, int) {
	dyn := 0
	udp := pkt.Transport()
	rtp := rtpHeader(pkt)

	present := binary.BigEndian.Uint16(udp[6:8]) != 0
	if present != r.checksumPresent {
		r.checksumPresent = present
		r.checksumCount = 0
	}
	if r.checksumCount < oaRepetitions {
		r.checksumCount++
		dyn++
	}

	pt := rtp[1] & 0x7f
	if pt != r.payloadType {
		r.payloadType = pt
		r.ptCount = 0
	}
	if r.ptCount < oaRepetitions {
		r.ptCount++
		dyn++
	}

	r.tmpMarker = rtp[1]&0x80 != 0
	r.tmpTS = binary.BigEndian.Uint32(rtp[4:8])

	delta := r.tmpTS - r.lastTS
	if delta != 0 {
		switch {
		case r.scaled:
			// a jump by a multiple of the stride keeps the scaled scheme,
			// only the scaled value moves
			if delta%r.tsStride != 0 {
				r.scaled = false
				r.strideConveyed = false
				r.tsStride = delta
				r.strideCount = 0
				r.tsWindow.Clear()
			}
		case delta == r.tsStride:
			r.strideCount++
		default:
			r.tsStride = delta
			r.strideCount = 0
		}
	}
	if !r.scaled && r.tsStride != 0 && r.strideCount >= oaRepetitions {
		r.scaled = true
		r.tsWindow.Clear()
	}
	if r.scaled {
		r.tmpScaled = r.tmpTS / r.tsStride
	}
	if r.scaled && !r.strideConveyed {
		// the stride must reach the decompressor through a dynamic chain
		dyn++
	}

	return dyn, 0
}

// computeTSBits fills the per-packet timestamp scratch. A timestamp that
// follows the SN linearly (ts = last_ts + sn_delta * stride) costs no bits.
func (r *rtpState) computeTSBits(g *rfc3095Context) {
	if r.scaled {
		snDelta := uint32(seqDelta(g.sn, g.tmp.newSN))
		if r.tmpTS == r.lastTS+snDelta*r.tsStride {
			r.tmpTSBits = 0
			r.tmpScaled = r.tmpTS / r.tsStride
			return
		}
		r.tmpScaled = r.tmpTS / r.tsStride
		r.tmpTSBits = r.tsWindow.KNeeded(r.tmpScaled)
		return
	}
	if r.tmpTS == r.lastTS {
		r.tmpTSBits = 0
		return
	}
	r.tmpTSBits = 32
}

// rtpDecideFOPacket picks the packet type in FO state.
func rtpDecideFOPacket(ctx *context, g *rfc3095Context) PacketType {
	r := g.specific.(*rtpState)
	r.computeTSBits(g)

	switch {
	case (g.outer.version == 4 && g.outer.sidCount < oaRepetitions) ||
		(g.inner != nil && g.inner.version == 4 && g.inner.sidCount < oaRepetitions):
		return PacketIRDyn
	case r.scaled && !r.strideConveyed:
		return PacketIRDyn
	case g.ipHdrCount() == 1 && g.tmp.sendDynamic > 2:
		return PacketIRDyn
	case g.ipHdrCount() > 1 && g.tmp.sendDynamic > 4:
		return PacketIRDyn
	default:
		if p := rtpPickUOR2(g, r); p != PacketUnknown {
			return p
		}
		return PacketIRDyn
	}
}

// rtpDecideSOPacket picks the packet type in SO state.
func rtpDecideSOPacket(ctx *context, g *rfc3095Context) PacketType {
	r := g.specific.(*rtpState)
	r.computeTSBits(g)

	noIPID := noOuterIPIDBitsRequired(g) && noInnerIPIDBitsRequired(g)
	hasSeqID := g.innermostV4() != nil

	switch {
	case g.tmp.sn4Possible && noIPID && r.tmpTSBits == 0:
		return PacketUO0
	case !hasSeqID && g.tmp.sn4Possible && r.tmpTSBits <= 6:
		return PacketUO1RTP
	case hasSeqID && g.tmp.sn4Possible && r.tmpTSBits == 0 &&
		innermostIPIDBits(g) <= 5 && otherIPIDBitsClear(g):
		return PacketUO1ID
	case hasSeqID && g.tmp.sn4Possible && noIPID && r.tmpTSBits <= 5:
		return PacketUO1TS
	default:
		if p := rtpPickUOR2(g, r); p != PacketUnknown {
			return p
		}
		return PacketIRDyn
	}
}

// rtpPickUOR2 selects a UOR-2 variant, or PacketUnknown when none fits.
// RTP UOR-2 packets carry 6 SN bits; extensions are not used, so larger
// jumps fall back to IR-DYN, as do IP header fields still under their
// repetition threshold.
func rtpPickUOR2(g *rfc3095Context, r *rtpState) PacketType {
	if g.tmp.snBits > 6 {
		return PacketUnknown
	}
	if g.lastHdr().needsExt3Fields() || (g.inner != nil && g.outer.needsExt3Fields()) {
		return PacketUnknown
	}
	noIPID := noOuterIPIDBitsRequired(g) && noInnerIPIDBitsRequired(g)
	hasSeqID := g.innermostV4() != nil

	switch {
	case !hasSeqID && r.tmpTSBits <= 6:
		return PacketUOR2RTP
	case hasSeqID && noIPID && r.tmpTSBits <= 5:
		return PacketUOR2TS
	case hasSeqID && r.tmpTSBits == 0 &&
		innermostIPIDBits(g) <= 5 && otherIPIDBitsClear(g):
		return PacketUOR2ID
	default:
		return PacketUnknown
	}
}

// innermostIPIDBits returns the compressed bits required by the innermost
// sequential IPv4 IP-ID.
func innermostIPIDBits(g *rfc3095Context) int {
	if g.inner != nil {
		return g.tmp.innerIPIDBits
	}
	return g.tmp.outerIPIDBits
}

// otherIPIDBitsClear reports that, with two IP headers, the outer one
// requires no compressed IP-ID bits.
func otherIPIDBitsClear(g *rfc3095Context) bool {
	if g.inner == nil {
		return true
	}
	return noOuterIPIDBitsRequired(g)
}

// rtpStaticPart appends the UDP ports and the RTP SSRC.
func rtpStaticPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	buf = append(buf, pkt.Transport()[0:4]...)
	return append(buf, rtpHeader(pkt)[8:12]...)
}

// dynamicPart appends the UDP checksum, the RTP flag octets, SN, TS and the
// SDVL-coded timestamp stride the scaled scheme relies on.
func (r *rtpState) dynamicPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	rtp := rtpHeader(pkt)
	buf = append(buf, pkt.Transport()[6:8]...)
	buf = append(buf, rtp[0], rtp[1])
	var sn [2]byte
	binary.BigEndian.PutUint16(sn[:], g.tmp.newSN)
	buf = append(buf, sn[:]...)
	buf = append(buf, rtp[4:8]...)
	stride := r.tsStride
	if !r.scaled {
		stride = 0
	}
	buf, _ = sdvl.Encode(buf, stride&sdvl.Max29)
	r.strideConveyed = r.scaled
	return buf
}

// uoTrailer carries the UDP checksum when the flow uses one.
func (r *rtpState) uoTrailer(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	if !r.checksumPresent {
		return buf
	}
	return append(buf, pkt.Transport()[6:8]...)
}

// tsFieldValue returns the timestamp value transmitted in compressed
// packets: the scaled value once the stride is established, the raw
// timestamp before that.
func (r *rtpState) tsFieldValue() uint32 {
	if r.scaled {
		return r.tmpScaled
	}
	return r.tmpTS
}

// commit records the timestamp references after a packet was built.
func (r *rtpState) commit(g *rfc3095Context) {
	if r.scaled {
		r.tsWindow.Add(r.tmpScaled)
	}
	r.lastTS = r.tmpTS
}

// codeRTPPacket builds the RTP-specific UO-1 and UOR-2 packet families.
//
//	UO-1-RTP: 10 | TS(6)    / M | SN(4) | CRC(3)
//	UO-1-ID:  10 0 | IP-ID(5) / X | SN(4) | CRC(3)
//	UO-1-TS:  10 1 | TS(5)   / M | SN(4) | CRC(3)
//	UOR-2-RTP: 110 | TS(5) / TS | M | SN(6) / X | CRC(7)
//	UOR-2-ID:  110 | IP-ID(5) / T=0 | M | SN(6) / X | CRC(7)
//	UOR-2-TS:  110 | TS(5) / T=1 | M | SN(6) / X | CRC(7)
//
// The RTP variants (no sequential IPv4 IP-ID in the context) and the
// TS/ID variants are discriminated by context, as the decompressor knows
// whether the flow carries a sequential IP-ID.
func codeRTPPacket(ctx *context, g *rfc3095Context, pkt *ippkt.Packet, buf []byte, payloadOffset int) ([]byte, error) {
	r := g.specific.(*rtpState)
	ts := r.tsFieldValue()
	sn := g.tmp.newSN

	var innermostID uint16
	if h := g.innermostV4(); h != nil {
		innermostID = h.idDelta
	}

	var marker byte
	if r.tmpMarker {
		marker = 1
	}

	switch g.tmp.packetType {
	case PacketUO1RTP, PacketUO1TS, PacketUO1ID:
		crc3 := headerCRC(ctx, pkt, payloadOffset, crc.Kind3, crc.Init3)
		var first, second byte
		switch g.tmp.packetType {
		case PacketUO1RTP:
			first = 0x80 | byte(ts&0x3f)
			second = marker<<7 | byte(sn&0x0f)<<3 | crc3&0x07
		case PacketUO1TS:
			first = 0x80 | 0x20 | byte(ts&0x1f)
			second = marker<<7 | byte(sn&0x0f)<<3 | crc3&0x07
		case PacketUO1ID:
			first = 0x80 | byte(innermostID&0x1f)
			second = byte(sn&0x0f)<<3 | crc3&0x07
		}
		buf = packetStart(ctx, buf, first)
		buf = append(buf, second)

	case PacketUOR2RTP, PacketUOR2TS, PacketUOR2ID:
		crc7 := headerCRC(ctx, pkt, payloadOffset, crc.Kind7, crc.Init7)
		var first, second byte
		switch g.tmp.packetType {
		case PacketUOR2RTP:
			first = 0xc0 | byte(ts>>1&0x1f)
			second = byte(ts&0x01)<<7 | marker<<6 | byte(sn&0x3f)
		case PacketUOR2TS:
			first = 0xc0 | byte(ts&0x1f)
			second = 1<<7 | marker<<6 | byte(sn&0x3f)
		case PacketUOR2ID:
			first = 0xc0 | byte(innermostID&0x1f)
			second = marker<<6 | byte(sn&0x3f)
		}
		buf = packetStart(ctx, buf, first)
		buf = append(buf, second)
		buf = append(buf, crc7&0x7f)

	default:
		return nil, ErrEncodeFailed
	}

	return g.appendUOTrailer(buf, pkt), nil
}
