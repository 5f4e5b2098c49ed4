package rohc

import (
	"encoding/binary"

	"github.com/oprsystem/rohc/internal/crc"
	"github.com/oprsystem/rohc/internal/ippkt"
	"github.com/oprsystem/rohc/internal/sdvl"
)

// ROHC packet-type discriminators (RFC 3095 §5.2).
const (
	irTypeByte    = 0xfc // 1111110D, D = dynamic chain present
	irDynTypeByte = 0xf8 // 11111000
	addCIDBase    = 0xe0 // 1110xxxx
)

// extKind enumerates the UOR-2 extensions.
type extKind int

const (
	extNone extKind = iota
	ext0
	ext1
	ext2
	ext3
)

// packetStart opens a ROHC packet: the Add-CID octet (small CIDs > 0)
// before the type octet, or the SDVL-coded CID right after it (large CIDs,
// RFC 3095 §5.2.4).
func packetStart(ctx *context, buf []byte, typeByte byte) []byte {
	comp := ctx.compressor
	if comp.cidType == SmallCID {
		if ctx.cid > 0 {
			buf = append(buf, addCIDBase|byte(ctx.cid))
		}
		return append(buf, typeByte)
	}
	buf = append(buf, typeByte)
	buf, _ = sdvl.Encode(buf, uint32(ctx.cid))
	return buf
}

// headerCRC computes the CRC of the given kind over the uncompressed
// reference header, ie. the bytes the compressed header replaces.
func headerCRC(ctx *context, pkt *ippkt.Packet, payloadOffset int, kind crc.Kind, init uint8) uint8 {
	end := payloadOffset
	if end > len(pkt.Buf) {
		end = len(pkt.Buf)
	}
	return ctx.compressor.crcTables.Calc(kind, pkt.Buf[:end], init)
}

// codeIR builds an IR packet: type octet with the D bit set, profile ID,
// CRC-8, static chain, dynamic chain, profile remainder.
func (g *rfc3095Context) codeIR(ctx *context, pkt *ippkt.Packet, buf []byte, payloadOffset int) ([]byte, error) {
	buf = packetStart(ctx, buf, irTypeByte|0x01)
	buf = append(buf, byte(ctx.profile.ID()))

	crcIdx := len(buf)
	buf = append(buf, 0)

	buf = codeIPStaticPart(buf, &pkt.Outer)
	if pkt.Inner != nil {
		buf = codeIPStaticPart(buf, pkt.Inner)
	}
	if g.hooks.staticPart != nil {
		buf = g.hooks.staticPart(g, pkt, buf)
	}

	buf = g.codeIPDynamicPart(buf, &g.outer, &pkt.Outer)
	if g.inner != nil && pkt.Inner != nil {
		buf = g.codeIPDynamicPart(buf, g.inner, pkt.Inner)
	}
	if g.hooks.dynamicPart != nil {
		buf = g.hooks.dynamicPart(g, pkt, buf)
	}

	if g.hooks.irRemainder != nil {
		buf = g.hooks.irRemainder(g, buf)
	}

	buf[crcIdx] = headerCRC(ctx, pkt, payloadOffset, crc.Kind8, crc.Init8)
	return buf, nil
}

// codeIRDyn builds an IR-DYN packet: type octet, profile ID, CRC-8,
// dynamic chain, profile remainder.
func (g *rfc3095Context) codeIRDyn(ctx *context, pkt *ippkt.Packet, buf []byte, payloadOffset int) ([]byte, error) {
	buf = packetStart(ctx, buf, irDynTypeByte)
	buf = append(buf, byte(ctx.profile.ID()))

	crcIdx := len(buf)
	buf = append(buf, 0)

	buf = g.codeIPDynamicPart(buf, &g.outer, &pkt.Outer)
	if g.inner != nil && pkt.Inner != nil {
		buf = g.codeIPDynamicPart(buf, g.inner, pkt.Inner)
	}
	if g.hooks.dynamicPart != nil {
		buf = g.hooks.dynamicPart(g, pkt, buf)
	}

	if g.hooks.irRemainder != nil {
		buf = g.hooks.irRemainder(g, buf)
	}

	buf[crcIdx] = headerCRC(ctx, pkt, payloadOffset, crc.Kind8, crc.Init8)
	return buf, nil
}

// codeIPStaticPart appends the static chain of one IP header
// (RFC 3095 §5.7.7.3 / §5.7.7.4).
func codeIPStaticPart(buf []byte, h *ippkt.Header) []byte {
	if h.Version == 4 {
		buf = append(buf, 0x40, h.Protocol)
		buf = append(buf, h.Src.AsSlice()...)
		buf = append(buf, h.Dst.AsSlice()...)
		return buf
	}
	// IPv6: version + 4 MSBs of the flow label, then its 16 LSBs
	buf = append(buf, 0x60|byte(h.FlowLabel>>16&0x0f))
	buf = append(buf, byte(h.FlowLabel>>8), byte(h.FlowLabel))
	buf = append(buf, h.Protocol)
	buf = append(buf, h.Src.AsSlice()...)
	buf = append(buf, h.Dst.AsSlice()...)
	return buf
}

// codeIPDynamicPart appends the dynamic chain of one IP header: TOS, TTL,
// identification and behaviour flags for IPv4; traffic class and hop limit
// for IPv6.
func (g *rfc3095Context) codeIPDynamicPart(buf []byte, info *ipHeaderInfo, h *ippkt.Header) []byte {
	if h.Version == 4 {
		buf = append(buf, h.TOS, h.TTL)
		buf = append(buf, byte(h.ID>>8), byte(h.ID))
		var flags byte
		if h.DF {
			flags |= 1 << 7
		}
		if info.rnd {
			flags |= 1 << 6
		}
		if info.nbo {
			flags |= 1 << 5
		}
		return append(buf, flags)
	}
	return append(buf, h.TOS, h.TTL)
}

// codeUO0 builds a UO-0 packet: 0 | SN(4) | CRC(3).
func (g *rfc3095Context) codeUO0(ctx *context, pkt *ippkt.Packet, buf []byte, payloadOffset int) ([]byte, error) {
	crc3 := headerCRC(ctx, pkt, payloadOffset, crc.Kind3, crc.Init3)
	first := byte(g.tmp.newSN&0x0f)<<3 | crc3&0x07
	buf = packetStart(ctx, buf, first)
	return g.appendUOTrailer(buf, pkt), nil
}

// codeUO1 builds a UO-1 packet: 10 | IP-ID(6) / SN(5) | CRC(3).
// Only valid with an outer IPv4 header carrying a non-random IP-ID.
func (g *rfc3095Context) codeUO1(ctx *context, pkt *ippkt.Packet, buf []byte, payloadOffset int) ([]byte, error) {
	crc3 := headerCRC(ctx, pkt, payloadOffset, crc.Kind3, crc.Init3)
	buf = packetStart(ctx, buf, 0x80|byte(g.outer.idDelta&0x3f))
	buf = append(buf, byte(g.tmp.newSN&0x1f)<<3|crc3&0x07)
	return g.appendUOTrailer(buf, pkt), nil
}

// codeUOR2 builds a UOR-2 packet: 110 | SN(5) / X | CRC(7), followed by the
// chosen extension.
func (g *rfc3095Context) codeUOR2(ctx *context, pkt *ippkt.Packet, buf []byte, payloadOffset int) ([]byte, error) {
	ext := g.decideExtension()

	crc7 := headerCRC(ctx, pkt, payloadOffset, crc.Kind7, crc.Init7)
	buf = packetStart(ctx, buf, 0xc0|byte(g.tmp.newSN&0x1f))

	second := crc7 & 0x7f
	if ext != extNone {
		second |= 1 << 7
	}
	buf = append(buf, second)

	buf = g.codeExtension(ctx, buf, ext)
	return g.appendUOTrailer(buf, pkt), nil
}

// decideExtension picks the smallest UOR-2 extension able to carry the
// remaining SN and IP-ID bits (RFC 3095 §5.7.5). Extension 3 is also picked
// while an IP header has fields under their repetition threshold, as only its
// header-flags octets carry them.
func (g *rfc3095Context) decideExtension() extKind {
	snBits := g.tmp.snBits

	// the extension IP-ID fields describe the innermost IPv4 header with a
	// non-random IP-ID; with two IP headers extension 2 also covers the
	// outer one
	innermostBits := g.tmp.outerIPIDBits
	outer2Bits := 0
	dual := g.inner != nil
	if dual {
		innermostBits = g.tmp.innerIPIDBits
		outer2Bits = g.tmp.outerIPIDBits
	}

	switch {
	case g.lastHdr().needsExt3Fields() || (dual && g.outer.needsExt3Fields()):
		return ext3
	case snBits <= 5 && innermostBits == 0 && outer2Bits == 0:
		return extNone
	case snBits <= 8 && innermostBits <= 3 && outer2Bits == 0:
		return ext0
	case snBits <= 8 && innermostBits <= 11 && outer2Bits == 0:
		return ext1
	case dual && snBits <= 8 && innermostBits <= 8 && outer2Bits <= 11:
		return ext2
	default:
		return ext3
	}
}

// innermostV4 returns the tracking info of the innermost IPv4 header with a
// non-random IP-ID, or nil.
func (g *rfc3095Context) innermostV4() *ipHeaderInfo {
	if g.inner != nil && g.inner.version == 4 && !g.inner.rnd {
		return g.inner
	}
	if g.inner == nil && g.outer.version == 4 && !g.outer.rnd {
		return &g.outer
	}
	return nil
}

// codeExtension appends the UOR-2 extension bytes.
func (g *rfc3095Context) codeExtension(ctx *context, buf []byte, ext extKind) []byte {
	sn := g.tmp.newSN
	var innermostID uint16
	if h := g.innermostV4(); h != nil {
		innermostID = h.idDelta
	}

	switch ext {
	case extNone:
		return buf
	case ext0:
		// 00 | SN(3) | IP-ID(3); the SN bits are bits 5-7, above the 5 of
		// the base header
		return append(buf, byte(sn>>5&0x07)<<3|byte(innermostID&0x07))
	case ext1:
		// 01 | SN(3) | IP-ID(3) / IP-ID(8): IP-ID on 11 bits
		buf = append(buf, 0x40|byte(sn>>5&0x07)<<3|byte(innermostID>>8&0x07))
		return append(buf, byte(innermostID))
	case ext2:
		// 10 | SN(3) | IP-ID2(3) / IP-ID2(8) / IP-ID(8): the outer header
		// gets 11 bits, the innermost 8
		outerID := g.outer.idDelta
		buf = append(buf, 0x80|byte(sn>>5&0x07)<<3|byte(outerID>>8&0x07))
		buf = append(buf, byte(outerID))
		return append(buf, byte(innermostID))
	default:
		return g.codeExtension3(ctx, buf)
	}
}

// codeExtension3 appends the non-RTP extension 3 (RFC 3095 §5.7.5):
//
//	11 | S | Mode(2) | I | ip | ip2
//	[inner header flags]  if ip
//	[outer header flags]  if ip2
//	[SN(8)]               if S
//	[inner header fields]
//	[IP-ID(16)]           if I
//	[outer header fields]
//
// "Inner" means the innermost IP header, which is the only one for
// single-IP flows.
func (g *rfc3095Context) codeExtension3(ctx *context, buf []byte) []byte {
	innermost := g.lastHdr()
	dual := g.inner != nil

	sendSN := g.tmp.snBits > 5

	innermostBits := g.tmp.outerIPIDBits
	if dual {
		innermostBits = g.tmp.innerIPIDBits
	}
	sendID := innermost.version == 4 && !innermost.rnd && innermostBits > 0

	ipFlag := innermost.needsExt3Fields()
	ip2Flag := dual && (g.outer.needsExt3Fields() ||
		(g.outer.version == 4 && !g.outer.rnd && g.tmp.outerIPIDBits > 0))

	flags := byte(0xc0)
	if sendSN {
		flags |= 1 << 5
	}
	flags |= byte(ctx.mode&0x3) << 3
	if sendID {
		flags |= 1 << 2
	}
	if ipFlag {
		flags |= 1 << 1
	}
	if ip2Flag {
		flags |= 1
	}
	buf = append(buf, flags)

	if ipFlag {
		buf = append(buf, innermost.ext3FlagsOctet(false))
	}
	if ip2Flag {
		sendOuterID := g.outer.version == 4 && !g.outer.rnd && g.tmp.outerIPIDBits > 0
		octet := g.outer.ext3FlagsOctet(sendOuterID)
		buf = append(buf, octet)
	}

	if sendSN {
		buf = append(buf, byte(g.tmp.newSN>>5))
	}

	buf = innermost.ext3Fields(buf)
	if sendID {
		buf = append(buf, byte(innermost.idDelta>>8), byte(innermost.idDelta))
	}
	if ip2Flag {
		buf = g.outer.ext3Fields(buf)
		if g.outer.version == 4 && !g.outer.rnd && g.tmp.outerIPIDBits > 0 {
			buf = append(buf, byte(g.outer.idDelta>>8), byte(g.outer.idDelta))
		}
	}

	return buf
}

// needsExt3Fields reports whether the header has dynamic fields still under
// their repetition threshold, which forces a header-flags octet into
// extension 3.
func (info *ipHeaderInfo) needsExt3Fields() bool {
	return info.tosCount < oaRepetitions ||
		info.ttlCount < oaRepetitions ||
		info.dfCount < oaRepetitions ||
		info.protoCount < oaRepetitions ||
		(info.version == 4 && (info.rndCount < oaRepetitions || info.nboCount < oaRepetitions))
}

// ext3FlagsOctet builds the header-flags octet of extension 3:
// TOS | TTL | DF | PR | IPX | NBO | RND | I2. TOS, TTL, PR and IPX announce
// fields below; DF, NBO and RND carry the current values; I2 announces the
// trailing outer IP-ID field (outer octet only).
func (info *ipHeaderInfo) ext3FlagsOctet(withID bool) byte {
	var octet byte
	if info.tosCount < oaRepetitions {
		octet |= 1 << 7
	}
	if info.ttlCount < oaRepetitions {
		octet |= 1 << 6
	}
	if info.df {
		octet |= 1 << 5
	}
	if info.protoCount < oaRepetitions {
		octet |= 1 << 4
	}
	// IPX (extension header list) never set: lists are not compressed here
	if info.nbo {
		octet |= 1 << 2
	}
	if info.rnd {
		octet |= 1 << 1
	}
	if withID {
		octet |= 1
	}
	return octet
}

// ext3Fields appends the variable fields announced by the header-flags
// octet.
func (info *ipHeaderInfo) ext3Fields(buf []byte) []byte {
	if info.tosCount < oaRepetitions {
		buf = append(buf, info.tos)
	}
	if info.ttlCount < oaRepetitions {
		buf = append(buf, info.ttl)
	}
	if info.protoCount < oaRepetitions {
		buf = append(buf, info.protocol)
	}
	return buf
}

// appendUOTrailer appends the fields every UO/UOR packet carries
// uncompressed: random IPv4 identifications, then the profile trailer
// (UDP checksum, ESP sequence number).
func (g *rfc3095Context) appendUOTrailer(buf []byte, pkt *ippkt.Packet) []byte {
	if g.outer.version == 4 && g.outer.rnd {
		buf = append(buf, byte(pkt.Outer.ID>>8), byte(pkt.Outer.ID))
	}
	if g.inner != nil && pkt.Inner != nil && g.inner.version == 4 && g.inner.rnd {
		buf = append(buf, byte(pkt.Inner.ID>>8), byte(pkt.Inner.ID))
	}
	if g.hooks.uoTrailer != nil {
		buf = g.hooks.uoTrailer(g, pkt, buf)
	}
	return buf
}

// codeSN16 appends the 16-bit network-order SN used as IR/IR-DYN remainder
// by the profiles whose SN is internal (RFC 3095 §5.7.7.1).
func codeSN16(g *rfc3095Context, buf []byte) []byte {
	var sn [2]byte
	binary.BigEndian.PutUint16(sn[:], g.tmp.newSN)
	return append(buf, sn[:]...)
}
