package rohc

import (
	"encoding/binary"

	"github.com/oprsystem/rohc/internal/ippkt"
)

const espHeaderLen = 8 // SPI + sequence number

// espState is the IP/ESP-specific sub-block.
type espState struct {
	spi uint32
}

// espProfile is the IP/ESP compression profile. The SPI joins the static
// chain; the ESP sequence number is not tracked (it is carried uncompressed
// in every packet) so the profile SN stays an internal counter.
type espProfile struct{}

func (espProfile) ID() uint16          { return ProfileESP }
func (espProfile) Description() string { return "ESP / Compressor" }

func (espProfile) CheckProfile(comp *Compressor, pkt *ippkt.Packet) (uint64, bool) {
	if pkt.Proto != ippkt.ProtoESP {
		return 0, false
	}
	esp := pkt.Transport()
	if len(esp) < espHeaderLen {
		return 0, false
	}
	parts := [][]byte{
		pkt.Outer.Src.AsSlice(),
		pkt.Outer.Dst.AsSlice(),
		esp[0:4], // SPI
	}
	if pkt.Inner != nil {
		parts = append(parts, pkt.Inner.Src.AsSlice(), pkt.Inner.Dst.AsSlice())
	}
	return contextKey(parts...), true
}

func (espProfile) CheckContext(ctx *context, pkt *ippkt.Packet) bool {
	if !ipChainMatches(ctx, pkt) {
		return false
	}
	g := ctx.specific.(*rfc3095Context)
	e, ok := g.specific.(*espState)
	if !ok {
		return false
	}
	esp := pkt.Transport()
	if len(esp) < espHeaderLen {
		return false
	}
	return e.spi == binary.BigEndian.Uint32(esp[0:4])
}

func (espProfile) Create(ctx *context, pkt *ippkt.Packet) error {
	esp := pkt.Transport()
	if len(esp) < espHeaderLen {
		return ErrInvalidInput
	}
	g := rfc3095Create(ctx, pkt)
	g.specific = &espState{spi: binary.BigEndian.Uint32(esp[0:4])}
	g.hooks = rfc3095Hooks{
		nextSN:         ipNextSN,
		decideFOPacket: ipDecideFOPacket,
		decideSOPacket: ipDecideSOPacket,
		staticPart:     espStaticPart,
		dynamicPart:    espDynamicPart,
		irRemainder:    codeSN16,
		uoTrailer:      espUOTrailer,
		payloadOffset:  func(pkt *ippkt.Packet) int { return pkt.HdrChainLen + espHeaderLen },
	}
	ctx.specific = g
	return nil
}

func (espProfile) Destroy(ctx *context) { ctx.specific = nil }

func (espProfile) Encode(ctx *context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	g := ctx.specific.(*rfc3095Context)
	if len(pkt.Transport()) < espHeaderLen {
		return nil, 0, PacketUnknown, ErrInvalidInput
	}
	return rfc3095Encode(ctx, g, pkt, buf)
}

func (espProfile) ReinitContext(ctx *context) {
	g := ctx.specific.(*rfc3095Context)
	g.reinit(ctx)
}

func (espProfile) Feedback(ctx *context, fb *Feedback) {
	g := ctx.specific.(*rfc3095Context)
	rfc3095Feedback(ctx, g, fb)
}

func (espProfile) UseUDPPort(ctx *context, port uint16) bool { return false }

// espStaticPart appends the SPI.
func espStaticPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[0:4]...)
}

// espDynamicPart appends the ESP sequence number.
func espDynamicPart(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[4:8]...)
}

// espUOTrailer carries the untracked ESP sequence number uncompressed in
// every packet.
func espUOTrailer(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte {
	return append(buf, pkt.Transport()[4:8]...)
}
