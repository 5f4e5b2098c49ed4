package rohc

import (
	"github.com/oprsystem/rohc/internal/crc"
	"github.com/oprsystem/rohc/internal/ippkt"
)

// uncompressedContext is the tiny state block of the Uncompressed profile.
type uncompressedContext struct {
	irCount int
}

// uncompressedProfile is the ROHC Uncompressed profile (RFC 3095 §5.10).
// It accepts any packet, which makes it the floor of the profile registry
// and the fallback when another profile fails mid-packet. The first packets
// of a flow are sent as IR to install the context; afterwards Normal
// packets prefix the original packet with the packet-type octet (and CID
// information).
type uncompressedProfile struct{}

func (uncompressedProfile) ID() uint16          { return ProfileUncompressed }
func (uncompressedProfile) Description() string { return "Uncompressed / Compressor" }

func (uncompressedProfile) CheckProfile(comp *Compressor, pkt *ippkt.Packet) (uint64, bool) {
	return ipContextKey(pkt), true
}

func (uncompressedProfile) CheckContext(ctx *context, pkt *ippkt.Packet) bool {
	return true
}

func (uncompressedProfile) Create(ctx *context, pkt *ippkt.Packet) error {
	ctx.specific = &uncompressedContext{}
	return nil
}

func (uncompressedProfile) Destroy(ctx *context) { ctx.specific = nil }

func (uncompressedProfile) Encode(ctx *context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	u := ctx.specific.(*uncompressedContext)

	if ctx.state == StateIR {
		// IR: type octet (no dynamic chain), profile ID, CRC-8 over the IP
		// header chain; the whole original packet follows as payload
		out := packetStart(ctx, buf, irTypeByte)
		out = append(out, byte(ProfileUncompressed))
		out = append(out, ctx.compressor.crcTables.Calc(crc.Kind8, pkt.HdrChain(), crc.Init8))

		u.irCount++
		if u.irCount >= maxIRCount {
			ctx.state = StateFO
		}
		ctx.numSentIR++
		return out, 0, PacketIR, nil
	}

	// Normal packet: type octet then the original packet untouched
	out := packetStart(ctx, buf, irTypeByte)
	return out, 0, PacketNormal, nil
}

func (uncompressedProfile) ReinitContext(ctx *context) {
	u := ctx.specific.(*uncompressedContext)
	u.irCount = 0
	ctx.state = StateIR
}

func (uncompressedProfile) Feedback(ctx *context, fb *Feedback) {
	if fb.Type == 2 && (fb.AckType == FeedbackNack || fb.AckType == FeedbackStaticNack) {
		u := ctx.specific.(*uncompressedContext)
		u.irCount = 0
		ctx.state = StateIR
	}
}

func (uncompressedProfile) UseUDPPort(ctx *context, port uint16) bool { return false }
