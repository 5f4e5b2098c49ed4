package rohc

import "github.com/oprsystem/rohc/internal/ippkt"

// profile is the capability set every compression profile implements.
// Profiles are stateless; all per-flow state lives in the context they are
// handed. The zero byte cost of this indirection is the reason profiles are
// values in a registry rather than types switched over in the engine.
type profile interface {
	// ID returns the IANA profile identifier.
	ID() uint16
	// Description returns a human-readable profile name.
	Description() string

	// CheckProfile reports whether the profile can compress the packet and,
	// if so, returns the context key derived from its header fields.
	CheckProfile(comp *Compressor, pkt *ippkt.Packet) (key uint64, ok bool)
	// CheckContext reports whether the packet belongs to the flow the
	// context was created for. Called only after the key matched.
	CheckContext(ctx *context, pkt *ippkt.Packet) bool

	// Create initializes the profile-specific part of a fresh context.
	Create(ctx *context, pkt *ippkt.Packet) error
	// Destroy releases the profile-specific part of a context.
	Destroy(ctx *context)

	// Encode builds the compressed header for the packet by appending to
	// buf[:0]. It returns the header bytes, the number of uncompressed
	// bytes the header replaces (the payload offset) and the chosen packet
	// type.
	Encode(ctx *context, pkt *ippkt.Packet, buf []byte) (hdr []byte, payloadOffset int, ptype PacketType, err error)

	// ReinitContext forces the context back to IR for a full resync.
	ReinitContext(ctx *context)
	// Feedback processes a feedback packet addressed to the context.
	Feedback(ctx *context, fb *Feedback)
	// UseUDPPort reports whether the context compresses traffic on the
	// given UDP port. Used when a port leaves the RTP port list.
	UseUDPPort(ctx *context, port uint16) bool
}

// profiles is the ordered registry of compression profiles. Order encodes
// priority: the RTP profile must be evaluated before the UDP one so that
// RTP-over-UDP is caught first, the IP-only profile after every
// transport-aware profile, and Uncompressed last as the floor that accepts
// everything.
var profiles = []profile{
	rtpProfile{},
	udpProfile{},
	udpLiteProfile{},
	espProfile{},
	ipProfile{},
	uncompressedProfile{},
}

// profileIndex returns the registry slot of a profile ID, or -1.
func profileIndex(id uint16) int {
	for i, p := range profiles {
		if p.ID() == id {
			return i
		}
	}
	return -1
}

// profileByID returns an enabled profile by ID, or nil.
func (c *Compressor) profileByID(id uint16) profile {
	i := profileIndex(id)
	if i < 0 || !c.enabledProfiles[i] {
		return nil
	}
	return profiles[i]
}

// profileForPacket walks the enabled profiles in priority order and returns
// the first one accepting the packet, along with the context key it derived.
func (c *Compressor) profileForPacket(pkt *ippkt.Packet) (profile, uint64) {
	for i, p := range profiles {
		if !c.enabledProfiles[i] {
			c.tracef(TraceDebug, ProfileGeneral,
				"skip disabled profile '%s' (0x%04x)", p.Description(), p.ID())
			continue
		}
		if key, ok := p.CheckProfile(c, pkt); ok {
			return p, key
		}
		c.tracef(TraceDebug, ProfileGeneral,
			"skip profile '%s' (0x%04x): does not match packet",
			p.Description(), p.ID())
	}
	return nil, 0
}

// contextKey folds header bytes into a context key. The key is a cheap
// first-pass discriminator; CheckContext performs the authoritative match.
func contextKey(parts ...[]byte) uint64 {
	// FNV-1a over the concatenated parts.
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, part := range parts {
		for _, b := range part {
			h ^= uint64(b)
			h *= prime64
		}
	}
	return h
}
