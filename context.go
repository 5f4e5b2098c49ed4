package rohc

import (
	"github.com/oprsystem/rohc/internal/ippkt"
	"github.com/oprsystem/rohc/internal/metrics"
	"github.com/oprsystem/rohc/internal/wlsb"
)

// context is one per-flow compression context. The contexts array is a dense
// vector of MAX_CID+1 slots; unused slots keep their statistics windows but
// carry no profile state.
type context struct {
	cid     int
	used    bool
	profile profile
	key     uint64

	mode  Mode
	state State

	// wall times, unix seconds; zero when the caller supplies no clock
	firstUsed  int64
	latestUsed int64

	// packetType is the type of the last packet built for this context.
	packetType PacketType

	// cumulative counters
	totalUncompressedSize  uint64
	totalCompressedSize    uint64
	headerUncompressedSize uint64
	headerCompressedSize   uint64

	// last-packet counters
	totalLastUncompressedSize  int
	totalLastCompressedSize    int
	headerLastUncompressedSize int
	headerLastCompressedSize   int

	numSentPackets   int
	numSentIR        int
	numSentIRDyn     int
	numRecvFeedbacks int

	// last-16-packet statistics windows
	total16Uncompressed  *wlsb.Window
	total16Compressed    *wlsb.Window
	header16Uncompressed *wlsb.Window
	header16Compressed   *wlsb.Window

	// specific is the profile-owned block (rfc3095Context for the IP-based
	// profiles, a trivial counter block for Uncompressed).
	specific any

	// non-owning back-reference; the compressor owns the contexts array
	compressor *Compressor
}

// createContexts builds the MAX_CID+1 context slots.
func (c *Compressor) createContexts() {
	c.contexts = make([]context, c.maxCID+1)
	c.numContextsUsed = 0
	for i := range c.contexts {
		ctx := &c.contexts[i]
		ctx.cid = i
		ctx.compressor = c
		ctx.total16Uncompressed = wlsb.New(statsWindow, 32, 0)
		ctx.total16Compressed = wlsb.New(statsWindow, 32, 0)
		ctx.header16Uncompressed = wlsb.New(statsWindow, 32, 0)
		ctx.header16Compressed = wlsb.New(statsWindow, 32, 0)
	}
}

// destroyContexts releases every used context.
func (c *Compressor) destroyContexts() {
	for i := range c.contexts {
		ctx := &c.contexts[i]
		if ctx.used && ctx.profile != nil {
			ctx.profile.Destroy(ctx)
		}
		if ctx.used {
			ctx.used = false
			c.numContextsUsed--
		}
	}
	metrics.ContextsUsed.Set(float64(c.numContextsUsed))
}

// createContext allocates a context for a new flow. The lowest unused slot is
// preferred; when every slot is used the one with the smallest latestUsed is
// recycled.
func (c *Compressor) createContext(p profile, pkt *ippkt.Packet, key uint64, arrival int64) *context {
	cidToUse := 0

	if c.numContextsUsed > c.maxCID {
		oldest := int64(1<<63 - 1)
		for i := range c.contexts {
			if c.contexts[i].latestUsed < oldest {
				oldest = c.contexts[i].latestUsed
				cidToUse = i
			}
		}
		victim := &c.contexts[cidToUse]
		c.tracef(TraceDebug, ProfileGeneral, "recycle oldest context (CID = %d)", cidToUse)
		victim.profile.Destroy(victim)
		victim.key = 0
		victim.used = false
		c.numContextsUsed--
	} else {
		for i := range c.contexts {
			if !c.contexts[i].used {
				cidToUse = i
				break
			}
		}
		c.tracef(TraceDebug, ProfileGeneral, "take the first unused context (CID = %d)", cidToUse)
	}

	ctx := &c.contexts[cidToUse]

	ctx.totalUncompressedSize = 0
	ctx.totalCompressedSize = 0
	ctx.headerUncompressedSize = 0
	ctx.headerCompressedSize = 0
	ctx.totalLastUncompressedSize = 0
	ctx.totalLastCompressedSize = 0
	ctx.headerLastUncompressedSize = 0
	ctx.headerLastCompressedSize = 0
	ctx.numSentPackets = 0
	ctx.numSentIR = 0
	ctx.numSentIRDyn = 0
	ctx.numRecvFeedbacks = 0
	ctx.packetType = PacketUnknown

	ctx.profile = p
	ctx.key = key
	ctx.mode = ModeU
	ctx.state = StateIR

	if err := p.Create(ctx, pkt); err != nil {
		c.tracef(TraceWarning, p.ID(), "profile context creation failed: %v", err)
		return nil
	}

	ctx.used = true
	ctx.firstUsed = arrival
	ctx.latestUsed = arrival
	c.numContextsUsed++
	metrics.ContextsUsed.Set(float64(c.numContextsUsed))

	c.tracef(TraceDebug, ProfileGeneral, "context (CID = %d) created (num_used = %d)",
		ctx.cid, c.numContextsUsed)
	return ctx
}

// findContext looks up the context matching the profile, key and packet.
// The scan is linear over used slots with an early exit once every used
// context has been visited.
func (c *Compressor) findContext(p profile, pkt *ippkt.Packet, key uint64) *context {
	numUsedSeen := 0
	for i := range c.contexts {
		ctx := &c.contexts[i]
		if !ctx.used {
			continue
		}
		numUsedSeen++
		if ctx.profile.ID() == p.ID() && ctx.key == key && p.CheckContext(ctx, pkt) {
			c.tracef(TraceDebug, ProfileGeneral, "using context CID = %d", ctx.cid)
			return ctx
		}
		if numUsedSeen >= c.numContextsUsed {
			break
		}
	}
	c.tracef(TraceDebug, ProfileGeneral, "no context was found")
	return nil
}

// getContext returns the used context with the given CID, or nil.
func (c *Compressor) getContext(cid int) *context {
	if cid < 0 || cid > c.maxCID {
		return nil
	}
	if !c.contexts[cid].used {
		return nil
	}
	return &c.contexts[cid]
}

// dropContext releases a context that never produced a successful packet.
// Used to back out of a failed compression attempt.
func (c *Compressor) dropContext(ctx *context) {
	if ctx.numSentPackets == 0 && ctx.used {
		ctx.profile.Destroy(ctx)
		ctx.used = false
		c.numContextsUsed--
		metrics.ContextsUsed.Set(float64(c.numContextsUsed))
	}
}
