package rohc

import (
	"fmt"
	"sort"
	"time"

	"github.com/oprsystem/rohc/internal/crc"
	"github.com/oprsystem/rohc/internal/ippkt"
	"github.com/oprsystem/rohc/internal/metrics"
)

// maxRTPPorts bounds the dedicated RTP port list.
const maxRTPPorts = 15

// defaultRTPPorts is the historical default set of UDP ports dedicated to
// RTP traffic.
var defaultRTPPorts = []uint16{1234, 36780, 33238, 5020, 5002}

// Compressor is one ROHC compressor instance. Create it with New, configure
// it, then feed packets through Compress. The trace callback, the W-LSB
// window width, the periodic-refresh timeouts and the MRRU freeze once the
// first packet has been compressed. The random and RTP-detection callbacks
// and the set of enabled profiles are not frozen and can still be changed
// afterwards, as can the per-packet toggles (feedback, the RTP port list,
// forced reinitialization).
type Compressor struct {
	cidType CIDType
	maxCID  int

	// mrru is the Maximum Reconstructed Reception Unit; 0 disables
	// segmentation entirely.
	mrru int

	enabledProfiles []bool

	wlsbWindowWidth int
	irTimeout       int
	foTimeout       int

	traceCallback   TraceFunc
	randomCallback  RandomFunc
	randomUser      any
	warnedNoRandom  bool
	rtpCallback     RTPDetectFunc
	rtpCallbackUser any

	// rtpPorts is kept sorted in ascending order.
	rtpPorts []uint16

	crcTables *crc.Tables

	contexts        []context
	numContextsUsed int
	lastContext     *context

	feedbacks feedbackRing

	// rru stages an oversized ROHC packet (header ‖ payload ‖ FCS-32)
	// awaiting segmentation
	rru    []byte
	rruOff int

	// hdrScratch receives compressed headers before the size checks decide
	// between direct output and segmentation
	hdrScratch []byte

	numPackets            int
	totalUncompressedSize uint64
	totalCompressedSize   uint64
}

// New creates a ROHC compressor for the given CID space. All compression
// profiles start disabled; enable the wanted ones with EnableProfile.
func New(cidType CIDType, maxCID int) (*Compressor, error) {
	switch cidType {
	case SmallCID:
		if maxCID < 0 || maxCID > SmallCIDMax {
			return nil, fmt.Errorf("%w: max CID %d out of small CID range", ErrInvalidInput, maxCID)
		}
	case LargeCID:
		if maxCID < 0 || maxCID > LargeCIDMax {
			return nil, fmt.Errorf("%w: max CID %d out of large CID range", ErrInvalidInput, maxCID)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected CID type", ErrInvalidInput)
	}

	c := &Compressor{
		cidType:         cidType,
		maxCID:          maxCID,
		enabledProfiles: make([]bool, len(profiles)),
		wlsbWindowWidth: DefaultWLSBWindowWidth,
		irTimeout:       DefaultIRTimeout,
		foTimeout:       DefaultFOTimeout,
		crcTables:       crc.NewTables(),
		hdrScratch:      make([]byte, 0, 2048),
	}

	c.rtpPorts = append(c.rtpPorts, defaultRTPPorts...)
	sort.Slice(c.rtpPorts, func(i, j int) bool { return c.rtpPorts[i] < c.rtpPorts[j] })

	c.createContexts()
	return c, nil
}

// Close destroys every compression context and drops unsent feedback.
// The compressor must not be used afterwards.
func (c *Compressor) Close() {
	c.tracef(TraceDebug, ProfileGeneral, "free ROHC compressor")
	c.destroyContexts()
	c.feedbacks = feedbackRing{}
	c.rru = nil
	c.rruOff = 0
}

// tracef forwards a trace message to the configured callback, if any.
func (c *Compressor) tracef(level TraceLevel, profile uint16, format string, args ...any) {
	if c.traceCallback != nil {
		c.traceCallback(level, profile, format, args...)
	}
}

// random draws a random number through the configured callback. Without a
// callback a compatibility default returns 0 and warns once.
func (c *Compressor) random() uint32 {
	if c.randomCallback == nil {
		if !c.warnedNoRandom {
			c.tracef(TraceWarning, ProfileGeneral, "please define a callback for random numbers")
			c.warnedNoRandom = true
		}
		return 0
	}
	return c.randomCallback(c.randomUser)
}

// SetTraceCallback installs the trace callback. Not allowed once the first
// packet was compressed.
func (c *Compressor) SetTraceCallback(cb TraceFunc) error {
	if c.numPackets > 0 {
		c.tracef(TraceError, ProfileGeneral, "unable to modify the trace callback after initialization")
		return ErrFrozen
	}
	c.traceCallback = cb
	return nil
}

// SetRandomCallback installs the random-number callback used to initialize
// sequence numbers.
func (c *Compressor) SetRandomCallback(cb RandomFunc, user any) error {
	if cb == nil {
		return ErrInvalidInput
	}
	c.randomCallback = cb
	c.randomUser = user
	return nil
}

// SetRTPDetectionCallback installs or removes (nil) the RTP stream
// detection callback. Without a callback the dedicated port list drives the
// detection.
func (c *Compressor) SetRTPDetectionCallback(cb RTPDetectFunc, user any) {
	c.rtpCallback = cb
	c.rtpCallbackUser = user
}

// EnableProfile enables one compression profile.
func (c *Compressor) EnableProfile(id uint16) error {
	i := profileIndex(id)
	if i < 0 {
		c.tracef(TraceWarning, ProfileGeneral, "unknown ROHC compression profile (ID = %d)", id)
		return ErrUnknownProfile
	}
	c.enabledProfiles[i] = true
	c.tracef(TraceInfo, ProfileGeneral, "ROHC compression profile (ID = %d) enabled", id)
	return nil
}

// DisableProfile disables one compression profile.
func (c *Compressor) DisableProfile(id uint16) error {
	i := profileIndex(id)
	if i < 0 {
		c.tracef(TraceWarning, ProfileGeneral, "unknown ROHC compression profile (ID = %d)", id)
		return ErrUnknownProfile
	}
	c.enabledProfiles[i] = false
	c.tracef(TraceInfo, ProfileGeneral, "ROHC compression profile (ID = %d) disabled", id)
	return nil
}

// EnableProfiles enables several compression profiles at once.
func (c *Compressor) EnableProfiles(ids ...uint16) error {
	var failed int
	for _, id := range ids {
		if err := c.EnableProfile(id); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return ErrUnknownProfile
	}
	return nil
}

// SetWLSBWindowWidth sets the width of the W-LSB sliding windows. The width
// must be a power of two and cannot change once the compressor is in use.
func (c *Compressor) SetWLSBWindowWidth(width int) error {
	if width <= 0 || width&(width-1) != 0 {
		c.tracef(TraceWarning, ProfileGeneral,
			"failed to set width of W-LSB sliding window to %d: "+
				"window width must be a power of 2", width)
		return ErrInvalidInput
	}
	if c.numPackets > 0 {
		c.tracef(TraceWarning, ProfileGeneral,
			"unable to modify the W-LSB window width after initialization")
		return ErrFrozen
	}
	c.wlsbWindowWidth = width
	return nil
}

// SetPeriodicRefreshes sets the IR and FO periodic-refresh timeouts, in
// compressed packets. The IR timeout must exceed the FO one.
func (c *Compressor) SetPeriodicRefreshes(irTimeout, foTimeout int) error {
	if irTimeout <= 0 || foTimeout <= 0 || irTimeout <= foTimeout {
		c.tracef(TraceWarning, ProfileGeneral,
			"invalid timeouts for context periodic refreshes (IR = %d, FO = %d)",
			irTimeout, foTimeout)
		return ErrInvalidInput
	}
	if c.numPackets > 0 {
		c.tracef(TraceWarning, ProfileGeneral,
			"unable to modify the timeouts for periodic refreshes after initialization")
		return ErrFrozen
	}
	c.irTimeout = irTimeout
	c.foTimeout = foTimeout
	return nil
}

// SetMRRU sets the Maximum Reconstructed Reception Unit; zero disables
// segmentation.
func (c *Compressor) SetMRRU(mrru int) error {
	if mrru < 0 || mrru > MaxMRRU {
		c.tracef(TraceWarning, ProfileGeneral,
			"unexpected MRRU value: must be in range [0, %d]", MaxMRRU)
		return ErrInvalidInput
	}
	if c.numPackets > 0 {
		return ErrFrozen
	}
	c.mrru = mrru
	return nil
}

// MRRU returns the configured Maximum Reconstructed Reception Unit.
func (c *Compressor) MRRU() int { return c.mrru }

// MaxCID returns the maximal context identifier in use.
func (c *Compressor) MaxCID() int { return c.maxCID }

// CID returns the context identifier space of the compressor.
func (c *Compressor) CID() CIDType { return c.cidType }

// AddRTPPort adds a UDP port to the list dedicated to RTP traffic.
func (c *Compressor) AddRTPPort(port int) error {
	if port <= 0 || port > 0xffff {
		c.tracef(TraceWarning, ProfileGeneral, "invalid port number (%d)", port)
		return ErrInvalidInput
	}
	if len(c.rtpPorts) >= maxRTPPorts {
		c.tracef(TraceWarning, ProfileGeneral, "can not add a new RTP port, the list is full")
		return ErrInvalidInput
	}
	p := uint16(port)
	i := sort.Search(len(c.rtpPorts), func(i int) bool { return c.rtpPorts[i] >= p })
	if i < len(c.rtpPorts) && c.rtpPorts[i] == p {
		c.tracef(TraceWarning, ProfileGeneral, "port %d is already in the list", port)
		return ErrInvalidInput
	}
	c.rtpPorts = append(c.rtpPorts, 0)
	copy(c.rtpPorts[i+1:], c.rtpPorts[i:])
	c.rtpPorts[i] = p
	c.tracef(TraceDebug, ProfileGeneral, "port %d added to the UDP port list for RTP traffic", port)
	return nil
}

// RemoveRTPPort removes a UDP port from the RTP list and destroys every
// context compressing traffic on it.
func (c *Compressor) RemoveRTPPort(port int) error {
	if port <= 0 || port > 0xffff {
		c.tracef(TraceWarning, ProfileGeneral, "invalid port number (%d)", port)
		return ErrInvalidInput
	}
	p := uint16(port)
	i := sort.Search(len(c.rtpPorts), func(i int) bool { return c.rtpPorts[i] >= p })
	if i >= len(c.rtpPorts) || c.rtpPorts[i] != p {
		c.tracef(TraceWarning, ProfileGeneral, "port %d is not in the list", port)
		return ErrInvalidInput
	}
	c.rtpPorts = append(c.rtpPorts[:i], c.rtpPorts[i+1:]...)

	for j := range c.contexts {
		ctx := &c.contexts[j]
		if ctx.used && ctx.profile.UseUDPPort(ctx, p) {
			c.tracef(TraceDebug, ProfileGeneral,
				"destroy context with CID %d because it uses UDP port %d "+
					"that is removed from the list of RTP ports", ctx.cid, port)
			ctx.profile.Destroy(ctx)
			ctx.used = false
			c.numContextsUsed--
		}
	}
	metrics.ContextsUsed.Set(float64(c.numContextsUsed))

	c.tracef(TraceDebug, ProfileGeneral, "port %d removed from the RTP port list", port)
	return nil
}

// ResetRTPPorts empties the RTP port list.
func (c *Compressor) ResetRTPPorts() {
	c.rtpPorts = c.rtpPorts[:0]
	c.tracef(TraceDebug, ProfileGeneral, "RTP port list is now reset")
}

// ForceContextsReinit makes every context restart from IR state, eg. after
// the channel was re-established.
func (c *Compressor) ForceContextsReinit() {
	c.tracef(TraceInfo, ProfileGeneral,
		"force re-initialization for all %d contexts", c.numContextsUsed)
	for i := range c.contexts {
		if c.contexts[i].used {
			c.contexts[i].profile.ReinitContext(&c.contexts[i])
		}
	}
}

// Compress turns one uncompressed IP packet into a ROHC packet written into
// out and returns the number of bytes produced.
//
// When the ROHC packet does not fit into out but fits the configured MRRU,
// the packet is staged for segmentation: Compress returns ErrSegmentRequired
// with no output bytes and the segments are retrieved with GetSegment.
//
// A zero arrival time disables the wall-clock context statistics; periodic
// refreshes operate on packet counts regardless.
func (c *Compressor) Compress(arrival time.Time, in []byte, out []byte) (int, error) {
	if len(in) == 0 || len(out) == 0 {
		return 0, ErrInvalidInput
	}

	pkt, err := ippkt.Parse(in)
	if err != nil {
		c.tracef(TraceWarning, ProfileGeneral, "cannot create the IP headers: %v", err)
		metrics.CompressErrorsTotal.Inc()
		return 0, err
	}
	c.tracef(TraceDebug, ProfileGeneral, "size of uncompressed packet = %d bytes", len(in))

	var arrivalSec int64
	if !arrival.IsZero() {
		arrivalSec = arrival.Unix()
	}

	p, key := c.profileForPacket(pkt)
	if p == nil {
		c.tracef(TraceWarning, ProfileGeneral, "no profile found for packet, giving up")
		metrics.CompressErrorsTotal.Inc()
		return 0, ErrNoProfile
	}
	c.tracef(TraceDebug, ProfileGeneral, "using profile '%s' (0x%04x)", p.Description(), p.ID())

	ctx := c.findContext(p, pkt, key)
	if ctx == nil {
		ctx = c.createContext(p, pkt, key, arrivalSec)
		if ctx == nil {
			metrics.CompressErrorsTotal.Inc()
			return 0, ErrEncodeFailed
		}
	}
	ctx.latestUsed = arrivalSec

	// 1. drain available feedback into the output
	feedbacksSize := c.drainFeedback(out, maxFeedbacksPerPacket)

	// 2. compress the header with the profile, falling back to the
	// Uncompressed profile on failure
	c.tracef(TraceDebug, ProfileGeneral, "compress the packet #%d", c.numPackets+1)
	hdr, payloadOffset, packetType, err := p.Encode(ctx, pkt, c.hdrScratch)
	if err != nil {
		c.tracef(TraceWarning, ProfileGeneral,
			"error while compressing with the profile, using uncompressed profile")

		c.dropContext(ctx)

		p = c.profileByID(ProfileUncompressed)
		if p == nil {
			c.tracef(TraceWarning, ProfileGeneral, "uncompressed profile not found, giving up")
			c.feedbacks.unlock()
			metrics.CompressErrorsTotal.Inc()
			return 0, ErrEncodeFailed
		}
		ctx = c.findContext(p, pkt, key)
		if ctx == nil {
			ctx = c.createContext(p, pkt, key, arrivalSec)
			if ctx == nil {
				c.feedbacks.unlock()
				metrics.CompressErrorsTotal.Inc()
				return 0, ErrEncodeFailed
			}
		}
		hdr, payloadOffset, packetType, err = p.Encode(ctx, pkt, c.hdrScratch)
		if err != nil {
			c.tracef(TraceWarning, ProfileGeneral,
				"error while compressing with uncompressed profile, giving up")
			c.dropContext(ctx)
			c.feedbacks.unlock()
			metrics.CompressErrorsTotal.Inc()
			return 0, ErrEncodeFailed
		}
	}

	payload := in[payloadOffset:]
	rohcLen := feedbacksSize + len(hdr) + len(payload)

	if rohcLen > len(out) {
		// too large for the caller's buffer: segmentation may help
		c.tracef(TraceInfo, ProfileGeneral,
			"%s ROHC packet is too large for the given output buffer, "+
				"try to segment it (required size = %d, max = %d, MRRU = %d)",
			packetType, rohcLen, len(out), c.mrru)

		// a segmented packet must fit the MRRU, reassembly CRC included
		if c.mrru == 0 || len(hdr)+len(payload)+crc.FCS32Len > c.mrru {
			c.tracef(TraceWarning, ProfileGeneral,
				"%s ROHC packet cannot be segmented: too large for MRRU (%d bytes)",
				packetType, c.mrru)
			c.dropContext(ctx)
			c.feedbacks.unlock()
			metrics.CompressErrorsTotal.Inc()
			return 0, ErrTooLargeForMRRU
		}

		if len(c.rru) > 0 {
			c.tracef(TraceWarning, ProfileGeneral,
				"erase the existing %d-byte RRU that was not retrieved yet", len(c.rru))
		}
		c.rru = c.rru[:0]
		c.rruOff = 0
		c.rru = append(c.rru, hdr...)
		c.rru = append(c.rru, payload...)
		fcs := c.crcTables.CalcFCS32(c.rru, crc.InitFCS32)
		c.rru = append(c.rru, byte(fcs), byte(fcs>>8), byte(fcs>>16), byte(fcs>>24))

		// the drained feedback re-attaches to the first emitted segment
		c.feedbacks.unlock()

		c.finishPacket(ctx, pkt, packetType, len(in), 0, payloadOffset, len(hdr))
		return 0, ErrSegmentRequired
	}

	copy(out[feedbacksSize:], hdr)
	copy(out[feedbacksSize+len(hdr):], payload)

	// compression succeeded, consume the drained feedback
	c.feedbacks.removeLocked()

	c.finishPacket(ctx, pkt, packetType, len(in), rohcLen, payloadOffset, len(hdr))
	return rohcLen, nil
}

// finishPacket updates the compressor and context statistics after a packet
// was produced (or staged for segmentation).
func (c *Compressor) finishPacket(ctx *context, pkt *ippkt.Packet, packetType PacketType,
	uncompLen, rohcLen, payloadOffset, hdrLen int) {

	c.numPackets++
	c.totalUncompressedSize += uint64(uncompLen)
	c.totalCompressedSize += uint64(rohcLen)
	c.lastContext = ctx

	ctx.packetType = packetType

	ctx.totalUncompressedSize += uint64(uncompLen)
	ctx.totalCompressedSize += uint64(rohcLen)
	ctx.headerUncompressedSize += uint64(payloadOffset)
	ctx.headerCompressedSize += uint64(hdrLen)
	ctx.numSentPackets++

	ctx.totalLastUncompressedSize = uncompLen
	ctx.totalLastCompressedSize = rohcLen
	ctx.headerLastUncompressedSize = payloadOffset
	ctx.headerLastCompressedSize = hdrLen

	ctx.total16Uncompressed.Add(uint32(uncompLen))
	ctx.total16Compressed.Add(uint32(rohcLen))
	ctx.header16Uncompressed.Add(uint32(payloadOffset))
	ctx.header16Compressed.Add(uint32(hdrLen))

	metrics.CompressedPacketsTotal.WithLabelValues(ctx.profile.Description()).Inc()
	metrics.BytesTotal.WithLabelValues("uncompressed").Add(float64(uncompLen))
	metrics.BytesTotal.WithLabelValues("compressed").Add(float64(rohcLen))
}

// GetSegment emits the next segment of the staged reception unit into out.
// The final return value reports whether this was the last segment.
func (c *Compressor) GetSegment(out []byte) (n int, final bool, err error) {
	const segmentTypeLen = 1

	if len(c.rru)-c.rruOff == 0 {
		c.tracef(TraceWarning, ProfileGeneral, "no RRU available in given compressor")
		return 0, false, ErrNoSegment
	}
	if len(out) <= segmentTypeLen {
		c.tracef(TraceWarning, ProfileGeneral,
			"output buffer is too small for RRU, more than %d bytes are required", segmentTypeLen)
		return 0, false, ErrOutputTooSmall
	}

	// feedback attaches to segments like to any other outgoing packet
	pos := 0
	for {
		fn := c.feedbacks.get(out[pos:])
		if fn <= 0 {
			break
		}
		pos += fn
	}
	c.tracef(TraceDebug, ProfileGeneral, "%d bytes of feedback(s) added to ROHC segment", pos)

	remaining := len(c.rru) - c.rruOff
	maxDataLen := len(out) - pos - segmentTypeLen
	if maxDataLen <= 0 {
		c.feedbacks.unlock()
		return 0, false, ErrOutputTooSmall
	}
	if maxDataLen > remaining {
		maxDataLen = remaining
	}

	// segment discriminator: the final bit marks the last segment
	if maxDataLen == remaining {
		out[pos] = 0xff
		final = true
	} else {
		out[pos] = 0xfe
	}
	pos++

	copy(out[pos:], c.rru[c.rruOff:c.rruOff+maxDataLen])
	pos += maxDataLen
	c.rruOff += maxDataLen

	c.feedbacks.removeLocked()
	metrics.SegmentsTotal.Inc()

	if final {
		c.rru = c.rru[:0]
		c.rruOff = 0
	}
	return pos, final, nil
}

// LastPacketInfo describes the last packet produced by the compressor.
type LastPacketInfo struct {
	ContextID            int
	IsContextInit        bool
	ContextMode          Mode
	ContextState         State
	ContextUsed          bool
	ProfileID            uint16
	PacketType           PacketType
	TotalLastUncompSize  int
	HeaderLastUncompSize int
	TotalLastCompSize    int
	HeaderLastCompSize   int
}

// GetLastPacketInfo returns information about the last compressed packet.
func (c *Compressor) GetLastPacketInfo() (LastPacketInfo, error) {
	if c.lastContext == nil {
		c.tracef(TraceError, ProfileGeneral, "last context found in compressor is not valid")
		return LastPacketInfo{}, ErrInvalidInput
	}
	ctx := c.lastContext
	return LastPacketInfo{
		ContextID:            ctx.cid,
		IsContextInit:        ctx.numSentPackets == 1,
		ContextMode:          ctx.mode,
		ContextState:         ctx.state,
		ContextUsed:          ctx.used,
		ProfileID:            ctx.profile.ID(),
		PacketType:           ctx.packetType,
		TotalLastUncompSize:  ctx.totalLastUncompressedSize,
		HeaderLastUncompSize: ctx.headerLastUncompressedSize,
		TotalLastCompSize:    ctx.totalLastCompressedSize,
		HeaderLastCompSize:   ctx.headerLastCompressedSize,
	}, nil
}

// GeneralInfo describes the aggregate state of the compressor.
type GeneralInfo struct {
	ContextsUsed int
	Packets      int
	UncompBytes  uint64
	CompBytes    uint64
}

// GetGeneralInfo returns aggregate compressor statistics.
func (c *Compressor) GetGeneralInfo() GeneralInfo {
	return GeneralInfo{
		ContextsUsed: c.numContextsUsed,
		Packets:      c.numPackets,
		UncompBytes:  c.totalUncompressedSize,
		CompBytes:    c.totalCompressedSize,
	}
}
