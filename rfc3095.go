package rohc

import (
	"github.com/oprsystem/rohc/internal/ippkt"
	"github.com/oprsystem/rohc/internal/wlsb"
)

// ipIDMaxDelta bounds the IP-ID step still considered sequential when
// classifying the IP-ID behaviour of an IPv4 header.
const ipIDMaxDelta = 20

// rfc3095Context is the profile-agnostic block shared by every IP-based
// profile (IP-only, UDP, UDP-Lite, ESP, RTP). It carries the 16-bit
// sequence number, the per-IP-header change-tracking state and the hooks the
// owning profile installs to specialize packet decision and chain coding.
type rfc3095Context struct {
	sn       uint16
	snWindow *wlsb.Window

	irCount int // packets sent while in IR state
	foCount int // packets sent while in FO state
	soCount int // packets sent while in SO state

	goBackIRCount int // packets since the last IR refresh
	goBackFOCount int // packets since the last FO refresh, while in SO

	outer ipHeaderInfo
	inner *ipHeaderInfo

	tmp scratch

	hooks rfc3095Hooks

	// specific is the per-profile sub-block (UDP ports, RTP state, ...).
	specific any
}

// rfc3095Hooks are the profile-installed specializations of the generic
// engine.
type rfc3095Hooks struct {
	// nextSN yields the SN to use for the packet being compressed.
	nextSN func(g *rfc3095Context, pkt *ippkt.Packet) uint16
	// decideFOPacket picks the packet type in FO state.
	decideFOPacket func(ctx *context, g *rfc3095Context) PacketType
	// decideSOPacket picks the packet type in SO state.
	decideSOPacket func(ctx *context, g *rfc3095Context) PacketType
	// staticPart appends the transport part of the IR static chain.
	staticPart func(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte
	// dynamicPart appends the transport part of the IR/IR-DYN dynamic chain.
	dynamicPart func(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte
	// irRemainder appends the IR/IR-DYN remainder (16-bit SN for the
	// profiles whose SN is internal).
	irRemainder func(g *rfc3095Context, buf []byte) []byte
	// uoTrailer appends per-packet uncompressed fields (UDP checksum, ESP
	// sequence number) after the base header of UO/UOR packets.
	uoTrailer func(g *rfc3095Context, pkt *ippkt.Packet, buf []byte) []byte
	// extraChanges lets the profile report additional dynamic/static field
	// changes (UDP checksum behaviour, RTP timestamp stride).
	extraChanges func(g *rfc3095Context, pkt *ippkt.Packet) (dyn, stat int)
	// commit lets the profile record its own references once the packet
	// was built (RTP timestamp window).
	commit func(g *rfc3095Context)
	// payloadOffset returns how many leading bytes of the uncompressed
	// packet the compressed header replaces.
	payloadOffset func(pkt *ippkt.Packet) int
}

// ipHeaderInfo tracks one IP header of the flow: the last observed dynamic
// fields, the classified IP-ID behaviour with its stabilization counters,
// and the W-LSB window over the offset IP-ID.
type ipHeaderInfo struct {
	version  uint8
	protocol uint8
	tos      uint8
	ttl      uint8
	df       bool

	// IPv4 identification behaviour. id holds the last value as carried on
	// the wire (big-endian read); idDelta the offset-encoded value for the
	// packet being compressed. idSeen guards the first classification: the
	// packet that created the context gives no delta to classify.
	id      uint16
	idSeen  bool
	idDelta uint16
	rnd     bool
	nbo     bool
	sid     bool

	// consecutive packets since the property last flipped
	rndCount int
	nboCount int
	sidCount int

	// per-field repetition counters: a changed field is transmitted in
	// context-updating packets until its counter reaches oaRepetitions
	tosCount   int
	ttlCount   int
	dfCount    int
	protoCount int

	idWindow *wlsb.Window
}

// scratch is the per-packet working state computed at the start of encode.
type scratch struct {
	newSN  uint16
	snBits int

	sn4Possible  bool
	sn5Possible  bool
	sn13Possible bool

	outerIPIDBits int
	innerIPIDBits int

	sendStatic  int
	sendDynamic int

	packetType PacketType
}

// rfc3095Create initializes the generic block for a fresh context.
func rfc3095Create(ctx *context, pkt *ippkt.Packet) *rfc3095Context {
	comp := ctx.compressor
	g := &rfc3095Context{
		snWindow: wlsb.New(comp.wlsbWindowWidth, 16, wlsb.ShiftSN),
	}
	initIPInfo(&g.outer, &pkt.Outer, comp.wlsbWindowWidth)
	if pkt.Inner != nil {
		g.inner = &ipHeaderInfo{}
		initIPInfo(g.inner, pkt.Inner, comp.wlsbWindowWidth)
	}

	// SN starts at a random value (RFC 3095, §5.11.1)
	g.sn = uint16(comp.random())
	ctx.compressor.tracef(TraceDebug, ctx.profile.ID(),
		"initialize context(SN) = random() = %d", g.sn)
	return g
}

func initIPInfo(info *ipHeaderInfo, h *ippkt.Header, windowWidth int) {
	info.version = h.Version
	info.protocol = h.Protocol
	info.tos = h.TOS
	info.ttl = h.TTL
	info.df = h.DF
	info.id = h.ID
	// until proven otherwise the IP-ID is assumed sequential in network
	// byte order
	info.nbo = true
	info.idWindow = wlsb.New(windowWidth, 16, wlsb.ShiftIPID)
}

// lastHdr returns the change-tracking info of the innermost IP header.
func (g *rfc3095Context) lastHdr() *ipHeaderInfo {
	if g.inner != nil {
		return g.inner
	}
	return &g.outer
}

func (g *rfc3095Context) ipHdrCount() int {
	if g.inner != nil {
		return 2
	}
	return 1
}

// reinit forces the context back to IR for a full resynchronization.
func (g *rfc3095Context) reinit(ctx *context) {
	ctx.state = StateIR
	g.irCount = 0
	g.goBackIRCount = 0
	g.goBackFOCount = 0
	g.snWindow.Clear()
	g.outer.idWindow.Clear()
	if g.inner != nil {
		g.inner.idWindow.Clear()
	}
}

// rfc3095Feedback handles FEEDBACK-1/FEEDBACK-2 for IP-based profiles.
// A NACK or STATIC-NACK forces the context back to IR.
func rfc3095Feedback(ctx *context, g *rfc3095Context, fb *Feedback) {
	comp := ctx.compressor
	if fb.Type == 1 {
		// FEEDBACK-1 is an ACK: nothing to change in U-mode
		comp.tracef(TraceDebug, ctx.profile.ID(), "FEEDBACK-1 received (CID = %d)", ctx.cid)
		return
	}
	switch fb.AckType {
	case FeedbackAck:
		comp.tracef(TraceDebug, ctx.profile.ID(), "ACK received (CID = %d)", ctx.cid)
	case FeedbackNack, FeedbackStaticNack:
		comp.tracef(TraceInfo, ctx.profile.ID(),
			"NACK received (CID = %d), go back to IR state", ctx.cid)
		g.reinit(ctx)
	default:
		comp.tracef(TraceWarning, ctx.profile.ID(),
			"unknown feedback ack type %d (CID = %d)", fb.AckType, ctx.cid)
	}
}

// rfc3095Encode drives one packet through the generic engine: change
// detection, state machine, packet-type decision, packet construction and
// context update. It appends the compressed header to buf[:0].
func rfc3095Encode(ctx *context, g *rfc3095Context, pkt *ippkt.Packet, buf []byte) ([]byte, int, PacketType, error) {
	comp := ctx.compressor

	// 1. detect changed fields and IP-ID behaviour
	g.detectChanges(pkt)

	// 2. candidate SN for this packet
	g.tmp.newSN = g.hooks.nextSN(g, pkt)

	// 3. bits required for SN and offset IP-IDs
	g.computeBitsRequired(pkt)

	// 4. drive the state machine
	g.decideState(ctx)

	// 5. pick the packet type
	switch ctx.state {
	case StateIR:
		g.tmp.packetType = PacketIR
	case StateFO:
		g.tmp.packetType = g.hooks.decideFOPacket(ctx, g)
	case StateSO:
		g.tmp.packetType = g.hooks.decideSOPacket(ctx, g)
	}
	comp.tracef(TraceDebug, ctx.profile.ID(), "compress packet as %s (state %s, SN %d)",
		g.tmp.packetType, StateDescription(ctx.state), g.tmp.newSN)

	// 6. build the packet
	payloadOffset := g.hooks.payloadOffset(pkt)
	var (
		out []byte
		err error
	)
	switch g.tmp.packetType {
	case PacketIR:
		out, err = g.codeIR(ctx, pkt, buf, payloadOffset)
	case PacketIRDyn:
		out, err = g.codeIRDyn(ctx, pkt, buf, payloadOffset)
	case PacketUO0:
		out, err = g.codeUO0(ctx, pkt, buf, payloadOffset)
	case PacketUO1:
		out, err = g.codeUO1(ctx, pkt, buf, payloadOffset)
	case PacketUO1ID, PacketUO1TS, PacketUO1RTP,
		PacketUOR2ID, PacketUOR2TS, PacketUOR2RTP:
		out, err = codeRTPPacket(ctx, g, pkt, buf, payloadOffset)
	case PacketUOR2:
		out, err = g.codeUOR2(ctx, pkt, buf, payloadOffset)
	default:
		err = ErrEncodeFailed
	}
	if err != nil {
		return nil, 0, PacketUnknown, err
	}

	// 7. commit the new references and counters
	g.updateContext(ctx, pkt)

	return out, payloadOffset, g.tmp.packetType, nil
}

// detectChanges refreshes the per-header change tracking from the new packet
// and fills the sendStatic / sendDynamic scratch counters.
func (g *rfc3095Context) detectChanges(pkt *ippkt.Packet) {
	g.tmp.sendStatic = 0
	g.tmp.sendDynamic = 0

	dyn, stat := g.outer.detect(&pkt.Outer)
	g.tmp.sendDynamic += dyn
	g.tmp.sendStatic += stat
	if g.inner != nil && pkt.Inner != nil {
		dyn, stat = g.inner.detect(pkt.Inner)
		g.tmp.sendDynamic += dyn
		g.tmp.sendStatic += stat
	}
	if g.hooks.extraChanges != nil {
		dyn, stat = g.hooks.extraChanges(g, pkt)
		g.tmp.sendDynamic += dyn
		g.tmp.sendStatic += stat
	}
}

// detect updates one header's tracked fields against the observed header and
// returns how many dynamic and static fields still require transmission.
func (info *ipHeaderInfo) detect(h *ippkt.Header) (dyn, stat int) {
	if h.TOS != info.tos {
		info.tos = h.TOS
		info.tosCount = 0
	}
	if info.tosCount < oaRepetitions {
		dyn++
	}
	if h.TTL != info.ttl {
		info.ttl = h.TTL
		info.ttlCount = 0
	}
	if info.ttlCount < oaRepetitions {
		dyn++
	}
	if h.DF != info.df {
		info.df = h.DF
		info.dfCount = 0
	}
	if info.dfCount < oaRepetitions {
		dyn++
	}
	if h.Protocol != info.protocol {
		info.protocol = h.Protocol
		info.protoCount = 0
	}
	if info.protoCount < oaRepetitions {
		stat++
	}

	if h.Version == 4 {
		dyn += info.classifyIPID(h.ID)
	}
	return dyn, stat
}

// classifyIPID classifies the IPv4 identification behaviour against the
// previous packet and maintains the RND/NBO/SID stabilization counters.
// It returns the number of RND and NBO flips, which count as dynamic changes;
// a SID flip only restarts its counter.
func (info *ipHeaderInfo) classifyIPID(newID uint16) int {
	if !info.idSeen {
		info.idSeen = true
		info.id = newID
		return 0
	}

	var rnd, nbo, sid bool
	switch {
	case newID == info.id:
		sid = true
		nbo = info.nbo
	case seqDelta(info.id, newID) > 0 && seqDelta(info.id, newID) <= ipIDMaxDelta:
		nbo = true
	case seqDelta(swap16(info.id), swap16(newID)) > 0 &&
		seqDelta(swap16(info.id), swap16(newID)) <= ipIDMaxDelta:
		nbo = false
	default:
		rnd = true
		nbo = info.nbo
	}

	flips := 0
	if rnd == info.rnd {
		if info.rndCount < 1<<16 {
			info.rndCount++
		}
	} else {
		info.rnd = rnd
		info.rndCount = 0
		flips++
	}
	if nbo == info.nbo {
		if info.nboCount < 1<<16 {
			info.nboCount++
		}
	} else {
		info.nbo = nbo
		info.nboCount = 0
		flips++
	}
	if sid == info.sid {
		if info.sidCount < 1<<16 {
			info.sidCount++
		}
	} else {
		info.sid = sid
		info.sidCount = 0
	}

	info.id = newID
	return flips
}

// seqDelta computes the forward distance between two 16-bit wrapping values.
func seqDelta(old, new uint16) int {
	return int((new - old) & 0xffff)
}

func swap16(v uint16) uint16 {
	return v<<8 | v>>8
}

// computeBitsRequired fills the SN and IP-ID bit predicates for the new
// packet.
func (g *rfc3095Context) computeBitsRequired(pkt *ippkt.Packet) {
	g.tmp.snBits = g.snWindow.KNeeded(uint32(g.tmp.newSN))
	g.tmp.sn4Possible = g.tmp.snBits <= 4
	g.tmp.sn5Possible = g.tmp.snBits <= 5
	g.tmp.sn13Possible = g.tmp.snBits <= 13

	g.tmp.outerIPIDBits = g.outer.ipIDBits(&pkt.Outer, g.tmp.newSN)
	g.tmp.innerIPIDBits = 0
	if g.inner != nil && pkt.Inner != nil {
		g.tmp.innerIPIDBits = g.inner.ipIDBits(pkt.Inner, g.tmp.newSN)
	}
}

// ipIDBits computes the offset IP-ID for this packet and the W-LSB bits it
// requires. Non-IPv4 and random-IP-ID headers require no compressed bits.
func (info *ipHeaderInfo) ipIDBits(h *ippkt.Header, sn uint16) int {
	if h.Version != 4 || info.rnd {
		return 0
	}
	v := h.ID
	if !info.nbo {
		v = swap16(v)
	}
	info.idDelta = v - sn
	return info.idWindow.KNeeded(uint32(info.idDelta))
}

// behaviourConverged reports whether the optimistic approach considers the
// IPv4 header behaviour flags established for every IP header of the flow.
func (g *rfc3095Context) behaviourConverged() bool {
	if !g.outer.converged() {
		return false
	}
	if g.inner != nil && !g.inner.converged() {
		return false
	}
	return true
}

func (info *ipHeaderInfo) converged() bool {
	if info.version != 4 {
		return true
	}
	return info.rndCount >= oaRepetitions &&
		info.nboCount >= oaRepetitions &&
		info.sidCount >= oaRepetitions
}

// decideState applies the periodic refreshes and the upward/downward state
// transitions. Transitions are single-step per packet.
func (g *rfc3095Context) decideState(ctx *context) {
	comp := ctx.compressor

	// periodic refreshes operate on packet counts, not wall time
	if ctx.state != StateIR && g.goBackIRCount >= comp.irTimeout {
		comp.tracef(TraceDebug, ctx.profile.ID(),
			"periodic change to IR state (CID = %d)", ctx.cid)
		ctx.state = StateIR
		g.irCount = 0
		g.goBackIRCount = 0
		g.goBackFOCount = 0
		return
	}
	if ctx.state == StateSO && g.goBackFOCount >= comp.foTimeout {
		comp.tracef(TraceDebug, ctx.profile.ID(),
			"periodic change to FO state (CID = %d)", ctx.cid)
		ctx.state = StateFO
		g.foCount = 0
		g.goBackFOCount = 0
		return
	}

	switch ctx.state {
	case StateIR:
		if g.irCount >= maxIRCount &&
			g.tmp.sendStatic == 0 && g.tmp.sendDynamic == 0 &&
			g.behaviourConverged() {
			ctx.state = StateFO
			g.foCount = 0
		}
	case StateFO:
		if g.foCount >= maxFOCount &&
			g.tmp.sendStatic == 0 && g.tmp.sendDynamic == 0 &&
			g.behaviourConverged() && g.snWindow.Full() {
			ctx.state = StateSO
			g.soCount = 0
		}
	case StateSO:
		if g.tmp.sendStatic > 0 || g.tmp.sendDynamic > 0 {
			ctx.state = StateFO
			g.foCount = 0
		}
	}
}

// updateContext commits the packet that was just built: SN and IP-ID
// references, per-field repetition counters, state counters.
func (g *rfc3095Context) updateContext(ctx *context, pkt *ippkt.Packet) {
	g.sn = g.tmp.newSN
	g.snWindow.Add(uint32(g.sn))

	g.outer.commit(&pkt.Outer, g.tmp.packetType)
	if g.inner != nil && pkt.Inner != nil {
		g.inner.commit(pkt.Inner, g.tmp.packetType)
	}
	if g.hooks.commit != nil {
		g.hooks.commit(g)
	}

	switch ctx.state {
	case StateIR:
		g.irCount++
		g.goBackIRCount = 0
		g.goBackFOCount = 0
	case StateFO:
		g.foCount++
		g.goBackIRCount++
		g.goBackFOCount = 0
	case StateSO:
		g.soCount++
		g.goBackIRCount++
		g.goBackFOCount++
	}

	switch g.tmp.packetType {
	case PacketIR:
		ctx.numSentIR++
	case PacketIRDyn:
		ctx.numSentIRDyn++
	}
}

// commit records the transmitted references for one IP header.
func (info *ipHeaderInfo) commit(h *ippkt.Header, ptype PacketType) {
	if h.Version == 4 && !info.rnd {
		info.idWindow.Add(uint32(info.idDelta))
	}

	// fields carried by context-updating packets tick their repetition
	// counters
	updating := ptype == PacketIR || ptype == PacketIRDyn || ptype == PacketUOR2 ||
		ptype == PacketUOR2ID || ptype == PacketUOR2TS || ptype == PacketUOR2RTP
	if updating {
		if info.tosCount < oaRepetitions {
			info.tosCount++
		}
		if info.ttlCount < oaRepetitions {
			info.ttlCount++
		}
		if info.dfCount < oaRepetitions {
			info.dfCount++
		}
		if info.protoCount < oaRepetitions {
			info.protoCount++
		}
	}
}

// Bit-requirement helpers used by the packet deciders.

// noOuterIPIDBitsRequired reports that the outer header needs no compressed
// IP-ID bits: it is not IPv4, or its IP-ID is random (sent as-is), or zero
// W-LSB bits suffice.
func noOuterIPIDBitsRequired(g *rfc3095Context) bool {
	return g.outer.version != 4 || g.outer.rnd || g.tmp.outerIPIDBits == 0
}

// isOuterIPID6BitsPossible reports that the outer header is IPv4 with a
// non-random IP-ID encodable on at most 6 bits.
func isOuterIPID6BitsPossible(g *rfc3095Context) bool {
	return g.outer.version == 4 && !g.outer.rnd && g.tmp.outerIPIDBits <= 6
}

// noInnerIPIDBitsRequired is the inner-header analogue of
// noOuterIPIDBitsRequired; a missing inner header requires nothing.
func noInnerIPIDBitsRequired(g *rfc3095Context) bool {
	if g.inner == nil {
		return true
	}
	return g.inner.version != 4 || g.inner.rnd || g.tmp.innerIPIDBits == 0
}
