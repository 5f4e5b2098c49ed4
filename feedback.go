package rohc

import (
	"github.com/oprsystem/rohc/internal/metrics"
	"github.com/oprsystem/rohc/internal/sdvl"
)

// Feedback ack types carried by FEEDBACK-2 (RFC 3095 §5.7.6.1).
const (
	FeedbackAck        uint8 = 0
	FeedbackNack       uint8 = 1
	FeedbackStaticNack uint8 = 2
)

// Feedback is a feedback packet delivered by the decompressor side, parsed
// enough to route it to a context.
type Feedback struct {
	CID     int
	Type    int   // 1 for FEEDBACK-1, 2 for FEEDBACK-2
	AckType uint8 // FEEDBACK-2 only
	Data    []byte
	// SpecificOffset is where the profile-specific feedback bytes start
	// within Data (after the CID information).
	SpecificOffset int
}

// feedbackEntry is one ring slot. Locking spans API calls: an entry locked
// by a drain stays locked until the caller commits (RemoveLockedFeedback)
// or rolls back (UnlockFeedback).
type feedbackEntry struct {
	data   []byte
	locked bool
}

// feedbackRing is the two-phase piggybacked-feedback buffer.
//
// Invariant: first <= firstUnlocked <= next (modulo ring size), and every
// locked slot lies in [first, firstUnlocked). The ring is empty iff
// first == next and the slot at first holds no data; full iff first == next
// and the slot holds data.
type feedbackRing struct {
	entries       [feedbackRingSize]feedbackEntry
	first         int
	firstUnlocked int
	next          int
}

// piggyback admits feedback bytes at the ring tail.
func (r *feedbackRing) piggyback(data []byte) error {
	if r.next == r.first && len(r.entries[r.first].data) > 0 {
		return ErrFeedbackRingFull
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.entries[r.next] = feedbackEntry{data: buf}
	r.next = (r.next + 1) % feedbackRingSize
	return nil
}

// get formats at most one unlocked feedback entry into out, prefixed with
// the RFC 3095 §5.2.2 length octet(s), locks the entry and advances the
// unlocked boundary. It returns the number of bytes written: 0 when nothing
// is available, -1 when the next entry does not fit in out.
func (r *feedbackRing) get(out []byte) int {
	switch {
	case r.first == r.next && len(r.entries[r.first].data) == 0:
		// ring is empty
		return 0
	case r.firstUnlocked == r.next && len(r.entries[r.firstUnlocked].data) == 0:
		// ring is not full and every entry is locked
		return 0
	case r.firstUnlocked == r.next && r.entries[r.firstUnlocked].locked:
		// ring is full and every entry is locked
		return 0
	}

	data := r.entries[r.firstUnlocked].data
	required := len(data) + 1
	if len(data) >= 8 {
		required++
	}
	if required > len(out) {
		return -1
	}

	pos := 0
	if len(data) < 8 {
		// small length, 3 bits in the prefix octet
		out[pos] = 0xf0 | byte(len(data))
		pos++
	} else {
		// large length, dedicated second octet
		out[pos] = 0xf0
		pos++
		out[pos] = byte(len(data))
		pos++
	}
	copy(out[pos:], data)

	r.entries[r.firstUnlocked].locked = true
	r.firstUnlocked = (r.firstUnlocked + 1) % feedbackRingSize

	return pos + len(data)
}

// removeLocked frees every locked entry; this commits the transaction
// started by get.
func (r *feedbackRing) removeLocked() {
	for r.entries[r.first].locked {
		r.entries[r.first] = feedbackEntry{}
		r.first = (r.first + 1) % feedbackRingSize
	}
}

// unlock clears the locked flag on every entry and rewinds the unlocked
// boundary; this rolls the transaction back so the data is drained again
// later.
func (r *feedbackRing) unlock() {
	i := r.first
	for r.entries[i].locked {
		r.entries[i].locked = false
		i = (i + 1) % feedbackRingSize
	}
	r.firstUnlocked = r.first
}

// availBytes sums the formatted size of every unlocked entry.
func (r *feedbackRing) availBytes() int {
	total := 0
	for i := range r.entries {
		e := &r.entries[i]
		if len(e.data) == 0 || e.locked {
			continue
		}
		total += len(e.data) + 1
		if len(e.data) >= 8 {
			total++
		}
	}
	return total
}

// drainFeedback writes available feedback entries at the start of out while
// no more than maxTotal bytes have been written, so the last entry may end
// past maxTotal, and returns the number of bytes written.
func (c *Compressor) drainFeedback(out []byte, maxTotal int) int {
	total := 0
	for total <= maxTotal {
		n := c.feedbacks.get(out[total:])
		if n <= 0 {
			break
		}
		total += n
	}
	if total > 0 {
		metrics.FeedbackBytesTotal.Add(float64(total))
	}
	return total
}

// PiggybackFeedback queues feedback bytes for the next outgoing ROHC packet.
func (c *Compressor) PiggybackFeedback(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidInput
	}
	if err := c.feedbacks.piggyback(data); err != nil {
		c.tracef(TraceError, ProfileGeneral, "no place in buffer for feedback data")
		return err
	}
	c.tracef(TraceDebug, ProfileGeneral,
		"%d byte(s) of feedback added to the next outgoing ROHC packet", len(data))
	return nil
}

// FeedbackFlush drains as much unsent feedback as fits into out and returns
// the number of bytes written. The drained entries stay locked until
// RemoveLockedFeedback or UnlockFeedback closes the transaction.
func (c *Compressor) FeedbackFlush(out []byte) int {
	if len(out) == 0 {
		return 0
	}
	total := 0
	for {
		n := c.feedbacks.get(out[total:])
		if n <= 0 {
			break
		}
		total += n
	}
	c.tracef(TraceDebug, ProfileGeneral, "flush %d bytes of feedback", total)
	return total
}

// FeedbackAvailBytes returns the formatted size of the unsent feedback data.
func (c *Compressor) FeedbackAvailBytes() int {
	return c.feedbacks.availBytes()
}

// RemoveLockedFeedback commits a feedback transaction: every entry locked by
// a drain is freed.
func (c *Compressor) RemoveLockedFeedback() {
	c.feedbacks.removeLocked()
}

// UnlockFeedback rolls a feedback transaction back: every locked entry is
// unlocked so that it is sent again later.
func (c *Compressor) UnlockFeedback() {
	c.feedbacks.unlock()
}

// DeliverFeedback hands a feedback packet received from the decompressor to
// the compressor. Malformed or unroutable feedback is dropped with a warning
// rather than failing the caller's receive path.
func (c *Compressor) DeliverFeedback(packet []byte) bool {
	if len(packet) == 0 {
		return false
	}

	fb := Feedback{Data: packet}
	p := packet

	if c.cidType == LargeCID {
		cid, _, n, err := sdvl.Decode(p)
		if err != nil || n > 2 {
			c.tracef(TraceWarning, ProfileGeneral,
				"failed to decode SDVL-encoded large CID field")
			return false
		}
		fb.CID = int(cid)
		p = p[n:]
	} else {
		if p[0]>>4 == 0xe {
			// Add-CID octet
			fb.CID = int(p[0] & 0x0f)
			p = p[1:]
		}
	}
	c.tracef(TraceDebug, ProfileGeneral, "feedback CID = %d", fb.CID)

	fb.SpecificOffset = len(packet) - len(p)
	if len(p) == 1 {
		fb.Type = 1 // FEEDBACK-1
	} else if len(p) > 1 {
		fb.Type = 2 // FEEDBACK-2
		fb.AckType = p[0] >> 6
	} else {
		c.tracef(TraceWarning, ProfileGeneral, "feedback carries no data")
		return false
	}

	ctx := c.getContext(fb.CID)
	if ctx == nil {
		// unknown context: warn, ignore, succeed (the channel stays up)
		c.tracef(TraceWarning, ProfileGeneral, "context not found (CID = %d)", fb.CID)
		return true
	}

	ctx.numRecvFeedbacks++
	ctx.profile.Feedback(ctx, &fb)
	return true
}
