package rohc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedbackRingBasics(t *testing.T) {
	var ring feedbackRing

	out := make([]byte, 64)
	require.Equal(t, 0, ring.get(out), "empty ring yields nothing")

	require.NoError(t, ring.piggyback([]byte{0xaa, 0xbb}))

	n := ring.get(out)
	require.Equal(t, 3, n)
	assert.Equal(t, byte(0xf0|2), out[0], "small feedback uses the 3-bit length form")
	assert.Equal(t, []byte{0xaa, 0xbb}, out[1:3])

	// the entry is locked, not gone
	assert.Equal(t, 0, ring.get(out), "locked entry must not be drained twice")

	// rollback makes it available again
	ring.unlock()
	n = ring.get(out)
	require.Equal(t, 3, n)

	// commit frees it
	ring.removeLocked()
	assert.Equal(t, 0, ring.get(out))
}

func TestFeedbackLargeLengthPrefix(t *testing.T) {
	var ring feedbackRing
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, ring.piggyback(data))

	out := make([]byte, 64)
	n := ring.get(out)
	require.Equal(t, 22, n)
	assert.Equal(t, byte(0xf0), out[0])
	assert.Equal(t, byte(20), out[1])
	assert.Equal(t, data, out[2:22])
}

func TestFeedbackRingFull(t *testing.T) {
	var ring feedbackRing
	for i := 0; i < feedbackRingSize-1; i++ {
		require.NoError(t, ring.piggyback([]byte{byte(i)}))
	}
	// the slot at next == first still being empty, one more fits
	require.NoError(t, ring.piggyback([]byte{0xff}))
	assert.ErrorIs(t, ring.piggyback([]byte{0x00}), ErrFeedbackRingFull)
}

func TestFeedbackTooLargeForBuffer(t *testing.T) {
	var ring feedbackRing
	require.NoError(t, ring.piggyback([]byte{1, 2, 3, 4, 5}))

	small := make([]byte, 3)
	assert.Equal(t, -1, ring.get(small), "entry must not be split across buffers")

	// still unlocked and retrievable with a big enough buffer
	big := make([]byte, 16)
	assert.Equal(t, 6, ring.get(big))
}

func TestFeedbackPiggybackedOnCompress(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	require.NoError(t, comp.PiggybackFeedback([]byte{0xe3, 0x01}))
	require.Equal(t, 3, comp.FeedbackAvailBytes())

	out := make([]byte, 4096)
	n, err := comp.Compress(time.Time{}, buildIPv4Packet(1, 1, 16), out)
	require.NoError(t, err)

	// the feedback block leads the ROHC packet
	assert.Equal(t, byte(0xf0|2), out[0])
	assert.Equal(t, []byte{0xe3, 0x01}, out[1:3])
	assert.Equal(t, byte(0xfd), out[3], "IR header follows the feedback")
	assert.Greater(t, n, 3)

	// a successful compress consumes the feedback
	assert.Equal(t, 0, comp.FeedbackAvailBytes())
}

func TestFeedbackFlushTwoPhase(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	require.NoError(t, comp.PiggybackFeedback([]byte{0x01}))
	require.NoError(t, comp.PiggybackFeedback([]byte{0x02}))

	out := make([]byte, 64)
	n := comp.FeedbackFlush(out)
	require.Equal(t, 4, n, "both entries flushed with their prefixes")

	// rollback: the data must be sent again
	comp.UnlockFeedback()
	assert.Equal(t, 4, comp.FeedbackAvailBytes())

	n = comp.FeedbackFlush(out)
	require.Equal(t, 4, n)

	// commit: nothing left
	comp.RemoveLockedFeedback()
	assert.Equal(t, 0, comp.FeedbackAvailBytes())
	assert.Equal(t, 0, comp.FeedbackFlush(out))
}

func TestDeliverFeedbackUnknownCID(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)

	// ACK for CID 3 while no context exists: warn, ignore, succeed
	fb := []byte{0xe3, 0x00, 0x01, 0x02}
	assert.True(t, comp.DeliverFeedback(fb))
	assert.Equal(t, 0, comp.GetGeneralInfo().ContextsUsed)
}

func TestDeliverFeedbackNackForcesIR(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	feedN(t, comp, 8)

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	require.Equal(t, StateSO, info.ContextState)

	// FEEDBACK-2 NACK (ack type 1) for CID 0
	nack := []byte{0x40, 0x12}
	require.True(t, comp.DeliverFeedback(nack))

	out := make([]byte, 4096)
	_, err = comp.Compress(time.Time{}, buildIPv4Packet(9, 1, 64), out)
	require.NoError(t, err)
	assert.Equal(t, byte(0xfd), out[0], "NACK must force the context back to IR")
}

func TestDeliverFeedbackMalformed(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	assert.False(t, comp.DeliverFeedback(nil))

	// large-CID channel with a truncated SDVL CID
	large, err := New(LargeCID, 100)
	require.NoError(t, err)
	assert.False(t, large.DeliverFeedback([]byte{0x80}))
}
