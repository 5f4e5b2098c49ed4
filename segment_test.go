package rohc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oprsystem/rohc/internal/crc"
)

// buildIPv6UDPPacket builds an IPv6/UDP packet with the given payload size.
func buildIPv6UDPPacket(payloadLen int) []byte {
	udpLen := 8 + payloadLen
	pkt := make([]byte, 40+udpLen)
	pkt[0] = 0x60
	pkt[4] = byte(udpLen >> 8)
	pkt[5] = byte(udpLen)
	pkt[6] = 17 // UDP
	pkt[7] = 64
	pkt[23] = 1 // src ::1
	pkt[39] = 2 // dst ::2
	udp := pkt[40:]
	udp[0], udp[1] = 0x30, 0x39 // src port 12345
	udp[2], udp[3] = 0x00, 0x35 // dst port 53
	udp[4] = byte(udpLen >> 8)
	udp[5] = byte(udpLen)
	udp[6], udp[7] = 0xbe, 0xef
	return pkt
}

func TestSegmentationRoundTrip(t *testing.T) {
	comp := newTestCompressor(t, ProfileUDP)
	require.NoError(t, comp.SetMRRU(1500))

	in := buildIPv6UDPPacket(1152) // 1200-byte packet
	small := make([]byte, 3)

	_, err := comp.Compress(time.Time{}, in, small)
	require.ErrorIs(t, err, ErrSegmentRequired)

	// drain the segments with 100-byte buffers: all non-final segments
	// start with 0xFE, the last one with 0xFF
	var reassembled []byte
	buf := make([]byte, 100)
	segments := 0
	for {
		n, final, err := comp.GetSegment(buf)
		require.NoError(t, err)
		require.Greater(t, n, 1)
		segments++
		if final {
			assert.Equal(t, byte(0xff), buf[0])
		} else {
			assert.Equal(t, byte(0xfe), buf[0])
			assert.Equal(t, 100, n, "non-final segments fill the buffer")
		}
		reassembled = append(reassembled, buf[1:n]...)
		if final {
			break
		}
	}
	assert.Greater(t, segments, 2)

	// the reassembled unit is header ‖ payload ‖ FCS-32 and must not exceed
	// the MRRU
	require.LessOrEqual(t, len(reassembled), 1500)
	require.Greater(t, len(reassembled), crc.FCS32Len)

	body := reassembled[:len(reassembled)-crc.FCS32Len]
	trailer := reassembled[len(reassembled)-crc.FCS32Len:]
	fcs := crc.NewTables().CalcFCS32(body, crc.InitFCS32)
	want := []byte{byte(fcs), byte(fcs >> 8), byte(fcs >> 16), byte(fcs >> 24)}
	assert.Equal(t, want, trailer, "FCS-32 must verify over the reassembled unit")

	// the header of the reassembled packet is a plain IR
	assert.Equal(t, byte(0xfd), body[0])
	assert.Equal(t, byte(ProfileUDP), body[1])

	// no further segment is available
	_, _, err = comp.GetSegment(buf)
	assert.ErrorIs(t, err, ErrNoSegment)
}

func TestSegmentationDisabled(t *testing.T) {
	comp := newTestCompressor(t, ProfileUDP)
	// MRRU stays 0: segmentation is off

	in := buildIPv6UDPPacket(512)
	small := make([]byte, 3)
	_, err := comp.Compress(time.Time{}, in, small)
	assert.ErrorIs(t, err, ErrTooLargeForMRRU)
}

func TestSegmentationTooLargeForMRRU(t *testing.T) {
	comp := newTestCompressor(t, ProfileUDP)
	require.NoError(t, comp.SetMRRU(100))

	in := buildIPv6UDPPacket(512)
	small := make([]byte, 3)
	_, err := comp.Compress(time.Time{}, in, small)
	assert.ErrorIs(t, err, ErrTooLargeForMRRU)
}

func TestSegmentationCarriesFeedback(t *testing.T) {
	comp := newTestCompressor(t, ProfileUDP)
	require.NoError(t, comp.SetMRRU(1500))
	require.NoError(t, comp.PiggybackFeedback([]byte{0x11, 0x22}))

	in := buildIPv6UDPPacket(512)
	small := make([]byte, 3)
	_, err := comp.Compress(time.Time{}, in, small)
	require.ErrorIs(t, err, ErrSegmentRequired)

	// feedback was unlocked by the segmentation path and re-attaches to the
	// first segment
	require.Equal(t, 3, comp.FeedbackAvailBytes())

	buf := make([]byte, 200)
	n, _, err := comp.GetSegment(buf)
	require.NoError(t, err)
	require.Greater(t, n, 3)
	assert.Equal(t, byte(0xf0|2), buf[0])
	assert.Equal(t, []byte{0x11, 0x22}, buf[1:3])
	assert.Equal(t, byte(0xfe), buf[3], "segment header follows the feedback")

	// consumed by the successful segment emission
	assert.Equal(t, 0, comp.FeedbackAvailBytes())
}

func TestGetSegmentErrors(t *testing.T) {
	comp := newTestCompressor(t, ProfileUDP)

	buf := make([]byte, 100)
	_, _, err := comp.GetSegment(buf)
	assert.ErrorIs(t, err, ErrNoSegment)

	require.NoError(t, comp.SetMRRU(1500))
	in := buildIPv6UDPPacket(512)
	small := make([]byte, 3)
	_, err = comp.Compress(time.Time{}, in, small)
	require.ErrorIs(t, err, ErrSegmentRequired)

	_, _, err = comp.GetSegment(buf[:1])
	assert.ErrorIs(t, err, ErrOutputTooSmall)
}
