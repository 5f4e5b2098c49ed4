package rohc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUO1WhenIPIDNeedsBits(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	out := make([]byte, 4096)

	// the IP-ID steps by 2 while the SN steps by 1: the offset IP-ID
	// drifts by one per packet, so UO-0 is unavailable but UO-1's 6 bits
	// are plenty
	for i := 1; i <= 12; i++ {
		in := buildIPv4Packet(uint16(2*i), 1, 48)
		_, err := comp.Compress(time.Time{}, in, out)
		require.NoError(t, err, "packet %d", i)
	}

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, PacketUO1, info.PacketType)
	assert.Equal(t, StateSO, info.ContextState)
	assert.Equal(t, byte(0x80), out[0]&0xc0, "UO-1 discriminator")
	assert.Len(t, out[:info.TotalLastCompSize], 2+48)
}

func TestLargeCIDEncoding(t *testing.T) {
	comp, err := New(LargeCID, 1000)
	require.NoError(t, err)
	require.NoError(t, comp.SetRandomCallback(fixedRandom(42), nil))
	require.NoError(t, comp.EnableProfile(ProfileIP))

	out := make([]byte, 4096)
	n, err := comp.Compress(time.Time{}, buildIPv4Packet(1, 1, 32), out)
	require.NoError(t, err)
	require.Greater(t, n, 3)

	// large CIDs follow the packet-type octet as SDVL values
	assert.Equal(t, byte(0xfd), out[0])
	assert.Equal(t, byte(0x00), out[1], "CID 0 as a 1-byte SDVL value")
	assert.Equal(t, byte(ProfileIP), out[2])
	assert.Equal(t, CIDType(LargeCID), comp.CID())
	assert.Equal(t, 1000, comp.MaxCID())
}

func TestTunneledFlow(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	out := make([]byte, 4096)

	build := func(outerID, innerID uint16) []byte {
		inner := buildIPv4Packet(innerID, 1, 32)
		innerTotal := len(inner)
		total := 20 + innerTotal
		hdr := []byte{
			0x45, 0x00,
			byte(total >> 8), byte(total),
			byte(outerID >> 8), byte(outerID),
			0x40, 0x00,
			64, 4, // IPv4-in-IP
			0x00, 0x00,
			10, 0, 0, 1,
			10, 0, 0, 2,
		}
		return append(hdr, inner...)
	}

	var lastLen int
	for i := 1; i <= 12; i++ {
		in := build(uint16(i), uint16(i))
		n, err := comp.Compress(time.Time{}, in, out)
		require.NoError(t, err, "packet %d", i)
		lastLen = n
	}

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, ProfileIP, info.ProfileID)
	assert.Equal(t, PacketUO0, info.PacketType, "both IP-IDs track the SN")
	assert.Equal(t, 1+32, lastLen, "both headers compress away")
}

func TestUDPLiteFlow(t *testing.T) {
	comp := newTestCompressor(t, ProfileUDPLite)
	out := make([]byte, 4096)

	build := func(id uint16) []byte {
		pkt := buildIPv4Packet(id, 136, 0)
		udp := make([]byte, 8+24)
		binary.BigEndian.PutUint16(udp[0:2], 6000)
		binary.BigEndian.PutUint16(udp[2:4], 6001)
		binary.BigEndian.PutUint16(udp[4:6], 16)     // checksum coverage
		binary.BigEndian.PutUint16(udp[6:8], 0x1234) // checksum
		pkt = append(pkt, udp...)
		// fix the total length
		total := len(pkt)
		pkt[2], pkt[3] = byte(total>>8), byte(total)
		return pkt
	}

	for i := 1; i <= 12; i++ {
		_, err := comp.Compress(time.Time{}, build(uint16(i)), out)
		require.NoError(t, err, "packet %d", i)
	}

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, ProfileUDPLite, info.ProfileID)
	assert.Equal(t, PacketUO0, info.PacketType)
	// UO-0 octet plus the mandatory UDP-Lite checksum, then the payload
	assert.Equal(t, 1+2+24, info.TotalLastCompSize)
}

func TestESPFlow(t *testing.T) {
	comp := newTestCompressor(t, ProfileESP)
	out := make([]byte, 4096)

	build := func(id uint16, seq uint32) []byte {
		pkt := buildIPv4Packet(id, 50, 0)
		esp := make([]byte, 8+16)
		binary.BigEndian.PutUint32(esp[0:4], 0x11223344) // SPI
		binary.BigEndian.PutUint32(esp[4:8], seq)
		pkt = append(pkt, esp...)
		total := len(pkt)
		pkt[2], pkt[3] = byte(total>>8), byte(total)
		return pkt
	}

	for i := 1; i <= 12; i++ {
		_, err := comp.Compress(time.Time{}, build(uint16(i), uint32(i)), out)
		require.NoError(t, err, "packet %d", i)
	}

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, ProfileESP, info.ProfileID)
	assert.Equal(t, PacketUO0, info.PacketType)
	// the untracked ESP sequence number rides along uncompressed
	assert.Equal(t, 1+4+16, info.TotalLastCompSize)
}

func TestProfilePriorityOrder(t *testing.T) {
	// with both UDP and IP-only enabled, UDP traffic must pick the more
	// specific profile
	comp := newTestCompressor(t, ProfileUDP, ProfileIP)
	out := make([]byte, 4096)

	pkt := buildIPv4Packet(1, 17, 0)
	udp := []byte{0x10, 0x00, 0x20, 0x00, 0x00, 0x10, 0x00, 0x00}
	pkt = append(pkt, udp...)
	pkt = append(pkt, make([]byte, 8)...)
	total := len(pkt)
	pkt[2], pkt[3] = byte(total>>8), byte(total)

	_, err := comp.Compress(time.Time{}, pkt, out)
	require.NoError(t, err)
	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, ProfileUDP, info.ProfileID)

	// a non-UDP packet falls through to IP-only
	_, err = comp.Compress(time.Time{}, buildIPv4Packet(1, 1, 8), out)
	require.NoError(t, err)
	info, err = comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, ProfileIP, info.ProfileID)
}
