package rohc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRandom makes SN initialization deterministic in tests.
func fixedRandom(value uint32) RandomFunc {
	return func(any) uint32 { return value }
}

// newTestCompressor builds a small-CID compressor with the given profiles
// enabled and a fixed random seed.
func newTestCompressor(t *testing.T, profiles ...uint16) *Compressor {
	t.Helper()
	comp, err := New(SmallCID, SmallCIDMax)
	require.NoError(t, err)
	require.NoError(t, comp.SetRandomCallback(fixedRandom(42), nil))
	for _, id := range profiles {
		require.NoError(t, comp.EnableProfile(id))
	}
	return comp
}

// buildIPv4Packet builds an IPv4 header with the given identification and
// protocol, followed by payloadLen zero bytes.
func buildIPv4Packet(id uint16, proto uint8, payloadLen int) []byte {
	total := 20 + payloadLen
	hdr := []byte{
		0x45, 0x00,
		byte(total >> 8), byte(total),
		byte(id >> 8), byte(id),
		0x40, 0x00, // DF
		64, proto,
		0x00, 0x00,
		192, 0, 2, 1,
		192, 0, 2, 2,
	}
	return append(hdr, make([]byte, payloadLen)...)
}

// feedN compresses n packets of an ICMP-like IPv4 flow whose IP-ID tracks
// the internal SN, returning the produced packets.
func feedN(t *testing.T, comp *Compressor, n int) [][]byte {
	t.Helper()
	outs := make([][]byte, 0, n)
	out := make([]byte, 4096)
	for i := 1; i <= n; i++ {
		in := buildIPv4Packet(uint16(i), 1, 64)
		written, err := comp.Compress(time.Time{}, in, out)
		require.NoError(t, err, "packet %d", i)
		pkt := make([]byte, written)
		copy(pkt, out[:written])
		outs = append(outs, pkt)
	}
	return outs
}

func TestCompressIPOnlyFlow(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	outs := feedN(t, comp, 8)

	// packets 1-3 initialize the context with IR packets: type octet with
	// the D bit, profile ID, CRC-8, static chain (10 bytes), dynamic chain
	// (5 bytes), 16-bit SN
	for i := 0; i < 3; i++ {
		require.Equal(t, byte(0xfd), outs[i][0], "packet %d type octet", i+1)
		assert.Equal(t, byte(ProfileIP), outs[i][1], "packet %d profile", i+1)
	}

	// the SN of the first IR is the random init plus one
	irHdrLen := 3 + 10 + 5 + 2
	sn0 := binary.BigEndian.Uint16(outs[0][irHdrLen-2 : irHdrLen])
	assert.Equal(t, uint16(43), sn0, "SN starts at random()+1")

	// SN increments by exactly one per packet on the context
	sn1 := binary.BigEndian.Uint16(outs[1][irHdrLen-2 : irHdrLen])
	assert.Equal(t, sn0+1, sn1)

	// packets 4-6 run in FO state as UOR-2: 110 + 5 SN bits
	for i := 3; i < 6; i++ {
		assert.Equal(t, byte(0xc0), outs[i][0]&0xe0, "packet %d should be UOR-2", i+1)
		assert.Equal(t, byte(sn0+uint16(i))&0x1f, outs[i][0]&0x1f, "packet %d UOR-2 SN bits", i+1)
	}

	// packets 7+ reach SO state and shrink to the 1-byte UO-0 header
	for i := 6; i < 8; i++ {
		assert.Equal(t, byte(0), outs[i][0]&0x80, "packet %d should be UO-0", i+1)
		assert.Len(t, outs[i], 1+64, "packet %d must be a 1-byte header plus payload", i+1)
		wantSN := byte(sn0+uint16(i)) & 0x0f
		assert.Equal(t, wantSN, outs[i][0]>>3&0x0f, "packet %d UO-0 SN bits", i+1)
	}

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, PacketUO0, info.PacketType)
	assert.Equal(t, StateSO, info.ContextState)
	assert.Equal(t, ModeU, info.ContextMode)
	assert.Equal(t, ProfileIP, info.ProfileID)
}

func TestCompressAddCIDOctet(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	out := make([]byte, 4096)

	// first flow takes CID 0: no Add-CID octet
	in := buildIPv4Packet(1, 1, 32)
	n, err := comp.Compress(time.Time{}, in, out)
	require.NoError(t, err)
	assert.Equal(t, byte(0xfd), out[0])

	// a second flow takes CID 1 and gets the 0xE1 prefix
	in2 := buildIPv4Packet(1, 47, 32) // different protocol, same addresses
	in2[15] = 9                       // different source address -> new flow
	n, err = comp.Compress(time.Time{}, in2, out)
	require.NoError(t, err)
	require.Greater(t, n, 2)
	assert.Equal(t, byte(0xe1), out[0], "Add-CID octet for CID 1")
	assert.Equal(t, byte(0xfd), out[1])
}

func TestCompressUncompressedProfile(t *testing.T) {
	comp := newTestCompressor(t, ProfileUncompressed)
	out := make([]byte, 4096)
	in := buildIPv4Packet(7, 132, 40)

	// the first packets are IR: type octet, profile 0x0000, CRC-8, then the
	// original packet as payload
	for i := 0; i < 3; i++ {
		n, err := comp.Compress(time.Time{}, in, out)
		require.NoError(t, err)
		require.Equal(t, 3+len(in), n)
		assert.Equal(t, byte(0xfc), out[0])
		assert.Equal(t, byte(0x00), out[1])
	}

	// afterwards Normal packets carry the type octet plus the raw packet
	n, err := comp.Compress(time.Time{}, in, out)
	require.NoError(t, err)
	require.Equal(t, 1+len(in), n)
	assert.Equal(t, byte(0xfc), out[0])
	assert.Equal(t, in, out[1:n])

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, PacketNormal, info.PacketType)
}

func TestCompressNoProfile(t *testing.T) {
	comp, err := New(SmallCID, SmallCIDMax)
	require.NoError(t, err)
	out := make([]byte, 4096)

	_, err = comp.Compress(time.Time{}, buildIPv4Packet(1, 1, 16), out)
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestCompressInvalidInput(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	out := make([]byte, 4096)

	_, err := comp.Compress(time.Time{}, nil, out)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = comp.Compress(time.Time{}, buildIPv4Packet(1, 1, 16), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// garbage version nibble
	_, err = comp.Compress(time.Time{}, []byte{0x10, 0x00, 0x00, 0x00}, out)
	assert.Error(t, err)
}

func TestConfigFreezeAfterFirstPacket(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	require.NoError(t, comp.SetWLSBWindowWidth(8))
	require.NoError(t, comp.SetPeriodicRefreshes(500, 100))
	require.NoError(t, comp.SetMRRU(2000))

	feedN(t, comp, 1)

	assert.ErrorIs(t, comp.SetWLSBWindowWidth(16), ErrFrozen)
	assert.ErrorIs(t, comp.SetPeriodicRefreshes(1000, 200), ErrFrozen)
	assert.ErrorIs(t, comp.SetMRRU(3000), ErrFrozen)
	assert.ErrorIs(t, comp.SetTraceCallback(nil), ErrFrozen)

	// per-packet toggles stay available
	assert.NoError(t, comp.PiggybackFeedback([]byte{0xf1}))
	assert.NoError(t, comp.AddRTPPort(9000))
	comp.ForceContextsReinit()
}

func TestSetterValidation(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)

	assert.ErrorIs(t, comp.SetWLSBWindowWidth(3), ErrInvalidInput)
	assert.ErrorIs(t, comp.SetWLSBWindowWidth(0), ErrInvalidInput)
	assert.ErrorIs(t, comp.SetPeriodicRefreshes(100, 100), ErrInvalidInput)
	assert.ErrorIs(t, comp.SetPeriodicRefreshes(0, 0), ErrInvalidInput)
	assert.ErrorIs(t, comp.SetMRRU(MaxMRRU+1), ErrInvalidInput)
	assert.ErrorIs(t, comp.EnableProfile(0x1234), ErrUnknownProfile)
	assert.ErrorIs(t, comp.AddRTPPort(0), ErrInvalidInput)
	assert.ErrorIs(t, comp.AddRTPPort(70000), ErrInvalidInput)

	_, err := New(SmallCID, SmallCIDMax+1)
	assert.Error(t, err)
	_, err = New(LargeCID, LargeCIDMax+1)
	assert.Error(t, err)
}

func TestForceContextsReinit(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	feedN(t, comp, 8)

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	require.Equal(t, StateSO, info.ContextState)

	comp.ForceContextsReinit()

	out := make([]byte, 4096)
	_, err = comp.Compress(time.Time{}, buildIPv4Packet(9, 1, 64), out)
	require.NoError(t, err)
	assert.Equal(t, byte(0xfd), out[0], "reinitialized context must send IR")
}

func TestContextRecycling(t *testing.T) {
	comp, err := New(SmallCID, 1) // two context slots
	require.NoError(t, err)
	require.NoError(t, comp.SetRandomCallback(fixedRandom(7), nil))
	require.NoError(t, comp.EnableProfile(ProfileIP))

	out := make([]byte, 4096)
	flow := func(srcLastOctet byte) []byte {
		in := buildIPv4Packet(1, 1, 16)
		in[15] = srcLastOctet
		return in
	}

	base := time.Unix(1000000, 0)
	_, err = comp.Compress(base, flow(1), out)
	require.NoError(t, err)
	_, err = comp.Compress(base.Add(10*time.Second), flow(2), out)
	require.NoError(t, err)
	assert.Equal(t, 2, comp.GetGeneralInfo().ContextsUsed)

	// keep flow 1 fresh, then add a third flow: the stale flow-2 context
	// is the recycling victim
	_, err = comp.Compress(base.Add(20*time.Second), flow(1), out)
	require.NoError(t, err)
	_, err = comp.Compress(base.Add(30*time.Second), flow(3), out)
	require.NoError(t, err)
	assert.Equal(t, 2, comp.GetGeneralInfo().ContextsUsed)

	info, err := comp.GetLastPacketInfo()
	require.NoError(t, err)
	assert.Equal(t, 1, info.ContextID, "flow 3 must recycle the stale CID 1")
	assert.True(t, info.IsContextInit)
}

func TestGeneralInfoCounters(t *testing.T) {
	comp := newTestCompressor(t, ProfileIP)
	outs := feedN(t, comp, 4)

	var compressed int
	for _, p := range outs {
		compressed += len(p)
	}
	info := comp.GetGeneralInfo()
	assert.Equal(t, 4, info.Packets)
	assert.Equal(t, 1, info.ContextsUsed)
	assert.Equal(t, uint64(4*(20+64)), info.UncompBytes)
	assert.Equal(t, uint64(compressed), info.CompBytes)
}

func TestStateAndModeDescriptions(t *testing.T) {
	assert.Equal(t, "IR", StateDescription(StateIR))
	assert.Equal(t, "FO", StateDescription(StateFO))
	assert.Equal(t, "SO", StateDescription(StateSO))
	assert.Equal(t, "no description", StateDescription(State(9)))
	assert.Equal(t, "U-mode", ModeDescription(ModeU))
}
