// Package rohc implements the compression side of RObust Header Compression
// as defined by RFC 3095 (framework, RTP/UDP/ESP/Uncompressed profiles),
// RFC 3843 (IP-only profile) and RFC 3828/4019 (UDP-Lite profile).
//
// A Compressor turns uncompressed IP packets (IPv4/IPv6, optionally carrying
// UDP, UDP-Lite, ESP or RTP) into ROHC packets whose headers are typically a
// handful of bytes. The compressor performs no I/O: it consumes a packet
// buffer plus an optional arrival time and emits bytes. All operations on a
// single Compressor must be externally serialized; independent instances
// share no state.
package rohc

import "errors"

// CIDType selects the context identifier space of a ROHC channel.
type CIDType int

const (
	// SmallCID uses CIDs in [0, 15], carried in Add-CID octets.
	SmallCID CIDType = iota
	// LargeCID uses CIDs in [0, 16383], carried as SDVL values.
	LargeCID
)

func (t CIDType) String() string {
	switch t {
	case SmallCID:
		return "small"
	case LargeCID:
		return "large"
	default:
		return "unknown"
	}
}

// CID bounds and segmentation limit.
const (
	SmallCIDMax = 15
	LargeCIDMax = 16383

	// MaxMRRU bounds the Maximum Reconstructed Reception Unit, the
	// 32-bit reassembly CRC included.
	MaxMRRU = 65535
)

// Profile identifiers allocated by the IANA (RFC 3095 §8, RFC 3843 §5,
// RFC 4019 §7).
const (
	ProfileUncompressed uint16 = 0x0000
	ProfileRTP          uint16 = 0x0001
	ProfileUDP          uint16 = 0x0002
	ProfileESP          uint16 = 0x0003
	ProfileIP           uint16 = 0x0004
	ProfileTCP          uint16 = 0x0006 // declared, not implemented
	ProfileUDPLite      uint16 = 0x0008
)

// Mode is a ROHC operation mode (RFC 3095 §4.4). Compression operates in
// U-mode only; O and R modes are decompressor-driven and not produced here.
type Mode uint8

const (
	ModeU Mode = 1 // unidirectional
	ModeO Mode = 2 // bidirectional optimistic
	ModeR Mode = 3 // bidirectional reliable
)

// ModeDescription gives a diagnostic name for a ROHC mode.
func ModeDescription(m Mode) string {
	switch m {
	case ModeU:
		return "U-mode"
	case ModeO:
		return "O-mode"
	case ModeR:
		return "R-mode"
	default:
		return "no description"
	}
}

// State is a compressor context state (RFC 3095 §4.3.1).
type State uint8

const (
	StateIR State = 1 // Initialization & Refresh: full context sent
	StateFO State = 2 // First Order: partial updates
	StateSO State = 3 // Second Order: minimal updates
)

// StateDescription gives a diagnostic name for a compressor context state.
func StateDescription(s State) string {
	switch s {
	case StateIR:
		return "IR"
	case StateFO:
		return "FO"
	case StateSO:
		return "SO"
	default:
		return "no description"
	}
}

// PacketType identifies the kind of ROHC packet the compressor produced.
type PacketType uint8

const (
	PacketUnknown PacketType = iota
	PacketIR
	PacketIRDyn
	PacketUO0
	PacketUO1
	PacketUO1ID
	PacketUO1TS
	PacketUO1RTP
	PacketUOR2
	PacketUOR2ID
	PacketUOR2TS
	PacketUOR2RTP
	PacketNormal
)

func (p PacketType) String() string {
	switch p {
	case PacketIR:
		return "IR"
	case PacketIRDyn:
		return "IR-DYN"
	case PacketUO0:
		return "UO-0"
	case PacketUO1:
		return "UO-1"
	case PacketUO1ID:
		return "UO-1-ID"
	case PacketUO1TS:
		return "UO-1-TS"
	case PacketUO1RTP:
		return "UO-1-RTP"
	case PacketUOR2:
		return "UOR-2"
	case PacketUOR2ID:
		return "UOR-2-ID"
	case PacketUOR2TS:
		return "UOR-2-TS"
	case PacketUOR2RTP:
		return "UOR-2-RTP"
	case PacketNormal:
		return "Normal"
	default:
		return "unknown"
	}
}

// State machine limits (RFC 3095 optimistic approach; values from the
// reference constants).
const (
	// maxIRCount is the minimal number of IR packets before leaving IR.
	maxIRCount = 3
	// maxFOCount is the minimal number of FO packets before leaving FO.
	maxFOCount = 3
	// oaRepetitions is the optimistic-approach repetition number: how many
	// consecutive packets an IPv4 RND/NBO/SID property must hold before the
	// context may move up a state.
	oaRepetitions = 3

	// DefaultIRTimeout is the default periodic-refresh interval back to IR,
	// in compressed packets.
	DefaultIRTimeout = 1700
	// DefaultFOTimeout is the default periodic-refresh interval from SO back
	// to FO, in compressed packets.
	DefaultFOTimeout = 700

	// DefaultWLSBWindowWidth is the default W-LSB sliding window width.
	DefaultWLSBWindowWidth = 4

	// feedbackRingSize is the capacity of the piggybacked-feedback ring.
	feedbackRingSize = 64

	// maxFeedbacksPerPacket caps the feedback bytes drained into a single
	// outgoing packet.
	maxFeedbacksPerPacket = 500

	// statsWindow is the width of the last-N-packets statistics windows.
	statsWindow = 16
)

// TraceLevel grades trace messages handed to the trace callback.
type TraceLevel int

const (
	TraceDebug TraceLevel = iota
	TraceInfo
	TraceWarning
	TraceError
)

func (l TraceLevel) String() string {
	switch l {
	case TraceDebug:
		return "debug"
	case TraceInfo:
		return "info"
	case TraceWarning:
		return "warning"
	case TraceError:
		return "error"
	default:
		return "unknown"
	}
}

// TraceFunc receives trace messages from a compressor. The profile argument
// is the profile concerned by the message, or ProfileGeneral for engine-level
// messages.
type TraceFunc func(level TraceLevel, profile uint16, format string, args ...any)

// ProfileGeneral marks traces not tied to a specific profile.
const ProfileGeneral uint16 = 0xffff

// RandomFunc supplies random numbers for sequence-number initialization
// (RFC 3095 §5.11.1).
type RandomFunc func(user any) uint32

// RTPDetectFunc decides whether a UDP packet carries RTP. It receives the
// innermost IP header bytes, the UDP header bytes and the UDP payload.
type RTPDetectFunc func(ip, udp, payload []byte, user any) bool

// Sentinel errors.
var (
	// ErrInvalidInput reports nil or empty buffers, or CID bounds violations.
	ErrInvalidInput = errors.New("rohc: invalid input")
	// ErrFrozen reports a configuration change attempted after the first
	// packet was compressed.
	ErrFrozen = errors.New("rohc: configuration frozen after first packet")
	// ErrNoProfile reports that no enabled profile accepts the packet.
	ErrNoProfile = errors.New("rohc: no profile found for packet")
	// ErrFeedbackRingFull reports that piggybacked feedback was refused.
	ErrFeedbackRingFull = errors.New("rohc: feedback ring full")
	// ErrSegmentRequired reports that the ROHC packet did not fit the output
	// buffer and was staged for segmentation; call GetSegment.
	ErrSegmentRequired = errors.New("rohc: segmentation required")
	// ErrTooLargeForMRRU reports a ROHC packet that fits neither the output
	// buffer nor the configured MRRU.
	ErrTooLargeForMRRU = errors.New("rohc: packet too large for MRRU")
	// ErrNoSegment reports GetSegment without a staged reception unit.
	ErrNoSegment = errors.New("rohc: no segment available")
	// ErrOutputTooSmall reports an output buffer too small for any progress.
	ErrOutputTooSmall = errors.New("rohc: output buffer too small")
	// ErrEncodeFailed reports a profile that could not encode the packet.
	ErrEncodeFailed = errors.New("rohc: encoding failed")
	// ErrUnknownProfile reports an unknown profile identifier.
	ErrUnknownProfile = errors.New("rohc: unknown profile")
)
