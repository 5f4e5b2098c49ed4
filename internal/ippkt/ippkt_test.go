package ippkt

import (
	"errors"
	"net/netip"
	"testing"
)

// buildIPv4 builds a minimal IPv4 header followed by payload.
func buildIPv4(proto uint8, payload []byte) []byte {
	total := 20 + len(payload)
	hdr := []byte{
		0x45, 0x00,
		byte(total >> 8), byte(total),
		0x12, 0x34, // identification
		0x40, 0x00, // DF set
		64, proto,
		0x00, 0x00, // checksum (unverified)
		192, 0, 2, 1,
		192, 0, 2, 2,
	}
	return append(hdr, payload...)
}

// buildIPv6 builds an IPv6 header followed by payload.
func buildIPv6(next uint8, payload []byte) []byte {
	hdr := make([]byte, 40)
	hdr[0] = 0x60
	hdr[1] = 0x01 // traffic class 0, flow label starts
	hdr[2], hdr[3] = 0x23, 0x45
	hdr[4] = byte(len(payload) >> 8)
	hdr[5] = byte(len(payload))
	hdr[6] = next
	hdr[7] = 64
	copy(hdr[8:24], netip.MustParseAddr("2001:db8::1").AsSlice())
	copy(hdr[24:40], netip.MustParseAddr("2001:db8::2").AsSlice())
	return append(hdr, payload...)
}

func TestParseIPv4(t *testing.T) {
	data := buildIPv4(17, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})

	pkt, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	h := &pkt.Outer
	if h.Version != 4 {
		t.Errorf("version: want 4, got %d", h.Version)
	}
	if h.ID != 0x1234 {
		t.Errorf("IP-ID: want 0x1234, got %#x", h.ID)
	}
	if !h.DF {
		t.Error("DF flag must be set")
	}
	if h.TTL != 64 || h.Protocol != 17 {
		t.Errorf("TTL/protocol: got %d/%d", h.TTL, h.Protocol)
	}
	if h.Src != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("src: got %v", h.Src)
	}
	if pkt.Inner != nil {
		t.Error("unexpected inner header")
	}
	if pkt.Proto != 17 || pkt.HdrChainLen != 20 {
		t.Errorf("proto/chain: got %d/%d", pkt.Proto, pkt.HdrChainLen)
	}
	if len(pkt.Transport()) != 8 {
		t.Errorf("transport length: want 8, got %d", len(pkt.Transport()))
	}
}

func TestParseIPv6(t *testing.T) {
	data := buildIPv6(17, make([]byte, 12))

	pkt, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	h := &pkt.Outer
	if h.Version != 6 {
		t.Errorf("version: want 6, got %d", h.Version)
	}
	if h.FlowLabel != 0x12345 {
		t.Errorf("flow label: want 0x12345, got %#x", h.FlowLabel)
	}
	if h.TTL != 64 || h.Protocol != 17 {
		t.Errorf("hop limit/next header: got %d/%d", h.TTL, h.Protocol)
	}
	if pkt.HdrChainLen != 40 {
		t.Errorf("chain length: want 40, got %d", pkt.HdrChainLen)
	}
}

func TestParseTunnel(t *testing.T) {
	inner := buildIPv4(17, make([]byte, 8))
	outer := buildIPv4(ProtoIPIP, inner)

	pkt, err := Parse(outer)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if pkt.Inner == nil {
		t.Fatal("inner header expected")
	}
	if pkt.Proto != 17 {
		t.Errorf("transport protocol: want 17, got %d", pkt.Proto)
	}
	if pkt.HdrChainLen != 40 {
		t.Errorf("chain length: want 40, got %d", pkt.HdrChainLen)
	}
	if pkt.Last() != pkt.Inner {
		t.Error("Last must return the inner header")
	}
}

func TestParseThreeHeadersRejected(t *testing.T) {
	innermost := buildIPv4(17, nil)
	middle := buildIPv4(ProtoIPIP, innermost)
	outer := buildIPv4(ProtoIPIP, middle)

	if _, err := Parse(outer); !errors.Is(err, ErrTooManyHeaders) {
		t.Errorf("expected ErrTooManyHeaders, got %v", err)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("empty buffer must fail")
	}
	if _, err := Parse([]byte{0x45, 0x00}); err == nil {
		t.Error("truncated IPv4 header must fail")
	}
	if _, err := Parse([]byte{0x10, 0x00, 0x00, 0x00}); !errors.Is(err, ErrVersion) {
		t.Error("version nibble 1 must be rejected")
	}

	// declared total length larger than the buffer
	bad := buildIPv4(17, []byte{0x01})
	bad[2], bad[3] = 0x40, 0x00
	if _, err := Parse(bad); err == nil {
		t.Error("total length beyond the buffer must fail")
	}
}
