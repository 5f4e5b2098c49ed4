package sdvl

import (
	"bytes"
	"testing"
)

func TestEncodeFormFactors(t *testing.T) {
	tests := []struct {
		value uint32
		want  []byte
		bits  int
	}{
		{0, []byte{0x00}, 7},
		{0x7f, []byte{0x7f}, 7},
		{0x80, []byte{0x80, 0x80}, 14},
		{0x3fff, []byte{0xbf, 0xff}, 14},
		{0x4000, []byte{0xc0, 0x40, 0x00}, 21},
		{0x1fffff, []byte{0xdf, 0xff, 0xff}, 21},
		{0x200000, []byte{0xe0, 0x20, 0x00, 0x00}, 29},
		{0x1fffffff, []byte{0xff, 0xff, 0xff, 0xff}, 29},
	}

	for _, tt := range tests {
		got, err := Encode(nil, tt.value)
		if err != nil {
			t.Fatalf("Encode(%#x) failed: %v", tt.value, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("Encode(%#x) = %x, want %x", tt.value, got, tt.want)
		}
		if Len(tt.value) != len(tt.want) {
			t.Errorf("Len(%#x) = %d, want %d", tt.value, Len(tt.value), len(tt.want))
		}

		value, bits, n, err := Decode(got)
		if err != nil {
			t.Fatalf("Decode(%x) failed: %v", got, err)
		}
		if value != tt.value || bits != tt.bits || n != len(tt.want) {
			t.Errorf("Decode(%x) = (%#x, %d, %d), want (%#x, %d, %d)",
				got, value, bits, n, tt.value, tt.bits, len(tt.want))
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	if _, err := Encode(nil, 1<<29); err != ErrTooLarge {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if Len(1<<29) != 0 {
		t.Errorf("Len of an unencodable value must be 0")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	shorts := [][]byte{
		{},
		{0x80},
		{0xc0, 0x01},
		{0xe0, 0x01, 0x02},
	}
	for _, buf := range shorts {
		if _, _, _, err := Decode(buf); err != ErrShortBuffer {
			t.Errorf("Decode(%x): expected ErrShortBuffer, got %v", buf, err)
		}
	}
}
