package wlsb

import "testing"

func TestKNeededEmptyWindow(t *testing.T) {
	w := New(4, 16, ShiftSN)
	if k := w.KNeeded(42); k != 16 {
		t.Errorf("empty window must require the full field width, got %d", k)
	}
}

func TestKNeededSequenceNumber(t *testing.T) {
	// SN uses p = -1: the interpretation interval of a reference v is
	// [v+1, v+2^k], so the immediate successor costs 0 bits
	w := New(4, 16, ShiftSN)
	w.Add(100)
	if k := w.KNeeded(101); k != 0 {
		t.Errorf("successor of a single reference should cost 0 bits, got %d", k)
	}
	if k := w.KNeeded(104); k != 2 {
		t.Errorf("ref+4 should cost 2 bits, got %d", k)
	}

	// with several references every one must be covered
	w.Add(101)
	w.Add(102)
	w.Add(103)
	if k := w.KNeeded(104); k != 2 {
		t.Errorf("full window, next value: want 2 bits, got %d", k)
	}
}

func TestKNeededIPID(t *testing.T) {
	// IP-ID offsets use p = 0: [v, v+2^k-1]
	w := New(4, 16, ShiftIPID)
	w.Add(500)
	if k := w.KNeeded(500); k != 0 {
		t.Errorf("constant offset should cost 0 bits, got %d", k)
	}
	if k := w.KNeeded(501); k != 1 {
		t.Errorf("offset+1 should cost 1 bit, got %d", k)
	}
}

func TestKNeededWraparound(t *testing.T) {
	w := New(4, 16, ShiftSN)
	w.Add(0xffff)
	if k := w.KNeeded(0); k != 0 {
		t.Errorf("wraparound successor should cost 0 bits, got %d", k)
	}
}

func TestWindowEviction(t *testing.T) {
	w := New(4, 16, ShiftSN)
	for v := uint32(0); v < 8; v++ {
		w.Add(v)
	}
	if w.Count() != 4 {
		t.Fatalf("window must be bounded at its width, got %d", w.Count())
	}
	// values 0..3 were evicted; only 4..7 constrain the result
	if k := w.KNeeded(8); k != 2 {
		t.Errorf("want 2 bits against refs 4..7, got %d", k)
	}
}

func TestFullAndClear(t *testing.T) {
	w := New(2, 16, ShiftSN)
	if w.Full() {
		t.Error("fresh window must not be full")
	}
	w.Add(1)
	w.Add(2)
	if !w.Full() {
		t.Error("window with width entries must be full")
	}
	w.Clear()
	if w.Count() != 0 || w.Full() {
		t.Error("cleared window must be empty")
	}
}

func TestSumAndMean(t *testing.T) {
	w := New(4, 32, 0)
	if w.Mean() != 0 {
		t.Error("mean of empty window must be 0")
	}
	w.Add(10)
	w.Add(20)
	w.Add(30)
	if w.Sum() != 60 {
		t.Errorf("sum: want 60, got %d", w.Sum())
	}
	if w.Mean() != 20 {
		t.Errorf("mean: want 20, got %d", w.Mean())
	}
}
