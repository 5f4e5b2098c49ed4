// Package wlsb implements Window-based Least Significant Bits encoding
// (RFC 3095, §4.5.2) on the compressor side.
//
// The compressor keeps a sliding window of recently transmitted reference
// values for a wrapping field. To encode a new value with k LSBs, every
// reference v_ref in the window must satisfy
//
//	value ∈ f(v_ref, k, p) = [v_ref - p, v_ref - p + 2^k - 1]  (mod 2^N)
//
// so that the decompressor can reconstruct the value from any reference it
// may still hold. KNeeded returns the smallest such k.
package wlsb

// Standard interpretation-interval offsets per RFC 3095 §4.5.1/§5.7.
const (
	// ShiftSN is the p offset for sequence numbers (p = -1).
	ShiftSN = -1
	// ShiftIPID is the p offset for offset IP-ID encoding (p = 0).
	ShiftIPID = 0
)

// ShiftTS returns the p offset used for RTP timestamp windows,
// derived from the window width per the scaled-TS scheme.
func ShiftTS(windowWidth int) int {
	return windowWidth/2 - 1
}

// Window is a bounded sliding window of reference values for one field.
type Window struct {
	refs  []uint32
	width int  // capacity, power of two
	bits  uint // field width N in bits (16 for SN/IP-ID, 32 for TS)
	shift int  // interpretation interval offset p
	next  int  // insertion cursor
	count int  // number of valid references
}

// New creates a window of the given capacity for an N-bit field with the
// interpretation offset p. The width must be a power of two.
func New(width int, bits uint, shift int) *Window {
	return &Window{
		refs:  make([]uint32, width),
		width: width,
		bits:  bits,
		shift: shift,
	}
}

// Add admits a newly transmitted value as a reference.
func (w *Window) Add(value uint32) {
	w.refs[w.next] = value
	w.next = (w.next + 1) % w.width
	if w.count < w.width {
		w.count++
	}
}

// Count returns the number of references currently held.
func (w *Window) Count() int { return w.count }

// Full reports whether the window holds width references, ie. whether the
// optimistic approach may consider this field converged.
func (w *Window) Full() bool { return w.count == w.width }

// Clear drops all references.
func (w *Window) Clear() {
	w.next = 0
	w.count = 0
}

// KNeeded returns the minimum number of LSBs of value that every reference
// in the window can interpret unambiguously. With an empty window the full
// field width is required.
func (w *Window) KNeeded(value uint32) int {
	if w.count == 0 {
		return int(w.bits)
	}
	mask := w.fieldMask()
	for k := 0; k < int(w.bits); k++ {
		if w.coversAll(value, uint(k), mask) {
			return k
		}
	}
	return int(w.bits)
}

func (w *Window) fieldMask() uint32 {
	if w.bits >= 32 {
		return 0xffffffff
	}
	return 1<<w.bits - 1
}

// coversAll checks value against the k-bit interpretation interval of every
// stored reference.
func (w *Window) coversAll(value uint32, k uint, mask uint32) bool {
	intervalWidth := uint32(1)<<k - 1
	for i := 0; i < w.count; i++ {
		ref := w.refs[i]
		var lower uint32
		if w.shift >= 0 {
			lower = (ref - uint32(w.shift)) & mask
		} else {
			lower = (ref + uint32(-w.shift)) & mask
		}
		upper := (lower + intervalWidth) & mask
		if lower <= upper {
			if value < lower || value > upper {
				return false
			}
		} else {
			// interval wraps around the top of the field
			if value < lower && value > upper {
				return false
			}
		}
	}
	return true
}

// Sum returns the sum of the stored references. Used by the per-context
// statistics windows.
func (w *Window) Sum() uint32 {
	var sum uint32
	for i := 0; i < w.count; i++ {
		sum += w.refs[i]
	}
	return sum
}

// Mean returns the average of the stored references, 0 for an empty window.
func (w *Window) Mean() uint32 {
	if w.count == 0 {
		return 0
	}
	return w.Sum() / uint32(w.count)
}
