package mm

import (
	"math"
	"math/bits"
)

// Bitmap tracks the in-use state of a set of items using one bit per item.
// Item i is tracked by bit (63 - i%64) of word i/64; a set bit means in use.
//
// Bitmaps never allocate: their storage is supplied by the caller, usually a
// statically sized array.
type Bitmap []uint64

// BitmapWords returns the number of words required for tracking bits items.
func BitmapWords(bits uint32) uint32 {
	return (bits + 63) >> 6
}

func bitMask(i uint32) uint64 {
	return 1 << (63 - (i & 63))
}

// IsSet returns true if item i is marked as in use.
func (b Bitmap) IsSet(i uint32) bool {
	return b[i>>6]&bitMask(i) != 0
}

// Set marks item i as in use.
func (b Bitmap) Set(i uint32) {
	b[i>>6] |= bitMask(i)
}

// Clear marks item i as free.
func (b Bitmap) Clear(i uint32) {
	b[i>>6] &^= bitMask(i)
}

// SetRange marks count items starting at start as in use.
func (b Bitmap) SetRange(start, count uint32) {
	for i := start; i < start+count; i++ {
		if i&63 == 0 && start+count-i >= 64 {
			b[i>>6] = math.MaxUint64
			i += 63
			continue
		}
		b.Set(i)
	}
}

// ClearRange marks count items starting at start as free.
func (b Bitmap) ClearRange(start, count uint32) {
	for i := start; i < start+count; i++ {
		if i&63 == 0 && start+count-i >= 64 {
			b[i>>6] = 0
			i += 63
			continue
		}
		b.Clear(i)
	}
}

// RangeSet returns true if all count items starting at start are in use.
func (b Bitmap) RangeSet(start, count uint32) bool {
	for i := start; i < start+count; i++ {
		if !b.IsSet(i) {
			return false
		}
	}
	return true
}

// RangeClear returns true if all count items starting at start are free.
func (b Bitmap) RangeClear(start, count uint32) bool {
	for i := start; i < start+count; i++ {
		if b.IsSet(i) {
			return false
		}
	}
	return true
}

// FindClearRun returns the lowest index of a run of count free items among
// the first limit items. Words with every item in use are skipped without
// inspecting individual bits. The second return value is false if no such run
// exists.
func (b Bitmap) FindClearRun(limit, count uint32) (uint32, bool) {
	if count == 0 || count > limit {
		return 0, false
	}

	var runStart, runLen uint32
	for i := uint32(0); i < limit; {
		if i&63 == 0 && b[i>>6] == math.MaxUint64 {
			runLen = 0
			i += 64
			continue
		}

		if b.IsSet(i) {
			runLen = 0
		} else {
			if runLen == 0 {
				runStart = i
			}
			if runLen++; runLen == count {
				return runStart, true
			}
		}
		i++
	}

	return 0, false
}

// CountSet returns the number of in-use items among the first limit items.
func (b Bitmap) CountSet(limit uint32) uint32 {
	var (
		count int
		full  = limit >> 6
	)
	for _, word := range b[:full] {
		count += bits.OnesCount64(word)
	}

	// Item i of a word lives in bit 63-i so the leading items of a partial
	// word are its high bits.
	if rem := limit & 63; rem != 0 {
		count += bits.OnesCount64(b[full] >> (64 - rem))
	}
	return uint32(count)
}
