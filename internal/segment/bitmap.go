package segment

import "encoding/hex"

// Bitmap tracks per-segment verification as a compact bitset.
type Bitmap struct {
	bits int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of bits.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}

	return &Bitmap{bits: bits, data: make([]byte, (bits+7)/8)}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}

	return b.bits
}

// Set marks bit i.
func (b *Bitmap) Set(i int) {
	if b == nil || i < 0 || i >= b.bits {
		return
	}

	b.data[i/8] |= 1 << uint(i%8)
}

// Get reports whether bit i is set.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}

	return b.data[i/8]&(1<<uint(i%8)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	if b == nil {
		return 0
	}

	n := 0

	for _, v := range b.data {
		for v != 0 {
			v &= v - 1
			n++
		}
	}

	return n
}

// Hex renders the bitmap bytes for status payloads.
func (b *Bitmap) Hex() string {
	if b == nil {
		return ""
	}

	return hex.EncodeToString(b.data)
}
