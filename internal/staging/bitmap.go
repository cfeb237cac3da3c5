package staging

import "fmt"

// Bitmap is a compact bitset for tracking chunk arrival.
type Bitmap struct {
	bits int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of bits.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	byteLen := (bits + 7) / 8
	return &Bitmap{
		bits: bits,
		data: make([]byte, byteLen),
	}
}

// BitmapFromBytes creates a bitmap using the provided bytes and bit length.
func BitmapFromBytes(data []byte, bits int) (*Bitmap, error) {
	if bits < 0 {
		return nil, fmt.Errorf("invalid bitmap length %d", bits)
	}
	byteLen := (bits + 7) / 8
	if len(data) != byteLen {
		return nil, fmt.Errorf("bitmap length mismatch: got %d, want %d", len(data), byteLen)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Bitmap{bits: bits, data: buf}, nil
}

// LenBits returns the number of bits in the bitmap.
func (b *Bitmap) LenBits() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks the bit at index i.
func (b *Bitmap) Set(i int) {
	if b == nil || i < 0 || i >= b.bits {
		return
	}
	b.data[i/8] |= 1 << uint(i%8)
}

// Get reports whether the bit at index i is set.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return (b.data[i/8] & (1 << uint(i%8))) != 0
}

// CountSet returns the number of set bits in the bitmap.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, v := range b.data {
		for v != 0 {
			v &= v - 1
			count++
		}
	}
	return count
}

// AllSet reports whether every bit is set.
func (b *Bitmap) AllSet() bool {
	if b == nil || b.bits == 0 {
		return false
	}
	return b.CountSet() == b.bits
}

// Marshal returns a copy of the bitmap bytes.
func (b *Bitmap) Marshal() []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
