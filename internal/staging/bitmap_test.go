package staging

import "testing"

func TestBitmapBasics(t *testing.T) {
	b := NewBitmap(10)
	if b.LenBits() != 10 {
		t.Fatalf("LenBits mismatch: got %d", b.LenBits())
	}
	b.Set(0)
	b.Set(3)
	b.Set(9)

	if !b.Get(0) || !b.Get(3) || !b.Get(9) {
		t.Fatalf("expected bits to be set")
	}
	if b.Get(1) || b.Get(8) {
		t.Fatalf("unexpected bits set")
	}

	if count := b.CountSet(); count != 3 {
		t.Fatalf("CountSet mismatch: got %d", count)
	}
	if b.AllSet() {
		t.Fatal("AllSet should be false with 3 of 10 bits")
	}

	for i := 0; i < 10; i++ {
		b.Set(i)
	}
	if !b.AllSet() {
		t.Fatal("AllSet should be true with every bit set")
	}
}

func TestBitmapAllSet_Empty(t *testing.T) {
	if NewBitmap(0).AllSet() {
		t.Fatal("empty bitmap must not report all set")
	}
}

func TestBitmapMarshalRoundTrip(t *testing.T) {
	b := NewBitmap(9)
	b.Set(0)
	b.Set(4)
	b.Set(8)

	data := b.Marshal()
	clone, err := BitmapFromBytes(data, 9)
	if err != nil {
		t.Fatalf("BitmapFromBytes: %v", err)
	}
	if clone.CountSet() != 3 || !clone.Get(0) || !clone.Get(4) || !clone.Get(8) {
		t.Fatalf("bitmap round-trip mismatch")
	}

	if _, err := BitmapFromBytes(data, 64); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestBitmapOutOfRange(t *testing.T) {
	b := NewBitmap(4)
	b.Set(-1)
	b.Set(4)
	if b.CountSet() != 0 {
		t.Fatalf("out-of-range Set must be ignored, got %d bits", b.CountSet())
	}
	if b.Get(-1) || b.Get(4) {
		t.Fatal("out-of-range Get must report false")
	}
}
