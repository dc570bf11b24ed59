package bitfield

import "testing"

func TestSetHas(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(9)

	if !bf.Has(0) || !bf.Has(9) {
		t.Fatalf("expected bits 0 and 9 set")
	}
	for _, i := range []int{1, 2, 3, 4, 5, 6, 7, 8} {
		if bf.Has(i) {
			t.Fatalf("bit %d unexpectedly set", i)
		}
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)
	if bf.Has(100) {
		t.Fatalf("out-of-range Has should be false")
	}
	bf.Set(100) // must not panic
}

func TestPackUnpackRoundTrip(t *testing.T) {
	owned := []bool{true, false, true, true, false, false, false, true, true}

	packed := Pack(owned)
	got := Unpack(packed, len(owned))

	if len(got) != len(owned) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(owned))
	}
	for i := range owned {
		if got[i] != owned[i] {
			t.Fatalf("index %d: got %v, want %v", i, got[i], owned[i])
		}
	}
}

func TestPackMSBFirst(t *testing.T) {
	// piece 0 -> bit 7 of byte 0 (MSB)
	bf := Pack([]bool{true})
	if bf[0] != 0b1000_0000 {
		t.Fatalf("got %08b, want 10000000", bf[0])
	}
}

func TestCount(t *testing.T) {
	bf := New(16)
	bf.Set(0)
	bf.Set(15)
	bf.Set(8)

	if bf.Count() != 3 {
		t.Fatalf("got %d, want 3", bf.Count())
	}
}

func TestHasAnyBeyond(t *testing.T) {
	bf := New(10) // 2 bytes, 16 bits, 6 padding bits
	if bf.HasAnyBeyond(10) {
		t.Fatalf("fresh bitfield should have no padding bits set")
	}
	bf.Set(15)
	if !bf.HasAnyBeyond(10) {
		t.Fatalf("expected padding bit to be detected")
	}
}
