package phys

import (
	"errors"
	"testing"
)

func TestBufferWriteReadRoundTrip(t *testing.T) {
	b := NewBuffer(0x1000, 0x100)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	n, err := b.WriteAt(payload, 0x1010)
	if err != nil {
		t.Fatalf("WriteAt returned error: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("WriteAt n = %d, want %d", n, len(payload))
	}

	got := make([]byte, 4)
	if _, err := b.ReadAt(got, 0x1010); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}
}

func TestBufferRejectsOutOfRange(t *testing.T) {
	b := NewBuffer(0x1000, 0x100)

	if _, err := b.WriteAt([]byte{1}, 0xfff); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteAt below base: err = %v, want ErrOutOfRange", err)
	}
	if _, err := b.WriteAt([]byte{1, 2}, 0x10ff); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteAt past end: err = %v, want ErrOutOfRange", err)
	}
	if err := b.Flush(0x10f0, 0x20); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Flush past end: err = %v, want ErrOutOfRange", err)
	}
}

func TestBufferRecordsFlushes(t *testing.T) {
	b := NewBuffer(0, 0x2000)

	if err := b.Flush(0x100, 0x80); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if err := b.Flush(0x180, 0x80); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	if !b.FlushedAll(0x100, 0x100) {
		t.Fatalf("FlushedAll(0x100, 0x100) = false after covering flushes")
	}
	if b.FlushedAll(0x100, 0x101) {
		t.Fatalf("FlushedAll(0x100, 0x101) = true with uncovered tail")
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Base: 0x1000, Size: 0x1000}

	if !r.Contains(0x1000, 0x1000) {
		t.Fatalf("Contains(full range) = false")
	}
	if !r.Contains(0x1800, 0) {
		t.Fatalf("Contains(zero size inside) = false")
	}
	if r.Contains(0x1800, 0x1000) {
		t.Fatalf("Contains(straddling end) = true")
	}
	if r.Contains(0xfff, 2) {
		t.Fatalf("Contains(straddling base) = true")
	}
	if r.Contains(0x1000, ^uint64(0)) {
		t.Fatalf("Contains(wrapping size) = true")
	}
}

func TestAllowlistCheck(t *testing.T) {
	a, err := NewAllowlist(
		Range{Name: "ocm", Base: 0xFFFC0000, Size: 0x40000},
		Range{Name: "ddr", Base: 0x0, Size: 0x80000000},
	)
	if err != nil {
		t.Fatalf("NewAllowlist returned error: %v", err)
	}

	if err := a.Check(0x100000, 0x10000); err != nil {
		t.Fatalf("Check(inside ddr) = %v", err)
	}
	if err := a.Check(0xFFFC0000, 0x40000); err != nil {
		t.Fatalf("Check(exactly ocm) = %v", err)
	}
	if err := a.Check(0x80000000, 1); !errors.Is(err, ErrDestinationNotAllowed) {
		t.Fatalf("Check(past ddr) = %v, want ErrDestinationNotAllowed", err)
	}
	if err := a.Check(0x7FFFFFFF, 2); !errors.Is(err, ErrDestinationNotAllowed) {
		t.Fatalf("Check(straddling ddr end) = %v, want ErrDestinationNotAllowed", err)
	}
	if err := a.Check(^uint64(0)-1, 4); !errors.Is(err, ErrDestinationNotAllowed) {
		t.Fatalf("Check(wrapping) = %v, want ErrDestinationNotAllowed", err)
	}
}

func TestAllowlistRejectsOverlap(t *testing.T) {
	_, err := NewAllowlist(
		Range{Base: 0x0, Size: 0x2000},
		Range{Base: 0x1000, Size: 0x2000},
	)
	if err == nil {
		t.Fatalf("NewAllowlist with overlapping ranges expected error")
	}
}
