// Package phys models the physical memory a boot image is staged into.
// Memory is a write-plus-coherence capability; the loader never touches
// raw pointers. An Allowlist restricts which destination ranges an
// untrusted image may name.
package phys

import (
	"errors"
	"fmt"
)

// ErrOutOfRange indicates an access outside the backing region.
var ErrOutOfRange = errors.New("phys: access out of range")

// Memory is a byte-addressable physical memory window. WriteAt/ReadAt use
// absolute physical addresses, not offsets into the backing store. Flush
// makes a just-written range visible to agents that do not see this
// core's data cache (another core, DMA, instruction fetch); backends with
// no coherence concern may make it a no-op.
type Memory interface {
	WriteAt(p []byte, addr uint64) (int, error)
	ReadAt(p []byte, addr uint64) (int, error)
	Flush(addr uint64, length uint64) error
}

// Range is a half-open physical address range [Base, Base+Size).
type Range struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the range.
func (r Range) End() uint64 { return r.Base + r.Size }

// Contains reports whether [base, base+size) lies entirely inside r.
// A zero-size query at any address inside r is contained.
func (r Range) Contains(base, size uint64) bool {
	if base < r.Base {
		return false
	}
	end := base + size
	if end < base {
		return false // wrapped
	}
	return end <= r.End()
}

// Overlaps reports whether r and other share any address.
func (r Range) Overlaps(other Range) bool {
	return r.Base < other.End() && other.Base < r.End()
}

func (r Range) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s [%#x-%#x)", r.Name, r.Base, r.End())
	}
	return fmt.Sprintf("[%#x-%#x)", r.Base, r.End())
}

// Buffer is a Memory backed by a host byte slice covering one contiguous
// physical range. Flushes are recorded so tests can assert coherence
// maintenance covered every written byte.
type Buffer struct {
	base    uint64
	data    []byte
	flushes []Range
}

var _ Memory = &Buffer{}

// NewBuffer creates a zeroed Buffer covering [base, base+size).
func NewBuffer(base, size uint64) *Buffer {
	return &Buffer{base: base, data: make([]byte, size)}
}

// Base returns the physical address of the first byte.
func (b *Buffer) Base() uint64 { return b.base }

// Bytes returns the backing slice. The caller may inspect or pre-fill it.
func (b *Buffer) Bytes() []byte { return b.data }

// AsRange returns the covered physical range.
func (b *Buffer) AsRange(name string) Range {
	return Range{Name: name, Base: b.base, Size: uint64(len(b.data))}
}

func (b *Buffer) slice(addr uint64, n int) ([]byte, error) {
	if addr < b.base {
		return nil, fmt.Errorf("%w: %#x below base %#x", ErrOutOfRange, addr, b.base)
	}
	off := addr - b.base
	if off+uint64(n) < off || off+uint64(n) > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: [%#x-%#x) exceeds [%#x-%#x)",
			ErrOutOfRange, addr, addr+uint64(n), b.base, b.base+uint64(len(b.data)))
	}
	return b.data[off : off+uint64(n)], nil
}

// WriteAt implements Memory.
func (b *Buffer) WriteAt(p []byte, addr uint64) (int, error) {
	dst, err := b.slice(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// ReadAt implements Memory.
func (b *Buffer) ReadAt(p []byte, addr uint64) (int, error) {
	src, err := b.slice(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// Flush implements Memory. The range is validated and recorded.
func (b *Buffer) Flush(addr uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	if _, err := b.slice(addr, int(length)); err != nil {
		return err
	}
	b.flushes = append(b.flushes, Range{Base: addr, Size: length})
	return nil
}

// Flushes returns the recorded flush ranges in issue order.
func (b *Buffer) Flushes() []Range {
	out := make([]Range, len(b.flushes))
	copy(out, b.flushes)
	return out
}

// FlushedAll reports whether the recorded flushes cover every byte of
// [base, base+size).
func (b *Buffer) FlushedAll(base, size uint64) bool {
	for addr := base; addr < base+size; {
		advanced := false
		for _, f := range b.flushes {
			if f.Base <= addr && addr < f.End() {
				addr = f.End()
				advanced = true
				break
			}
		}
		if !advanced {
			return false
		}
	}
	return true
}
