//go:build linux

package phys

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedMemory is a Memory backed by an mmap of a device or file, for
// staging directly into real physical memory (a /dev/mem window) or into
// a shared memory image another process consumes.
type MappedMemory struct {
	base uint64
	data []byte
	file *os.File
}

var _ Memory = &MappedMemory{}

// MapFile maps size bytes of the named file at file offset off, exposing
// them as physical range [base, base+size).
func MapFile(path string, off int64, base, size uint64) (*MappedMemory, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), off, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &MappedMemory{base: base, data: data, file: f}, nil
}

// Close unmaps the window and closes the backing file.
func (m *MappedMemory) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		m.data = nil
	}
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// Base returns the physical address of the first mapped byte.
func (m *MappedMemory) Base() uint64 { return m.base }

// AsRange returns the covered physical range.
func (m *MappedMemory) AsRange(name string) Range {
	return Range{Name: name, Base: m.base, Size: uint64(len(m.data))}
}

func (m *MappedMemory) slice(addr uint64, n int) ([]byte, error) {
	if addr < m.base {
		return nil, fmt.Errorf("%w: %#x below base %#x", ErrOutOfRange, addr, m.base)
	}
	off := addr - m.base
	if off+uint64(n) < off || off+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: [%#x-%#x) exceeds mapping", ErrOutOfRange, addr, addr+uint64(n))
	}
	return m.data[off : off+uint64(n)], nil
}

// WriteAt implements Memory.
func (m *MappedMemory) WriteAt(p []byte, addr uint64) (int, error) {
	dst, err := m.slice(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// ReadAt implements Memory.
func (m *MappedMemory) ReadAt(p []byte, addr uint64) (int, error) {
	src, err := m.slice(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// Flush implements Memory using msync, pushing the written range out of
// this process before another agent reads the backing store. msync wants
// page-aligned addresses, so the range is widened to page boundaries.
func (m *MappedMemory) Flush(addr uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	if _, err := m.slice(addr, int(length)); err != nil {
		return err
	}

	page := uint64(os.Getpagesize())
	start := (addr - m.base) &^ (page - 1)
	end := (addr - m.base) + length
	if rem := end % page; rem != 0 {
		end += page - rem
	}
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}

	if err := unix.Msync(m.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync [%#x-%#x): %w", addr, addr+length, err)
	}
	return nil
}
