//go:build !linux

package phys

import (
	"errors"
)

// MapFile is only available on Linux.
func MapFile(path string, off int64, base, size uint64) (*MappedMemory, error) {
	return nil, errors.New("phys: mapped memory is not supported on this platform")
}

// MappedMemory is a stub on non-Linux platforms.
type MappedMemory struct{}

func (m *MappedMemory) WriteAt(p []byte, addr uint64) (int, error) {
	return 0, errors.New("phys: mapped memory is not supported on this platform")
}

func (m *MappedMemory) ReadAt(p []byte, addr uint64) (int, error) {
	return 0, errors.New("phys: mapped memory is not supported on this platform")
}

func (m *MappedMemory) Flush(addr uint64, length uint64) error {
	return errors.New("phys: mapped memory is not supported on this platform")
}

func (m *MappedMemory) Close() error { return nil }

func (m *MappedMemory) Base() uint64 { return 0 }

func (m *MappedMemory) AsRange(name string) Range { return Range{Name: name} }
