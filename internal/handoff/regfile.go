// Package handoff implements the secondary-core bring-up protocol of the
// first boot stage: holding the application cores in reset, latching
// their reset vectors, publishing a handoff descriptor for the next
// firmware stage, and releasing reset in that fixed order.
//
// The register map matches the ZynqMP next-stage contract and must keep
// its exact offsets and bit meaning.
package handoff

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/fsboot/internal/phys"
)

// ZynqMP register addresses forming the wire format between boot stages.
const (
	// RstFPDAPU is the APU software-controlled reset register.
	RstFPDAPU uint64 = 0xFD1A0104

	// rstAssertAll holds all four A53 cores in reset; rstClearAll
	// releases them.
	rstAssertAll uint32 = 0xF
	rstClearAll  uint32 = 0x0

	// rvbarBase is RVBARADDR0L; each core has a low/high register pair 8
	// bytes apart.
	rvbarBase   uint64 = 0xFD5C0040
	rvbarStride uint64 = 8

	// rvbarLowValue is the fixed value latched into the low half of every
	// reset vector register.
	rvbarLowValue uint32 = 0x0

	// GlobalGenStorage6 is the scratch register through which the handoff
	// descriptor's address is published to the next stage.
	GlobalGenStorage6 uint64 = 0xFFD80048

	// NumCores is the number of managed application cores.
	NumCores = 4
)

func rvbarLow(core int) uint64  { return rvbarBase + rvbarStride*uint64(core) }
func rvbarHigh(core int) uint64 { return rvbarBase + rvbarStride*uint64(core) + 4 }

// RegisterFile is the register-access capability handed to the
// controller. Modelling it explicitly, instead of touching ambient
// globals, lets the protocol run against real hardware or a simulated
// register file interchangeably.
type RegisterFile interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, value uint32) error
}

// RegWrite is one recorded register write.
type RegWrite struct {
	Addr  uint64
	Value uint32
}

// SimRegisterFile is an in-memory register file that records every write
// in issue order. It backs tests and dry runs.
type SimRegisterFile struct {
	mu     sync.Mutex
	values map[uint64]uint32
	log    []RegWrite
}

var _ RegisterFile = &SimRegisterFile{}

// NewSimRegisterFile creates an empty simulated register file.
func NewSimRegisterFile() *SimRegisterFile {
	return &SimRegisterFile{values: make(map[uint64]uint32)}
}

// Read32 implements RegisterFile. Unwritten registers read as zero.
func (s *SimRegisterFile) Read32(addr uint64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[addr], nil
}

// Write32 implements RegisterFile.
func (s *SimRegisterFile) Write32(addr uint64, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[addr] = value
	s.log = append(s.log, RegWrite{Addr: addr, Value: value})
	return nil
}

// Log returns the recorded writes in issue order.
func (s *SimRegisterFile) Log() []RegWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RegWrite, len(s.log))
	copy(out, s.log)
	return out
}

// MemRegisterFile adapts a phys.Memory window onto RegisterFile, for
// register blocks reached through a mapped-memory backend. Every write
// is flushed immediately.
type MemRegisterFile struct {
	Mem phys.Memory
}

var _ RegisterFile = &MemRegisterFile{}

// Read32 implements RegisterFile.
func (m *MemRegisterFile) Read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := m.Mem.ReadAt(buf[:], addr); err != nil {
		return 0, fmt.Errorf("read register %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 implements RegisterFile.
func (m *MemRegisterFile) Write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := m.Mem.WriteAt(buf[:], addr); err != nil {
		return fmt.Errorf("write register %#x: %w", addr, err)
	}
	if err := m.Mem.Flush(addr, 4); err != nil {
		return fmt.Errorf("flush register %#x: %w", addr, err)
	}
	return nil
}
