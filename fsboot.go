// Package fsboot stages first-stage boot images for heterogeneous
// multi-core SoCs. It reads ELF executables from a storage volume,
// validates them, places their loadable segments into physical memory
// with cache-coherence maintenance, and optionally performs the
// secondary-core reset-vector handoff that tells the next firmware
// stage where everything was placed.
//
// The package is a thin facade over the internal packages; collaborators
// (storage, memory, registers, timing) are interfaces so the same
// pipeline can drive mapped physical memory, an emulator, or in-memory
// test doubles.
package fsboot

import (
	"github.com/tinyrange/fsboot/internal/bootcfg"
	"github.com/tinyrange/fsboot/internal/elfimg"
	"github.com/tinyrange/fsboot/internal/handoff"
	"github.com/tinyrange/fsboot/internal/phys"
	"github.com/tinyrange/fsboot/internal/stage"
	"github.com/tinyrange/fsboot/internal/volume"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Plan describes one boot sequence: volume, memory map, images, handoff.
type Plan = bootcfg.Plan

// Stager runs a Plan against a set of collaborators.
type Stager = stage.Stager

// Result is the outcome of a completed staging run.
type Result = stage.Result

// ImageResult describes one staged image.
type ImageResult = stage.ImageResult

// Volume is a mounted storage source of named image files.
type Volume = volume.Volume

// File is an open image file on a Volume.
type File = volume.File

// MemVolume is an in-memory Volume for tests and embedded images.
type MemVolume = volume.MemVolume

// Memory is a byte-addressable physical memory window with coherence
// flushes.
type Memory = phys.Memory

// Buffer is a host-slice-backed Memory that records flushes.
type Buffer = phys.Buffer

// Range is a half-open physical address range.
type Range = phys.Range

// Allowlist restricts which physical ranges an image may load into.
type Allowlist = phys.Allowlist

// Loader is the width-generic ELF segment loading engine.
type Loader = elfimg.Loader

// Image is a loaded ELF image: validated header plus placed segments.
type Image = elfimg.Image

// Class distinguishes 32-bit and 64-bit images.
type Class = elfimg.Class

// RegisterFile is the register-access capability used by the handoff.
type RegisterFile = handoff.RegisterFile

// HandoffController drives the secondary-core release protocol.
type HandoffController = handoff.Controller

// HandoffTable is the descriptor handed to the next firmware stage.
type HandoffTable = handoff.Table

// Image class constants.
const (
	ClassNone = elfimg.ClassNone
	Class32   = elfimg.Class32
	Class64   = elfimg.Class64
)

// Common sentinel errors. Use errors.Is to classify a failed load.
var (
	ErrNotFound              = volume.ErrNotFound
	ErrBadMagic              = elfimg.ErrBadMagic
	ErrBadClass              = elfimg.ErrBadClass
	ErrShortRead             = elfimg.ErrShortRead
	ErrPhdrOffset            = elfimg.ErrPhdrOffset
	ErrTruncatedTable        = elfimg.ErrTruncatedTable
	ErrTableTooLarge         = elfimg.ErrTableTooLarge
	ErrSegmentOutOfBounds    = elfimg.ErrSegmentOutOfBounds
	ErrShortSegmentRead      = elfimg.ErrShortSegmentRead
	ErrDestinationNotAllowed = phys.ErrDestinationNotAllowed
	ErrHandoffTableFull      = handoff.ErrTableFull
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// LoadPlan reads and validates a boot plan file.
func LoadPlan(path string) (*Plan, error) {
	return bootcfg.Load(path)
}

// ParsePlan parses and validates boot plan bytes.
func ParsePlan(data []byte) (*Plan, error) {
	return bootcfg.Parse(data)
}

// NewMemVolume creates an empty in-memory volume.
func NewMemVolume() *MemVolume {
	return volume.NewMemVolume()
}

// NewDirVolume creates a volume backed by a host directory.
func NewDirVolume(root string) (Volume, error) {
	return volume.NewDirVolume(root)
}

// OpenExt4Volume opens the ext4 filesystem at offset bytes into an
// image file.
func OpenExt4Volume(path string, offset int64) (*volume.Ext4Volume, error) {
	return volume.OpenExt4(path, offset)
}

// NewBuffer creates a zeroed in-memory physical range [base, base+size).
func NewBuffer(base, size uint64) *Buffer {
	return phys.NewBuffer(base, size)
}

// NewAllowlist creates an allowlist over the given ranges.
func NewAllowlist(ranges ...Range) (*Allowlist, error) {
	return phys.NewAllowlist(ranges...)
}

// NewSimRegisterFile creates a simulated register file that records
// writes, for tests and dry runs.
func NewSimRegisterFile() *handoff.SimRegisterFile {
	return handoff.NewSimRegisterFile()
}
