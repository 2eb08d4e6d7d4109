// Package elfimg implements the ELF staging engine of the first-stage
// boot flow: header validation, program header enumeration, and
// bounds-checked materialization of PT_LOAD segments into physical
// memory. Both 32-bit and 64-bit images are handled by one width-generic
// decoder; every field that arrives from the image is treated as
// untrusted until checked against the file and the destination
// allowlist.
package elfimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/fsboot/internal/volume"
)

// Typed failures for the load pipeline. Each aborts the current load
// attempt; there is no retry and no rollback of bytes already placed.
var (
	ErrShortRead          = errors.New("elfimg: short read of file header")
	ErrBadMagic           = errors.New("elfimg: bad ELF magic")
	ErrBadClass           = errors.New("elfimg: unsupported ELF class")
	ErrBadEncoding        = errors.New("elfimg: unsupported data encoding")
	ErrPhdrOffset         = errors.New("elfimg: program header offset outside file")
	ErrTableTooLarge      = errors.New("elfimg: program header table too large")
	ErrTruncatedTable     = errors.New("elfimg: truncated program header table")
	ErrSegmentOutOfBounds = errors.New("elfimg: segment extends outside file")
	ErrShortSegmentRead   = errors.New("elfimg: short read of segment data")
)

// Class distinguishes 32-bit and 64-bit images.
type Class uint8

const (
	ClassNone Class = 0
	Class32   Class = 1
	Class64   Class = 2
)

func (c Class) String() string {
	switch c {
	case Class32:
		return "ELF32"
	case Class64:
		return "ELF64"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// Segment type values acted on by the loader. Entries of any other type
// are skipped without validation; they carry no payload this loader must
// place.
const PTLoad = 1

const (
	identSize = 16

	identClass    = 4
	identEncoding = 5

	encodingLittle = 1
	encodingBig    = 2

	// maxPhdrTableBytes bounds the single allocation backing the program
	// header table, so a corrupt count field cannot demand an arbitrary
	// amount of memory.
	maxPhdrTableBytes = 1 << 12
)

var elfMagic = [4]byte{0x7F, 'E', 'L', 'F'}

// fileHeader32 and fileHeader64 mirror the on-disk layout following the
// 16 identification bytes.
type fileHeader32 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type fileHeader64 struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type progHeader32 struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type progHeader64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// FileHeader is the validated image header with all width-specific
// fields widened to 64 bits.
type FileHeader struct {
	Class     Class
	ByteOrder binary.ByteOrder
	Machine   uint16
	Entry     uint64

	phoff     uint64
	phentsize uint16
	phnum     uint16
}

// NumProgHeaders returns the declared program header count.
func (h *FileHeader) NumProgHeaders() int { return int(h.phnum) }

// ProgHeader describes one segment, width-generic.
type ProgHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func headerWireSize(c Class) int {
	if c == Class64 {
		return binary.Size(&fileHeader64{})
	}
	return binary.Size(&fileHeader32{})
}

func progWireSize(c Class) int {
	if c == Class64 {
		return binary.Size(&progHeader64{})
	}
	return binary.Size(&progHeader32{})
}

// readFull reads exactly len(buf) bytes at off, mapping any shortfall to
// shortErr. The storage contract only promises the returned byte count,
// so both the error and the count are checked.
func readFull(f volume.File, buf []byte, off uint64, shortErr error) error {
	if off > uint64(1)<<62 {
		return fmt.Errorf("%w: offset %#x", shortErr, off)
	}
	n, err := f.ReadAt(buf, int64(off))
	if n != len(buf) {
		return fmt.Errorf("%w: got %d of %d bytes at offset %#x", shortErr, n, len(buf), off)
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("read at offset %#x: %w", off, err)
	}
	return nil
}

// ReadFileHeader reads and validates the fixed-size file header. The
// expected class, if not ClassNone, must match the image; otherwise the
// class is taken from the identification bytes.
func ReadFileHeader(f volume.File, expect Class) (*FileHeader, error) {
	var ident [identSize]byte
	if err := readFull(f, ident[:], 0, ErrShortRead); err != nil {
		return nil, err
	}

	if !bytes.Equal(ident[:4], elfMagic[:]) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, ident[:4])
	}

	class := Class(ident[identClass])
	if class != Class32 && class != Class64 {
		return nil, fmt.Errorf("%w: %d", ErrBadClass, ident[identClass])
	}
	if expect != ClassNone && class != expect {
		return nil, fmt.Errorf("%w: image is %s, want %s", ErrBadClass, class, expect)
	}

	var order binary.ByteOrder
	switch ident[identEncoding] {
	case encodingLittle:
		order = binary.LittleEndian
	case encodingBig:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadEncoding, ident[identEncoding])
	}

	rest := make([]byte, headerWireSize(class))
	if err := readFull(f, rest, identSize, ErrShortRead); err != nil {
		return nil, err
	}

	hdr := &FileHeader{Class: class, ByteOrder: order}
	if class == Class64 {
		var fh fileHeader64
		if err := binary.Read(bytes.NewReader(rest), order, &fh); err != nil {
			return nil, fmt.Errorf("decode file header: %w", err)
		}
		hdr.Machine = fh.Machine
		hdr.Entry = fh.Entry
		hdr.phoff = fh.Phoff
		hdr.phentsize = fh.Phentsize
		hdr.phnum = fh.Phnum
	} else {
		var fh fileHeader32
		if err := binary.Read(bytes.NewReader(rest), order, &fh); err != nil {
			return nil, fmt.Errorf("decode file header: %w", err)
		}
		hdr.Machine = fh.Machine
		hdr.Entry = uint64(fh.Entry)
		hdr.phoff = uint64(fh.Phoff)
		hdr.phentsize = fh.Phentsize
		hdr.phnum = fh.Phnum
	}

	if hdr.phoff >= f.Size() {
		return nil, fmt.Errorf("%w: phoff %#x, file size %#x", ErrPhdrOffset, hdr.phoff, f.Size())
	}

	return hdr, nil
}

// ReadProgramHeaders reads the whole program header table in one bounded
// operation and decodes it width-generically.
func ReadProgramHeaders(f volume.File, hdr *FileHeader) ([]ProgHeader, error) {
	if hdr.phnum == 0 {
		return nil, nil
	}

	wire := progWireSize(hdr.Class)
	stride := uint64(hdr.phentsize)
	if stride < uint64(wire) {
		return nil, fmt.Errorf("%w: entry size %d below %s minimum %d",
			ErrTruncatedTable, hdr.phentsize, hdr.Class, wire)
	}

	total := uint64(hdr.phnum) * stride
	if total/stride != uint64(hdr.phnum) {
		return nil, fmt.Errorf("%w: %d entries of %d bytes", ErrTableTooLarge, hdr.phnum, stride)
	}
	if total > maxPhdrTableBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap %d", ErrTableTooLarge, total, maxPhdrTableBytes)
	}
	if hdr.phoff+total < hdr.phoff || hdr.phoff+total > f.Size() {
		return nil, fmt.Errorf("%w: table [%#x-%#x) exceeds file size %#x",
			ErrTruncatedTable, hdr.phoff, hdr.phoff+total, f.Size())
	}

	table := make([]byte, total)
	if err := readFull(f, table, hdr.phoff, ErrTruncatedTable); err != nil {
		return nil, err
	}

	headers := make([]ProgHeader, hdr.phnum)
	for i := range headers {
		entry := table[uint64(i)*stride:][:wire]
		if hdr.Class == Class64 {
			var ph progHeader64
			if err := binary.Read(bytes.NewReader(entry), hdr.ByteOrder, &ph); err != nil {
				return nil, fmt.Errorf("decode program header %d: %w", i, err)
			}
			headers[i] = ProgHeader{
				Type:   ph.Type,
				Flags:  ph.Flags,
				Offset: ph.Offset,
				Vaddr:  ph.Vaddr,
				Paddr:  ph.Paddr,
				Filesz: ph.Filesz,
				Memsz:  ph.Memsz,
				Align:  ph.Align,
			}
		} else {
			var ph progHeader32
			if err := binary.Read(bytes.NewReader(entry), hdr.ByteOrder, &ph); err != nil {
				return nil, fmt.Errorf("decode program header %d: %w", i, err)
			}
			headers[i] = ProgHeader{
				Type:   ph.Type,
				Flags:  ph.Flags,
				Offset: uint64(ph.Offset),
				Vaddr:  uint64(ph.Vaddr),
				Paddr:  uint64(ph.Paddr),
				Filesz: uint64(ph.Filesz),
				Memsz:  uint64(ph.Memsz),
				Align:  uint64(ph.Align),
			}
		}
	}

	return headers, nil
}
