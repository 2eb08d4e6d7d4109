// Package elftest builds small synthetic ELF images for tests.
package elftest

import (
	"bytes"
	"encoding/binary"

	"github.com/tinyrange/fsboot/internal/elfimg"
)

// Segment describes one program header in a built image. A zero Memsz
// means len(Data).
type Segment struct {
	Type  uint32
	Vaddr uint64
	Data  []byte
	Memsz uint64
}

const (
	elf32HeaderSize = 52
	elf64HeaderSize = 64
	elf32PhdrSize   = 32
	elf64PhdrSize   = 56
)

// Build assembles a little-endian ELF image of the given class:
// identification, file header, program header table, then each
// segment's bytes in order.
func Build(class elfimg.Class, entry uint64, segs []Segment) []byte {
	is64 := class == elfimg.Class64

	hdrSize, phentsize := elf32HeaderSize, elf32PhdrSize
	machine := uint16(40) // ARM
	if is64 {
		hdrSize, phentsize = elf64HeaderSize, elf64PhdrSize
		machine = 183 // AArch64
	}
	phoff := hdrSize
	dataStart := phoff + len(segs)*phentsize

	var buf bytes.Buffer
	le := binary.LittleEndian

	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = byte(class)
	ident[5] = 1 // little-endian
	ident[6] = 1 // header version
	buf.Write(ident)

	u16 := func(v uint16) { binary.Write(&buf, le, v) }
	u32 := func(v uint32) { binary.Write(&buf, le, v) }
	u64 := func(v uint64) { binary.Write(&buf, le, v) }

	u16(2) // ET_EXEC
	u16(machine)
	u32(1) // version
	if is64 {
		u64(entry)
		u64(uint64(phoff))
		u64(0) // shoff
	} else {
		u32(uint32(entry))
		u32(uint32(phoff))
		u32(0)
	}
	u32(0) // flags
	u16(uint16(hdrSize))
	u16(uint16(phentsize))
	u16(uint16(len(segs)))
	u16(0) // shentsize
	u16(0) // shnum
	u16(0) // shstrndx

	offset := dataStart
	for _, seg := range segs {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		if is64 {
			u32(seg.Type)
			u32(0) // flags
			u64(uint64(offset))
			u64(seg.Vaddr)
			u64(seg.Vaddr)
			u64(uint64(len(seg.Data)))
			u64(memsz)
			u64(0) // align
		} else {
			u32(seg.Type)
			u32(uint32(offset))
			u32(uint32(seg.Vaddr))
			u32(uint32(seg.Vaddr))
			u32(uint32(len(seg.Data)))
			u32(uint32(memsz))
			u32(0) // flags
			u32(0) // align
		}
		offset += len(seg.Data)
	}

	for _, seg := range segs {
		buf.Write(seg.Data)
	}

	return buf.Bytes()
}
