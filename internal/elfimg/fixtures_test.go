package elfimg

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/fsboot/internal/phys"
	"github.com/tinyrange/fsboot/internal/volume"
)

// elf32PhoffField is the byte offset of e_phoff in a little-endian
// ELF32 image, used by tests that corrupt it.
const elf32PhoffField = 28

type testSegment struct {
	typ   uint32
	vaddr uint64
	data  []byte
	memsz uint64 // 0 means len(data)
}

// buildELF assembles a minimal little-endian ELF image: identification,
// file header, program header table immediately after, then each
// segment's file bytes in order.
func buildELF(t *testing.T, class Class, entry uint64, segs []testSegment) []byte {
	t.Helper()

	hdrSize := identSize + headerWireSize(class)
	phentsize := progWireSize(class)
	phoff := hdrSize
	dataStart := phoff + len(segs)*phentsize

	var buf bytes.Buffer

	ident := make([]byte, identSize)
	copy(ident, elfMagic[:])
	ident[identClass] = byte(class)
	ident[identEncoding] = encodingLittle
	ident[6] = 1 // header version
	buf.Write(ident)

	writeHeader := func(phnum int) {
		if class == Class64 {
			fh := fileHeader64{
				Type:      2, // ET_EXEC
				Machine:   183,
				Version:   1,
				Entry:     entry,
				Phoff:     uint64(phoff),
				Ehsize:    uint16(hdrSize),
				Phentsize: uint16(phentsize),
				Phnum:     uint16(phnum),
			}
			if err := binary.Write(&buf, binary.LittleEndian, &fh); err != nil {
				t.Fatalf("encode file header: %v", err)
			}
		} else {
			fh := fileHeader32{
				Type:      2,
				Machine:   40,
				Version:   1,
				Entry:     uint32(entry),
				Phoff:     uint32(phoff),
				Ehsize:    uint16(hdrSize),
				Phentsize: uint16(phentsize),
				Phnum:     uint16(phnum),
			}
			if err := binary.Write(&buf, binary.LittleEndian, &fh); err != nil {
				t.Fatalf("encode file header: %v", err)
			}
		}
	}
	writeHeader(len(segs))

	offset := dataStart
	for _, seg := range segs {
		memsz := seg.memsz
		if memsz == 0 {
			memsz = uint64(len(seg.data))
		}
		if class == Class64 {
			ph := progHeader64{
				Type:   seg.typ,
				Offset: uint64(offset),
				Vaddr:  seg.vaddr,
				Paddr:  seg.vaddr,
				Filesz: uint64(len(seg.data)),
				Memsz:  memsz,
			}
			if err := binary.Write(&buf, binary.LittleEndian, &ph); err != nil {
				t.Fatalf("encode program header: %v", err)
			}
		} else {
			ph := progHeader32{
				Type:   seg.typ,
				Offset: uint32(offset),
				Vaddr:  uint32(seg.vaddr),
				Paddr:  uint32(seg.vaddr),
				Filesz: uint32(len(seg.data)),
				Memsz:  uint32(memsz),
			}
			if err := binary.Write(&buf, binary.LittleEndian, &ph); err != nil {
				t.Fatalf("encode program header: %v", err)
			}
		}
		offset += len(seg.data)
	}

	for _, seg := range segs {
		buf.Write(seg.data)
	}

	return buf.Bytes()
}

// openImage wraps raw image bytes as a volume File.
func openImage(t *testing.T, data []byte) volume.File {
	t.Helper()

	v := volume.NewMemVolume()
	v.Add("image.elf", data)
	f, err := v.Open("image.elf")
	if err != nil {
		t.Fatalf("open fixture image: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// newTestLoader builds a Loader over a fresh Buffer covering
// [base, base+size) with that range allowlisted.
func newTestLoader(t *testing.T, base, size uint64) (*Loader, *phys.Buffer) {
	t.Helper()

	mem := phys.NewBuffer(base, size)
	allow, err := phys.NewAllowlist(mem.AsRange("ram"))
	if err != nil {
		t.Fatalf("build allowlist: %v", err)
	}
	return &Loader{Memory: mem, Allow: allow}, mem
}

// patchLE32 overwrites a little-endian uint32 field in place.
func patchLE32(t *testing.T, img []byte, off int, value uint32) {
	t.Helper()
	if off+4 > len(img) {
		t.Fatalf("patch offset %d outside image of %d bytes", off, len(img))
	}
	binary.LittleEndian.PutUint32(img[off:], value)
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}
