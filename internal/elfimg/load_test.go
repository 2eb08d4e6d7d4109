package elfimg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/fsboot/internal/phys"
)

func TestLoadPlacesSegmentAndZeroFillsTail(t *testing.T) {
	// 32-bit image, one LOAD segment, filesz=100, memsz=200, destination
	// pre-filled with 0xFF: bytes [0,100) must equal the file content and
	// [100,200) must be zero afterwards.
	content := pattern(100)
	img := buildELF(t, Class32, 0x20000, []testSegment{
		{typ: PTLoad, vaddr: 0x20000, data: content, memsz: 200},
	})

	loader, mem := newTestLoader(t, 0x20000, 0x1000)
	copy(mem.Bytes(), fill(0x1000, 0xFF))

	loaded, err := loader.Load(openImage(t, img))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Entry() != 0x20000 {
		t.Fatalf("Entry = %#x, want 0x20000", loaded.Entry())
	}

	got := mem.Bytes()
	if !bytes.Equal(got[:100], content) {
		t.Fatalf("destination [0,100) does not match file content")
	}
	for i := 100; i < 200; i++ {
		if got[i] != 0 {
			t.Fatalf("destination byte %d = %#x, want 0", i, got[i])
		}
	}
	if got[200] != 0xFF {
		t.Fatalf("byte past memsz was clobbered")
	}
}

func TestLoadFlushesEveryWrittenByte(t *testing.T) {
	img := buildELF(t, Class64, 0x1000, []testSegment{
		{typ: PTLoad, vaddr: 0x1000, data: pattern(DefaultChunkSize + 123), memsz: uint64(DefaultChunkSize + 1000)},
	})

	loader, mem := newTestLoader(t, 0x1000, 0x4000)
	if _, err := loader.Load(openImage(t, img)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if !mem.FlushedAll(0x1000, uint64(DefaultChunkSize+1000)) {
		t.Fatalf("cache flushes do not cover the full destination range")
	}
}

func TestLoadChunkRemainder(t *testing.T) {
	// filesz deliberately not a multiple of the chunk size: the final
	// chunk must copy exactly the remainder, not stale scratch bytes.
	content := pattern(2*DefaultChunkSize + 37)
	img := buildELF(t, Class64, 0, []testSegment{
		{typ: PTLoad, vaddr: 0x100000, data: content},
	})

	loader, mem := newTestLoader(t, 0x100000, 0x10000)
	copy(mem.Bytes(), fill(0x10000, 0xAA))

	if _, err := loader.Load(openImage(t, img)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	got := mem.Bytes()
	if !bytes.Equal(got[:len(content)], content) {
		t.Fatalf("destination does not match source for odd-length segment")
	}
	if got[len(content)] != 0xAA {
		t.Fatalf("byte past filesz was clobbered with memsz == filesz")
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	img := buildELF(t, Class64, 0x40, []testSegment{
		{typ: PTLoad, vaddr: 0x0, data: pattern(300), memsz: 512},
	})

	loader, mem := newTestLoader(t, 0, 0x1000)
	if _, err := loader.Load(openImage(t, img)); err != nil {
		t.Fatalf("first Load returned error: %v", err)
	}
	first := append([]byte(nil), mem.Bytes()...)

	if _, err := loader.Load(openImage(t, img)); err != nil {
		t.Fatalf("second Load returned error: %v", err)
	}
	if !bytes.Equal(first, mem.Bytes()) {
		t.Fatalf("repeated load of the same image differs")
	}
}

func TestLoadSkipsNonLoadSegments(t *testing.T) {
	img := buildELF(t, Class64, 0, []testSegment{
		{typ: 4, vaddr: 0x9999000, data: pattern(64)}, // outside the allowlist
		{typ: PTLoad, vaddr: 0x0, data: pattern(64)},
	})

	loader, _ := newTestLoader(t, 0, 0x1000)
	loaded, err := loader.Load(openImage(t, img))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded.Placed) != 1 {
		t.Fatalf("Placed = %d segments, want 1", len(loaded.Placed))
	}
}

func TestLoadPureZeroFillSegment(t *testing.T) {
	// filesz == 0 with nonzero memsz degenerates to zero-fill, no reads.
	img := buildELF(t, Class64, 0, []testSegment{
		{typ: PTLoad, vaddr: 0x2000, data: nil, memsz: 0x800},
	})

	loader, mem := newTestLoader(t, 0x2000, 0x1000)
	copy(mem.Bytes(), fill(0x1000, 0x5A))

	if _, err := loader.Load(openImage(t, img)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	for i := 0; i < 0x800; i++ {
		if mem.Bytes()[i] != 0 {
			t.Fatalf("zero-fill byte %d = %#x, want 0", i, mem.Bytes()[i])
		}
	}
	if !mem.FlushedAll(0x2000, 0x800) {
		t.Fatalf("zero-filled range was not flushed")
	}
}

func TestLoadRejectsSegmentPastEOF(t *testing.T) {
	img := buildELF(t, Class32, 0, []testSegment{
		{typ: PTLoad, vaddr: 0x0, data: pattern(64)},
	})
	// Inflate filesz beyond the file. The phdr sits right after the
	// header; Filesz is the fifth uint32 of a 32-bit entry.
	phdrOff := identSize + headerWireSize(Class32)
	patchLE32(t, img, phdrOff+16, 0x10000)
	patchLE32(t, img, phdrOff+20, 0x10000) // keep memsz >= filesz

	loader, mem := newTestLoader(t, 0, 0x20000)
	copy(mem.Bytes(), fill(0x20000, 0xEE))

	_, err := loader.Load(openImage(t, img))
	if !errors.Is(err, ErrSegmentOutOfBounds) {
		t.Fatalf("segment past EOF: err = %v, want ErrSegmentOutOfBounds", err)
	}

	// No partial copy of the rejected segment.
	for i, b := range mem.Bytes() {
		if b != 0xEE {
			t.Fatalf("memory byte %d written (= %#x) despite rejected segment", i, b)
		}
	}
}

func TestLoadRejectsFileszExceedingMemsz(t *testing.T) {
	img := buildELF(t, Class64, 0, []testSegment{
		{typ: PTLoad, vaddr: 0x0, data: pattern(128), memsz: 64},
	})

	loader, _ := newTestLoader(t, 0, 0x1000)
	_, err := loader.Load(openImage(t, img))
	if !errors.Is(err, ErrSegmentOutOfBounds) {
		t.Fatalf("filesz > memsz: err = %v, want ErrSegmentOutOfBounds", err)
	}
}

func TestLoadRejectsDestinationOutsideAllowlist(t *testing.T) {
	img := buildELF(t, Class64, 0, []testSegment{
		{typ: PTLoad, vaddr: 0xFD5C0040, data: pattern(32)}, // reset vector registers
	})

	loader, mem := newTestLoader(t, 0, 0x1000)
	_, err := loader.Load(openImage(t, img))
	if !errors.Is(err, phys.ErrDestinationNotAllowed) {
		t.Fatalf("destination outside allowlist: err = %v, want ErrDestinationNotAllowed", err)
	}
	for i, b := range mem.Bytes() {
		if b != 0 {
			t.Fatalf("memory byte %d = %#x after rejected destination", i, b)
		}
	}
}

func TestLoadShortSegmentRead(t *testing.T) {
	img := buildELF(t, Class32, 0, []testSegment{
		{typ: PTLoad, vaddr: 0x0, data: pattern(256)},
	})
	// Truncate inside the segment payload but leave filesz as declared,
	// then shrink the declared file... a simple truncation also trips the
	// pre-copy bounds check, so instead serve a file whose ReadAt returns
	// short counts.
	f := &shortReadFile{data: img, shortAfter: uint64(len(img) - 100)}

	loader, _ := newTestLoader(t, 0, 0x1000)
	_, err := loader.Load(f)
	if !errors.Is(err, ErrShortSegmentRead) {
		t.Fatalf("short chunk read: err = %v, want ErrShortSegmentRead", err)
	}
}

func TestLoadReportsProgress(t *testing.T) {
	img := buildELF(t, Class64, 0, []testSegment{
		{typ: PTLoad, vaddr: 0, data: pattern(100), memsz: 200},
	})

	var last, total uint64
	loader, _ := newTestLoader(t, 0, 0x1000)
	loader.Progress = func(done, t uint64) { last, total = done, t }

	if _, err := loader.Load(openImage(t, img)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if last != 200 || total != 200 {
		t.Fatalf("final progress = %d/%d, want 200/200", last, total)
	}
}

// shortReadFile reports a full size but refuses to return bytes past
// shortAfter, modelling a storage device that fails mid-segment.
type shortReadFile struct {
	data       []byte
	shortAfter uint64
}

func (f *shortReadFile) ReadAt(p []byte, off int64) (int, error) {
	if uint64(off) >= f.shortAfter {
		return 0, nil
	}
	limit := f.shortAfter - uint64(off)
	if uint64(len(p)) > limit {
		return copy(p, f.data[off:off+int64(limit)]), nil
	}
	return copy(p, f.data[off:off+int64(len(p))]), nil
}

func (f *shortReadFile) Size() uint64 { return uint64(len(f.data)) }
func (f *shortReadFile) Close() error { return nil }
