package elfimg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/fsboot/internal/phys"
	"github.com/tinyrange/fsboot/internal/volume"
)

// DefaultChunkSize is the scratch buffer size used to stream segment
// data from storage into memory. The storage layer's read contract only
// covers the scratch buffer, so data is never read directly into the
// destination.
const DefaultChunkSize = 4096

// Loader stages ELF images into physical memory.
type Loader struct {
	// Memory receives the segment bytes and the coherence flushes.
	Memory phys.Memory

	// Allow restricts segment destinations. Required: an image controls
	// its own destination addresses, so an unchecked load lets a corrupt
	// file write anywhere.
	Allow *phys.Allowlist

	// ExpectClass pins the image width. ClassNone accepts either.
	ExpectClass Class

	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int

	// Logger receives per-stage diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	// Progress, when set, is called after every chunk write and
	// zero-fill step with the bytes placed so far for the current
	// segment and the segment's total in-memory size.
	Progress func(done, total uint64)
}

// Image is the result of a completed load: the validated header plus the
// PT_LOAD entries that were placed.
type Image struct {
	Header *FileHeader
	Placed []ProgHeader
}

// Entry returns the image's entry point. The value is not checked
// against the placed segments; trust in the image is assumed once the
// header and segment checks pass.
func (img *Image) Entry() uint64 { return img.Header.Entry }

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loader) chunkSize() int {
	if l.ChunkSize > 0 {
		return l.ChunkSize
	}
	return DefaultChunkSize
}

// Load runs the full pipeline against an open image file: header
// validation, program header enumeration, and segment materialization.
// Stages gate each other; no later stage runs once one fails. The caller
// retains ownership of f.
func (l *Loader) Load(f volume.File) (*Image, error) {
	if l.Memory == nil {
		return nil, fmt.Errorf("elfimg: loader has no memory")
	}
	if l.Allow == nil {
		return nil, fmt.Errorf("elfimg: loader has no destination allowlist")
	}

	log := l.logger()

	hdr, err := ReadFileHeader(f, l.ExpectClass)
	if err != nil {
		return nil, err
	}
	log.Debug("validated image header",
		"class", hdr.Class.String(),
		"machine", hdr.Machine,
		"entry", fmt.Sprintf("%#x", hdr.Entry),
		"phnum", hdr.NumProgHeaders())

	headers, err := ReadProgramHeaders(f, hdr)
	if err != nil {
		return nil, err
	}

	img := &Image{Header: hdr}
	for i, ph := range headers {
		if ph.Type != PTLoad {
			log.Debug("skipping non-load segment", "index", i, "type", fmt.Sprintf("%#x", ph.Type))
			continue
		}
		if err := l.loadSegment(f, ph); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		log.Debug("placed segment",
			"index", i,
			"vaddr", fmt.Sprintf("%#x", ph.Vaddr),
			"filesz", ph.Filesz,
			"memsz", ph.Memsz)
		img.Placed = append(img.Placed, ph)
	}

	log.Info("image loaded",
		"class", hdr.Class.String(),
		"segments", len(img.Placed),
		"entry", fmt.Sprintf("%#x", hdr.Entry))

	return img, nil
}

// loadSegment validates and places one PT_LOAD entry. Nothing is written
// until every bound has been checked.
func (l *Loader) loadSegment(f volume.File, ph ProgHeader) error {
	if ph.Filesz > ph.Memsz {
		return fmt.Errorf("%w: filesz %#x exceeds memsz %#x", ErrSegmentOutOfBounds, ph.Filesz, ph.Memsz)
	}

	end := ph.Offset + ph.Filesz
	if end < ph.Offset || end > f.Size() {
		return fmt.Errorf("%w: [%#x+%#x) with file size %#x",
			ErrSegmentOutOfBounds, ph.Offset, ph.Filesz, f.Size())
	}

	if err := l.Allow.Check(ph.Vaddr, ph.Memsz); err != nil {
		return err
	}

	chunk := uint64(l.chunkSize())
	scratch := make([]byte, chunk)

	var loaded uint64
	for loaded < ph.Filesz {
		n := chunk
		if remaining := ph.Filesz - loaded; remaining < n {
			n = remaining
		}

		got, err := f.ReadAt(scratch[:n], int64(ph.Offset+loaded))
		if uint64(got) != n {
			return fmt.Errorf("%w: got %d of %d bytes at offset %#x",
				ErrShortSegmentRead, got, n, ph.Offset+loaded)
		}
		// A full read that ends exactly at EOF may still carry io.EOF.
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read segment at offset %#x: %w", ph.Offset+loaded, err)
		}

		dst := ph.Vaddr + loaded
		if _, err := l.Memory.WriteAt(scratch[:n], dst); err != nil {
			return fmt.Errorf("write segment chunk at %#x: %w", dst, err)
		}
		if err := l.Memory.Flush(dst, n); err != nil {
			return fmt.Errorf("flush segment chunk at %#x: %w", dst, err)
		}

		loaded += n
		if l.Progress != nil {
			l.Progress(loaded, ph.Memsz)
		}
	}

	if ph.Memsz > ph.Filesz {
		if err := l.zeroFill(ph.Vaddr+ph.Filesz, ph.Memsz-ph.Filesz, ph.Memsz, loaded); err != nil {
			return err
		}
	}

	return nil
}

// zeroFill clears [addr, addr+length), flushing each slice as it is
// written, for the in-memory tail that has no on-disk bytes.
func (l *Loader) zeroFill(addr, length, total, done uint64) error {
	chunk := uint64(l.chunkSize())
	zeros := make([]byte, chunk)

	for cleared := uint64(0); cleared < length; {
		n := chunk
		if remaining := length - cleared; remaining < n {
			n = remaining
		}

		dst := addr + cleared
		if _, err := l.Memory.WriteAt(zeros[:n], dst); err != nil {
			return fmt.Errorf("zero fill at %#x: %w", dst, err)
		}
		if err := l.Memory.Flush(dst, n); err != nil {
			return fmt.Errorf("flush zero fill at %#x: %w", dst, err)
		}

		cleared += n
		if l.Progress != nil {
			l.Progress(done+cleared, total)
		}
	}

	return nil
}
