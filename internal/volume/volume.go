// Package volume abstracts the block storage that boot images are read
// from. A Volume is a mounted source of named files; a File is an open,
// random-access image with a known size. Backends exist for host
// directories, raw ext4 partition images, and in-memory fixtures.
package volume

import (
	"bytes"
	"errors"
	"io"
	"sort"
)

// ErrNotFound indicates the named image does not exist on the volume.
var ErrNotFound = errors.New("volume: file not found")

// File is an open image file. Reads are bounds-checked by the backend;
// ReadAt past the end returns io.EOF with a short count.
type File interface {
	io.ReaderAt
	io.Closer

	// Size returns the file length in bytes.
	Size() uint64
}

// Volume is a mounted storage source that boot images are opened from.
type Volume interface {
	Open(name string) (File, error)
}

// MemVolume serves files from an in-memory map. It backs tests and
// pre-staged boot plans that carry their images in the binary.
type MemVolume struct {
	files map[string][]byte
}

var _ Volume = &MemVolume{}

// NewMemVolume creates an empty in-memory volume.
func NewMemVolume() *MemVolume {
	return &MemVolume{files: make(map[string][]byte)}
}

// Add registers data under name, replacing any previous contents.
func (v *MemVolume) Add(name string, data []byte) {
	v.files[name] = data
}

// Names returns the registered file names in sorted order.
func (v *MemVolume) Names() []string {
	names := make([]string, 0, len(v.files))
	for name := range v.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open implements Volume.
func (v *MemVolume) Open(name string) (File, error) {
	data, ok := v.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &memFile{Reader: bytes.NewReader(data)}, nil
}

type memFile struct {
	*bytes.Reader
}

func (f *memFile) Size() uint64 { return uint64(f.Reader.Size()) }
func (f *memFile) Close() error { return nil }
