package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirVolume serves images out of a host directory. This stands in for a
// mounted boot partition during development and testing.
type DirVolume struct {
	root string
}

var _ Volume = &DirVolume{}

// NewDirVolume creates a volume backed by the given host directory.
func NewDirVolume(root string) (*DirVolume, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat volume root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("volume root is not a directory: %s", root)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	return &DirVolume{root: absRoot}, nil
}

// Open implements Volume. Image names are relative to the volume root and
// must not escape it.
func (v *DirVolume) Open(name string) (File, error) {
	fullPath := filepath.Join(v.root, filepath.FromSlash(name))

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	if absPath != v.root && !strings.HasPrefix(absPath, v.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("open %q: path escapes volume root", name)
	}

	f, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("open %q: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %q: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %q: %w", name, ErrNotFound)
	}

	return &osFile{File: f, size: uint64(info.Size())}, nil
}

type osFile struct {
	*os.File
	size uint64
}

func (f *osFile) Size() uint64 { return f.size }
