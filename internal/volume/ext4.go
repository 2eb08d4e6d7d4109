package volume

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dsoprea/go-ext4"
)

// Ext4Volume reads images out of a raw ext4 filesystem image without
// mounting it. The image may be a whole-disk image, in which case offset
// selects the byte position of the partition holding the filesystem.
type Ext4Volume struct {
	backing io.ReadSeeker
	closer  io.Closer
	offset  int64
}

var _ Volume = &Ext4Volume{}

// OpenExt4 opens the ext4 filesystem found at offset bytes into the named
// image file.
func OpenExt4(path string, offset int64) (*Ext4Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ext4 image: %w", err)
	}

	v := &Ext4Volume{backing: f, closer: f, offset: offset}

	// Probe the superblock so a bad offset fails at mount time rather
	// than on the first Open.
	if _, err := v.superblock(); err != nil {
		f.Close()
		return nil, fmt.Errorf("read ext4 superblock at offset %#x: %w", offset, err)
	}

	return v, nil
}

// Close releases the underlying image file.
func (v *Ext4Volume) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}

func (v *Ext4Volume) superblock() (*ext4.Superblock, error) {
	rs := v.section()
	if _, err := rs.Seek(ext4.Superblock0Offset, io.SeekStart); err != nil {
		return nil, err
	}
	return ext4.NewSuperblockWithReader(rs)
}

// section returns a fresh seekable view of the partition. go-ext4 mutates
// the seek position of the reader it is given, so every lookup works on
// its own view.
func (v *Ext4Volume) section() *offsetReadSeeker {
	return &offsetReadSeeker{backing: v.backing, base: v.offset}
}

func (v *Ext4Volume) blockGroupDescriptor(rs io.ReadSeeker, inode int) (*ext4.BlockGroupDescriptor, error) {
	if _, err := rs.Seek(ext4.Superblock0Offset, io.SeekStart); err != nil {
		return nil, err
	}

	sb, err := ext4.NewSuperblockWithReader(rs)
	if err != nil {
		return nil, err
	}

	bgdl, err := ext4.NewBlockGroupDescriptorListWithReadSeeker(rs, sb)
	if err != nil {
		return nil, err
	}

	return bgdl.GetWithAbsoluteInode(inode)
}

// Open implements Volume. The name is a slash-separated path from the
// filesystem root.
func (v *Ext4Volume) Open(name string) (File, error) {
	rs := v.section()

	parts := strings.Split(strings.TrimPrefix(name, "/"), "/")

	bgd, err := v.blockGroupDescriptor(rs, ext4.InodeRootDirectory)
	if err != nil {
		return nil, fmt.Errorf("open %q: root directory: %w", name, err)
	}

	dw, err := ext4.NewDirectoryWalk(rs, bgd, ext4.InodeRootDirectory)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}

	var inodeNumber int
	i := 0
	for {
		p, de, err := dw.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("open %q: walk: %w", name, err)
		}

		deInode := int(de.Data().Inode)

		if p != parts[i] {
			continue
		}

		bgd, err = v.blockGroupDescriptor(rs, deInode)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}

		if i == len(parts)-1 {
			inodeNumber = deInode
			break
		}

		dw, err = ext4.NewDirectoryWalk(rs, bgd, deInode)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		i++
	}

	if inodeNumber == 0 {
		return nil, fmt.Errorf("open %q: %w", name, ErrNotFound)
	}

	inode, err := ext4.NewInodeWithReadSeeker(bgd, rs, inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("open %q: inode %d: %w", name, inodeNumber, err)
	}

	en := ext4.NewExtentNavigatorWithReadSeeker(rs, inode)
	data, err := io.ReadAll(ext4.NewInodeReader(en))
	if err != nil {
		return nil, fmt.Errorf("open %q: read inode %d: %w", name, inodeNumber, err)
	}

	return &memFile{Reader: bytes.NewReader(data)}, nil
}

// offsetReadSeeker exposes a partition at base bytes into a larger image
// as a zero-based ReadSeeker.
type offsetReadSeeker struct {
	backing io.ReadSeeker
	base    int64
	pos     int64
}

func (r *offsetReadSeeker) Read(p []byte) (int, error) {
	if _, err := r.backing.Seek(r.base+r.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := r.backing.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *offsetReadSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		end, err := r.backing.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		r.pos = (end - r.base) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if r.pos < 0 {
		return 0, fmt.Errorf("invalid offset %d", r.pos)
	}
	return r.pos, nil
}
