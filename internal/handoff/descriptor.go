package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TableMagic identifies a handoff descriptor to the next-stage firmware.
const TableMagic = "XLNX"

// MaxEntries caps the descriptor's fixed-capacity entry array.
const MaxEntries = 10

// entrySize is the encoded stride of one entry: a 64-bit entry point, a
// 32-bit flags word, and 4 bytes of padding matching the next stage's
// natural struct alignment.
const entrySize = 16

// EncodedSize is the full descriptor footprint in memory: magic, entry
// count, and the fixed-capacity entry array.
const EncodedSize = 4 + 4 + MaxEntries*entrySize

// ErrTableFull indicates an eleventh partition was appended. The
// original silently dropped overflow entries; that would hand the next
// stage a descriptor missing a partition it was told about, so overflow
// is a hard failure here.
var ErrTableFull = errors.New("handoff: descriptor table full")

// Entry names one loaded partition to the next stage.
type Entry struct {
	EntryPoint uint64
	Flags      uint32
}

// Table is the handoff descriptor under construction: an ordered list of
// loaded partitions, encoded into a caller-designated memory region at
// publish time so it outlives this stage's stack.
type Table struct {
	entries []Entry
}

// Append records one partition. Exceeding MaxEntries fails.
func (t *Table) Append(e Entry) error {
	if len(t.entries) >= MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrTableFull, MaxEntries)
	}
	t.entries = append(t.entries, e)
	return nil
}

// NumEntries returns the number of recorded partitions.
func (t *Table) NumEntries() int { return len(t.entries) }

// Entries returns a copy of the recorded partitions in append order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Encode serializes the descriptor little-endian into its fixed
// EncodedSize wire form. Unused entry slots are zero.
func (t *Table) Encode() []byte {
	buf := make([]byte, EncodedSize)
	copy(buf[0:4], TableMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(t.entries)))
	for i, e := range t.entries {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], e.EntryPoint)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.Flags)
	}
	return buf
}

// DecodeTable parses an encoded descriptor, for inspection and tests.
func DecodeTable(buf []byte) (*Table, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("handoff: descriptor too short (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != TableMagic {
		return nil, fmt.Errorf("handoff: bad descriptor magic % x", buf[0:4])
	}
	n := binary.LittleEndian.Uint32(buf[4:8])
	if n > MaxEntries {
		return nil, fmt.Errorf("handoff: descriptor claims %d entries, max %d", n, MaxEntries)
	}
	if len(buf) < 8+int(n)*entrySize {
		return nil, fmt.Errorf("handoff: descriptor truncated at %d bytes for %d entries", len(buf), n)
	}

	t := &Table{}
	for i := 0; i < int(n); i++ {
		off := 8 + i*entrySize
		t.entries = append(t.entries, Entry{
			EntryPoint: binary.LittleEndian.Uint64(buf[off : off+8]),
			Flags:      binary.LittleEndian.Uint32(buf[off+8 : off+12]),
		})
	}
	return t, nil
}
