package phys

import (
	"errors"
	"fmt"
)

// ErrDestinationNotAllowed indicates a segment named a physical
// destination outside every allowlisted range.
var ErrDestinationNotAllowed = errors.New("phys: destination not allowed")

// Allowlist is the set of physical ranges an image may load into. The
// loader checks every segment destination against it before writing, so
// file-controlled addresses cannot alias the loader's own code, stack, or
// device registers.
type Allowlist struct {
	ranges []Range
}

// NewAllowlist creates an allowlist over the given ranges. Overlapping
// ranges are rejected; they usually indicate a mis-specified memory map.
func NewAllowlist(ranges ...Range) (*Allowlist, error) {
	a := &Allowlist{}
	for _, r := range ranges {
		if err := a.Add(r); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Add appends one range to the allowlist.
func (a *Allowlist) Add(r Range) error {
	if r.Size == 0 {
		return fmt.Errorf("allowlist: zero-size range %s", r)
	}
	if r.Base+r.Size < r.Base {
		return fmt.Errorf("allowlist: range %s wraps the address space", r)
	}
	for _, existing := range a.ranges {
		if existing.Overlaps(r) {
			return fmt.Errorf("allowlist: range %s overlaps %s", r, existing)
		}
	}
	a.ranges = append(a.ranges, r)
	return nil
}

// Ranges returns a copy of the allowlisted ranges.
func (a *Allowlist) Ranges() []Range {
	out := make([]Range, len(a.ranges))
	copy(out, a.ranges)
	return out
}

// Check returns nil if [base, base+size) lies entirely inside a single
// allowlisted range. A destination straddling two adjacent ranges is
// rejected; segments are expected to target one region of the memory map.
func (a *Allowlist) Check(base, size uint64) error {
	if size == 0 {
		return nil
	}
	if base+size < base {
		return fmt.Errorf("%w: [%#x+%#x) wraps the address space", ErrDestinationNotAllowed, base, size)
	}
	for _, r := range a.ranges {
		if r.Contains(base, size) {
			return nil
		}
	}
	return fmt.Errorf("%w: [%#x-%#x)", ErrDestinationNotAllowed, base, base+size)
}
