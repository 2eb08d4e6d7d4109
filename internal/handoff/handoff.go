package handoff

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/fsboot/internal/phys"
)

// State tracks the controller through the fixed release ordering.
type State int

const (
	// Idle: no reset manipulation has happened yet.
	Idle State = iota
	// CoresHeld: the reset-assert value has been written.
	CoresHeld
	// VectorsProgrammed: every core's reset vector names the entry point.
	VectorsProgrammed
	// CoresReleased: the cores may begin fetching at any time.
	CoresReleased
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CoresHeld:
		return "CoresHeld"
	case VectorsProgrammed:
		return "VectorsProgrammed"
	case CoresReleased:
		return "CoresReleased"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller drives the secondary-core handoff. The ordering is the only
// synchronization there is: vectors are latched at release, and a
// released core may race any later write, so everything the next stage
// reads must be in place before ReleaseCores.
type Controller struct {
	// Regs is the register-access capability. Required.
	Regs RegisterFile

	// Mem receives the encoded descriptor. Required when a descriptor is
	// published.
	Mem phys.Memory

	// Timer performs the settle wait before release. Nil uses HostTimer.
	Timer Timer

	// Logger receives protocol diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	state State
}

// State returns the controller's current protocol state.
func (c *Controller) State() State { return c.state }

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Controller) timer() Timer {
	if c.Timer != nil {
		return c.Timer
	}
	return HostTimer{}
}

// HoldCores asserts reset over all managed cores.
func (c *Controller) HoldCores() error {
	if c.state != Idle {
		return fmt.Errorf("handoff: HoldCores in state %s", c.state)
	}
	if err := c.Regs.Write32(RstFPDAPU, rstAssertAll); err != nil {
		return fmt.Errorf("assert core reset: %w", err)
	}
	c.logger().Debug("cores held in reset", "register", fmt.Sprintf("%#x", RstFPDAPU))
	c.state = CoresHeld
	return nil
}

// ProgramVectors writes every core's reset vector pair: the low half to
// its fixed constant and the high half to the entry point. This must
// happen while the cores are held; the vector is latched at release.
func (c *Controller) ProgramVectors(entry uint64) error {
	if c.state != CoresHeld {
		return fmt.Errorf("handoff: ProgramVectors in state %s", c.state)
	}
	for core := 0; core < NumCores; core++ {
		if err := c.Regs.Write32(rvbarLow(core), rvbarLowValue); err != nil {
			return fmt.Errorf("program core %d vector low: %w", core, err)
		}
		if err := c.Regs.Write32(rvbarHigh(core), uint32(entry)); err != nil {
			return fmt.Errorf("program core %d vector high: %w", core, err)
		}
	}
	c.logger().Debug("reset vectors programmed",
		"cores", NumCores,
		"entry", fmt.Sprintf("%#x", entry))
	c.state = VectorsProgrammed
	return nil
}

// PublishDescriptor encodes the table into physical memory at addr,
// flushes it, and writes its address into the shared scratch register.
// The descriptor lives in memory the next stage can reach, never on this
// stage's stack.
func (c *Controller) PublishDescriptor(t *Table, addr uint64) error {
	if c.state != VectorsProgrammed {
		return fmt.Errorf("handoff: PublishDescriptor in state %s", c.state)
	}
	if c.Mem == nil {
		return fmt.Errorf("handoff: no memory to publish descriptor into")
	}

	encoded := t.Encode()
	if _, err := c.Mem.WriteAt(encoded, addr); err != nil {
		return fmt.Errorf("write descriptor at %#x: %w", addr, err)
	}
	if err := c.Mem.Flush(addr, uint64(len(encoded))); err != nil {
		return fmt.Errorf("flush descriptor at %#x: %w", addr, err)
	}
	if err := c.Regs.Write32(GlobalGenStorage6, uint32(addr)); err != nil {
		return fmt.Errorf("publish descriptor address: %w", err)
	}

	c.logger().Debug("descriptor published",
		"address", fmt.Sprintf("%#x", addr),
		"entries", t.NumEntries())
	return nil
}

// ReleaseCores waits out the settle delay and clears reset. After this
// returns, the cores may be fetching from the programmed vectors.
func (c *Controller) ReleaseCores(settle time.Duration) error {
	if c.state != VectorsProgrammed {
		return fmt.Errorf("handoff: ReleaseCores in state %s", c.state)
	}

	if settle > 0 {
		timer := c.timer()
		timer.WaitUntil(timer.Now().Add(settle))
	}

	if err := c.Regs.Write32(RstFPDAPU, rstClearAll); err != nil {
		return fmt.Errorf("clear core reset: %w", err)
	}
	c.logger().Info("cores released from reset")
	c.state = CoresReleased
	return nil
}

// Run performs the whole protocol for one partition: hold, program,
// publish (when descAddr is nonzero), settle, release. The register
// writes are best effort; whether the cores observed the new vector
// cannot be detected from here.
func (c *Controller) Run(t *Table, descAddr uint64, settle time.Duration) error {
	if t == nil || t.NumEntries() == 0 {
		return fmt.Errorf("handoff: no partitions to hand off")
	}
	entry := t.Entries()[0].EntryPoint

	if err := c.HoldCores(); err != nil {
		return err
	}
	if err := c.ProgramVectors(entry); err != nil {
		return err
	}
	if descAddr != 0 {
		if err := c.PublishDescriptor(t, descAddr); err != nil {
			return err
		}
	}
	return c.ReleaseCores(settle)
}
