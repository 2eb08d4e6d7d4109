package handoff

import "time"

// Timer is the wait-until-deadline contract used for the settle delay
// before reset release. Call sites name a deadline rather than a
// sleeping mechanism, so a host sleep, a hardware timer, or a test fake
// can stand in without touching the protocol.
type Timer interface {
	Now() time.Time
	WaitUntil(deadline time.Time)
}

// HostTimer waits using the host clock.
type HostTimer struct{}

var _ Timer = HostTimer{}

func (HostTimer) Now() time.Time { return time.Now() }

func (HostTimer) WaitUntil(deadline time.Time) {
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}

// SpinTimer waits by polling the clock. This mirrors the busy-wait a
// bare-metal first stage uses when no timer peripheral is up yet.
type SpinTimer struct{}

var _ Timer = SpinTimer{}

func (SpinTimer) Now() time.Time { return time.Now() }

func (SpinTimer) WaitUntil(deadline time.Time) {
	for time.Now().Before(deadline) {
	}
}
