package tzm

import (
	"math/bits"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTickRate is the tick frequency, in Hz, of the clock returned by
// NewMonotonicClock when no rate is given.
const DefaultTickRate = 250

// MaxTickRate is the highest tick frequency a Config accepts.
const MaxTickRate = 1_000_000_000

// Clock furnishes a monotonically increasing tick counter.
type Clock interface {
	Ticks() uint64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() uint64

// Ticks calls f.
func (f ClockFunc) Ticks() uint64 { return f() }

type monotonicClock struct {
	hz    uint64
	start time.Time
}

// NewMonotonicClock returns a Clock backed by CLOCK_MONOTONIC that advances
// hz times per second. A zero hz selects DefaultTickRate.
func NewMonotonicClock(hz uint64) Clock {
	if hz == 0 {
		hz = DefaultTickRate
	}
	return monotonicClock{hz: hz, start: time.Now()}
}

func (c monotonicClock) Ticks() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Fall back to the runtime's monotonic reading.
		ts = unix.NsecToTimespec(int64(time.Since(c.start)))
	}
	return scaleTicks(uint64(ts.Sec), uint64(ts.Nsec), c.hz)
}

// scaleTicks converts a seconds/nanoseconds reading to hz ticks. The
// sub-second part is scaled in 128 bits so it cannot wrap.
func scaleTicks(sec, nsec, hz uint64) uint64 {
	hi, lo := bits.Mul64(nsec, hz)
	frac, _ := bits.Div64(hi, lo, 1e9)
	return sec*hz + frac
}
