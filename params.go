package tzm

import "sync/atomic"

// Params holds the values a Device publishes for observability.
type Params struct {
	// LastInterval is the number of ticks between the two most recent
	// newlines of the current or last session.
	LastInterval uint64
	// CharCount is the number of bytes written in the current or last
	// session.
	CharCount uint64
}

// params mirrors the committed counters so they can be read without taking
// the device lock. Only the lock holder stores into it.
type params struct {
	lastInterval atomic.Uint64
	charCount    atomic.Uint64
}

func (p *params) publish(c counters) {
	p.lastInterval.Store(c.lastInterval)
	p.charCount.Store(c.charCount)
}

func (p *params) load() Params {
	return Params{
		LastInterval: p.lastInterval.Load(),
		CharCount:    p.charCount.Load(),
	}
}
