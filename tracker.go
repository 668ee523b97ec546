package tzm

// Newline is the delimiter whose arrival times are measured.
const Newline = '\n'

// counters is the Interval Tracker state of one session.
type counters struct {
	charCount       uint64
	lastNewlineTick uint64
	lastInterval    uint64
	// seenNewline is false until the first newline of the session, so the
	// first newline never produces an interval.
	seenNewline bool
}

// consume returns c advanced over p. The clock is read once per newline.
// Tick subtraction assumes the counter does not wrap within an interval.
func (c counters) consume(p []byte, clk Clock) counters {
	for _, b := range p {
		c.charCount++
		if b != Newline {
			continue
		}
		now := clk.Ticks()
		if c.seenNewline {
			c.lastInterval = now - c.lastNewlineTick
		}
		c.lastNewlineTick = now
		c.seenNewline = true
	}
	return c
}
