package tzm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ReadPolicy selects whether a Read consumes the report or only peeks at it.
type ReadPolicy int

const (
	// ReadPeek leaves the report in place; repeated reads return it again.
	ReadPeek ReadPolicy = iota
	// ReadConsume empties the report after it has been read once.
	ReadConsume
)

func (p ReadPolicy) String() string {
	switch p {
	case ReadPeek:
		return "peek"
	case ReadConsume:
		return "consume"
	default:
		return fmt.Sprintf("ReadPolicy(%d)", int(p))
	}
}

// ParseReadPolicy parses "peek" or "consume".
func ParseReadPolicy(s string) (ReadPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "peek":
		return ReadPeek, nil
	case "consume":
		return ReadConsume, nil
	default:
		return 0, fmt.Errorf("unknown read policy %q", s)
	}
}

// Device is a single-session endpoint that measures the tick interval
// between newlines written to it and reports it together with the number of
// characters received.
//
// All state sits behind one lock, so writes and reads are strictly
// serialized and a read always observes a fully rendered report. It is safe
// for concurrent use by multiple goroutines.
type Device struct {
	mu     *ctxMutex
	clock  Clock
	policy ReadPolicy
	log    *slog.Logger

	// Guarded by mu.
	isOpen     bool
	generation uint64
	counters   counters
	report     report

	params params
}

// Option configures a Device.
type Option func(*Device)

// WithClock sets the tick source. The default is NewMonotonicClock(DefaultTickRate).
func WithClock(c Clock) Option {
	return func(d *Device) { d.clock = c }
}

// WithReadPolicy sets the read policy. The default is ReadPeek.
func WithReadPolicy(p ReadPolicy) Option {
	return func(d *Device) { d.policy = p }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// New returns a closed Device with zeroed counters and an empty report.
func New(opts ...Option) *Device {
	d := &Device{
		mu:     newCtxMutex(),
		clock:  NewMonotonicClock(DefaultTickRate),
		policy: ReadPeek,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open starts a session. It fails with ErrBusy if a session is already open
// or if ctx is done before the lock is acquired; in the latter case the
// error also matches ErrInterrupted. A successful Open resets the counters
// and the report.
func (d *Device) Open(ctx context.Context) (*Session, error) {
	if err := d.mu.lock(ctx); err != nil {
		d.log.Warn("open interrupted", "err", err)
		return nil, fmt.Errorf("open: %w: %w", ErrBusy, err)
	}
	defer d.mu.unlock()

	if d.isOpen {
		d.log.Warn("open rejected: already open")
		return nil, fmt.Errorf("open: %w", ErrBusy)
	}
	d.isOpen = true
	d.generation++
	d.counters = counters{}
	d.report.reset()
	d.params.publish(d.counters)
	d.log.Debug("opened", "session", d.generation)
	return &Session{dev: d, gen: d.generation}, nil
}

// Params returns the published interval and character count. It does not
// take the device lock.
func (d *Device) Params() Params {
	return d.params.load()
}

// Snapshot is a consistent copy of a Device's state.
type Snapshot struct {
	Open            bool
	CharCount       uint64
	LastInterval    uint64
	LastNewlineTick uint64
	// SeenNewline reports whether the session has received a newline yet.
	SeenNewline bool
	Report      []byte
}

// Snapshot copies the device state under the lock.
func (d *Device) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := d.mu.lock(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	defer d.mu.unlock()
	return Snapshot{
		Open:            d.isOpen,
		CharCount:       d.counters.charCount,
		LastInterval:    d.counters.lastInterval,
		LastNewlineTick: d.counters.lastNewlineTick,
		SeenNewline:     d.counters.seenNewline,
		Report:          d.report.bytes(),
	}, nil
}

// current reports whether gen names the open session. Callers hold mu.
func (d *Device) current(gen uint64) bool {
	return d.isOpen && d.generation == gen
}

func (d *Device) write(ctx context.Context, gen uint64, p []byte) (int, error) {
	if err := d.mu.lock(ctx); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	defer d.mu.unlock()

	if !d.current(gen) {
		return 0, fmt.Errorf("write: %w", ErrClosed)
	}
	next := d.counters.consume(p, d.clock)
	if err := d.report.render(next.charCount, next.lastInterval); err != nil {
		d.log.Error("render failed", "err", err)
		return 0, fmt.Errorf("write: %w", err)
	}
	d.counters = next
	d.params.publish(next)
	d.log.Debug("received characters", "n", len(p))
	return len(p), nil
}

func (d *Device) read(ctx context.Context, gen uint64, p []byte) (int, error) {
	if err := d.mu.lock(ctx); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	defer d.mu.unlock()

	if !d.current(gen) {
		return 0, fmt.Errorf("read: %w", ErrClosed)
	}
	if d.report.n == 0 {
		return 0, io.EOF
	}
	n, err := d.report.serve(p)
	if err != nil {
		d.log.Warn("failed to send report", "err", err)
		return 0, fmt.Errorf("read: %w", err)
	}
	if d.policy == ReadConsume {
		d.report.reset()
	}
	d.log.Debug("sent characters", "n", n)
	return n, nil
}

func (d *Device) close(ctx context.Context, gen uint64) error {
	if err := d.mu.lock(ctx); err != nil {
		return fmt.Errorf("close: %w: %w", ErrBusy, err)
	}
	defer d.mu.unlock()

	if !d.current(gen) {
		return fmt.Errorf("close: %w", ErrClosed)
	}
	d.isOpen = false
	d.log.Debug("closed", "session", gen)
	return nil
}
