package tzm

import "errors"

var (
	// ErrBusy is returned by Open when a session is already open, and by
	// Open or Close when lock acquisition was interrupted.
	ErrBusy = errors.New("tzm: device busy")

	// ErrIOFault is returned by Read when the report cannot be copied to
	// the caller's buffer.
	ErrIOFault = errors.New("tzm: bad address")

	// ErrInterrupted reports that the lock was never acquired because the
	// context was done. Nothing was transferred or mutated.
	ErrInterrupted = errors.New("tzm: interrupted")

	// ErrReportOverflow is returned when a rendered report would not fit
	// in the report buffer.
	ErrReportOverflow = errors.New("tzm: report overflow")

	// ErrClosed is returned by a Session handle after it was closed.
	ErrClosed = errors.New("tzm: session closed")
)
