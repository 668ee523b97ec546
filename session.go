package tzm

import "context"

// Session is the handle returned by Device.Open. Its operations are valid
// until Close succeeds; afterwards they return ErrClosed, so a stale handle
// never reaches a later session.
type Session struct {
	dev *Device
	gen uint64
}

// Write feeds p to the interval tracker and re-renders the report. It
// returns len(p) on success. If ctx is done before the lock is acquired it
// returns 0 and an error matching ErrInterrupted, and nothing is counted.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	return s.dev.write(ctx, s.gen, p)
}

// Read copies the current report into p and returns its length. p must be
// able to hold the whole report, otherwise Read fails with ErrIOFault. An
// empty report yields io.EOF.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	return s.dev.read(ctx, s.gen, p)
}

// Close ends the session. If ctx is done before the lock is acquired it
// fails with ErrBusy and the session stays open.
func (s *Session) Close(ctx context.Context) error {
	return s.dev.close(ctx, s.gen)
}
