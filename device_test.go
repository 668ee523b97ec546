package tzm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now atomic.Uint64
}

func (c *fakeClock) Ticks() uint64 { return c.now.Load() }
func (c *fakeClock) set(t uint64)  { c.now.Store(t) }

func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	return New(append([]Option{WithClock(clk)}, opts...)...), clk
}

func readReport(t *testing.T, s *Session) string {
	t.Helper()
	buf := make([]byte, ReportCapacity)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func write(t *testing.T, s *Session, data string) {
	t.Helper()
	n, err := s.Write(context.Background(), []byte(data))
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func TestDevice_ConcreteScenario(t *testing.T) {
	ctx := context.Background()
	dev, clk := newTestDevice(t)

	sess, err := dev.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(ctx) })

	clk.set(100)
	write(t, sess, "ab\n")
	clk.set(150)
	write(t, sess, "c\n")

	require.Equal(t, "Time=50 Chars=4\n", readReport(t, sess))

	snap, err := dev.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), snap.CharCount)
	require.Equal(t, uint64(50), snap.LastInterval)
	require.Equal(t, uint64(150), snap.LastNewlineTick)
}

func TestDevice_FirstNewlineHasNoInterval(t *testing.T) {
	ctx := context.Background()
	dev, clk := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	clk.set(1_000_000)
	write(t, sess, "hello\n")
	require.Equal(t, "Time=0 Chars=6\n", readReport(t, sess))
}

func TestDevice_IntervalTracksTwoMostRecentNewlines(t *testing.T) {
	ctx := context.Background()
	dev, clk := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	clk.set(10)
	write(t, sess, "a\n")
	clk.set(25)
	write(t, sess, "b\n")
	require.Equal(t, "Time=15 Chars=4\n", readReport(t, sess))

	clk.set(70)
	write(t, sess, "c\n")
	require.Equal(t, "Time=45 Chars=6\n", readReport(t, sess))
}

func TestDevice_SeveralNewlinesInOneWrite(t *testing.T) {
	ctx := context.Background()
	ticks := []uint64{5, 9, 20}
	var i int
	dev := New(WithClock(ClockFunc(func() uint64 {
		v := ticks[i]
		i++
		return v
	})))
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	write(t, sess, "x\ny\nz\n")
	require.Equal(t, 3, i, "clock read once per newline")
	require.Equal(t, "Time=11 Chars=6\n", readReport(t, sess))
}

func TestDevice_WriteWithoutNewline(t *testing.T) {
	ctx := context.Background()
	dev, clk := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	clk.set(10)
	write(t, sess, "a\n")
	clk.set(30)
	write(t, sess, "b\n")
	clk.set(99)
	write(t, sess, "no newline here")

	require.Equal(t, "Time=20 Chars=19\n", readReport(t, sess))
	snap, err := dev.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(30), snap.LastNewlineTick)
}

func TestDevice_EmptyWrite(t *testing.T) {
	ctx := context.Background()
	dev, clk := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	// An empty write on a fresh session still renders a report.
	n, err := sess.Write(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, "Time=0 Chars=0\n", readReport(t, sess))

	clk.set(1)
	write(t, sess, "ab\n")
	clk.set(4)
	write(t, sess, "\n")
	before := readReport(t, sess)

	n, err = sess.Write(ctx, []byte{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, before, readReport(t, sess))
	require.Equal(t, Params{LastInterval: 3, CharCount: 4}, dev.Params())
}

func TestDevice_CharCountMonotonic(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	chunks := []string{"", "a", "bc\n", "\n\n\n", "some longer text without a delimiter", "x\ny"}
	var want uint64
	for _, c := range chunks {
		before := dev.Params().CharCount
		write(t, sess, c)
		want += uint64(len(c))
		require.Equal(t, before+uint64(len(c)), dev.Params().CharCount)
	}
	require.Equal(t, want, dev.Params().CharCount)
}

func TestDevice_ExclusiveOpen(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)

	const callers = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions []*Session
		busy     atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := dev.Open(ctx)
			if err != nil {
				if errors.Is(err, ErrBusy) {
					busy.Add(1)
				}
				return
			}
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, sessions, 1)
	require.Equal(t, int32(callers-1), busy.Load())

	_, err := dev.Open(ctx)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, sessions[0].Close(ctx))
	s, err := dev.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
}

func TestDevice_ReopenResets(t *testing.T) {
	ctx := context.Background()
	dev, clk := newTestDevice(t)

	sess, err := dev.Open(ctx)
	require.NoError(t, err)
	clk.set(100)
	write(t, sess, "ab\n")
	clk.set(180)
	write(t, sess, "cd\n")
	require.Equal(t, Params{LastInterval: 80, CharCount: 6}, dev.Params())
	require.NoError(t, sess.Close(ctx))

	// Values stay observable after close.
	require.Equal(t, Params{LastInterval: 80, CharCount: 6}, dev.Params())

	sess, err = dev.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, Params{}, dev.Params())

	// The first newline of the new session must not difference against
	// the previous session's tick.
	clk.set(500)
	write(t, sess, "z\n")
	require.Equal(t, "Time=0 Chars=2\n", readReport(t, sess))

	snap, err := dev.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Open)
	require.True(t, snap.SeenNewline)
}

func TestDevice_StaleHandle(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)

	old, err := dev.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, old.Close(ctx))

	cur, err := dev.Open(ctx)
	require.NoError(t, err)

	_, err = old.Write(ctx, []byte("x\n"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = old.Read(ctx, make([]byte, ReportCapacity))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, old.Close(ctx), ErrClosed)

	// The current session is unaffected.
	require.Zero(t, dev.Params().CharCount)
	write(t, cur, "ok")
	require.NoError(t, cur.Close(ctx))
	require.ErrorIs(t, cur.Close(ctx), ErrClosed)
}

func TestDevice_InterruptedOperations(t *testing.T) {
	dev, clk := newTestDevice(t)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dev.Open(canceled)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)

	ctx := context.Background()
	sess, err := dev.Open(ctx)
	require.NoError(t, err, "an interrupted open must not mark the device open")

	clk.set(7)
	write(t, sess, "a\n")
	report := readReport(t, sess)

	n, err := sess.Write(canceled, []byte("bbbb\n"))
	require.ErrorIs(t, err, ErrInterrupted)
	require.NotErrorIs(t, err, ErrIOFault)
	require.Zero(t, n)
	require.Equal(t, Params{CharCount: 2}, dev.Params())

	n, err = sess.Read(canceled, make([]byte, ReportCapacity))
	require.ErrorIs(t, err, ErrInterrupted)
	require.Zero(t, n)

	err = sess.Close(canceled)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, ErrInterrupted)

	// Still open, the handle is still usable.
	require.Equal(t, report, readReport(t, sess))
	require.NoError(t, sess.Close(ctx))
}

func TestDevice_BlockedAcquisitionInterrupted(t *testing.T) {
	dev, _ := newTestDevice(t)
	require.NoError(t, dev.mu.lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dev.Open(ctx)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	dev.mu.unlock()
	sess, err := dev.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Close(context.Background()))
}

func TestDevice_ReadIOFault(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)
	write(t, sess, "abc")

	buf := make([]byte, 4)
	n, err := sess.Read(ctx, buf)
	require.ErrorIs(t, err, ErrIOFault)
	require.Zero(t, n)
	require.Equal(t, make([]byte, 4), buf, "no partial copy")

	exact := make([]byte, len("Time=0 Chars=3\n"))
	n, err = sess.Read(ctx, exact)
	require.NoError(t, err)
	require.Equal(t, len(exact), n)
	require.Equal(t, "Time=0 Chars=3\n", string(exact))
}

func TestDevice_ReadBeforeWrite(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)

	n, err := sess.Read(ctx, make([]byte, ReportCapacity))
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, n)
}

func TestDevice_ReadPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("peek", func(t *testing.T) {
		dev, _ := newTestDevice(t)
		sess, err := dev.Open(ctx)
		require.NoError(t, err)
		write(t, sess, "ab")
		require.Equal(t, "Time=0 Chars=2\n", readReport(t, sess))
		require.Equal(t, "Time=0 Chars=2\n", readReport(t, sess))
	})

	t.Run("consume", func(t *testing.T) {
		dev, _ := newTestDevice(t, WithReadPolicy(ReadConsume))
		sess, err := dev.Open(ctx)
		require.NoError(t, err)
		write(t, sess, "ab")
		require.Equal(t, "Time=0 Chars=2\n", readReport(t, sess))

		_, err = sess.Read(ctx, make([]byte, ReportCapacity))
		require.ErrorIs(t, err, io.EOF)

		write(t, sess, "c")
		require.Equal(t, "Time=0 Chars=3\n", readReport(t, sess))
	})

	t.Run("consume keeps report on fault", func(t *testing.T) {
		dev, _ := newTestDevice(t, WithReadPolicy(ReadConsume))
		sess, err := dev.Open(ctx)
		require.NoError(t, err)
		write(t, sess, "ab")
		_, err = sess.Read(ctx, make([]byte, 1))
		require.ErrorIs(t, err, ErrIOFault)
		require.Equal(t, "Time=0 Chars=2\n", readReport(t, sess))
	})
}

func TestDevice_ReadsNeverStale(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t)
	sess, err := dev.Open(ctx)
	require.NoError(t, err)
	write(t, sess, "x")

	const writes = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			if _, err := sess.Write(ctx, []byte("x")); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
	}()

	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, ReportCapacity)
			var last uint64
			for i := 0; i < writes; i++ {
				n, err := sess.Read(ctx, buf)
				if err != nil {
					errs <- err
					return
				}
				var interval, chars uint64
				if _, err := fmt.Sscanf(string(buf[:n]), "Time=%d Chars=%d\n", &interval, &chars); err != nil {
					errs <- fmt.Errorf("malformed report %q: %w", buf[:n], err)
					return
				}
				if chars < last {
					errs <- fmt.Errorf("stale report: chars went from %d to %d", last, chars)
					return
				}
				last = chars
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, fmt.Sprintf("Time=0 Chars=%d\n", writes+1), readReport(t, sess))
}

func TestDevice_IndependentInstances(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestDevice(t)
	b, _ := newTestDevice(t)

	sa, err := a.Open(ctx)
	require.NoError(t, err)
	sb, err := b.Open(ctx)
	require.NoError(t, err)

	write(t, sa, "aaaa")
	write(t, sb, "b")
	require.Equal(t, uint64(4), a.Params().CharCount)
	require.Equal(t, uint64(1), b.Params().CharCount)
}

func TestParseReadPolicy(t *testing.T) {
	for in, want := range map[string]ReadPolicy{"": ReadPeek, "peek": ReadPeek, "Consume": ReadConsume} {
		got, err := ParseReadPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseReadPolicy("drain")
	require.Error(t, err)
	require.Equal(t, "consume", ReadConsume.String())
}
