package tzm

import (
	"fmt"
	"strconv"
)

// ReportCapacity is the size of the report buffer in bytes.
const ReportCapacity = 256

// report holds the most recently rendered status line.
type report struct {
	buf [ReportCapacity]byte
	n   int
}

// render formats "Time=<lastInterval> Chars=<charCount>\n" and replaces the
// buffer content with it. On error the previous content is left intact.
func (r *report) render(charCount, lastInterval uint64) error {
	var scratch [2 * ReportCapacity]byte
	line := append(scratch[:0], "Time="...)
	line = strconv.AppendUint(line, lastInterval, 10)
	line = append(line, " Chars="...)
	line = strconv.AppendUint(line, charCount, 10)
	line = append(line, '\n')
	if len(line) > len(r.buf) {
		return fmt.Errorf("%w: %d bytes", ErrReportOverflow, len(line))
	}
	r.n = copy(r.buf[:], line)
	return nil
}

// serve copies the whole report into p. It fails with ErrIOFault when p
// cannot hold it; nothing is copied in that case.
func (r *report) serve(p []byte) (int, error) {
	if len(p) < r.n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrIOFault, r.n, len(p))
	}
	return copy(p, r.buf[:r.n]), nil
}

func (r *report) bytes() []byte {
	return append([]byte(nil), r.buf[:r.n]...)
}

func (r *report) reset() {
	r.n = 0
}
