// Package progress provides the pass-through byte meter used by both ends of a
// transfer and the reporters that render its output.
package progress

import (
	"io"
	"math"
)

// Direction identifies which side of a transfer a meter is attached to.
type Direction string

const (
	// DirectionSend marks bytes leaving the sender.
	DirectionSend Direction = "send"
	// DirectionReceive marks bytes written by the receiver.
	DirectionReceive Direction = "receive"
)

// Reporter consumes progress updates. Implementations must not block.
type Reporter interface {
	Report(processed, total int64, direction Direction)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(processed, total int64, direction Direction)

// Report calls f.
func (f ReporterFunc) Report(processed, total int64, direction Direction) {
	f(processed, total, direction)
}

// Discard is a Reporter that ignores every update.
var Discard Reporter = ReporterFunc(func(int64, int64, Direction) {})

// Meter forwards writes unchanged and reports the running byte count.
type Meter struct {
	next      io.Writer
	total     int64
	direction Direction
	reporter  Reporter
	processed int64
}

// NewMeter wraps next. A nil reporter discards updates.
func NewMeter(next io.Writer, total int64, direction Direction, reporter Reporter) *Meter {
	if reporter == nil {
		reporter = Discard
	}
	return &Meter{
		next:      next,
		total:     total,
		direction: direction,
		reporter:  reporter,
	}
}

// Write forwards p to the wrapped writer and reports what was accepted.
func (m *Meter) Write(p []byte) (int, error) {
	n, err := m.next.Write(p)
	if n > 0 {
		m.processed += int64(n)
		m.reporter.Report(m.processed, m.total, m.direction)
	}
	return n, err
}

// Processed returns the bytes forwarded so far.
func (m *Meter) Processed() int64 {
	return m.processed
}

// Total returns the expected byte count.
func (m *Meter) Total() int64 {
	return m.total
}

// Percent returns processed/total*100 rounded to one decimal place. ok is
// false when total is zero and the percentage is indeterminate. Values above
// 100 are returned as-is.
func Percent(processed, total int64) (float64, bool) {
	if total <= 0 {
		return 0, false
	}
	pct := float64(processed) / float64(total) * 100
	return math.Round(pct*10) / 10, true
}
