package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Label returns the user-facing verb for a direction.
func Label(direction Direction) string {
	if direction == DirectionReceive {
		return "Received"
	}
	return "Transferred"
}

// LineReporter writes a single carriage-return refreshed status line.
type LineReporter struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

// NewLineReporter returns a reporter that writes to w.
func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

// Report rewrites the status line when the displayed percentage changes.
func (r *LineReporter) Report(processed, total int64, direction Direction) {
	text := "?"
	if pct, ok := Percent(processed, total); ok {
		text = fmt.Sprintf("%.1f", pct)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if text == r.last {
		return
	}
	r.last = text
	_, _ = fmt.Fprintf(r.w, "\r%s : %s", Label(direction), text)
}

// BarReporter renders a terminal progress bar.
type BarReporter struct {
	bar *progressbar.ProgressBar
}

// NewBarReporter builds a byte-scaled bar for a transfer of total bytes.
// An unknown (zero) total renders a spinner instead.
func NewBarReporter(w io.Writer, description string, total int64) *BarReporter {
	size := total
	if size <= 0 {
		size = -1
	}
	bar := progressbar.NewOptions64(
		size,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprintln(w)
		}),
	)
	return &BarReporter{bar: bar}
}

// Report moves the bar to processed bytes.
func (r *BarReporter) Report(processed, total int64, direction Direction) {
	_ = r.bar.Set64(processed)
}

// Finish completes and clears the bar state.
func (r *BarReporter) Finish() {
	_ = r.bar.Finish()
}

// LogReporter emits progress as debug log entries.
type LogReporter struct {
	Logger logrus.FieldLogger
}

// Report logs one progress update.
func (r LogReporter) Report(processed, total int64, direction Direction) {
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{
		"direction": direction,
		"processed": processed,
		"total":     total,
	}
	if pct, ok := Percent(processed, total); ok {
		fields["percent"] = pct
	}
	logger.WithFields(fields).Debug("transfer progress")
}

// Multi fans one update out to several reporters in order.
func Multi(reporters ...Reporter) Reporter {
	return ReporterFunc(func(processed, total int64, direction Direction) {
		for _, r := range reporters {
			if r != nil {
				r.Report(processed, total, direction)
			}
		}
	})
}
