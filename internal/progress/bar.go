package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/veranemoloko/gator/internal/domain"
)

// Bar renders progress events as a terminal progress bar.
type Bar struct {
	bar     *progressbar.ProgressBar
	w       io.Writer
	total   int64
	written int64
}

// NewBar creates a bar for a resource of total bytes. An unknown total
// (negative) renders a spinner with a running byte count.
func NewBar(w io.Writer, total int64, description string) *Bar {
	limit := total
	if limit < 0 {
		limit = -1
	}

	bar := progressbar.NewOptions64(limit,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
	)

	return &Bar{bar: bar, w: w, total: total}
}

// Consume renders events until the channel is closed.
func (b *Bar) Consume(events <-chan domain.ProgressEvent) {
	for ev := range events {
		if ev.Bytes == 0 {
			continue
		}
		b.written += ev.Bytes
		_ = b.bar.Add64(ev.Bytes)
	}
}

// Written returns the bytes rendered so far.
func (b *Bar) Written() int64 {
	return b.written
}

// Finish completes the bar and prints a one-line summary.
func (b *Bar) Finish(elapsed time.Duration) {
	if b.total >= 0 && b.written >= b.total {
		_ = b.bar.Finish()
	} else {
		fmt.Fprint(b.w, "\n")
	}

	rate := ""
	if secs := elapsed.Seconds(); secs > 0 {
		rate = fmt.Sprintf(" (%s/s)", humanize.IBytes(uint64(float64(b.written)/secs)))
	}
	fmt.Fprintf(b.w, "%s in %s%s\n", humanize.IBytes(uint64(b.written)), elapsed.Round(time.Millisecond), rate)
}

// Drain consumes events without rendering them.
func Drain(events <-chan domain.ProgressEvent) int64 {
	var total int64
	for ev := range events {
		total += ev.Bytes
	}
	return total
}
