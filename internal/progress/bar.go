package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Bar renders transfer progress on a terminal.
type Bar struct {
	bar   *progressbar.ProgressBar
	label string
}

// NewBar starts a byte progress bar for one file. A nil writer means stderr.
func NewBar(w io.Writer, label, fileName string, totalBytes int64) *Bar {
	if w == nil {
		w = os.Stderr
	}
	label = fmt.Sprintf("%s %s", label, fileName)
	return &Bar{
		label: label,
		bar: progressbar.NewOptions64(totalBytes,
			progressbar.OptionSetDescription(label),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		),
	}
}

// Update moves the bar to the snapshot position and shows rate and ETA.
func (b *Bar) Update(s Stats) {
	if b == nil {
		return
	}
	_ = b.bar.Set64(s.BytesDone)
	eta := "--:--:--"
	if s.HasETA {
		eta = FormatETA(s.ETA)
	}
	b.bar.Describe(fmt.Sprintf("%s (%d%% %s ETA %s)", b.label, s.Percent, FormatRate(s.RateBps), eta))
}

// Finish completes the bar.
func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}

// Abort leaves the bar where it stopped.
func (b *Bar) Abort() {
	if b == nil {
		return
	}
	_ = b.bar.Exit()
}
