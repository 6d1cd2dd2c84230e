package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// State selects the colour of a progress bar.
type State int

const (
	Running State = iota
	Checking
	Completed
	Failed
)

// ProgressBar returns a styled progress bar.
func ProgressBar(width int, percent float64, s State) string {
	if width <= 0 {
		return ""
	}

	if percent < 0 {
		percent = 0
	}

	if percent > 1.0 {
		percent = 1.0
	}

	filledWidth := int(float64(width) * percent)
	emptyWidth := width - filledWidth

	filledStr := strings.Repeat("█", filledWidth)
	emptyStr := strings.Repeat("░", emptyWidth)

	var filledStyle lipgloss.Style

	switch s {
	case Running:
		filledStyle = lipgloss.NewStyle().Foreground(Teal)
	case Completed:
		filledStyle = lipgloss.NewStyle().Foreground(Green)
	case Failed:
		filledStyle = lipgloss.NewStyle().Foreground(Red)
	default:
		filledStyle = lipgloss.NewStyle().Foreground(Yellow)
	}

	return filledStyle.Render(filledStr) + ProgressBarEmptyStyle.Render(emptyStr)
}

// progressLine writes a single carriage-return terminated status line.
type progressLine struct {
	out   io.Writer
	width int

	lastBytes int64
	lastAt    time.Time
}

func newProgressLine(out io.Writer) *progressLine {
	return &progressLine{out: out, width: 30, lastAt: time.Now()}
}

// bytes renders byte progress with the speed since the previous call.
func (p *progressLine) bytes(done, total int64) {
	now := time.Now()

	var speed int64
	if elapsed := now.Sub(p.lastAt).Seconds(); elapsed > 0 && done >= p.lastBytes {
		speed = int64(float64(done-p.lastBytes) / elapsed)
	}

	p.lastBytes = done
	p.lastAt = now

	fmt.Fprintf(p.out, "\r%s %5.1f%%  %s / %s  %s/s ",
		ProgressBar(p.width, ratio(done, total), Running),
		ratio(done, total)*100,
		humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)),
		humanize.IBytes(uint64(speed)))
}

// chunks renders checksum progress.
func (p *progressLine) chunks(done, total int) {
	fmt.Fprintf(p.out, "\r%s %5.1f%%  %d / %d pieces ",
		ProgressBar(p.width, ratio(int64(done), int64(total)), Checking),
		ratio(int64(done), int64(total))*100, done, total)
}

func (p *progressLine) end() {
	fmt.Fprintln(p.out)
}

func ratio(done, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return float64(done) / float64(total)
}
