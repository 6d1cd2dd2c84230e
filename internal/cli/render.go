package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/transfer"
)

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(label), ValueStyle.Render(value))
}

func size(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}

// RenderSummary formats the end-of-transfer report of a fetch.
func RenderSummary(sum transfer.Summary) string {
	status := StatusCompleted.Render("✔ completed")
	if !sum.Complete {
		status = StatusFailed.Render("✖ incomplete")
	}

	rows := []string{
		TitleStyle.Render(sum.Name) + "  " + status,
		row("Size", fmt.Sprintf("%s (%d pieces)", size(sum.TotalLength), sum.Units)),
		row("Done", fmt.Sprintf("%s (%d/%d pieces)", size(sum.CompletedLength), sum.CompletedUnits, sum.Units)),
	}

	if sum.ResumedLength > 0 {
		rows = append(rows, row("Resumed", StatusResumed.Render(size(sum.ResumedLength))))
	}

	rows = append(rows, row("Fetched", size(sum.Fetched())))

	if n := len(sum.Failures); n > 0 {
		rows = append(rows, row("Failures", StatusWarning.Render(
			fmt.Sprintf("%d, %s refetched", n, size(sum.RefetchedBytes)))))
	}

	if sum.Elapsed > 0 {
		speed := int64(float64(sum.Fetched()) / sum.Elapsed.Seconds())
		rows = append(rows, row("Elapsed", fmt.Sprintf("%s (%s/s)", sum.Elapsed.Round(time.Millisecond), size(speed))))
	}

	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// VerifyResult is the outcome of a verify run.
type VerifyResult struct {
	Name            string
	TotalLength     int64
	CompletedLength int64
	Units           int
	CompletedUnits  int
	Report          checksum.Report
}

// OK reports whether every piece matched its digest.
func (r VerifyResult) OK() bool {
	return r.Units > 0 && r.CompletedUnits == r.Units
}

// RenderVerify formats the outcome of an integrity scan.
func RenderVerify(res VerifyResult) string {
	status := StatusCompleted.Render("✔ intact")
	if !res.OK() {
		status = StatusFailed.Render("✖ damaged or missing")
	}

	rows := []string{
		TitleStyle.Render(res.Name) + "  " + status,
		row("Size", size(res.TotalLength)),
		row("Valid", fmt.Sprintf("%s (%d/%d pieces)", size(res.CompletedLength), res.CompletedUnits, res.Units)),
	}

	if n := len(res.Report.Failed); n > 0 {
		first := res.Report.Failed[0]
		rows = append(rows, row("Failed", StatusFailed.Render(
			fmt.Sprintf("%d bad, first at piece %d", n, first.First))))
	}

	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// RenderError formats a fatal error for the terminal.
func RenderError(err error) string {
	return ErrorStyle.Render("error") + " " + err.Error()
}
