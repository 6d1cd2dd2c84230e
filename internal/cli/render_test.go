package cli_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/cli"
	"github.com/NamanBalaji/piecework/internal/transfer"
)

func TestRenderSummary(t *testing.T) {
	t.Run("complete with failures", func(t *testing.T) {
		out := cli.RenderSummary(transfer.Summary{
			Name:            "image.iso",
			TotalLength:     4 << 20,
			CompletedLength: 4 << 20,
			ResumedLength:   1 << 20,
			Units:           4,
			CompletedUnits:  4,
			Failures:        []transfer.Failure{{First: 2, Last: 2}},
			RefetchedBytes:  1 << 20,
			Elapsed:         2 * time.Second,
			Complete:        true,
		})

		assert.Contains(t, out, "image.iso")
		assert.Contains(t, out, "completed")
		assert.Contains(t, out, "4.0 MiB (4 pieces)")
		assert.Contains(t, out, "Resumed")
		assert.Contains(t, out, "1.0 MiB refetched")
		assert.Contains(t, out, "2s (2.0 MiB/s)")
	})

	t.Run("incomplete", func(t *testing.T) {
		out := cli.RenderSummary(transfer.Summary{
			Name:            "image.iso",
			TotalLength:     4096,
			CompletedLength: 1024,
			Units:           4,
			CompletedUnits:  1,
		})

		assert.Contains(t, out, "incomplete")
		assert.Contains(t, out, "1/4 pieces")
		assert.NotContains(t, out, "Resumed")
		assert.NotContains(t, out, "Failures")
	})
}

func TestRenderVerify(t *testing.T) {
	ok := cli.VerifyResult{Name: "a.bin", TotalLength: 300, CompletedLength: 300, Units: 3, CompletedUnits: 3}
	assert.True(t, ok.OK())
	assert.Contains(t, cli.RenderVerify(ok), "intact")

	bad := cli.VerifyResult{
		Name: "a.bin", TotalLength: 300, CompletedLength: 200, Units: 3, CompletedUnits: 2,
		Report: checksum.Report{Chunks: 3, Checked: 3, Passed: 2, Failed: []checksum.Range{{Chunk: 1, First: 1, Last: 1}}},
	}
	assert.False(t, bad.OK())

	out := cli.RenderVerify(bad)
	assert.Contains(t, out, "damaged")
	assert.Contains(t, out, "1 bad, first at piece 1")
}
