package cli_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/NamanBalaji/piecework/internal/cli"
)

func TestProgressBar(t *testing.T) {
	testCases := []struct {
		name           string
		width          int
		percent        float64
		state          cli.State
		expectedFilled int
		expectedEmpty  int
	}{
		{
			name:           "0 percent",
			width:          20,
			percent:        0.0,
			state:          cli.Running,
			expectedFilled: 0,
			expectedEmpty:  20,
		},
		{
			name:           "50 percent",
			width:          20,
			percent:        0.5,
			state:          cli.Checking,
			expectedFilled: 10,
			expectedEmpty:  10,
		},
		{
			name:           "100 percent",
			width:          20,
			percent:        1.0,
			state:          cli.Completed,
			expectedFilled: 20,
			expectedEmpty:  0,
		},
		{
			name:           "Negative percent (clamps to 0)",
			width:          10,
			percent:        -0.5,
			state:          cli.Failed,
			expectedFilled: 0,
			expectedEmpty:  10,
		},
		{
			name:           "Over 100 percent (clamps to 1.0)",
			width:          10,
			percent:        1.5,
			state:          cli.Running,
			expectedFilled: 10,
			expectedEmpty:  0,
		},
		{
			name:           "Zero width",
			width:          0,
			percent:        0.5,
			state:          cli.Checking,
			expectedFilled: 0,
			expectedEmpty:  0,
		},
		{
			name:           "Odd width, 33 percent",
			width:          15,
			percent:        0.33,
			state:          cli.Running,
			expectedFilled: 4,
			expectedEmpty:  11,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			output := cli.ProgressBar(tc.width, tc.percent, tc.state)

			gotFilled := strings.Count(output, "█")
			gotEmpty := strings.Count(output, "░")

			if gotFilled != tc.expectedFilled {
				t.Errorf("expected %d filled characters, but got %d", tc.expectedFilled, gotFilled)
			}
			if gotEmpty != tc.expectedEmpty {
				t.Errorf("expected %d empty characters, but got %d", tc.expectedEmpty, gotEmpty)
			}

			if tc.width == 0 && output != "" {
				t.Error("expected empty string for zero width, but got output")
			}
		})
	}
}

func TestRenderError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(cli.RenderError(errString("disk full")))

	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("expected error text in %q", buf.String())
	}
}

type errString string

func (e errString) Error() string { return string(e) }
