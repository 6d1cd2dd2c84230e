package transfer

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Summary is an end-of-transfer report.
type Summary struct {
	ID              uuid.UUID
	Name            string
	TotalLength     int64
	CompletedLength int64
	ResumedLength   int64
	Units           int
	CompletedUnits  int
	Failures        []Failure
	RefetchedBytes  int64
	Timeouts        int
	Elapsed         time.Duration
	Complete        bool
}

// Summary reports progress, verification failures and refetched bytes.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		ID:             s.opts.ID,
		Name:           s.meta.Name,
		TotalLength:    s.meta.TotalLength,
		ResumedLength:  s.resumed,
		Failures:       slices.Clone(s.failures),
		RefetchedBytes: s.refetched,
		Timeouts:       s.timeouts,
	}

	if s.tracker != nil {
		sum.CompletedLength = s.tracker.CompletedLength()
		sum.Units = s.tracker.NumUnits()
		sum.CompletedUnits = s.tracker.CompletedCount()
		sum.Complete = s.tracker.IsComplete()
	}

	if !s.startedAt.IsZero() {
		sum.Elapsed = time.Since(s.startedAt)
	}

	return sum
}

// Fetched returns the bytes acquired during this run.
func (s Summary) Fetched() int64 {
	return s.CompletedLength - s.ResumedLength + s.RefetchedBytes
}

func (s Summary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s of %s (%d/%d units)", s.Name,
		humanize.IBytes(uint64(s.CompletedLength)), humanize.IBytes(uint64(s.TotalLength)),
		s.CompletedUnits, s.Units)

	if s.ResumedLength > 0 {
		fmt.Fprintf(&b, ", %s resumed", humanize.IBytes(uint64(s.ResumedLength)))
	}

	if n := len(s.Failures); n > 0 {
		fmt.Fprintf(&b, ", %d verification %s, %s refetched", n, plural(n, "failure", "failures"),
			humanize.IBytes(uint64(s.RefetchedBytes)))
	}

	if s.Timeouts > 0 {
		fmt.Fprintf(&b, ", %d timed out %s", s.Timeouts, plural(s.Timeouts, "request", "requests"))
	}

	if s.Elapsed > 0 {
		fmt.Fprintf(&b, " in %s", s.Elapsed.Round(time.Millisecond))
	}

	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}

	return many
}
