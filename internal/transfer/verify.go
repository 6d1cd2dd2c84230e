package transfer

import (
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/NamanBalaji/piecework/internal/checksum"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
)

// Failure reports a range of units that failed verification and will be
// fetched again. Sources lists the connections that delivered its blocks.
type Failure struct {
	First   int
	Last    int
	Offset  int64
	Length  int64
	Sources []string
	At      time.Time
}

// Err returns the failure as an integrity error for resource.
func (f Failure) Err(resource string) error {
	return perrors.NewIntegrityError(resource, f.First, f.Last)
}

func (s *Session) isWritten(u int) bool {
	return s.written.Test(uint(u))
}

// markWritten records that every byte of u is on disk. Until verified the
// unit stays in use so selectors skip it.
func (s *Session) markWritten(u int) {
	s.written.Set(uint(u))
	if !s.tracker.IsUnitComplete(u) {
		s.tracker.SetInUse(u)
	}
}

// unitWritten marks u written and verifies what can be verified. It returns
// the units that became complete and the ranges that failed.
func (s *Session) unitWritten(u int) ([]int, []Failure, error) {
	s.markWritten(u)

	if s.validator == nil {
		s.complete(u)
		return []int{u}, nil, nil
	}

	chk, err := s.validator.CheckUnit(u, s.isWritten)
	if err != nil {
		return nil, nil, err
	}

	var verified []int
	for _, v := range chk.Verified {
		if s.tracker.IsUnitComplete(v) {
			continue
		}
		s.complete(v)
		verified = append(verified, v)
	}

	var failed []Failure
	for _, rng := range chk.Failed {
		failed = append(failed, s.fail(rng))
	}

	if chk.Pending {
		logger.Debugf("Unit %d of %s written, waiting for the rest of its chunk", u, s.meta.Name)
	}

	return verified, failed, nil
}

func (s *Session) complete(u int) {
	s.tracker.SetUnitComplete(u)
	s.pieces.Drop(u)
	s.requests.RemoveUnit(u)
}

// fail returns the units of rng to the missing pool. The validator has
// already cleared their tracker bits.
func (s *Session) fail(rng checksum.Range) Failure {
	sources := mapset.NewThreadUnsafeSet[string]()

	for u := rng.First; u <= rng.Last; u++ {
		s.written.Clear(uint(u))
		if p, ok := s.pieces.Lookup(u); ok {
			for _, c := range p.Contributors() {
				sources.Add(c)
			}
			s.pieces.Drop(u)
		}
		s.requests.RemoveUnit(u)
		s.tracker.UnsetUnit(u)
		s.tracker.UnsetInUse(u)
	}

	off, _ := s.tracker.UnitSpan(rng.First)
	lastOff, lastLen := s.tracker.UnitSpan(rng.Last)
	end := lastOff + lastLen

	if s.splitter != nil {
		s.splitter.Rewind(off, end-1)
		s.dropUnwritten()
	}

	f := Failure{
		First:   rng.First,
		Last:    rng.Last,
		Offset:  off,
		Length:  end - off,
		Sources: sources.ToSlice(),
		At:      time.Now(),
	}
	slices.Sort(f.Sources)

	for _, src := range f.Sources {
		s.penalties[src]++
	}

	s.failures = append(s.failures, f)
	s.refetched += f.Length

	logger.Warnf("Verification failed for units %d-%d of %s, refetching %d bytes", f.First, f.Last, s.meta.Name, f.Length)

	return f
}

// dropUnwritten clears units whose bytes a segment rewind discarded.
func (s *Session) dropUnwritten() {
	for i, ok := s.written.NextSet(0); ok; i, ok = s.written.NextSet(i + 1) {
		u := int(i)
		off, length := s.tracker.UnitSpan(u)
		if s.splitter.IsWritten(off, length) {
			continue
		}

		s.written.Clear(i)
		s.tracker.UnsetUnit(u)
		s.tracker.UnsetInUse(u)
		if s.validator != nil {
			s.validator.Forget(u, u)
		}
	}
}

// releaseIdle lets selectors pick u again once nothing is fetching or
// verifying it.
func (s *Session) releaseIdle(u int) {
	if s.isWritten(u) || s.tracker.IsUnitComplete(u) || s.requests.HasUnit(u) {
		return
	}
	s.tracker.UnsetInUse(u)
}

// Failures returns every verification failure seen so far.
func (s *Session) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.failures)
}

// Penalty returns how many failed ranges source contributed to.
func (s *Session) Penalty(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.penalties[source]
}
