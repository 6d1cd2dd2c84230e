package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/segment"
)

// NextSegment hands a byte range to an HTTP connection. false means no
// segment is available: everything is assigned and nothing is worth splitting.
func (s *Session) NextSegment(conn string) (segment.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen || s.tracker.IsComplete() {
		return segment.Segment{}, false
	}

	s.ensureSplitter()

	return s.splitter.GetNewSegment(conn)
}

// OnSegmentData writes data at the current position of a segment owned by
// conn. Bytes past the end of the segment are dropped, since the segment may
// have been split. done tells the connection to stop streaming this segment,
// either because it is complete or because a failed verification took it back.
func (s *Session) OnSegmentData(conn string, id uuid.UUID, data []byte) (accepted int, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return 0, false, ErrNotOpen
	}
	if s.splitter == nil {
		return 0, false, ErrNoSegments
	}

	seg, ok := s.splitter.Get(id)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", segment.ErrUnknownSegment, id)
	}
	if seg.Conn != conn || seg.State == segment.Unassigned {
		return 0, false, fmt.Errorf("%w: %s", segment.ErrNotOwner, id)
	}

	pos := seg.Position()
	n := min(int64(len(data)), seg.Remaining())
	if n > 0 {
		if _, err := s.adaptor.WriteAt(data[:n], pos); err != nil {
			return 0, false, asIOError(err, s.meta.Name)
		}
	}

	acc, done, err := s.splitter.Advance(conn, id, n)
	if err != nil || acc == 0 {
		return int(acc), done, err
	}

	failed := false
	first, last := s.tracker.UnitRange(pos, acc)
	for u := first; u <= last; u++ {
		if s.isWritten(u) || s.tracker.IsUnitComplete(u) {
			continue
		}

		off, length := s.tracker.UnitSpan(u)
		if !s.splitter.IsWritten(off, length) {
			continue
		}

		_, f, err := s.unitWritten(u)
		if err != nil {
			return int(acc), done, err
		}
		failed = failed || len(f) > 0
	}

	if failed {
		if cur, ok := s.splitter.Get(id); !ok || cur.Conn != conn {
			logger.Debugf("Segment %s of %s was taken back after a failed verification", id, s.meta.Name)
			done = true
		}
	}

	return int(acc), done, nil
}

// ensureSplitter lays segments over the units that are not written yet.
func (s *Session) ensureSplitter() {
	if s.splitter != nil {
		return
	}

	if s.written.None() {
		s.splitter = segment.NewSplitter(s.meta.TotalLength, s.opts.Split, s.opts.MinSplitSize)
		return
	}

	var segs []segment.Segment
	n := s.tracker.NumUnits()
	for start := 0; start < n; {
		written := s.isWritten(start)
		end := start
		for end+1 < n && s.isWritten(end+1) == written {
			end++
		}

		off, _ := s.tracker.UnitSpan(start)
		lastOff, lastLen := s.tracker.UnitSpan(end)
		seg := segment.Segment{ID: uuid.New(), Start: off, End: lastOff + lastLen - 1}
		if written {
			seg.Downloaded = seg.Length()
		}
		segs = append(segs, seg)

		start = end + 1
	}

	sp := segment.NewSplitter(s.meta.TotalLength, 1, s.opts.MinSplitSize)
	if err := sp.Restore(segs); err != nil {
		// the layout above always covers the resource
		panic(fmt.Sprintf("transfer: invalid segment layout: %v", err))
	}
	s.splitter = sp

	logger.Debugf("Laid %d segments over partially written %s", len(segs), s.meta.Name)
}
