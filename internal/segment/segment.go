// Package segment divides a single resource into byte ranges fetched over
// parallel connections, re-splitting the largest remaining range whenever a
// new connection asks for work.
package segment

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/NamanBalaji/piecework/internal/logger"
)

var (
	ErrUnknownSegment = errors.New("unknown segment")
	ErrNotOwner       = errors.New("segment is not assigned to this connection")
	ErrInvalidLayout  = errors.New("segments do not cover the resource")
)

// State is the lifecycle state of a segment.
type State int

const (
	Unassigned State = iota
	Assigned
	Downloading
	Complete
)

func (s State) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Assigned:
		return "assigned"
	case Downloading:
		return "downloading"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Segment is an inclusive byte range [Start, End] of the resource. Bytes
// [Start, Start+Downloaded) are written.
type Segment struct {
	ID         uuid.UUID
	Start      int64
	End        int64
	Downloaded int64
	State      State
	Conn       string
}

// Position returns the offset of the next byte to write.
func (s Segment) Position() int64 { return s.Start + s.Downloaded }

// Remaining returns the number of bytes still to write.
func (s Segment) Remaining() int64 { return s.End - s.Position() + 1 }

// Length returns the size of the segment in bytes.
func (s Segment) Length() int64 { return s.End - s.Start + 1 }

// Splitter hands segments to connections.
type Splitter struct {
	mu           sync.Mutex
	totalLength  int64
	minSplitSize int64
	segments     []*Segment
}

// NewSplitter divides totalLength into up to split segments of at least
// minSplitSize bytes each.
func NewSplitter(totalLength int64, split int, minSplitSize int64) *Splitter {
	s := &Splitter{
		totalLength:  totalLength,
		minSplitSize: minSplitSize,
	}

	if totalLength <= 0 {
		return s
	}

	n := max(split, 1)
	size := totalLength / int64(n)
	if size < minSplitSize {
		size = minSplitSize
		n = int(math.Ceil(float64(totalLength) / float64(size)))
	}
	size = max(size, 1)

	var start int64
	for i := 0; i < n && start < totalLength; i++ {
		end := start + size - 1
		if i == n-1 || end >= totalLength-1 {
			end = totalLength - 1
		}

		s.segments = append(s.segments, &Segment{ID: uuid.New(), Start: start, End: end})
		start = end + 1
	}

	logger.Debugf("Created %d segments for %d bytes", len(s.segments), totalLength)

	return s
}

func (s *Splitter) TotalLength() int64 { return s.totalLength }

// GetNewSegment assigns work to conn. An unassigned segment is preferred;
// otherwise the in-progress segment with the largest unwritten span is split
// in half and conn receives the latter half. It returns false when no
// segment has at least two unwritten bytes.
func (s *Splitter) GetNewSegment(conn string) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if seg.State == Unassigned {
			seg.State = Assigned
			seg.Conn = conn
			return *seg, true
		}
	}

	var largest *Segment
	for _, seg := range s.segments {
		if seg.State != Assigned && seg.State != Downloading {
			continue
		}
		if largest == nil || seg.Remaining() > largest.Remaining() {
			largest = seg
		}
	}

	if largest == nil || largest.End-largest.Position() < 1 {
		return Segment{}, false
	}

	pos := largest.Position()
	nep := (largest.End-pos)/2 + pos
	if s.minSplitSize > 0 && largest.End-nep < s.minSplitSize {
		return Segment{}, false
	}

	ns := &Segment{
		ID:    uuid.New(),
		Start: nep + 1,
		End:   largest.End,
		State: Assigned,
		Conn:  conn,
	}
	logger.Debugf("Split segment %s [%d-%d] at %d for %s", largest.ID, largest.Start, largest.End, nep, conn)
	largest.End = nep

	s.insert(ns)

	return *ns, true
}

// Get returns a copy of the segment with id.
func (s *Splitter) Get(id uuid.UUID) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.find(id)
	if seg == nil {
		return Segment{}, false
	}

	return *seg, true
}

// Advance records n bytes written at the segment's position by conn. Only
// bytes within the segment are accepted; the segment may have shrunk after a
// split. done reports that the segment is complete.
func (s *Splitter) Advance(conn string, id uuid.UUID, n int64) (accepted int64, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.find(id)
	if seg == nil {
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownSegment, id)
	}
	if seg.Conn != conn || seg.State == Unassigned {
		return 0, false, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	if seg.State == Complete {
		return 0, true, nil
	}

	accepted = min(n, seg.Remaining())
	seg.Downloaded += accepted
	seg.State = Downloading

	if seg.Remaining() == 0 {
		seg.State = Complete
		seg.Conn = ""
		return accepted, true, nil
	}

	return accepted, false, nil
}

// Release returns every unfinished segment of conn to the unassigned pool
// whole, without splitting.
func (s *Splitter) Release(conn string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if seg.Conn == conn && seg.State != Complete {
			seg.State = Unassigned
			seg.Conn = ""
		}
	}
}

// Rewind discards written bytes in [start, end] so they are fetched again.
// Segments that lose data become unassigned.
func (s *Splitter) Rewind(start, end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if seg.End < start || seg.Start > end || seg.Downloaded == 0 || seg.Position() <= start {
			continue
		}

		seg.Downloaded = max(start-seg.Start, 0)
		seg.State = Unassigned
		seg.Conn = ""
		logger.Debugf("Rewound segment %s to %d", seg.ID, seg.Position())
	}
}

// IsWritten reports whether every byte of [offset, offset+length) is written.
func (s *Splitter) IsWritten(offset, length int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + length
	for _, seg := range s.segments {
		if offset >= end {
			break
		}
		if seg.Start > offset || seg.End < offset {
			continue
		}
		if seg.Position() < min(end, seg.End+1) {
			return false
		}
		offset = seg.End + 1
	}

	return offset >= end
}

// CoveredUnits returns the units of unitLength that are entirely written.
func (s *Splitter) CoveredUnits(unitLength int64) []int {
	var out []int
	for off := int64(0); off < s.totalLength; off += unitLength {
		if s.IsWritten(off, min(unitLength, s.totalLength-off)) {
			out = append(out, int(off/unitLength))
		}
	}

	return out
}

// CompletedLength returns the number of written bytes.
func (s *Splitter) CompletedLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, seg := range s.segments {
		n += seg.Downloaded
	}

	return n
}

// IsComplete reports whether every segment is complete.
func (s *Splitter) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if seg.State != Complete {
			return false
		}
	}

	return true
}

// Snapshot returns copies of the segments ordered by start offset.
func (s *Splitter) Snapshot() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Segment, len(s.segments))
	for i, seg := range s.segments {
		out[i] = *seg
	}

	return out
}

// Restore replaces the segments with a saved layout. Unfinished segments
// come back unassigned.
func (s *Splitter) Restore(segs []Segment) error {
	sorted := slices.Clone(segs)
	slices.SortFunc(sorted, func(a, b Segment) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	var next int64
	restored := make([]*Segment, 0, len(sorted))
	for _, seg := range sorted {
		if seg.Start != next || seg.End < seg.Start || seg.Downloaded < 0 || seg.Downloaded > seg.Length() {
			return fmt.Errorf("%w: segment [%d-%d] downloaded %d at offset %d", ErrInvalidLayout, seg.Start, seg.End, seg.Downloaded, next)
		}
		next = seg.End + 1

		seg.Conn = ""
		switch {
		case seg.Remaining() == 0:
			seg.State = Complete
		default:
			seg.State = Unassigned
		}
		restored = append(restored, &seg)
	}

	if next != s.totalLength {
		return fmt.Errorf("%w: segments end at %d, resource is %d bytes", ErrInvalidLayout, next, s.totalLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments = restored

	return nil
}

func (s *Splitter) find(id uuid.UUID) *Segment {
	for _, seg := range s.segments {
		if seg.ID == id {
			return seg
		}
	}

	return nil
}

func (s *Splitter) insert(ns *Segment) {
	i, _ := slices.BinarySearchFunc(s.segments, ns.Start, func(seg *Segment, start int64) int {
		switch {
		case seg.Start < start:
			return -1
		case seg.Start > start:
			return 1
		}
		return 0
	})
	s.segments = slices.Insert(s.segments, i, ns)
}
