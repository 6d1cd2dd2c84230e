// Package rangetracker records which fixed-size units of a transfer are
// verified present, missing, or currently being fetched.
package rangetracker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrInvalidLength = errors.New("invalid tracker length")
	ErrSpareBits     = errors.New("tracker bitfield has spare bits set")
)

// Candidates restricts selection to a subset of units, typically a peer's
// advertised bitfield. A nil Candidates means every unit is a candidate.
type Candidates interface {
	Has(index int) bool
}

// Tracker is the bitfield manager of a transfer. A unit's bit is set only
// once the unit is fully written and, when digests exist, verified.
type Tracker struct {
	mu          sync.RWMutex
	totalLength int64
	unitLength  int64
	numUnits    int
	completed   *bitset.BitSet
	inUse       *bitset.BitSet
}

// New returns an empty tracker for totalLength bytes split into unitLength units.
func New(totalLength, unitLength int64) *Tracker {
	if unitLength <= 0 {
		panic(fmt.Sprintf("rangetracker: unit length must be positive, got %d", unitLength))
	}
	if totalLength < 0 {
		panic(fmt.Sprintf("rangetracker: negative total length %d", totalLength))
	}

	n := int((totalLength + unitLength - 1) / unitLength)

	return &Tracker{
		totalLength: totalLength,
		unitLength:  unitLength,
		numUnits:    n,
		completed:   bitset.New(uint(n)),
		inUse:       bitset.New(uint(n)),
	}
}

// FromBytes restores a tracker from MSB-first bitfield bytes as produced by Bytes.
func FromBytes(totalLength, unitLength int64, data []byte) (*Tracker, error) {
	t := New(totalLength, unitLength)

	expected := (t.numUnits + 7) / 8
	if len(data) != expected {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidLength, len(data), expected)
	}

	if rem := t.numUnits % 8; rem != 0 && data[len(data)-1]&(0xff>>rem) != 0 {
		return nil, ErrSpareBits
	}

	for i := range t.numUnits {
		if data[i/8]&(1<<(7-uint(i%8))) != 0 {
			t.completed.Set(uint(i))
		}
	}

	return t, nil
}

// Bytes encodes the completed set as MSB-first bitfield bytes.
func (t *Tracker) Bytes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]byte, (t.numUnits+7)/8)
	for i, ok := t.completed.NextSet(0); ok && int(i) < t.numUnits; i, ok = t.completed.NextSet(i + 1) {
		out[i/8] |= 1 << (7 - i%8)
	}

	return out
}

func (t *Tracker) NumUnits() int      { return t.numUnits }
func (t *Tracker) TotalLength() int64 { return t.totalLength }
func (t *Tracker) UnitLength() int64  { return t.unitLength }

// UnitSpan returns the byte offset and length of unit index. Only the last
// unit may be shorter than the unit length.
func (t *Tracker) UnitSpan(index int) (offset, length int64) {
	t.check(index)

	offset = int64(index) * t.unitLength
	length = min(t.unitLength, t.totalLength-offset)

	return offset, length
}

// UnitRange returns the inclusive range of units touched by [offset, offset+length).
func (t *Tracker) UnitRange(offset, length int64) (first, last int) {
	if length <= 0 || offset < 0 || offset+length > t.totalLength {
		panic(fmt.Sprintf("rangetracker: byte range [%d, %d) outside [0, %d)", offset, offset+length, t.totalLength))
	}

	return int(offset / t.unitLength), int((offset + length - 1) / t.unitLength)
}

func (t *Tracker) IsUnitComplete(index int) bool {
	t.check(index)

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.completed.Test(uint(index))
}

// SetUnitComplete marks index verified present. Setting an already set unit
// is a no-op.
func (t *Tracker) SetUnitComplete(index int) {
	t.check(index)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed.Set(uint(index))
	t.inUse.Clear(uint(index))
}

// UnsetUnit returns index to the missing pool.
func (t *Tracker) UnsetUnit(index int) {
	t.check(index)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed.Clear(uint(index))
}

// IsRangeComplete reports whether every unit in [start, end] is set.
func (t *Tracker) IsRangeComplete(start, end int) bool {
	t.checkRange(start, end)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := start; i <= end; i++ {
		if !t.completed.Test(uint(i)) {
			return false
		}
	}

	return true
}

// SetRange marks every unit in [start, end] complete.
func (t *Tracker) SetRange(start, end int) {
	t.checkRange(start, end)

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := start; i <= end; i++ {
		t.completed.Set(uint(i))
		t.inUse.Clear(uint(i))
	}
}

// UnsetRange clears every unit in [start, end].
func (t *Tracker) UnsetRange(start, end int) {
	t.checkRange(start, end)

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := start; i <= end; i++ {
		t.completed.Clear(uint(i))
	}
}

// CompletedLength returns the number of verified bytes.
func (t *Tracker) CompletedLength() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.numUnits == 0 {
		return 0
	}

	n := int64(t.completed.Count()) * t.unitLength
	if last := t.numUnits - 1; t.completed.Test(uint(last)) {
		n -= t.unitLength - (t.totalLength - int64(last)*t.unitLength)
	}

	return n
}

func (t *Tracker) CompletedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return int(t.completed.Count())
}

func (t *Tracker) MissingCount() int {
	return t.numUnits - t.CompletedCount()
}

func (t *Tracker) IsComplete() bool {
	return t.MissingCount() == 0
}

// FirstMissingIndex returns the lowest unit that is missing and present in
// candidates.
func (t *Tracker) FirstMissingIndex(candidates Candidates) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, ok := t.completed.NextClear(0); ok && int(i) < t.numUnits; i, ok = t.completed.NextClear(i + 1) {
		if candidates == nil || candidates.Has(int(i)) {
			return int(i), true
		}
	}

	return 0, false
}

// Missing returns every missing unit in ascending order.
func (t *Tracker) Missing() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]int, 0, t.numUnits-int(t.completed.Count()))
	for i, ok := t.completed.NextClear(0); ok && int(i) < t.numUnits; i, ok = t.completed.NextClear(i + 1) {
		out = append(out, int(i))
	}

	return out
}

// SetInUse marks index as assigned to some connection.
func (t *Tracker) SetInUse(index int) {
	t.check(index)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inUse.Set(uint(index))
}

func (t *Tracker) UnsetInUse(index int) {
	t.check(index)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inUse.Clear(uint(index))
}

func (t *Tracker) IsInUse(index int) bool {
	t.check(index)

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.inUse.Test(uint(index))
}

// Reset clears both the completed and in-use sets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed.ClearAll()
	t.inUse.ClearAll()
}

func (t *Tracker) check(index int) {
	if index < 0 || index >= t.numUnits {
		panic(fmt.Sprintf("rangetracker: unit index %d out of range [0, %d)", index, t.numUnits))
	}
}

func (t *Tracker) checkRange(start, end int) {
	t.check(start)
	t.check(end)
	if start > end {
		panic(fmt.Sprintf("rangetracker: inverted range [%d, %d]", start, end))
	}
}
