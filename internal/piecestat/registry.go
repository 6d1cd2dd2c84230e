// Package piecestat keeps per-unit availability counts ordered by rarity.
package piecestat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/NamanBalaji/piecework/internal/logger"
)

var ErrInvalidLength = errors.New("bitfield length does not match unit count")

// Stat is the rarity record of one unit.
type Stat struct {
	Index int
	Count int
}

func byRarity(a, b Stat) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}

	return a.Index < b.Index
}

// Registry counts how many known peers hold each unit. Stats are kept in a
// B-tree ordered by (count, index) so updates never require a full re-sort.
type Registry struct {
	mu     sync.RWMutex
	counts []int
	sorted *btree.BTreeG[Stat]
}

// New creates a registry for numUnits units, all with count zero.
func New(numUnits int) *Registry {
	r := &Registry{
		counts: make([]int, numUnits),
		sorted: btree.NewBTreeGOptions(byRarity, btree.Options{NoLocks: true}),
	}

	for i := range numUnits {
		r.sorted.Set(Stat{Index: i})
	}

	return r
}

func (r *Registry) NumUnits() int { return len(r.counts) }

// AddUnit increments the count of index.
func (r *Registry) AddUnit(index int) {
	r.check(index)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.adjust(index, 1)
}

// SubtractUnit decrements the count of index. A decrement below zero is
// logged and ignored.
func (r *Registry) SubtractUnit(index int) {
	r.check(index)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.adjust(index, -1)
}

// AddUnits increments the count of every unit set in bitfield.
func (r *Registry) AddUnits(bitfield []byte) error {
	if err := r.checkBytes(bitfield); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.counts {
		if has(bitfield, i) {
			r.adjust(i, 1)
		}
	}

	return nil
}

// SubtractUnits decrements the count of every unit set in bitfield.
func (r *Registry) SubtractUnits(bitfield []byte) error {
	if err := r.checkBytes(bitfield); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.counts {
		if has(bitfield, i) {
			r.adjust(i, -1)
		}
	}

	return nil
}

// UpdateUnits applies the difference between a peer's old and new bitfield.
func (r *Registry) UpdateUnits(newBitfield, oldBitfield []byte) error {
	if err := r.checkBytes(newBitfield); err != nil {
		return err
	}
	if err := r.checkBytes(oldBitfield); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.counts {
		n, o := has(newBitfield, i), has(oldBitfield, i)
		switch {
		case n && !o:
			r.adjust(i, 1)
		case o && !n:
			r.adjust(i, -1)
		}
	}

	return nil
}

// Count returns the number of peers known to hold index.
func (r *Registry) Count(index int) int {
	r.check(index)

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.counts[index]
}

// SortedUnits returns every unit index by ascending count, ties broken by index.
func (r *Registry) SortedUnits() []int {
	out := make([]int, 0, len(r.counts))
	r.Ascend(func(s Stat) bool {
		out = append(out, s.Index)
		return true
	})

	return out
}

// Ascend calls fn for each stat in rarity order until fn returns false.
func (r *Registry) Ascend(fn func(Stat) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.sorted.Scan(fn)
}

func (r *Registry) adjust(index, delta int) {
	cur := r.counts[index]
	next := cur + delta
	if next < 0 {
		logger.Warnf("piecestat: ignoring decrement of unit %d below zero", index)
		return
	}

	r.sorted.Delete(Stat{Index: index, Count: cur})
	r.sorted.Set(Stat{Index: index, Count: next})
	r.counts[index] = next
}

func (r *Registry) check(index int) {
	if index < 0 || index >= len(r.counts) {
		panic(fmt.Sprintf("piecestat: unit index %d out of range [0, %d)", index, len(r.counts)))
	}
}

func (r *Registry) checkBytes(bitfield []byte) error {
	if want := (len(r.counts) + 7) / 8; len(bitfield) != want {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidLength, len(bitfield), want)
	}

	return nil
}

func has(bitfield []byte, i int) bool {
	return bitfield[i/8]&(1<<(7-uint(i%8))) != 0
}
