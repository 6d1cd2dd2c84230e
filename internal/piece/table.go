package piece

import (
	"slices"
	"sync"

	"github.com/NamanBalaji/piecework/internal/rangetracker"
)

// Table holds the pieces currently in progress. Pieces are created lazily
// the first time a block of theirs is requested or received.
type Table struct {
	mu        sync.Mutex
	tracker   *rangetracker.Tracker
	blockSize int64
	pieces    map[int]*Piece
}

// NewTable creates a new table over the units of tracker.
func NewTable(tracker *rangetracker.Tracker, blockSize int64) *Table {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &Table{
		tracker:   tracker,
		blockSize: blockSize,
		pieces:    make(map[int]*Piece),
	}
}

func (t *Table) BlockSize() int64 { return t.blockSize }

// Get returns the piece for index, creating it if needed.
func (t *Table) Get(index int) *Piece {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pieces[index]; ok {
		return p
	}

	off, length := t.tracker.UnitSpan(index)
	p := New(index, off, length, t.blockSize)
	t.pieces[index] = p

	return p
}

// Lookup returns the piece for index without creating it.
func (t *Table) Lookup(index int) (*Piece, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pieces[index]

	return p, ok
}

// Drop forgets the piece for index.
func (t *Table) Drop(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.pieces, index)
}

// InProgress returns the tracked pieces ordered by index.
func (t *Table) InProgress() []*Piece {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Piece, 0, len(t.pieces))
	for _, p := range t.pieces {
		out = append(out, p)
	}

	slices.SortFunc(out, func(a, b *Piece) int { return a.Index - b.Index })

	return out
}

// Clear forgets every piece.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.pieces)
}
