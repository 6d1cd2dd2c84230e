// Package request tracks block requests that are in flight on each connection.
package request

import (
	"slices"
	"sync"
	"time"
)

// Slot is one outstanding block request.
type Slot struct {
	Conn       string
	Unit       int
	Offset     int64
	Length     int64
	Dispatched time.Time
}

type blockKey struct {
	unit   int
	offset int64
}

// Table holds outstanding requests keyed by block. Outside end-game a block
// has at most one owner.
type Table struct {
	mu     sync.Mutex
	now    func() time.Time
	blocks map[blockKey]map[string]Slot
	byConn map[string]int
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the clock used to stamp and expire slots.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// NewTable creates an empty request table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		now:    time.Now,
		blocks: make(map[blockKey]map[string]Slot),
		byConn: make(map[string]int),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Add records that conn requested a block. It returns false when conn
// already owns the block, or when another connection does and endgame is off.
func (t *Table) Add(conn string, unit int, offset, length int64, endgame bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := blockKey{unit, offset}
	owners := t.blocks[key]
	if _, ok := owners[conn]; ok {
		return false
	}
	if len(owners) > 0 && !endgame {
		return false
	}

	if owners == nil {
		owners = make(map[string]Slot)
		t.blocks[key] = owners
	}

	owners[conn] = Slot{Conn: conn, Unit: unit, Offset: offset, Length: length, Dispatched: t.now()}
	t.byConn[conn]++

	return true
}

// Owners returns the connections with an outstanding request for the block.
func (t *Table) Owners(unit int, offset int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	owners := t.blocks[blockKey{unit, offset}]
	out := make([]string, 0, len(owners))
	for c := range owners {
		out = append(out, c)
	}
	slices.Sort(out)

	return out
}

// IsRequested reports whether any connection is fetching the block.
func (t *Table) IsRequested(unit int, offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.blocks[blockKey{unit, offset}]) > 0
}

// HasUnit reports whether any block of unit is being fetched.
func (t *Table) HasUnit(unit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.blocks {
		if key.unit == unit {
			return true
		}
	}

	return false
}

// Complete clears every request for the block delivered by conn and returns
// the slots of the other owners, which should be cancelled.
func (t *Table) Complete(conn string, unit int, offset int64) []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := blockKey{unit, offset}
	owners := t.blocks[key]
	if len(owners) == 0 {
		return nil
	}

	var cancels []Slot
	for c, s := range owners {
		t.dec(c)
		if c != conn {
			cancels = append(cancels, s)
		}
	}
	delete(t.blocks, key)

	sortSlots(cancels)

	return cancels
}

// Remove drops conn's request for the block.
func (t *Table) Remove(conn string, unit int, offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := blockKey{unit, offset}
	owners := t.blocks[key]
	if _, ok := owners[conn]; !ok {
		return false
	}

	delete(owners, conn)
	if len(owners) == 0 {
		delete(t.blocks, key)
	}
	t.dec(conn)

	return true
}

// RemoveUnit drops every request for unit, across all connections.
func (t *Table) RemoveUnit(unit int) []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Slot
	for key, owners := range t.blocks {
		if key.unit != unit {
			continue
		}
		for c, s := range owners {
			t.dec(c)
			out = append(out, s)
		}
		delete(t.blocks, key)
	}

	sortSlots(out)

	return out
}

// Sweep removes and returns every slot dispatched more than timeout ago.
func (t *Table) Sweep(timeout time.Duration) []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	var expired []Slot
	for key, owners := range t.blocks {
		for c, s := range owners {
			if now.Sub(s.Dispatched) <= timeout {
				continue
			}
			expired = append(expired, s)
			delete(owners, c)
			t.dec(c)
		}
		if len(owners) == 0 {
			delete(t.blocks, key)
		}
	}

	sortSlots(expired)

	return expired
}

// ReleaseConn drops every request of conn and returns them.
func (t *Table) ReleaseConn(conn string) []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byConn[conn] == 0 {
		return nil
	}

	var released []Slot
	for key, owners := range t.blocks {
		s, ok := owners[conn]
		if !ok {
			continue
		}
		released = append(released, s)
		delete(owners, conn)
		if len(owners) == 0 {
			delete(t.blocks, key)
		}
	}
	delete(t.byConn, conn)

	sortSlots(released)

	return released
}

// CountFor returns the number of requests outstanding on conn.
func (t *Table) CountFor(conn string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.byConn[conn]
}

// Len returns the total number of outstanding slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, c := range t.byConn {
		n += c
	}

	return n
}

func (t *Table) dec(conn string) {
	if t.byConn[conn] <= 1 {
		delete(t.byConn, conn)
		return
	}
	t.byConn[conn]--
}

func sortSlots(s []Slot) {
	slices.SortFunc(s, func(a, b Slot) int {
		if a.Unit != b.Unit {
			return a.Unit - b.Unit
		}
		if a.Offset != b.Offset {
			if a.Offset < b.Offset {
				return -1
			}
			return 1
		}
		switch {
		case a.Conn < b.Conn:
			return -1
		case a.Conn > b.Conn:
			return 1
		}
		return 0
	})
}
