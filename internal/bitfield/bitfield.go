package bitfield

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

var (
	ErrInvalidLength = errors.New("invalid bitfield length")
	ErrSpareBits     = errors.New("bitfield has spare bits set")
)

// Bitfield represents which units a remote peer advertises. Bits are
// stored most-significant first, matching the peer wire format.
type Bitfield struct {
	bits []byte
	len  int
	mu   sync.RWMutex
}

// New creates a new bitfield of the given length.
func New(numUnits int) *Bitfield {
	return &Bitfield{
		bits: make([]byte, (numUnits+7)/8),
		len:  numUnits,
	}
}

// FromBytes creates a bitfield from raw bytes.
func FromBytes(data []byte, numUnits int) (*Bitfield, error) {
	expectedBytes := (numUnits + 7) / 8
	if len(data) != expectedBytes {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidLength, len(data), expectedBytes)
	}

	if rem := numUnits % 8; rem != 0 && data[len(data)-1]&(0xff>>rem) != 0 {
		return nil, ErrSpareBits
	}

	bf := &Bitfield{
		bits: make([]byte, len(data)),
		len:  numUnits,
	}
	copy(bf.bits, data)

	return bf, nil
}

// Len returns the number of units covered by the bitfield.
func (bf *Bitfield) Len() int {
	return bf.len
}

// Set marks a unit as available.
func (bf *Bitfield) Set(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return fmt.Errorf("unit index %d out of range [0, %d)", index, bf.len)
	}

	bf.bits[index/8] |= 1 << (7 - uint(index%8))

	return nil
}

// Clear marks a unit as unavailable.
func (bf *Bitfield) Clear(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return fmt.Errorf("unit index %d out of range [0, %d)", index, bf.len)
	}

	bf.bits[index/8] &^= 1 << (7 - uint(index%8))

	return nil
}

// Has checks if a unit is available.
func (bf *Bitfield) Has(index int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return bf.has(index)
}

func (bf *Bitfield) has(index int) bool {
	if index < 0 || index >= bf.len {
		return false
	}

	return bf.bits[index/8]&(1<<(7-uint(index%8))) != 0
}

// Bytes returns a copy of the raw bitfield bytes.
func (bf *Bitfield) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	result := make([]byte, len(bf.bits))
	copy(result, bf.bits)

	return result
}

// Count returns the number of units marked as available.
func (bf *Bitfield) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	count := 0
	for _, b := range bf.bits {
		count += bits.OnesCount8(b)
	}

	return count
}

// IsComplete returns true if all units are available.
func (bf *Bitfield) IsComplete() bool {
	return bf.Count() == bf.len
}

// Indices returns the set unit indices in ascending order.
func (bf *Bitfield) Indices() []int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	var out []int
	for i := range bf.len {
		if bf.has(i) {
			out = append(out, i)
		}
	}

	return out
}
