// Package piece tracks the sub-block state of units that are in flight.
package piece

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultBlockSize is the request granularity used by the peer wire protocol.
const DefaultBlockSize = 16 * 1024

// Block represents a block within a piece.
type Block struct {
	Piece  int
	Index  int
	Offset int64
	Length int64
}

// Piece represents one unit whose blocks are being fetched.
type Piece struct {
	Index     int
	Offset    int64
	Length    int64
	BlockSize int64

	mu           sync.RWMutex
	blocks       *roaring.Bitmap
	contributors mapset.Set[string]
}

// New creates a new piece with no blocks received.
func New(index int, offset, length, blockSize int64) *Piece {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &Piece{
		Index:        index,
		Offset:       offset,
		Length:       length,
		BlockSize:    blockSize,
		blocks:       roaring.New(),
		contributors: mapset.NewSet[string](),
	}
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() int {
	return int((p.Length + p.BlockSize - 1) / p.BlockSize)
}

// BlockSpan returns the offset within the piece and the length of block b.
// The last block might be smaller.
func (p *Piece) BlockSpan(b int) (offset, length int64) {
	if b < 0 || b >= p.NumBlocks() {
		panic(fmt.Sprintf("piece %d: block %d out of range [0, %d)", p.Index, b, p.NumBlocks()))
	}

	offset = int64(b) * p.BlockSize

	return offset, min(p.BlockSize, p.Length-offset)
}

// BlockAt returns the block index starting at offset.
func (p *Piece) BlockAt(offset int64) (int, error) {
	if offset < 0 || offset >= p.Length || offset%p.BlockSize != 0 {
		return 0, fmt.Errorf("%w: offset %d in piece %d", ErrUnalignedBlock, offset, p.Index)
	}

	return int(offset / p.BlockSize), nil
}

// MarkBlock records the block at offset as written. source names the
// connection that delivered it. newly is false when the block was already present.
func (p *Piece) MarkBlock(offset int64, length int64, source string) (newly bool, err error) {
	b, err := p.BlockAt(offset)
	if err != nil {
		return false, err
	}

	if _, want := p.BlockSpan(b); want != length {
		return false, fmt.Errorf("%w: piece %d block %d expected %d bytes, got %d", ErrBlockLength, p.Index, b, want, length)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if source != "" {
		p.contributors.Add(source)
	}

	return p.blocks.CheckedAdd(uint32(b)), nil
}

// HasBlock reports whether the block starting at offset is written.
func (p *Piece) HasBlock(offset int64) bool {
	b, err := p.BlockAt(offset)
	if err != nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.blocks.Contains(uint32(b))
}

// MissingBlocks returns blocks that haven't been written yet.
func (p *Piece) MissingBlocks() []Block {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var missing []Block
	for b := range p.NumBlocks() {
		if p.blocks.Contains(uint32(b)) {
			continue
		}

		off, length := p.BlockSpan(b)
		missing = append(missing, Block{Piece: p.Index, Index: b, Offset: off, Length: length})
	}

	return missing
}

// Received returns the number of blocks written.
func (p *Piece) Received() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return int(p.blocks.GetCardinality())
}

// IsComplete returns true if all blocks have been written.
func (p *Piece) IsComplete() bool {
	return p.Received() == p.NumBlocks()
}

// Contributors returns the connections that delivered blocks of this piece.
func (p *Piece) Contributors() []string {
	return p.contributors.ToSlice()
}

// Reset clears received blocks and contributors.
func (p *Piece) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blocks.Clear()
	p.contributors.Clear()
}

// MarshalBlocks serializes the received block set.
func (p *Piece) MarshalBlocks() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.blocks.ToBytes()
}

// UnmarshalBlocks replaces the received block set with a serialized one.
func (p *Piece) UnmarshalBlocks(data []byte) error {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("piece %d: %w", p.Index, err)
	}

	if !bm.IsEmpty() && bm.Maximum() >= uint32(p.NumBlocks()) {
		return fmt.Errorf("%w: piece %d has %d blocks, bitmap references block %d", ErrBlockRange, p.Index, p.NumBlocks(), bm.Maximum())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.blocks = bm

	return nil
}
