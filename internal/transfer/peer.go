package transfer

import (
	"fmt"

	"github.com/NamanBalaji/piecework/internal/bitfield"
	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/picker"
	"github.com/NamanBalaji/piecework/internal/request"
)

// BlockRequest is a block to ask a peer for.
type BlockRequest struct {
	Unit   int
	Offset int64
	Length int64
}

// BlockResult describes what a received block changed.
type BlockResult struct {
	// Duplicate is set when the block was already written.
	Duplicate bool
	// UnitWritten is set when the block completed its unit.
	UnitWritten bool
	Verified    []int
	Failed      []Failure
	// Cancels are end-game requests for the same block on other connections.
	Cancels []request.Slot
}

type peer struct {
	available   *bitfield.Bitfield
	allowedFast *bitfield.Bitfield
	choked      bool
	snubbed     bool
}

func (p *peer) view() picker.PeerView {
	v := picker.PeerView{Available: p.available, Choked: p.choked}
	if p.allowedFast != nil {
		v.AllowedFast = p.allowedFast
	}

	return v
}

// AddPeer registers a peer and its advertised bitfield. A nil bitfield means
// the peer has nothing yet. Peers start out choking us.
func (s *Session) AddPeer(id string, bits []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return ErrNotOpen
	}

	if _, ok := s.peers[id]; ok {
		return s.updateBitfield(id, bits)
	}

	bf, err := s.parseBitfield(bits)
	if err != nil {
		return err
	}

	if err := s.registry.AddUnits(bf.Bytes()); err != nil {
		return err
	}

	s.peers[id] = &peer{available: bf, choked: true}
	logger.Debugf("Peer %s joined %s with %d/%d units", id, s.meta.Name, bf.Count(), bf.Len())

	return nil
}

// OnHave records that a peer announced a unit.
func (s *Session) OnHave(id string, unit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	if p.available.Has(unit) {
		return nil
	}

	if err := p.available.Set(unit); err != nil {
		return err
	}
	s.registry.AddUnit(unit)

	return nil
}

// UpdateBitfield replaces a peer's advertised bitfield.
func (s *Session) UpdateBitfield(id string, bits []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateBitfield(id, bits)
}

func (s *Session) updateBitfield(id string, bits []byte) error {
	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	bf, err := s.parseBitfield(bits)
	if err != nil {
		return err
	}

	if err := s.registry.UpdateUnits(bf.Bytes(), p.available.Bytes()); err != nil {
		return err
	}
	p.available = bf

	return nil
}

// SetChoked records whether the peer is choking us.
func (s *Session) SetChoked(id string, choked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p.choked = choked

	return nil
}

// SetAllowedFast records the units a peer lets us fetch while choked.
func (s *Session) SetAllowedFast(id string, units []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	bf := bitfield.New(s.tracker.NumUnits())
	for _, u := range units {
		if err := bf.Set(u); err != nil {
			return err
		}
	}
	p.allowedFast = bf

	return nil
}

// GetNextUnitToRequest returns the best unit to fetch from a peer. false
// means there is nothing to request from it right now.
func (s *Session) GetNextUnitToRequest(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok || s.state != stateOpen {
		return 0, false
	}

	return s.selector.Next(p.view())
}

// NextRequests fills a peer's pipeline. Blocks of units already started are
// requested before new units are selected.
func (s *Session) NextRequests(id string) []BlockRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok || s.state != stateOpen {
		return nil
	}

	want := s.opts.PipelineDepth - s.requests.CountFor(id)
	if want <= 0 {
		return nil
	}

	view := p.view()
	endgame := s.selector.InEndGame()

	var out []BlockRequest
	add := func(u int) {
		if s.isWritten(u) || s.tracker.IsUnitComplete(u) {
			return
		}

		pc := s.pieces.Get(u)
		for _, b := range pc.MissingBlocks() {
			if len(out) >= want {
				return
			}
			if s.requests.Add(id, u, b.Offset, b.Length, endgame) {
				out = append(out, BlockRequest{Unit: u, Offset: b.Offset, Length: b.Length})
				s.tracker.SetInUse(u)
			}
		}
	}

	tried := make(map[int]struct{})
	for _, pc := range s.pieces.InProgress() {
		if len(out) >= want {
			break
		}
		if s.eligible(view, pc.Index) {
			tried[pc.Index] = struct{}{}
			add(pc.Index)
		}
	}

	for len(out) < want {
		fresh := false
		for _, u := range s.selector.Select(view, want+len(tried)) {
			if _, ok := tried[u]; ok {
				continue
			}
			tried[u] = struct{}{}
			fresh = true

			add(u)
			if len(out) >= want {
				break
			}
		}
		if !fresh {
			break
		}
	}

	return out
}

func (s *Session) eligible(view picker.PeerView, u int) bool {
	if s.tracker.IsUnitComplete(u) || s.isWritten(u) {
		return false
	}
	if !view.Available.Has(u) {
		return false
	}
	if view.Choked {
		return view.AllowedFast != nil && view.AllowedFast.Has(u)
	}

	return true
}

// OnBlockReceived writes a block delivered by a peer. A block that completes
// its unit triggers verification; failed ranges are returned to the missing
// pool and reported in the result.
func (s *Session) OnBlockReceived(id string, unit int, offset int64, data []byte) (BlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BlockResult

	if s.state != stateOpen {
		return res, ErrNotOpen
	}

	if unit < 0 || unit >= s.tracker.NumUnits() {
		return res, fmt.Errorf("%w: unit %d", ErrInvalidBlock, unit)
	}

	res.Cancels = s.requests.Complete(id, unit, offset)
	defer s.releaseIdle(unit)

	if p, ok := s.peers[id]; ok {
		p.snubbed = false
	}

	if s.tracker.IsUnitComplete(unit) || s.isWritten(unit) {
		res.Duplicate = true
		return res, nil
	}

	pc := s.pieces.Get(unit)

	b, err := pc.BlockAt(offset)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvalidBlock, err)
	}
	if _, length := pc.BlockSpan(b); length != int64(len(data)) {
		return res, fmt.Errorf("%w: unit %d block %d is %d bytes, got %d", ErrInvalidBlock, unit, b, length, len(data))
	}

	if pc.HasBlock(offset) {
		res.Duplicate = true
		return res, nil
	}

	if _, err := s.adaptor.WriteAt(data, pc.Offset+offset); err != nil {
		return res, asIOError(err, s.meta.Name)
	}

	if _, err := pc.MarkBlock(offset, int64(len(data)), id); err != nil {
		return res, err
	}

	if !pc.IsComplete() {
		return res, nil
	}

	res.UnitWritten = true
	res.Verified, res.Failed, err = s.unitWritten(unit)

	return res, err
}

// OnConnectionLost releases everything a connection held: its requests, its
// segments and its contribution to unit rarity.
func (s *Session) OnConnectionLost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return
	}

	for _, slot := range s.requests.ReleaseConn(id) {
		s.releaseIdle(slot.Unit)
	}

	if p, ok := s.peers[id]; ok {
		if err := s.registry.SubtractUnits(p.available.Bytes()); err != nil {
			logger.Warnf("Failed to subtract units of peer %s: %v", id, err)
		}
		delete(s.peers, id)
	}

	if s.splitter != nil {
		s.splitter.Release(id)
	}

	logger.Debugf("Connection %s of %s lost", id, s.meta.Name)
}

// Sweep expires requests older than the request timeout. Peers that let a
// request expire are marked snubbed until they deliver again.
func (s *Session) Sweep() []request.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return nil
	}

	expired := s.requests.Sweep(s.opts.RequestTimeout)
	for _, slot := range expired {
		s.releaseIdle(slot.Unit)
		if p, ok := s.peers[slot.Conn]; ok {
			p.snubbed = true
		}
		s.timeouts++
	}

	return expired
}

// Snubbed reports whether a peer let a request time out since it last
// delivered a block.
func (s *Session) Snubbed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]

	return ok && p.snubbed
}

func (s *Session) parseBitfield(bits []byte) (*bitfield.Bitfield, error) {
	n := s.tracker.NumUnits()
	if bits == nil {
		return bitfield.New(n), nil
	}

	return bitfield.FromBytes(bits, n)
}
