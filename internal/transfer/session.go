// Package transfer runs the piece engine for one target. A Session owns the
// tracker and every structure derived from it; connection layers call into it
// to pick work and to hand over received data.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/control"
	"github.com/NamanBalaji/piecework/internal/disk"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/metadata"
	"github.com/NamanBalaji/piecework/internal/picker"
	"github.com/NamanBalaji/piecework/internal/piece"
	"github.com/NamanBalaji/piecework/internal/piecestat"
	"github.com/NamanBalaji/piecework/internal/rangetracker"
	"github.com/NamanBalaji/piecework/internal/request"
	"github.com/NamanBalaji/piecework/internal/segment"
)

type state int

const (
	stateNew state = iota
	stateOpen
	stateFinished
	stateClosed
)

// Session is one transfer. All methods are safe for concurrent use; every
// mutation of the tracker happens under the session lock.
type Session struct {
	meta    *metadata.Metadata
	adaptor disk.Adaptor
	store   control.Store
	opts    Options

	mu        sync.Mutex
	state     state
	tracker   *rangetracker.Tracker
	written   *bitset.BitSet
	pieces    *piece.Table
	registry  *piecestat.Registry
	selector  *picker.Selector
	requests  *request.Table
	splitter  *segment.Splitter
	validator *checksum.Validator
	peers     map[string]*peer

	failures  []Failure
	penalties map[string]int
	refetched int64
	timeouts  int
	resumed   int64
	startedAt time.Time
}

// NewSession creates a session. Nothing is touched on disk until Open.
func NewSession(meta *metadata.Metadata, adaptor disk.Adaptor, store control.Store, opts Options) (*Session, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	if adaptor.Size() != meta.TotalLength {
		err := fmt.Errorf("storage holds %d bytes, target is %d", adaptor.Size(), meta.TotalLength)
		return nil, perrors.NewConfigError(err, meta.Name)
	}

	return &Session{
		meta:      meta,
		adaptor:   adaptor,
		store:     store,
		opts:      opts.normalize(),
		peers:     make(map[string]*peer),
		penalties: make(map[string]int),
	}, nil
}

// ID returns the transfer ID. After Open it is the ID stored in the control
// file when one was resumed.
func (s *Session) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opts.ID
}

// Open prepares storage and restores saved state. A resumed tracker is
// re-validated against checksums before its claims are trusted. Without a
// control file and with CheckIntegrity set, existing data is scanned.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateNew {
		return ErrAlreadyOpen
	}

	if err := s.adaptor.Open(); err != nil {
		return asIOError(err, s.meta.Name)
	}

	if err := s.open(ctx); err != nil {
		if cerr := s.adaptor.Close(); cerr != nil {
			logger.Warnf("Failed to close storage of %s: %v", s.meta.Name, cerr)
		}
		return err
	}

	s.state = stateOpen
	s.resumed = s.tracker.CompletedLength()
	s.startedAt = time.Now()

	logger.Infof("Opened %s: %d/%d units complete, %d bytes", s.meta.Name,
		s.tracker.CompletedCount(), s.tracker.NumUnits(), s.resumed)

	return nil
}

func (s *Session) open(ctx context.Context) error {
	snap, err := s.loadSnapshot()
	if err != nil {
		return err
	}

	if err := s.build(snap); err != nil {
		return err
	}

	if s.validator != nil {
		switch {
		case snap != nil:
			if err := s.verifyClaims(ctx); err != nil {
				return err
			}
		case s.opts.CheckIntegrity:
			report, err := s.validator.Validate(ctx, checksum.Scan)
			if err != nil {
				return err
			}
			logger.Infof("Integrity check of %s: %d of %d chunks match", s.meta.Name, report.Passed, report.Chunks)
		}
	} else if snap == nil && s.opts.CheckIntegrity {
		logger.Warnf("No checksums for %s, skipping integrity check", s.meta.Name)
	}

	return s.reconcile()
}

func (s *Session) loadSnapshot() (*control.Snapshot, error) {
	if !s.opts.Continue {
		logger.Debugf("Not resuming %s", s.meta.Name)
		return nil, nil
	}

	snap, err := s.store.Load()
	if errors.Is(err, control.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := snap.Check(s.meta.TotalLength, s.meta.UnitLength); err != nil {
		if errors.Is(err, control.ErrUnitLengthChanged) && s.opts.AllowPieceLengthChange {
			logger.Warnf("Piece length of %s changed, discarding saved state: %v", s.meta.Name, err)
			if err := s.store.Remove(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}

	if id, err := uuid.Parse(snap.ID); err == nil {
		s.opts.ID = id
	}

	logger.Infof("Resuming %s from control file saved at %s", s.meta.Name, time.Unix(snap.SavedAt, 0).Format(time.RFC3339))

	return snap, nil
}

func (s *Session) build(snap *control.Snapshot) error {
	if snap != nil {
		tr, err := rangetracker.FromBytes(s.meta.TotalLength, s.meta.UnitLength, snap.Bitfield)
		if err != nil {
			return corrupt(err, s.meta.Name)
		}
		s.tracker = tr
	} else {
		s.tracker = rangetracker.New(s.meta.TotalLength, s.meta.UnitLength)
	}

	n := s.tracker.NumUnits()
	s.written = bitset.New(uint(n))
	s.pieces = piece.NewTable(s.tracker, s.opts.BlockSize)
	s.registry = piecestat.New(n)
	s.selector = picker.New(s.opts.Strategy, s.tracker, s.registry, picker.WithEndGameThreshold(s.opts.EndGameThreshold))
	s.requests = request.NewTable()

	if s.meta.HasChecksums() {
		v, err := checksum.New(s.adaptor, s.tracker, s.meta.Digests, s.meta.ChecksumLength, s.meta.Algorithm,
			checksum.WithProgress(s.opts.Progress, s.opts.ProgressInterval))
		if err != nil {
			return err
		}
		s.validator = v
	}

	if snap == nil {
		return nil
	}

	for _, ip := range snap.InProgress {
		if s.tracker.IsUnitComplete(ip.Index) {
			continue
		}

		p := s.pieces.Get(ip.Index)
		if err := p.UnmarshalBlocks(ip.Blocks); err != nil {
			logger.Warnf("Dropping saved blocks of unit %d: %v", ip.Index, err)
			s.pieces.Drop(ip.Index)
		}
	}

	if len(snap.Segments) > 0 {
		segs := make([]segment.Segment, 0, len(snap.Segments))
		for _, cs := range snap.Segments {
			id, err := uuid.Parse(cs.ID)
			if err != nil {
				id = uuid.New()
			}
			segs = append(segs, segment.Segment{ID: id, Start: cs.Start, End: cs.End, Downloaded: cs.Downloaded})
		}

		sp := segment.NewSplitter(s.meta.TotalLength, 1, s.opts.MinSplitSize)
		if err := sp.Restore(segs); err != nil {
			return corrupt(err, s.meta.Name)
		}
		s.splitter = sp
	}

	return nil
}

// verifyClaims re-hashes every claimed chunk. Claims inside chunks that are
// only partly claimed cannot be checked yet; they are kept as written and
// verified once the rest of their chunk arrives.
func (s *Session) verifyClaims(ctx context.Context) error {
	report, err := s.validator.Validate(ctx, checksum.VerifyClaimed)
	if err != nil {
		return err
	}

	for _, rng := range report.Failed {
		s.fail(rng)
	}

	for _, rng := range report.Deferred {
		for u := rng.First; u <= rng.Last; u++ {
			if s.tracker.IsUnitComplete(u) {
				s.tracker.UnsetUnit(u)
				s.markWritten(u)
			}
		}
	}

	logger.Infof("Re-validated %s: %d chunks checked, %d failed, %d deferred",
		s.meta.Name, report.Checked, len(report.Failed), len(report.Deferred))

	return nil
}

// reconcile derives the written set from the tracker, restored pieces and
// segments, then verifies written units that are not complete yet.
func (s *Session) reconcile() error {
	for i := range s.tracker.NumUnits() {
		if s.tracker.IsUnitComplete(i) {
			s.written.Set(uint(i))
		}
	}

	for _, p := range s.pieces.InProgress() {
		if p.IsComplete() {
			s.markWritten(p.Index)
		}
	}

	if s.splitter != nil {
		for _, u := range s.splitter.CoveredUnits(s.meta.UnitLength) {
			s.markWritten(u)
		}
	}

	for i, ok := s.written.NextSet(0); ok; i, ok = s.written.NextSet(i + 1) {
		u := int(i)
		if s.tracker.IsUnitComplete(u) {
			continue
		}
		if _, _, err := s.unitWritten(u); err != nil {
			return err
		}
	}

	return nil
}

// Save writes the current state to the control store.
func (s *Session) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save()
}

func (s *Session) save() error {
	if s.state != stateOpen {
		return ErrNotOpen
	}

	snap := &control.Snapshot{
		Version:     control.Version,
		ID:          s.opts.ID.String(),
		TotalLength: s.meta.TotalLength,
		UnitLength:  s.meta.UnitLength,
		Bitfield:    s.tracker.Bytes(),
		SavedAt:     time.Now().Unix(),
	}

	for _, p := range s.pieces.InProgress() {
		if p.Received() == 0 || s.tracker.IsUnitComplete(p.Index) {
			continue
		}

		blocks, err := p.MarshalBlocks()
		if err != nil {
			return err
		}
		snap.InProgress = append(snap.InProgress, control.InProgress{Index: p.Index, Blocks: blocks})
	}

	if s.splitter != nil {
		for _, seg := range s.splitter.Snapshot() {
			snap.Segments = append(snap.Segments, control.Segment{
				ID:         seg.ID.String(),
				Start:      seg.Start,
				End:        seg.End,
				Downloaded: seg.Downloaded,
			})
		}
	}

	return s.store.Save(snap)
}

// Run sweeps stale requests and saves state periodically until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	saveTicker := time.NewTicker(s.opts.SaveInterval)
	defer saveTicker.Stop()

	sweepTicker := time.NewTicker(s.opts.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			if expired := s.Sweep(); len(expired) > 0 {
				logger.Debugf("Swept %d stale requests of %s", len(expired), s.meta.Name)
			}
		case <-saveTicker.C:
			err := s.Save()
			switch {
			case err == nil:
			case errors.Is(err, ErrNotOpen):
				return nil
			case perrors.IsFatal(err):
				return err
			default:
				logger.Errorf("Failed to save %s: %v", s.meta.Name, err)
			}
		}
	}
}

// Finish completes a transfer whose units are all verified: storage is
// finalized and the control file is removed.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return ErrNotOpen
	}

	if !s.tracker.IsComplete() {
		return fmt.Errorf("%w: %d of %d units", ErrIncomplete, s.tracker.CompletedCount(), s.tracker.NumUnits())
	}

	if c, ok := s.adaptor.(interface{ CutTrailingGarbage() error }); ok {
		if err := c.CutTrailingGarbage(); err != nil {
			return asIOError(err, s.meta.Name)
		}
	}

	if c, ok := s.adaptor.(disk.Completer); ok {
		if err := c.OnDownloadComplete(ctx); err != nil {
			return err
		}
	}

	if r, ok := s.adaptor.(interface{ RemoveTemp() error }); ok {
		if err := r.RemoveTemp(); err != nil {
			logger.Warnf("Failed to remove temporary file of %s: %v", s.meta.Name, err)
		}
	}

	if err := s.store.Remove(); err != nil {
		return err
	}

	s.state = stateFinished
	logger.Infof("Finished %s", s.meta.Name)

	return nil
}

// Close saves state unless the transfer finished, then releases storage.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosed:
		return nil
	case stateNew:
		s.state = stateClosed
		return nil
	case stateOpen:
		if err := s.save(); err != nil {
			logger.Errorf("Failed to save %s on close: %v", s.meta.Name, err)
		}
	}

	s.state = stateClosed

	if err := s.adaptor.Close(); err != nil {
		return asIOError(err, s.meta.Name)
	}

	return nil
}

// CompletedLength returns the number of verified bytes.
func (s *Session) CompletedLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker == nil {
		return 0
	}

	return s.tracker.CompletedLength()
}

// IsComplete reports whether every unit is verified.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracker != nil && s.tracker.IsComplete()
}

// IsUnitComplete reports whether unit is verified.
func (s *Session) IsUnitComplete(unit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracker != nil && s.tracker.IsUnitComplete(unit)
}

// Bitfield returns the verified units in wire order, for advertising to peers.
func (s *Session) Bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker == nil {
		return nil
	}

	return s.tracker.Bytes()
}

func asIOError(err error, resource string) error {
	var te *perrors.TransferError
	if errors.As(err, &te) {
		return err
	}

	return perrors.NewIOError(err, resource)
}

func corrupt(err error, resource string) error {
	return perrors.NewResumeError(fmt.Errorf("%w: %w", perrors.ErrCorruptControlFile, err), resource)
}
