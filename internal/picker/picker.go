// Package picker chooses which units to request from a peer.
package picker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/NamanBalaji/piecework/internal/piecestat"
	"github.com/NamanBalaji/piecework/internal/rangetracker"
)

var ErrUnknownStrategy = errors.New("unknown piece selection strategy")

// Strategy defines piece selection strategies.
type Strategy int

const (
	InOrder Strategy = iota
	Rarest
	EndGame
)

func (s Strategy) String() string {
	switch s {
	case InOrder:
		return "inorder"
	case Rarest:
		return "rarest"
	case EndGame:
		return "endgame"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inorder", "in-order", "sequential":
		return InOrder, nil
	case "rarest", "rarest-first", "":
		return Rarest, nil
	case "endgame":
		return EndGame, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// PeerView is what the selector knows about one remote peer.
type PeerView struct {
	Available   rangetracker.Candidates
	AllowedFast rangetracker.Candidates
	Choked      bool
}

// policy orders the candidate units of a transfer.
type policy interface {
	pick(eligible func(int) bool, want int) []int
}

type inOrderPolicy struct {
	tracker *rangetracker.Tracker
}

func (p inOrderPolicy) pick(eligible func(int) bool, want int) []int {
	var out []int
	for _, i := range p.tracker.Missing() {
		if eligible(i) {
			out = append(out, i)
			if len(out) == want {
				break
			}
		}
	}

	return out
}

type rarestPolicy struct {
	registry *piecestat.Registry
}

func (p rarestPolicy) pick(eligible func(int) bool, want int) []int {
	var out []int
	p.registry.Ascend(func(s piecestat.Stat) bool {
		if eligible(s.Index) {
			out = append(out, s.Index)
		}
		return len(out) < want
	})

	return out
}

// Selector picks units for a peer. Outside end-game a unit already in use
// by another connection is never picked. End-game starts once the number of
// missing units drops to the threshold, or immediately for the EndGame strategy.
type Selector struct {
	strategy  Strategy
	tracker   *rangetracker.Tracker
	threshold int
	base      policy
}

// Option configures a Selector.
type Option func(*Selector)

// WithEndGameThreshold sets the missing-unit count at which end-game starts.
func WithEndGameThreshold(n int) Option {
	return func(s *Selector) { s.threshold = n }
}

// New creates a selector. registry may be nil for InOrder.
func New(strategy Strategy, tracker *rangetracker.Tracker, registry *piecestat.Registry, opts ...Option) *Selector {
	s := &Selector{
		strategy: strategy,
		tracker:  tracker,
	}

	for _, opt := range opts {
		opt(s)
	}

	if strategy == InOrder || registry == nil {
		s.base = inOrderPolicy{tracker: tracker}
	} else {
		s.base = rarestPolicy{registry: registry}
	}

	return s
}

func (s *Selector) Strategy() Strategy { return s.strategy }

// InEndGame reports whether duplicate requests are currently allowed.
func (s *Selector) InEndGame() bool {
	return s.strategy == EndGame || s.tracker.MissingCount() <= s.threshold
}

// Select returns up to want units that are missing locally and available from
// the peer. A choked peer is limited to its allowed-fast set. An empty result
// means there is nothing to request from this peer right now.
func (s *Selector) Select(view PeerView, want int) []int {
	if want <= 0 {
		return nil
	}

	if view.Choked && view.AllowedFast == nil {
		return nil
	}

	endgame := s.InEndGame()
	eligible := func(i int) bool {
		if s.tracker.IsUnitComplete(i) {
			return false
		}
		if view.Available != nil && !view.Available.Has(i) {
			return false
		}
		if view.Choked && !view.AllowedFast.Has(i) {
			return false
		}
		return endgame || !s.tracker.IsInUse(i)
	}

	return s.base.pick(eligible, want)
}

// Next returns the single best unit for the peer.
func (s *Selector) Next(view PeerView) (int, bool) {
	units := s.Select(view, 1)
	if len(units) == 0 {
		return 0, false
	}

	return units[0], true
}
