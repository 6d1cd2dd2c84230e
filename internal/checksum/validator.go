// Package checksum validates written data against per-chunk digests and
// clears tracker bits for ranges that fail so they are fetched again.
package checksum

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/rangetracker"
)

const defaultProgressInterval = 500 * time.Millisecond

// Mode selects how Validate treats the tracker.
type Mode int

const (
	// VerifyClaimed hashes chunks whose units are all marked complete and
	// unsets those that fail.
	VerifyClaimed Mode = iota
	// Scan hashes every chunk, setting units of matching chunks and
	// unsetting units of failing ones.
	Scan
)

// Range is the inclusive unit range covered by one checksum chunk.
type Range struct {
	Chunk int
	First int
	Last  int
}

// Report summarizes a validation pass.
type Report struct {
	Chunks   int
	Checked  int
	Passed   int
	Failed   []Range
	Deferred []Range
}

// ProgressFunc receives the number of chunks processed so far.
type ProgressFunc func(done, total int)

// UnitCheck is the outcome of verifying the chunks around one written unit.
type UnitCheck struct {
	Verified []int
	Failed   []Range
	Pending  bool
}

// Validator hashes chunks of the target through r and compares them to digests.
type Validator struct {
	r           io.ReaderAt
	tracker     *rangetracker.Tracker
	digests     [][]byte
	chunkLength int64
	algorithm   Algorithm
	numChunks   int

	concurrency int
	interval    time.Duration
	progress    ProgressFunc

	mu       sync.Mutex
	verified *bitset.BitSet
}

// Option configures a Validator.
type Option func(*Validator)

// WithProgress reports progress at most once per interval.
func WithProgress(fn ProgressFunc, interval time.Duration) Option {
	return func(v *Validator) {
		v.progress = fn
		if interval > 0 {
			v.interval = interval
		}
	}
}

// WithConcurrency limits the number of chunks hashed in parallel.
func WithConcurrency(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// New creates a validator. It fails before any hashing when fewer digests
// are supplied than the total length requires.
func New(r io.ReaderAt, tracker *rangetracker.Tracker, digests [][]byte, chunkLength int64, algorithm Algorithm, opts ...Option) (*Validator, error) {
	if chunkLength <= 0 {
		return nil, perrors.NewConfigError(fmt.Errorf("checksum chunk length must be positive, got %d", chunkLength), "checksum")
	}

	if _, err := algorithm.New(); err != nil {
		return nil, perrors.NewConfigError(err, "checksum")
	}

	total := tracker.TotalLength()
	need := int((total + chunkLength - 1) / chunkLength)
	if len(digests) < need {
		err := fmt.Errorf("%w: %d bytes in chunks of %d need %d digests, got %d",
			perrors.ErrInsufficientChecksums, total, chunkLength, need, len(digests))
		return nil, perrors.NewConfigError(err, "checksum")
	}

	for i := range need {
		if len(digests[i]) != algorithm.Size() {
			err := fmt.Errorf("digest %d is %d bytes, %s digests are %d bytes", i, len(digests[i]), algorithm, algorithm.Size())
			return nil, perrors.NewConfigError(err, "checksum")
		}
	}

	v := &Validator{
		r:           r,
		tracker:     tracker,
		digests:     digests[:need],
		chunkLength: chunkLength,
		algorithm:   algorithm,
		numChunks:   need,
		concurrency: runtime.GOMAXPROCS(0),
		interval:    defaultProgressInterval,
		verified:    bitset.New(uint(need)),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

func (v *Validator) NumChunks() int { return v.numChunks }

func (v *Validator) ChunkLength() int64 { return v.chunkLength }

func (v *Validator) Algorithm() Algorithm { return v.algorithm }

// ChunkSpan returns the byte range of chunk c. The final chunk is short
// when the total length is not a multiple of the chunk length.
func (v *Validator) ChunkSpan(c int) (offset, length int64) {
	v.check(c)

	offset = int64(c) * v.chunkLength

	return offset, min(v.chunkLength, v.tracker.TotalLength()-offset)
}

// ChunkUnits returns the inclusive range of transfer units chunk c covers.
func (v *Validator) ChunkUnits(c int) Range {
	off, length := v.ChunkSpan(c)
	first, last := v.tracker.UnitRange(off, length)

	return Range{Chunk: c, First: first, Last: last}
}

// UnitChunks returns the inclusive range of chunks overlapping unit.
func (v *Validator) UnitChunks(unit int) (first, last int) {
	off, length := v.tracker.UnitSpan(unit)

	return int(off / v.chunkLength), int((off + length - 1) / v.chunkLength)
}

// VerifyChunk hashes chunk c and compares it with its digest. A short read
// counts as a mismatch; other read errors are returned.
func (v *Validator) VerifyChunk(c int) (bool, error) {
	off, length := v.ChunkSpan(c)

	h, err := v.algorithm.New()
	if err != nil {
		return false, err
	}

	n, err := io.Copy(h, io.NewSectionReader(v.r, off, length))
	if err != nil {
		return false, perrors.NewIOError(fmt.Errorf("hashing chunk %d: %w", c, err), "checksum")
	}
	if n != length {
		return false, nil
	}

	return bytes.Equal(h.Sum(nil), v.digests[c]), nil
}

// Validate walks every chunk according to mode, updating the tracker.
func (v *Validator) Validate(ctx context.Context, mode Mode) (Report, error) {
	report := Report{Chunks: v.numChunks}
	if v.numChunks == 0 {
		return report, nil
	}

	var (
		mu       sync.Mutex
		done     int
		sometime = rate.Sometimes{Interval: v.interval}
	)

	tick := func() {
		mu.Lock()
		done++
		n := done
		mu.Unlock()

		if v.progress != nil {
			sometime.Do(func() { v.progress(n, v.numChunks) })
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for c := range v.numChunks {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			defer tick()

			if err := gctx.Err(); err != nil {
				return err
			}

			rng := v.ChunkUnits(c)

			if mode == VerifyClaimed && !v.tracker.IsRangeComplete(rng.First, rng.Last) {
				if v.anyComplete(rng) {
					mu.Lock()
					report.Deferred = append(report.Deferred, rng)
					mu.Unlock()
				}
				return nil
			}

			ok, err := v.VerifyChunk(c)
			if err != nil {
				return err
			}

			mu.Lock()
			report.Checked++
			mu.Unlock()

			if ok {
				v.markVerified(c)
				mu.Lock()
				report.Passed++
				mu.Unlock()
				return nil
			}

			logger.Warnf("Checksum mismatch on chunk %d (units %d-%d)", c, rng.First, rng.Last)
			v.fail(rng)

			mu.Lock()
			report.Failed = append(report.Failed, rng)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return report, perrors.NewContextError(ctx.Err(), "checksum")
		}
		return report, err
	}
	if ctx.Err() != nil {
		return report, perrors.NewContextError(ctx.Err(), "checksum")
	}

	// A neighbour hashed while a chunk failed may have been marked verified
	// after fail forgot it. Chunks sharing a unit with a failure must be
	// hashed again once that unit is refetched.
	for _, rng := range report.Failed {
		v.Forget(rng.First, rng.Last)
	}

	if mode == Scan {
		for u := range v.tracker.NumUnits() {
			if v.unitVerified(u) {
				v.tracker.SetUnitComplete(u)
			} else {
				v.tracker.UnsetUnit(u)
			}
		}
	}

	if v.progress != nil {
		v.progress(v.numChunks, v.numChunks)
	}

	sortRanges(report.Failed)
	sortRanges(report.Deferred)

	logger.Debugf("Validated %d/%d chunks: %d passed, %d failed, %d deferred",
		report.Checked, report.Chunks, report.Passed, len(report.Failed), len(report.Deferred))

	return report, nil
}

// CheckUnit verifies every chunk overlapping unit whose units are all
// written, as reported by written. Verified lists units all of whose chunks
// have now passed. Failed chunks have their units unset in the tracker.
func (v *Validator) CheckUnit(unit int, written func(int) bool) (UnitCheck, error) {
	var res UnitCheck

	first, last := v.UnitChunks(unit)

	candidates := make(map[int]struct{})
	for c := first; c <= last; c++ {
		rng := v.ChunkUnits(c)

		ready := true
		for u := rng.First; u <= rng.Last; u++ {
			if !written(u) {
				ready = false
				break
			}
		}
		if !ready {
			res.Pending = true
			continue
		}

		if v.isVerified(c) {
			for u := rng.First; u <= rng.Last; u++ {
				candidates[u] = struct{}{}
			}
			continue
		}

		ok, err := v.VerifyChunk(c)
		if err != nil {
			return res, err
		}

		if !ok {
			logger.Warnf("Checksum mismatch on chunk %d (units %d-%d)", c, rng.First, rng.Last)
			v.fail(rng)
			res.Failed = append(res.Failed, rng)
			continue
		}

		v.markVerified(c)
		for u := rng.First; u <= rng.Last; u++ {
			candidates[u] = struct{}{}
		}
	}

	for u := range candidates {
		if v.unitVerified(u) {
			res.Verified = append(res.Verified, u)
		}
	}
	slices.Sort(res.Verified)

	return res, nil
}

// Forget drops the verified state of every chunk overlapping units [first, last].
func (v *Validator) Forget(first, last int) {
	cFirst, _ := v.UnitChunks(first)
	_, cLast := v.UnitChunks(last)

	v.mu.Lock()
	defer v.mu.Unlock()

	for c := cFirst; c <= cLast; c++ {
		v.verified.Clear(uint(c))
	}
}

func (v *Validator) fail(rng Range) {
	v.tracker.UnsetRange(rng.First, rng.Last)
	v.Forget(rng.First, rng.Last)
}

func (v *Validator) unitVerified(unit int) bool {
	first, last := v.UnitChunks(unit)

	v.mu.Lock()
	defer v.mu.Unlock()

	for c := first; c <= last; c++ {
		if !v.verified.Test(uint(c)) {
			return false
		}
	}

	return true
}

func (v *Validator) isVerified(c int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.verified.Test(uint(c))
}

func (v *Validator) markVerified(c int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.verified.Set(uint(c))
}

func (v *Validator) anyComplete(rng Range) bool {
	for u := rng.First; u <= rng.Last; u++ {
		if v.tracker.IsUnitComplete(u) {
			return true
		}
	}

	return false
}

func (v *Validator) check(c int) {
	if c < 0 || c >= v.numChunks {
		panic(fmt.Sprintf("checksum: chunk %d out of range [0, %d)", c, v.numChunks))
	}
}

func sortRanges(r []Range) {
	slices.SortFunc(r, func(a, b Range) int { return a.Chunk - b.Chunk })
}
