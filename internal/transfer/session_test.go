package transfer_test

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/control"
	"github.com/NamanBalaji/piecework/internal/disk"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/metadata"
	"github.com/NamanBalaji/piecework/internal/picker"
	"github.com/NamanBalaji/piecework/internal/repository"
	"github.com/NamanBalaji/piecework/internal/transfer"
)

const target = "/dl/target.bin"

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func sha1Digests(data []byte, chunk int) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += chunk {
		sum := sha1.Sum(data[off:min(off+chunk, len(data))])
		out = append(out, sum[:])
	}
	return out
}

func newMeta(data []byte, unit, chunk int) *metadata.Metadata {
	m := metadata.Single("target.bin", int64(len(data)), int64(unit))
	if chunk > 0 {
		m.WithDigests(checksum.SHA1, int64(chunk), sha1Digests(data, chunk))
	}
	return m
}

func baseOptions() transfer.Options {
	return transfer.Options{
		BlockSize:     64,
		PipelineDepth: 16,
		Strategy:      picker.InOrder,
		Continue:      true,
	}
}

func newSession(t *testing.T, fs afero.Fs, meta *metadata.Metadata, opts transfer.Options) *transfer.Session {
	t.Helper()

	entries, err := disk.NewEntries(meta.Files)
	require.NoError(t, err)

	store := control.NewFileStore(fs, control.ControlPath(target))
	s, err := transfer.NewSession(meta, disk.NewDirect(fs, "/dl", entries), store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func openSession(t *testing.T, fs afero.Fs, meta *metadata.Metadata, opts transfer.Options) *transfer.Session {
	t.Helper()

	s := newSession(t, fs, meta, opts)
	require.NoError(t, s.Open(context.Background()))

	return s
}

// deliver feeds every block of unit from data.
func deliver(t *testing.T, s *transfer.Session, peer string, data []byte, unit, unitLength, blockSize int) transfer.BlockResult {
	t.Helper()

	start := unit * unitLength
	end := min(start+unitLength, len(data))

	var last transfer.BlockResult
	for off := start; off < end; off += blockSize {
		res, err := s.OnBlockReceived(peer, unit, int64(off-start), data[off:min(off+blockSize, end)])
		require.NoError(t, err)
		last = res
	}

	return last
}

func TestSession_EndToEndOutOfOrderAndResume(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(384)
	meta := newMeta(data, 128, 128)

	s := openSession(t, fs, meta, baseOptions())
	require.NoError(t, s.AddPeer("p1", []byte{0b11100000}))

	for _, unit := range []int{0, 2, 1} {
		res := deliver(t, s, "p1", data, unit, 128, 64)
		assert.True(t, res.UnitWritten)
		assert.Equal(t, []int{unit}, res.Verified)
		assert.Empty(t, res.Failed)
	}

	assert.Equal(t, int64(384), s.CompletedLength())
	assert.True(t, s.IsComplete())
	id := s.ID()
	require.NoError(t, s.Close())

	exists, err := afero.Exists(fs, control.ControlPath(target))
	require.NoError(t, err)
	assert.True(t, exists, "close saves the control file")

	reloaded := openSession(t, fs, meta, baseOptions())
	assert.Equal(t, id, reloaded.ID())
	assert.Equal(t, int64(384), reloaded.CompletedLength())
	assert.True(t, reloaded.IsComplete())
	assert.Empty(t, reloaded.Failures())

	require.NoError(t, reloaded.AddPeer("p2", []byte{0b11100000}))
	require.NoError(t, reloaded.SetChoked("p2", false))
	assert.Empty(t, reloaded.NextRequests("p2"), "nothing is fetched again")

	sum := reloaded.Summary()
	assert.Equal(t, int64(384), sum.ResumedLength)
	assert.Equal(t, int64(0), sum.Fetched())
	assert.Contains(t, sum.String(), "target.bin")

	require.NoError(t, reloaded.Finish(context.Background()))
	exists, err = afero.Exists(fs, control.ControlPath(target))
	require.NoError(t, err)
	assert.False(t, exists, "finish removes the control file")

	got, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSession_CorruptBlockIsRefetched(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(384)
	meta := newMeta(data, 128, 128)

	s := openSession(t, fs, meta, baseOptions())
	require.NoError(t, s.AddPeer("good", []byte{0b11100000}))
	require.NoError(t, s.AddPeer("bad", []byte{0b11100000}))

	deliver(t, s, "good", data, 0, 128, 64)

	bad := append([]byte(nil), data...)
	bad[130] ^= 0xff
	res := deliver(t, s, "bad", bad, 1, 128, 64)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].First)
	assert.Equal(t, 1, res.Failed[0].Last)
	assert.Equal(t, []string{"bad"}, res.Failed[0].Sources)
	assert.True(t, perrors.IsIntegrityError(res.Failed[0].Err("target.bin")))
	assert.False(t, s.IsUnitComplete(1))
	assert.Equal(t, 1, s.Penalty("bad"))
	assert.Equal(t, 0, s.Penalty("good"))

	require.NoError(t, s.SetChoked("good", false))
	reqs := s.NextRequests("good")
	assert.Contains(t, reqs, transfer.BlockRequest{Unit: 1, Offset: 0, Length: 64})
	assert.Contains(t, reqs, transfer.BlockRequest{Unit: 1, Offset: 64, Length: 64})

	deliver(t, s, "good", data, 1, 128, 64)
	deliver(t, s, "good", data, 2, 128, 64)
	assert.True(t, s.IsComplete())

	sum := s.Summary()
	assert.Len(t, sum.Failures, 1)
	assert.Equal(t, int64(128), sum.RefetchedBytes)
	assert.Contains(t, sum.String(), "1 verification failure")
}

func TestSession_ChecksumChunksLargerThanUnits(t *testing.T) {
	data := payload(320)
	meta := newMeta(data, 128, 256)

	t.Run("verified once the chunk is written", func(t *testing.T) {
		s := openSession(t, afero.NewMemMapFs(), meta, baseOptions())
		require.NoError(t, s.AddPeer("p", []byte{0b11100000}))

		res := deliver(t, s, "p", data, 0, 128, 64)
		assert.True(t, res.UnitWritten)
		assert.Empty(t, res.Verified)
		assert.False(t, s.IsUnitComplete(0))

		res = deliver(t, s, "p", data, 1, 128, 64)
		assert.Equal(t, []int{0, 1}, res.Verified)

		res = deliver(t, s, "p", data, 2, 128, 64)
		assert.Equal(t, []int{2}, res.Verified)
		assert.Equal(t, int64(320), s.CompletedLength())
	})

	t.Run("corruption unsets the whole chunk", func(t *testing.T) {
		s := openSession(t, afero.NewMemMapFs(), meta, baseOptions())
		require.NoError(t, s.AddPeer("p", []byte{0b11100000}))

		bad := append([]byte(nil), data...)
		bad[200] ^= 0xff

		deliver(t, s, "p", bad, 0, 128, 64)
		res := deliver(t, s, "p", bad, 1, 128, 64)
		require.Len(t, res.Failed, 1)
		assert.Equal(t, 0, res.Failed[0].First)
		assert.Equal(t, 1, res.Failed[0].Last)
		assert.Equal(t, int64(256), res.Failed[0].Length)

		res = deliver(t, s, "p", bad, 2, 128, 64)
		assert.Equal(t, []int{2}, res.Verified)
		assert.False(t, s.IsUnitComplete(0))
		assert.False(t, s.IsUnitComplete(1))
		assert.True(t, s.IsUnitComplete(2))
	})

	t.Run("written but unverified units survive a restart", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s := openSession(t, fs, meta, baseOptions())
		require.NoError(t, s.AddPeer("p", []byte{0b11100000}))
		deliver(t, s, "p", data, 0, 128, 64)
		require.NoError(t, s.Close())

		reloaded := openSession(t, fs, meta, baseOptions())
		assert.False(t, reloaded.IsUnitComplete(0))
		require.NoError(t, reloaded.AddPeer("p", []byte{0b11100000}))
		require.NoError(t, reloaded.SetChoked("p", false))
		for _, r := range reloaded.NextRequests("p") {
			assert.NotEqual(t, 0, r.Unit, "unit 0 is already written")
		}

		res := deliver(t, reloaded, "p", data, 1, 128, 64)
		assert.Equal(t, []int{0, 1}, res.Verified)
	})
}

func TestSession_ResumeRevalidatesClaims(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(384)
	meta := newMeta(data, 128, 128)

	s := openSession(t, fs, meta, baseOptions())
	require.NoError(t, s.AddPeer("p", []byte{0b11100000}))
	for unit := range 3 {
		deliver(t, s, "p", data, unit, 128, 64)
	}
	require.NoError(t, s.Close())

	f, err := fs.OpenFile(target, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff}, 140)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded := openSession(t, fs, meta, baseOptions())
	assert.True(t, reloaded.IsUnitComplete(0))
	assert.False(t, reloaded.IsUnitComplete(1))
	assert.True(t, reloaded.IsUnitComplete(2))
	assert.Equal(t, int64(256), reloaded.CompletedLength())
	assert.Len(t, reloaded.Failures(), 1)
}

func TestSession_CheckIntegrityScansExistingData(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(384)
	existing := append([]byte(nil), data[:300]...)
	require.NoError(t, afero.WriteFile(fs, target, existing, 0o644))

	opts := baseOptions()
	opts.Continue = false
	opts.CheckIntegrity = true

	var calls int
	opts.Progress = func(done, total int) { calls++ }

	s := openSession(t, fs, newMeta(data, 128, 128), opts)
	assert.True(t, s.IsUnitComplete(0))
	assert.True(t, s.IsUnitComplete(1))
	assert.False(t, s.IsUnitComplete(2), "unit 2 is truncated")
	assert.Positive(t, calls)
}

func TestSession_PieceLengthChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(384)

	s := openSession(t, fs, newMeta(data, 128, 128), baseOptions())
	require.NoError(t, s.AddPeer("p", []byte{0b11100000}))
	deliver(t, s, "p", data, 0, 128, 64)
	require.NoError(t, s.Close())

	changed := newMeta(data, 64, 64)

	strict := newSession(t, fs, changed, baseOptions())
	err := strict.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrResumeMismatch)
	assert.True(t, perrors.IsFatal(err))

	opts := baseOptions()
	opts.AllowPieceLengthChange = true
	relaxed := openSession(t, fs, changed, opts)
	assert.Equal(t, int64(0), relaxed.CompletedLength(), "saved state is discarded")
}

func TestSession_InsufficientChecksums(t *testing.T) {
	data := payload(384)
	meta := newMeta(data, 128, 128)
	meta.Digests = meta.Digests[:2]

	s := newSession(t, afero.NewMemMapFs(), meta, baseOptions())
	err := s.Open(context.Background())
	assert.ErrorIs(t, err, perrors.ErrInsufficientChecksums)
	assert.True(t, perrors.IsFatal(err))
}

func TestSession_ChokeAndAllowedFast(t *testing.T) {
	data := payload(384)
	s := openSession(t, afero.NewMemMapFs(), newMeta(data, 128, 128), baseOptions())
	require.NoError(t, s.AddPeer("p", []byte{0b11100000}))

	assert.Empty(t, s.NextRequests("p"), "choked peers without a fast set get nothing")
	_, ok := s.GetNextUnitToRequest("p")
	assert.False(t, ok)

	require.NoError(t, s.SetAllowedFast("p", []int{2}))
	assert.Equal(t, []transfer.BlockRequest{
		{Unit: 2, Offset: 0, Length: 64},
		{Unit: 2, Offset: 64, Length: 64},
	}, s.NextRequests("p"))

	require.NoError(t, s.SetChoked("p", false))
	unit, ok := s.GetNextUnitToRequest("p")
	require.True(t, ok)
	assert.Equal(t, 0, unit)

	assert.ErrorIs(t, s.SetChoked("nobody", false), transfer.ErrUnknownPeer)
}

func TestSession_RarestFirstAndHave(t *testing.T) {
	opts := baseOptions()
	opts.Strategy = picker.Rarest
	opts.EndGameThreshold = 0

	s := openSession(t, afero.NewMemMapFs(), newMeta(payload(384), 128, 0), opts)
	require.NoError(t, s.AddPeer("a", []byte{0b11100000}))
	require.NoError(t, s.AddPeer("b", []byte{0b01100000}))
	require.NoError(t, s.AddPeer("c", nil))
	require.NoError(t, s.OnHave("c", 1))
	require.NoError(t, s.SetChoked("a", false))

	unit, ok := s.GetNextUnitToRequest("a")
	require.True(t, ok)
	assert.Equal(t, 0, unit, "unit 0 is held by one peer only")

	require.NoError(t, s.UpdateBitfield("b", []byte{0b11000000}))
	require.NoError(t, s.OnHave("c", 0))
	unit, _ = s.GetNextUnitToRequest("a")
	assert.Equal(t, 2, unit)

	require.NoError(t, s.OnHave("c", 2))
	require.NoError(t, s.AddPeer("d", []byte{0b00100000}))
	unit, _ = s.GetNextUnitToRequest("a")
	assert.Equal(t, 0, unit, "ties are broken by index")

	s.OnConnectionLost("d")
	unit, _ = s.GetNextUnitToRequest("a")
	assert.Equal(t, 2, unit)

	assert.ErrorIs(t, s.OnHave("d", 0), transfer.ErrUnknownPeer)
}

func TestSession_EndGameCancelsDuplicates(t *testing.T) {
	opts := baseOptions()
	opts.Strategy = picker.EndGame

	data := payload(128)
	s := openSession(t, afero.NewMemMapFs(), newMeta(data, 128, 128), opts)
	for _, p := range []string{"p1", "p2"} {
		require.NoError(t, s.AddPeer(p, []byte{0b10000000}))
		require.NoError(t, s.SetChoked(p, false))
	}

	assert.Len(t, s.NextRequests("p1"), 2)
	assert.Len(t, s.NextRequests("p2"), 2, "end-game requests blocks twice")

	res, err := s.OnBlockReceived("p1", 0, 0, data[:64])
	require.NoError(t, err)
	require.Len(t, res.Cancels, 1)
	assert.Equal(t, "p2", res.Cancels[0].Conn)

	res, err = s.OnBlockReceived("p2", 0, 0, data[:64])
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestSession_SweepAndConnectionLoss(t *testing.T) {
	opts := baseOptions()
	opts.RequestTimeout = time.Millisecond

	data := payload(384)
	s := openSession(t, afero.NewMemMapFs(), newMeta(data, 128, 128), opts)
	require.NoError(t, s.AddPeer("slow", []byte{0b11100000}))
	require.NoError(t, s.AddPeer("fast", []byte{0b11100000}))
	require.NoError(t, s.SetChoked("slow", false))
	require.NoError(t, s.SetChoked("fast", false))

	first := s.NextRequests("slow")
	require.Len(t, first, 6)
	assert.Empty(t, s.NextRequests("fast"), "every block is owned outside end-game")

	time.Sleep(5 * time.Millisecond)
	expired := s.Sweep()
	assert.Len(t, expired, 6)
	assert.True(t, s.Snubbed("slow"))

	assert.Len(t, s.NextRequests("fast"), 6)

	deliver(t, s, "slow", data, 0, 128, 64)
	assert.False(t, s.Snubbed("slow"), "delivering clears the snub")

	s.OnConnectionLost("fast")
	assert.Equal(t, []transfer.BlockRequest{
		{Unit: 1, Offset: 0, Length: 64},
		{Unit: 1, Offset: 64, Length: 64},
		{Unit: 2, Offset: 0, Length: 64},
		{Unit: 2, Offset: 64, Length: 64},
	}, s.NextRequests("slow"))
}

func TestSession_InvalidBlocks(t *testing.T) {
	data := payload(384)
	s := openSession(t, afero.NewMemMapFs(), newMeta(data, 128, 128), baseOptions())

	_, err := s.OnBlockReceived("p", 3, 0, data[:64])
	assert.ErrorIs(t, err, transfer.ErrInvalidBlock)

	_, err = s.OnBlockReceived("p", 0, 10, data[:64])
	assert.ErrorIs(t, err, transfer.ErrInvalidBlock)

	_, err = s.OnBlockReceived("p", 0, 0, data[:10])
	assert.ErrorIs(t, err, transfer.ErrInvalidBlock)

	assert.ErrorIs(t, s.Finish(context.Background()), transfer.ErrIncomplete)
}

func TestSession_Segments(t *testing.T) {
	data := payload(1000)
	opts := baseOptions()
	opts.Split = 2

	s := openSession(t, afero.NewMemMapFs(), newMeta(data, 100, 0), opts)

	a, ok := s.NextSegment("c1")
	require.True(t, ok)
	assert.Equal(t, int64(0), a.Start)
	assert.Equal(t, int64(499), a.End)

	b, ok := s.NextSegment("c2")
	require.True(t, ok)
	assert.Equal(t, int64(500), b.Start)

	n, done, err := s.OnSegmentData("c1", a.ID, data[0:100])
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.False(t, done)
	assert.True(t, s.IsUnitComplete(0))

	_, _, err = s.OnSegmentData("c2", a.ID, data[100:200])
	assert.Error(t, err, "only the owner may write")

	c, ok := s.NextSegment("c3")
	require.True(t, ok)
	assert.Equal(t, int64(750), c.Start, "the largest remaining span is split")

	n, done, err = s.OnSegmentData("c2", b.ID, data[500:1000])
	require.NoError(t, err)
	assert.Equal(t, 250, n, "bytes past the shrunk segment are dropped")
	assert.True(t, done)
	assert.False(t, s.IsUnitComplete(7))

	_, done, err = s.OnSegmentData("c3", c.ID, data[750:1000])
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, s.IsUnitComplete(7))

	_, done, err = s.OnSegmentData("c1", a.ID, data[100:500])
	require.NoError(t, err)
	assert.True(t, done)

	assert.True(t, s.IsComplete())
	_, ok = s.NextSegment("c4")
	assert.False(t, ok)
}

func TestSession_SegmentVerificationFailureRewinds(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(256)
	opts := baseOptions()
	opts.Split = 1

	s := openSession(t, fs, newMeta(data, 128, 128), opts)

	seg, ok := s.NextSegment("c1")
	require.True(t, ok)

	_, _, err := s.OnSegmentData("c1", seg.ID, data[:128])
	require.NoError(t, err)

	bad := append([]byte(nil), data[128:]...)
	bad[0] ^= 0xff
	n, done, err := s.OnSegmentData("c1", seg.ID, bad)
	require.NoError(t, err)
	assert.Equal(t, 128, n)
	assert.True(t, done)
	assert.True(t, s.IsUnitComplete(0))
	assert.False(t, s.IsUnitComplete(1))

	again, ok := s.NextSegment("c1")
	require.True(t, ok)
	assert.Equal(t, int64(128), again.Position())

	_, done, err = s.OnSegmentData("c1", again.ID, data[128:])
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, s.IsComplete())
	assert.Len(t, s.Failures(), 1)
}

func TestSession_SegmentsResume(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(1000)
	opts := baseOptions()
	opts.Split = 1

	s := openSession(t, fs, newMeta(data, 100, 0), opts)
	seg, ok := s.NextSegment("c1")
	require.True(t, ok)
	_, _, err := s.OnSegmentData("c1", seg.ID, data[:450])
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reloaded := openSession(t, fs, newMeta(data, 100, 0), opts)
	assert.Equal(t, int64(400), reloaded.CompletedLength())

	seg, ok = reloaded.NextSegment("c2")
	require.True(t, ok)
	assert.Equal(t, int64(450), seg.Position())

	_, done, err := reloaded.OnSegmentData("c2", seg.ID, data[450:])
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, reloaded.IsComplete())
}

func TestSession_CopyAdaptorAndBboltStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := payload(192)

	meta := &metadata.Metadata{
		Name:        "pack",
		TotalLength: 192,
		UnitLength:  64,
		Files: []disk.File{
			{Path: "pack/a.bin", Length: 100, Requested: true},
			{Path: "pack/b.bin", Length: 92, Requested: true},
		},
	}
	meta.WithDigests(checksum.SHA1, 64, sha1Digests(data, 64))

	repo, err := repository.NewBboltStore(filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	defer repo.Close()

	id := uuid.New()
	opts := baseOptions()
	opts.ID = id

	adaptor := disk.NewCopy(fs, "/dl", "/dl/.pack.part", 192)
	entries, err := disk.NewEntries(meta.Files)
	require.NoError(t, err)
	require.NoError(t, adaptor.SetEntries(entries))

	s, err := transfer.NewSession(meta, adaptor, repo.For(id), opts)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	require.NoError(t, s.AddPeer("p", []byte{0b11100000}))
	for unit := range 3 {
		deliver(t, s, "p", data, unit, 64, 64)
	}
	require.NoError(t, s.Save())

	saved, err := repo.Find(id)
	require.NoError(t, err)
	assert.Equal(t, int64(192), saved.TotalLength)

	require.NoError(t, s.Finish(context.Background()))

	a, err := afero.ReadFile(fs, "/dl/pack/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data[:100], a)
	b, err := afero.ReadFile(fs, "/dl/pack/b.bin")
	require.NoError(t, err)
	assert.Equal(t, data[100:], b)

	_, err = repo.Find(id)
	assert.ErrorIs(t, err, repository.ErrTransferNotFound)
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := transfer.OptionsFromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, picker.Rarest, opts.Strategy)
	assert.False(t, opts.Continue)
}
