package metadata_test

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/disk"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/metadata"
)

func pieceHashes(data []byte, pieceLength int) []byte {
	var out []byte
	for off := 0; off < len(data); off += pieceLength {
		end := min(off+pieceLength, len(data))
		sum := sha1.Sum(data[off:end])
		out = append(out, sum[:]...)
	}
	return out
}

func writeTorrent(t *testing.T, info metainfo.Info) string {
	t.Helper()

	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "test.torrent")
	f, err := os.Create(file)
	require.NoError(t, err)
	defer f.Close()

	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	require.NoError(t, mi.Write(f))

	return file
}

func TestFromTorrent_SingleFile(t *testing.T) {
	data := make([]byte, 320)
	for i := range data {
		data[i] = byte(i)
	}

	file := writeTorrent(t, metainfo.Info{
		Name:        "a.bin",
		PieceLength: 128,
		Length:      320,
		Pieces:      pieceHashes(data, 128),
	})

	m, err := metadata.FromTorrent(file)
	require.NoError(t, err)

	assert.Equal(t, "a.bin", m.Name)
	assert.Equal(t, int64(320), m.TotalLength)
	assert.Equal(t, int64(128), m.UnitLength)
	assert.Equal(t, int64(128), m.ChecksumLength)
	assert.Equal(t, checksum.SHA1, m.Algorithm)
	assert.Equal(t, 3, m.NumUnits())
	assert.Len(t, m.InfoHash, 40)
	require.Len(t, m.Digests, 3)
	last := sha1.Sum(data[256:])
	assert.Equal(t, last[:], m.Digests[2])
	assert.Equal(t, []disk.File{{Path: "a.bin", Length: 320, Requested: true}}, m.Files)
}

func TestFromTorrent_MultiFile(t *testing.T) {
	data := make([]byte, 100)

	file := writeTorrent(t, metainfo.Info{
		Name:        "dir",
		PieceLength: 64,
		Pieces:      pieceHashes(data, 64),
		Files: []metainfo.FileInfo{
			{Length: 60, Path: []string{"a.bin"}},
			{Length: 40, Path: []string{"sub", "b.bin"}},
		},
	})

	m, err := metadata.FromTorrent(file)
	require.NoError(t, err)

	assert.Equal(t, int64(100), m.TotalLength)
	assert.Equal(t, []disk.File{
		{Path: "dir/a.bin", Length: 60, Requested: true},
		{Path: "dir/sub/b.bin", Length: 40, Requested: true},
	}, m.Files)
	assert.Len(t, m.Digests, 2)
}

func TestFromTorrent_Errors(t *testing.T) {
	_, err := metadata.FromTorrent(filepath.Join(t.TempDir(), "missing.torrent"))
	assert.True(t, perrors.IsFatal(err))

	file := writeTorrent(t, metainfo.Info{
		Name:        "a.bin",
		PieceLength: 128,
		Length:      320,
		Pieces:      make([]byte, 21),
	})
	_, err = metadata.FromTorrent(file)
	assert.ErrorIs(t, err, metadata.ErrBadPieceHashes)
}

func TestSingleAndValidate(t *testing.T) {
	m := metadata.Single("file.iso", 1000, 256)
	require.NoError(t, m.Validate())
	assert.False(t, m.HasChecksums())
	assert.Equal(t, 4, m.NumUnits())

	m.WithDigests(checksum.SHA256, 1000, [][]byte{make([]byte, 32)})
	assert.True(t, m.HasChecksums())

	assert.ErrorIs(t, metadata.Single("x", 0, 256).Validate(), metadata.ErrNoLength)
	assert.ErrorIs(t, metadata.Single("x", 10, 0).Validate(), metadata.ErrNoUnitLength)
	assert.ErrorIs(t, metadata.Single("../x", 10, 4).Validate(), disk.ErrInvalidEntry)

	bad := metadata.Single("x", 10, 4)
	bad.Files[0].Length = 9
	assert.True(t, perrors.IsFatal(bad.Validate()))
}
