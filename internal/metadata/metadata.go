// Package metadata turns torrent files and HTTP probes into the description
// the transfer engine needs: lengths, file layout and optional digests.
package metadata

import (
	"errors"
	"fmt"
	"path"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/samber/lo"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/disk"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
)

var (
	ErrNoLength       = errors.New("total length must be positive")
	ErrNoUnitLength   = errors.New("unit length must be positive")
	ErrBadPieceHashes = errors.New("piece hashes are not a multiple of the digest size")
)

// Metadata describes a target. Digests may be empty, in which case nothing
// is verified.
type Metadata struct {
	Name           string
	InfoHash       string
	TotalLength    int64
	UnitLength     int64
	Files          []disk.File
	Digests        [][]byte
	ChecksumLength int64
	Algorithm      checksum.Algorithm
}

// Single describes a one-file target without checksums.
func Single(name string, totalLength, unitLength int64) *Metadata {
	return &Metadata{
		Name:        name,
		TotalLength: totalLength,
		UnitLength:  unitLength,
		Files:       []disk.File{{Path: name, Length: totalLength, Requested: true}},
	}
}

// WithDigests attaches digests over chunks of chunkLength bytes.
func (m *Metadata) WithDigests(algorithm checksum.Algorithm, chunkLength int64, digests [][]byte) *Metadata {
	m.Algorithm = algorithm
	m.ChecksumLength = chunkLength
	m.Digests = digests
	return m
}

// HasChecksums reports whether digests are attached.
func (m *Metadata) HasChecksums() bool {
	return len(m.Digests) > 0 && m.ChecksumLength > 0
}

// NumUnits returns the number of transfer units.
func (m *Metadata) NumUnits() int {
	return int((m.TotalLength + m.UnitLength - 1) / m.UnitLength)
}

// Validate checks lengths and file layout.
func (m *Metadata) Validate() error {
	if m.TotalLength <= 0 {
		return perrors.NewConfigError(ErrNoLength, m.Name)
	}
	if m.UnitLength <= 0 {
		return perrors.NewConfigError(ErrNoUnitLength, m.Name)
	}

	entries, err := disk.NewEntries(m.Files)
	if err != nil {
		return perrors.NewConfigError(err, m.Name)
	}

	if got := entries.TotalLength(); got != m.TotalLength {
		return perrors.NewConfigError(fmt.Errorf("files sum to %d bytes, declared %d", got, m.TotalLength), m.Name)
	}

	return nil
}

// FromTorrent reads a .torrent file. Piece hashes become sha-1 digests with
// the piece length as both unit and checksum length.
func FromTorrent(file string) (*Metadata, error) {
	mi, err := metainfo.LoadFromFile(file)
	if err != nil {
		return nil, perrors.NewConfigError(err, file)
	}

	return fromMetaInfo(mi, file)
}

func fromMetaInfo(mi *metainfo.MetaInfo, resource string) (*Metadata, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, perrors.NewConfigError(err, resource)
	}

	if len(info.Pieces)%checksum.SHA1.Size() != 0 {
		return nil, perrors.NewConfigError(ErrBadPieceHashes, resource)
	}

	files := lo.Map(info.UpvertedFiles(), func(fi metainfo.FileInfo, _ int) disk.File {
		p := info.Name
		if info.IsDir() {
			p = path.Join(append([]string{info.Name}, fi.Path...)...)
		}
		return disk.File{Path: p, Length: fi.Length, Requested: true}
	})

	m := &Metadata{
		Name:        info.Name,
		InfoHash:    mi.HashInfoBytes().HexString(),
		TotalLength: info.TotalLength(),
		UnitLength:  info.PieceLength,
		Files:       files,
	}
	m.WithDigests(checksum.SHA1, info.PieceLength, lo.Chunk(info.Pieces, checksum.SHA1.Size()))

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}
