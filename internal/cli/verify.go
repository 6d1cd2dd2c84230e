package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/afero"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/disk"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/metadata"
	"github.com/NamanBalaji/piecework/internal/rangetracker"
)

var ErrNoPieceHashes = errors.New("torrent carries no piece hashes")

// Verify scans the files of torrentFile under dir against its piece hashes.
// Nothing is created or modified; missing files count as damaged pieces.
func Verify(ctx context.Context, fs afero.Fs, torrentFile, dir string, out io.Writer) (VerifyResult, error) {
	meta, err := metadata.FromTorrent(torrentFile)
	if err != nil {
		return VerifyResult{}, err
	}

	if !meta.HasChecksums() {
		return VerifyResult{}, perrors.NewConfigError(ErrNoPieceHashes, torrentFile)
	}

	entries, err := disk.NewEntries(meta.Files)
	if err != nil {
		return VerifyResult{}, err
	}

	storage := disk.NewDirect(fs, dir, entries)
	if err := storage.OpenReadOnly(); err != nil {
		return VerifyResult{}, err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Warnf("Failed to close %s: %v", meta.Name, err)
		}
	}()

	tracker := rangetracker.New(meta.TotalLength, meta.UnitLength)
	line := newProgressLine(out)

	v, err := checksum.New(storage, tracker, meta.Digests, meta.ChecksumLength, meta.Algorithm,
		checksum.WithProgress(line.chunks, 0))
	if err != nil {
		return VerifyResult{}, err
	}

	report, err := v.Validate(ctx, checksum.Scan)
	line.end()
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		Name:            meta.Name,
		TotalLength:     meta.TotalLength,
		CompletedLength: tracker.CompletedLength(),
		Units:           tracker.NumUnits(),
		CompletedUnits:  tracker.CompletedCount(),
		Report:          report,
	}, nil
}
