// Package cli implements the fetch and verify commands on top of the
// transfer engine and renders their progress and reports with lipgloss.
package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/config"
	"github.com/NamanBalaji/piecework/internal/control"
	"github.com/NamanBalaji/piecework/internal/disk"
	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/httpfetch"
	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/metadata"
	"github.com/NamanBalaji/piecework/internal/repository"
	"github.com/NamanBalaji/piecework/internal/transfer"
	httpPkg "github.com/NamanBalaji/piecework/pkg/http"
)

const controlDBName = "piecework/control.db"

var (
	ErrUnknownAllocation = errors.New("unknown allocation")
	ErrBadChecksum       = errors.New("checksum must be algo=hex")
)

// Fetch downloads url into the configured directory, resuming from a control
// file when one is present and cfg allows it. The summary is returned even
// when the transfer stops early.
func Fetch(ctx context.Context, cfg *config.Config, url string, out io.Writer) (transfer.Summary, error) {
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}

	opts, err := transfer.OptionsFromConfig(cfg)
	if err != nil {
		return transfer.Summary{}, err
	}

	alg, digest, err := parseChecksum(cfg.Http.Checksum)
	if err != nil {
		return transfer.Summary{}, err
	}

	client := httpPkg.NewClient()

	info, err := httpfetch.Probe(ctx, client, url)
	if err != nil {
		return transfer.Summary{}, err
	}

	if !info.SupportsRanges {
		logger.Warnf("%s does not support ranges, using a single connection", url)
		opts.Split = 1
	}

	meta := metadata.Single(info.Filename, info.TotalSize, int64(cfg.Transfer.PieceLength.Bytes()))
	if digest != nil && info.TotalSize > 0 {
		meta.WithDigests(alg, info.TotalSize, [][]byte{digest})
	}

	entries, err := disk.NewEntries(meta.Files)
	if err != nil {
		return transfer.Summary{}, err
	}

	fs := afero.NewOsFs()
	dir := cfg.Http.DownloadDir
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return transfer.Summary{}, err
	}

	store, closeStore, err := openStore(cfg.Transfer, fs, filepath.Join(dir, info.Filename), url, &opts)
	if err != nil {
		return transfer.Summary{}, err
	}
	defer closeStore()

	line := newProgressLine(out)

	adaptor, err := newAdaptor(cfg.Transfer.Allocation, fs, dir, info.Filename, entries)
	if err != nil {
		return transfer.Summary{}, err
	}

	session, err := transfer.NewSession(meta, adaptor, store, opts)
	if err != nil {
		return transfer.Summary{}, err
	}

	if err := session.Open(ctx); err != nil {
		return session.Summary(), err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Errorf("Failed to close %s: %v", info.Filename, err)
		}
	}()

	if resumed := session.CompletedLength(); resumed > 0 {
		fmt.Fprintf(out, "%s %s of %s already present\n",
			StatusResumed.Render("resuming"), size(resumed), size(info.TotalSize))
	}

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error {
		reportProgress(gctx, session, info.TotalSize, opts.ProgressInterval, line)
		return nil
	})

	fetcher := httpfetch.New(client, info, httpfetch.FromConfig(cfg.Http)...)
	err = fetcher.Download(ctx, session)

	stop()
	if runErr := g.Wait(); runErr != nil && err == nil {
		err = runErr
	}

	line.bytes(session.CompletedLength(), info.TotalSize)
	line.end()

	if err != nil {
		return session.Summary(), err
	}

	sum := session.Summary()
	if err := session.Finish(ctx); err != nil {
		return sum, err
	}

	return sum, nil
}

// parseChecksum reads a whole-file digest such as sha-256=9f86d0...
// An empty value means no digest.
func parseChecksum(s string) (checksum.Algorithm, []byte, error) {
	if s == "" {
		return "", nil, nil
	}

	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return "", nil, perrors.NewConfigError(fmt.Errorf("%w: %q", ErrBadChecksum, s), "checksum")
	}

	alg, err := checksum.ParseAlgorithm(name)
	if err != nil {
		return "", nil, perrors.NewConfigError(err, "checksum")
	}

	digest, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil || len(digest) != alg.Size() {
		return "", nil, perrors.NewConfigError(fmt.Errorf("%w: bad %s digest %q", ErrBadChecksum, alg, value), "checksum")
	}

	return alg, digest, nil
}

// newAdaptor picks the disk layout. Copy mode streams into a .part file and
// moves the data to its final name once every piece is in place.
func newAdaptor(allocation string, fs afero.Fs, dir, name string, entries disk.Entries) (disk.Adaptor, error) {
	switch allocation {
	case "", "direct":
		return disk.NewDirect(fs, dir, entries), nil
	case "copy":
		c := disk.NewCopy(fs, dir, filepath.Join(dir, name+".part"), entries.TotalLength())
		if err := c.SetEntries(entries); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, perrors.NewConfigError(fmt.Errorf("%w: %q", ErrUnknownAllocation, allocation), name)
	}
}

// openStore picks the control backend. The bbolt backend keys snapshots by
// an id derived from the URL so a later run finds the same record.
func openStore(cfg *config.TransferConfig, fs afero.Fs, target, url string, opts *transfer.Options) (control.Store, func(), error) {
	if cfg.ControlBackend != "bbolt" {
		return control.NewFileStore(fs, control.ControlPath(target)), func() {}, nil
	}

	path := cfg.ControlDB
	if path == "" {
		p, err := xdg.DataFile(controlDBName)
		if err != nil {
			return nil, nil, err
		}
		path = p
	}

	repo, err := repository.NewBboltStore(path)
	if err != nil {
		return nil, nil, err
	}

	opts.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(url))

	return repo.For(opts.ID), func() {
		if err := repo.Close(); err != nil {
			logger.Errorf("Failed to close control database: %v", err)
		}
	}, nil
}

func reportProgress(ctx context.Context, s *transfer.Session, total int64, every time.Duration, line *progressLine) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line.bytes(s.CompletedLength(), total)
		}
	}
}
