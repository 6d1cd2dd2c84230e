package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
)

const defaultExtractWorkers = 4

// Copy writes the whole stream into one temporary file and copies the
// requested entries out to their final paths on completion. Unrequested
// entries still occupy their span of the stream but are never extracted,
// and their bytes are never validated.
type Copy struct {
	fs       afero.Fs
	storeDir string
	tempPath string
	total    int64
	workers  int

	mu      sync.RWMutex
	temp    afero.File
	entries Entries
}

// NewCopy creates a copy adaptor backed by tempPath. Entries may be supplied
// later with SetEntries.
func NewCopy(fs afero.Fs, storeDir, tempPath string, totalLength int64) *Copy {
	return &Copy{
		fs:       fs,
		storeDir: storeDir,
		tempPath: tempPath,
		total:    totalLength,
		workers:  defaultExtractWorkers,
	}
}

// SetEntries installs the file layout. It must cover the transfer exactly.
func (c *Copy) SetEntries(entries Entries) error {
	if got := entries.TotalLength(); got != c.total {
		return perrors.NewConfigError(fmt.Errorf("%w: entries cover %d bytes, transfer is %d", ErrLengthChanged, got, c.total), c.tempPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = entries.clone()

	return nil
}

// Entries returns the file layout with extraction state.
func (c *Copy) Entries() Entries {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.entries.clone()
}

// TempPath returns the location of the flat temporary file.
func (c *Copy) TempPath() string { return c.tempPath }

// Open creates the temporary file and extends it to the transfer length.
func (c *Copy) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.temp != nil {
		return nil
	}

	if err := c.fs.MkdirAll(filepath.Dir(c.tempPath), 0o755); err != nil {
		return perrors.NewIOError(err, c.tempPath)
	}

	f, err := c.fs.OpenFile(c.tempPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return perrors.NewIOError(err, c.tempPath)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return perrors.NewIOError(err, c.tempPath)
	}

	if stat.Size() < c.total {
		if err := f.Truncate(c.total); err != nil {
			f.Close()
			return perrors.NewIOError(err, c.tempPath)
		}
	}

	c.temp = f

	return nil
}

func (c *Copy) ReadAt(p []byte, off int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.temp == nil {
		return 0, ErrNotOpen
	}
	if off < 0 || off >= c.total {
		return 0, io.EOF
	}

	want := min(int64(len(p)), c.total-off)
	n, err := c.temp.ReadAt(p[:want], off)
	if err != nil && err != io.EOF {
		return n, perrors.NewIOError(err, c.tempPath)
	}
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (c *Copy) WriteAt(p []byte, off int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.temp == nil {
		return 0, ErrNotOpen
	}
	if off < 0 || off+int64(len(p)) > c.total {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrOutOfRange, off, off+int64(len(p)))
	}

	n, err := c.temp.WriteAt(p, off)
	if err != nil {
		return n, perrors.NewIOError(err, c.tempPath)
	}

	return n, nil
}

func (c *Copy) Size() int64 { return c.total }

// OnDownloadComplete extracts every requested entry that has not been
// extracted yet. The running offset advances past unrequested entries.
func (c *Copy) OnDownloadComplete(ctx context.Context) error {
	c.mu.RLock()
	if c.temp == nil {
		c.mu.RUnlock()
		return ErrNotOpen
	}
	if len(c.entries) == 0 {
		c.mu.RUnlock()
		return perrors.NewConfigError(ErrNoEntries, c.tempPath)
	}

	type job struct {
		index  int
		offset int64
		entry  Entry
	}

	var (
		jobs    []job
		running int64
	)
	for i, e := range c.entries {
		if e.Requested && !e.Extracted {
			jobs = append(jobs, job{index: i, offset: running, entry: e})
		}
		running += e.Length
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return perrors.NewContextError(err, j.entry.Path)
			}

			if err := c.extract(j.entry, j.offset); err != nil {
				return err
			}

			c.mu.Lock()
			c.entries[j.index].Extracted = true
			c.mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Infof("Extracted %d entries from %s to %s", len(jobs), c.tempPath, c.storeDir)

	return nil
}

func (c *Copy) extract(e Entry, offset int64) error {
	dst := localPath(c.storeDir, e.Path)

	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return perrors.NewIOError(err, dst)
	}

	out, err := c.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return perrors.NewIOError(err, dst)
	}
	defer out.Close()

	c.mu.RLock()
	src := io.NewSectionReader(c.temp, offset, e.Length)
	n, err := io.Copy(out, src)
	c.mu.RUnlock()

	if err != nil {
		return perrors.NewIOError(err, dst)
	}
	if n != e.Length {
		return perrors.NewIOError(fmt.Errorf("%w: %s copied %d of %d bytes", ErrShortCopy, e.Path, n, e.Length), dst)
	}

	logger.Debugf("Extracted %s (%d bytes at %d)", e.Path, e.Length, offset)

	return out.Sync()
}

// RemoveTemp closes and deletes the temporary file.
func (c *Copy) RemoveTemp() error {
	if err := c.Close(); err != nil {
		return err
	}

	if err := c.fs.Remove(c.tempPath); err != nil && !os.IsNotExist(err) {
		return perrors.NewIOError(err, c.tempPath)
	}

	return nil
}

func (c *Copy) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.temp == nil {
		return nil
	}

	err := c.temp.Close()
	c.temp = nil

	return err
}
