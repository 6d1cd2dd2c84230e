package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
)

// Direct writes each byte to its final file. Files are created and
// extended to their declared length when opened.
type Direct struct {
	fs       afero.Fs
	storeDir string
	entries  Entries

	mu       sync.RWMutex
	files    []afero.File
	readOnly bool
}

// NewDirect creates a direct adaptor for entries below storeDir.
func NewDirect(fs afero.Fs, storeDir string, entries Entries) *Direct {
	return &Direct{
		fs:       fs,
		storeDir: storeDir,
		entries:  entries,
	}
}

// Open creates every file and extends it to its declared length. Existing
// data is kept so an interrupted transfer can resume.
func (d *Direct) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.files != nil {
		return nil
	}

	files := make([]afero.File, 0, len(d.entries))
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	for _, e := range d.entries {
		path := localPath(d.storeDir, e.Path)

		if err := d.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			closeAll()
			return perrors.NewIOError(err, path)
		}

		f, err := d.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			closeAll()
			return perrors.NewIOError(err, path)
		}

		stat, err := f.Stat()
		if err != nil {
			f.Close()
			closeAll()
			return perrors.NewIOError(err, path)
		}

		if stat.Size() < e.Length {
			if err := f.Truncate(e.Length); err != nil {
				f.Close()
				closeAll()
				return perrors.NewIOError(err, path)
			}
		}

		files = append(files, f)
	}

	d.files = files
	logger.Debugf("Opened %d files under %s", len(files), d.storeDir)

	return nil
}

// OpenReadOnly opens the files that exist without creating or extending
// anything. Missing files read as empty and writes fail with ErrReadOnly.
func (d *Direct) OpenReadOnly() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.files != nil {
		return nil
	}

	files := make([]afero.File, len(d.entries))
	for i, e := range d.entries {
		path := localPath(d.storeDir, e.Path)

		f, err := d.fs.Open(path)
		if os.IsNotExist(err) {
			logger.Warnf("%s does not exist", path)
			continue
		}
		if err != nil {
			for _, f := range files {
				if f != nil {
					f.Close()
				}
			}
			return perrors.NewIOError(err, path)
		}
		files[i] = f
	}

	d.files = files
	d.readOnly = true

	return nil
}

// ReadAt reads from the logical stream, crossing file boundaries as needed.
func (d *Direct) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.files == nil {
		return 0, ErrNotOpen
	}
	if off < 0 {
		return 0, ErrOutOfRange
	}

	total := 0
	for total < len(p) {
		i, rel, ok := d.entries.Locate(off + int64(total))
		if !ok {
			return total, io.EOF
		}

		if d.files[i] == nil {
			return total, io.EOF
		}

		want := min(int64(len(p)-total), d.entries[i].Length-rel)
		n, err := d.files[i].ReadAt(p[total:total+int(want)], rel)
		total += n

		if err != nil && err != io.EOF {
			return total, perrors.NewIOError(err, d.entries[i].Path)
		}
		if int64(n) < want {
			return total, io.EOF
		}
	}

	return total, nil
}

// WriteAt writes to the logical stream, crossing file boundaries as needed.
func (d *Direct) WriteAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.files == nil {
		return 0, ErrNotOpen
	}
	if d.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > d.entries.TotalLength() {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrOutOfRange, off, off+int64(len(p)))
	}

	total := 0
	for total < len(p) {
		i, rel, ok := d.entries.Locate(off + int64(total))
		if !ok {
			return total, fmt.Errorf("%w: %d", ErrOutOfRange, off+int64(total))
		}

		want := min(int64(len(p)-total), d.entries[i].Length-rel)
		n, err := d.files[i].WriteAt(p[total:total+int(want)], rel)
		total += n

		if err != nil {
			return total, perrors.NewIOError(err, d.entries[i].Path)
		}
	}

	return total, nil
}

// Size returns the declared length of the logical stream.
func (d *Direct) Size() int64 {
	return d.entries.TotalLength()
}

// Entries returns the file layout.
func (d *Direct) Entries() Entries {
	return d.entries.clone()
}

// CutTrailingGarbage truncates any file that is larger than its declared
// length, dropping bytes left behind by an earlier, longer layout.
func (d *Direct) CutTrailingGarbage() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.files == nil {
		return ErrNotOpen
	}
	if d.readOnly {
		return ErrReadOnly
	}

	for i, f := range d.files {
		stat, err := f.Stat()
		if err != nil {
			return perrors.NewIOError(err, d.entries[i].Path)
		}

		if stat.Size() > d.entries[i].Length {
			logger.Infof("Cutting %d trailing bytes from %s", stat.Size()-d.entries[i].Length, d.entries[i].Path)
			if err := f.Truncate(d.entries[i].Length); err != nil {
				return perrors.NewIOError(err, d.entries[i].Path)
			}
		}
	}

	return nil
}

// OnDownloadComplete flushes every file to stable storage.
func (d *Direct) OnDownloadComplete(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.readOnly {
		return nil
	}

	for i, f := range d.files {
		if err := ctx.Err(); err != nil {
			return perrors.NewContextError(err, d.storeDir)
		}
		if err := f.Sync(); err != nil {
			return perrors.NewIOError(err, d.entries[i].Path)
		}
	}

	return nil
}

// Close closes all underlying files. The last encountered error is returned.
func (d *Direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lastErr error
	for _, f := range d.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			lastErr = err
		}
	}
	d.files = nil
	d.readOnly = false

	return lastErr
}
