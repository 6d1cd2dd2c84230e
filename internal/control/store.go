package control

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
)

// Store persists snapshots of one transfer.
type Store interface {
	Save(s *Snapshot) error
	// Load returns ErrNotFound when nothing was saved.
	Load() (*Snapshot, error)
	Remove() error
}

// FileStore keeps the snapshot in a control file next to the target.
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore creates a file store writing to path.
func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

// ControlPath returns the conventional control file path for a target.
func ControlPath(target string) string {
	return target + ".pwctl"
}

func (f *FileStore) Path() string { return f.path }

// Save writes the snapshot to a temporary file and renames it over the
// control file, so a crash never leaves a half-written document behind.
func (f *FileStore) Save(s *Snapshot) error {
	data, err := s.Marshal()
	if err != nil {
		return perrors.NewIOError(err, f.path)
	}

	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return perrors.NewIOError(err, f.path)
	}

	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return perrors.NewIOError(err, tmp)
	}

	if err := f.fs.Rename(tmp, f.path); err != nil {
		return perrors.NewIOError(err, f.path)
	}

	logger.Debugf("Saved control file %s (%d bytes)", f.path, len(data))

	return nil
}

func (f *FileStore) Load() (*Snapshot, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, perrors.NewIOError(err, f.path)
	}

	return Unmarshal(data)
}

// Remove deletes the control file. A missing file is not an error.
func (f *FileStore) Remove() error {
	if err := f.fs.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return perrors.NewIOError(err, f.path)
	}

	return nil
}
