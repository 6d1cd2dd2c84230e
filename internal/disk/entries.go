package disk

import (
	"fmt"
	"path/filepath"
	"sort"
)

// File describes one file of the target as declared by its metadata.
type File struct {
	Path      string
	Length    int64
	Requested bool
}

// Entry places a file inside the logical byte stream of the transfer.
type Entry struct {
	Path      string
	Length    int64
	Offset    int64
	Requested bool
	Extracted bool
}

// End returns the offset one past the last byte of the entry.
func (e Entry) End() int64 { return e.Offset + e.Length }

// Entries is an ordered, contiguous file layout covering [0, TotalLength).
type Entries []Entry

// NewEntries lays files out back to back in the order given.
func NewEntries(files []File) (Entries, error) {
	if len(files) == 0 {
		return nil, ErrNoEntries
	}

	entries := make(Entries, 0, len(files))

	var offset int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("%w: %q has length %d", ErrInvalidEntry, f.Path, f.Length)
		}
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return nil, fmt.Errorf("%w: %q escapes the store directory", ErrInvalidEntry, f.Path)
		}

		entries = append(entries, Entry{
			Path:      f.Path,
			Length:    f.Length,
			Offset:    offset,
			Requested: f.Requested,
		})
		offset += f.Length
	}

	return entries, nil
}

// TotalLength returns the sum of all entry lengths.
func (es Entries) TotalLength() int64 {
	if len(es) == 0 {
		return 0
	}

	return es[len(es)-1].End()
}

// Locate returns the entry containing the absolute offset and the offset
// relative to that entry. Zero-length entries are never returned.
func (es Entries) Locate(abs int64) (int, int64, bool) {
	i := sort.Search(len(es), func(i int) bool { return es[i].End() > abs })
	if i == len(es) || abs < es[i].Offset {
		return -1, 0, false
	}

	return i, abs - es[i].Offset, true
}

func (es Entries) clone() Entries {
	out := make(Entries, len(es))
	copy(out, es)

	return out
}

func localPath(storeDir, path string) string {
	return filepath.Join(storeDir, filepath.FromSlash(path))
}
