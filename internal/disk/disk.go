// Package disk maps the logical byte stream of a transfer onto files.
//
// Two adaptors are provided. Direct sizes every file to its declared length
// on Open and writes straight to the final location. Copy writes into one
// flat temporary file and extracts the requested entries once the transfer
// completes, which allows the file layout to be supplied after data starts
// arriving.
package disk

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNoEntries     = errors.New("no file entries")
	ErrInvalidEntry  = errors.New("invalid file entry")
	ErrOutOfRange    = errors.New("offset outside the transfer")
	ErrNotOpen       = errors.New("disk adaptor is not open")
	ErrLengthChanged = errors.New("entries do not match the transfer length")
	ErrShortCopy     = errors.New("short copy while extracting entry")
	ErrReadOnly      = errors.New("disk adaptor is read-only")
)

// Adaptor reads and writes the logical byte stream at explicit offsets.
// Implementations are safe for concurrent use once opened.
type Adaptor interface {
	Open() error
	io.ReaderAt
	io.WriterAt
	Close() error
	Size() int64
}

// Completer is implemented by adaptors that need work once every unit is
// verified.
type Completer interface {
	OnDownloadComplete(ctx context.Context) error
}
