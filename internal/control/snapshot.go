// Package control persists transfer state so an interrupted transfer can
// resume without fetching completed data again.
package control

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
)

// Version is the current control document version.
const Version = 1

var (
	ErrNotFound          = errors.New("control file not found")
	ErrUnitLengthChanged = fmt.Errorf("%w: unit length changed", perrors.ErrResumeMismatch)
)

// InProgress records the written blocks of a unit that is not yet complete.
// Blocks is a serialized roaring bitmap.
type InProgress struct {
	Index  int    `bencode:"index"`
	Blocks []byte `bencode:"blocks"`
}

// Segment records one byte range of a segmented transfer.
type Segment struct {
	ID         string `bencode:"id"`
	Start      int64  `bencode:"start"`
	End        int64  `bencode:"end"`
	Downloaded int64  `bencode:"downloaded"`
}

// Snapshot is the persisted state of a transfer.
type Snapshot struct {
	Version     int          `bencode:"version"`
	ID          string       `bencode:"id"`
	TotalLength int64        `bencode:"total-length"`
	UnitLength  int64        `bencode:"unit-length"`
	Bitfield    []byte       `bencode:"bitfield"`
	InProgress  []InProgress `bencode:"in-progress,omitempty"`
	Segments    []Segment    `bencode:"segments,omitempty"`
	SavedAt     int64        `bencode:"saved-at"`
}

// Marshal encodes the snapshot as a bencoded dictionary.
func (s *Snapshot) Marshal() ([]byte, error) {
	return bencode.Marshal(s)
}

// Unmarshal decodes a bencoded snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := bencode.Unmarshal(data, &s); err != nil {
		return nil, perrors.NewResumeError(fmt.Errorf("%w: %w", perrors.ErrCorruptControlFile, err), "control")
	}

	return &s, nil
}

// Check reports whether the snapshot can be reconciled with a transfer of
// totalLength bytes in units of unitLength.
func (s *Snapshot) Check(totalLength, unitLength int64) error {
	if s.Version != Version {
		return perrors.NewResumeError(fmt.Errorf("%w: version %d", perrors.ErrCorruptControlFile, s.Version), s.ID)
	}

	if s.TotalLength != totalLength {
		err := fmt.Errorf("%w: control file is for %d bytes, transfer is %d", perrors.ErrResumeMismatch, s.TotalLength, totalLength)
		return perrors.NewResumeError(err, s.ID)
	}

	if s.UnitLength != unitLength {
		err := fmt.Errorf("%w: control file uses %d, transfer uses %d", ErrUnitLengthChanged, s.UnitLength, unitLength)
		return perrors.NewResumeError(err, s.ID)
	}

	if unitLength <= 0 {
		return perrors.NewResumeError(fmt.Errorf("%w: unit length %d", perrors.ErrCorruptControlFile, unitLength), s.ID)
	}

	numUnits := int((totalLength + unitLength - 1) / unitLength)
	if want := (numUnits + 7) / 8; len(s.Bitfield) != want {
		err := fmt.Errorf("%w: bitfield is %d bytes, expected %d", perrors.ErrCorruptControlFile, len(s.Bitfield), want)
		return perrors.NewResumeError(err, s.ID)
	}

	for _, p := range s.InProgress {
		if p.Index < 0 || p.Index >= numUnits {
			err := fmt.Errorf("%w: in-progress unit %d out of range", perrors.ErrCorruptControlFile, p.Index)
			return perrors.NewResumeError(err, s.ID)
		}
	}

	return nil
}
