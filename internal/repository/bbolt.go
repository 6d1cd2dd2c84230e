package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/NamanBalaji/piecework/internal/control"
)

const (
	transfersBucket = "transfers"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

var (
	// ErrTransferNotFound is returned when a transfer cannot be found
	ErrTransferNotFound = errors.New("transfer not found")
)

var _ Repository = (*BboltStore)(nil)

// BboltStore keeps control snapshots of many transfers in one bbolt database.
type BboltStore struct {
	db *bbolt.DB
}

// NewBboltStore opens or creates the database at dbPath.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltStore{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltStore) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(transfersBucket))
		if err != nil {
			return fmt.Errorf("failed to create transfers bucket: %w", err)
		}

		metadataBucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		err = metadataBucket.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a snapshot under its ID
func (r *BboltStore) Save(snap *control.Snapshot) error {
	if snap == nil {
		return errors.New("cannot save nil snapshot")
	}

	id, err := uuid.Parse(snap.ID)
	if err != nil {
		return fmt.Errorf("invalid transfer ID %q: %w", snap.ID, err)
	}

	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		if err := bucket.Put([]byte(id.String()), data); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		return nil
	})
}

// Find retrieves a snapshot by transfer ID
func (r *BboltStore) Find(id uuid.UUID) (*control.Snapshot, error) {
	if id == uuid.Nil {
		return nil, errors.New("transfer ID cannot be empty")
	}

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		// bbolt values are only valid inside the transaction
		v := bucket.Get([]byte(id.String()))
		if v == nil {
			return ErrTransferNotFound
		}
		data = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return control.Unmarshal(data)
}

// FindAll retrieves all snapshots
func (r *BboltStore) FindAll() ([]*control.Snapshot, error) {
	var snaps []*control.Snapshot

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			snap, err := control.Unmarshal(v)
			if err != nil {
				return fmt.Errorf("failed to unmarshal snapshot %s: %w", k, err)
			}

			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snaps, nil
}

// Delete removes a snapshot
func (r *BboltStore) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("transfer ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrTransferNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// For returns a control.Store bound to one transfer.
func (r *BboltStore) For(id uuid.UUID) control.Store {
	return &transferStore{repo: r, id: id}
}

// Close closes the database
func (r *BboltStore) Close() error {
	return r.db.Close()
}

type transferStore struct {
	repo *BboltStore
	id   uuid.UUID
}

func (s *transferStore) Save(snap *control.Snapshot) error {
	snap.ID = s.id.String()
	return s.repo.Save(snap)
}

func (s *transferStore) Load() (*control.Snapshot, error) {
	snap, err := s.repo.Find(s.id)
	if errors.Is(err, ErrTransferNotFound) {
		return nil, control.ErrNotFound
	}

	return snap, err
}

func (s *transferStore) Remove() error {
	err := s.repo.Delete(s.id)
	if errors.Is(err, ErrTransferNotFound) {
		return nil
	}

	return err
}
