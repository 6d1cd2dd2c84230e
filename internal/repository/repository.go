package repository

import (
	"github.com/google/uuid"

	"github.com/NamanBalaji/piecework/internal/control"
)

type Repository interface {
	Save(snap *control.Snapshot) error
	Find(id uuid.UUID) (*control.Snapshot, error)
	FindAll() ([]*control.Snapshot, error)
	Delete(id uuid.UUID) error
	For(id uuid.UUID) control.Store
}
