package repository_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/NamanBalaji/piecework/internal/control"
	"github.com/NamanBalaji/piecework/internal/repository"
)

func newSnapshot(id uuid.UUID) *control.Snapshot {
	return &control.Snapshot{
		Version:     control.Version,
		ID:          id.String(),
		TotalLength: 320,
		UnitLength:  128,
		Bitfield:    []byte{0b10100000},
	}
}

func TestNewBboltStore_OpenError(t *testing.T) {
	dir := t.TempDir()
	_, err := repository.NewBboltStore(dir)
	if err == nil {
		t.Errorf("Expected error when opening DB on directory path, got nil")
	}
}

func TestSaveNilSnapshot(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	err = repo.Save(nil)
	if err == nil || err.Error() != "cannot save nil snapshot" {
		t.Errorf("Expected error 'cannot save nil snapshot', got %v", err)
	}

	err = repo.Save(&control.Snapshot{ID: "not-a-uuid"})
	if err == nil {
		t.Errorf("Expected error saving snapshot with invalid ID, got nil")
	}
}

func TestSaveFindAllDelete(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	list, err := repo.FindAll()
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list, got %d items", len(list))
	}

	id := uuid.New()
	err = repo.Save(newSnapshot(id))
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	found, err := repo.Find(id)
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if found.TotalLength != 320 || found.Bitfield[0] != 0b10100000 {
		t.Errorf("Find returned wrong data: %+v", found)
	}

	list, err = repo.FindAll()
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(list) != 1 || list[0].ID != id.String() {
		t.Errorf("FindAll returned wrong data: %+v", list)
	}

	err = repo.Delete(uuid.Nil)
	if err == nil {
		t.Errorf("Expected error deleting Nil ID, got nil")
	}

	err = repo.Delete(uuid.New())
	if err != repository.ErrTransferNotFound {
		t.Errorf("Expected ErrTransferNotFound deleting non-existent ID, got %v", err)
	}

	err = repo.Delete(id)
	if err != nil {
		t.Errorf("Delete error for existing ID: %v", err)
	}

	list, err = repo.FindAll()
	if err != nil {
		t.Fatalf("FindAll error after delete: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list after delete, got %d items", len(list))
	}
}

func TestFor_ControlStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	id := uuid.New()
	var store control.Store = repo.For(id)

	if _, err := store.Load(); err != control.ErrNotFound {
		t.Errorf("Expected control.ErrNotFound before save, got %v", err)
	}

	snap := newSnapshot(uuid.New())
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if snap.ID != id.String() {
		t.Errorf("Expected store to stamp ID %s, got %s", id, snap.ID)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := loaded.Check(320, 128); err != nil {
		t.Errorf("Loaded snapshot failed check: %v", err)
	}

	if err := store.Remove(); err != nil {
		t.Errorf("Remove error: %v", err)
	}
	if err := store.Remove(); err != nil {
		t.Errorf("Remove of missing snapshot should succeed, got %v", err)
	}
}

func TestCloseBehavior(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	err = repo.Close()
	if err != nil {
		t.Fatalf("Close error: %v", err)
	}

	err = repo.Save(newSnapshot(uuid.New()))
	if err == nil {
		t.Errorf("Expected error Save after Close, got nil")
	}
	_, err = repo.FindAll()
	if err == nil {
		t.Errorf("Expected error FindAll after Close, got nil")
	}

	err = repo.Delete(uuid.New())
	if err == nil {
		t.Errorf("Expected error Delete after Close, got nil")
	}
}
