package store

import (
	"errors"
	"testing"

	"github.com/proptrak/proptrakgo/internal/models"
)

func TestMemStoreRecordLifecycle(t *testing.T) {
	s := NewMemStore(0)

	rec := &models.Record{
		Collection: models.CollectionProperties,
		RecordID:   "prop-1",
		Payload:    []byte(`{"address":"14 Birchwood Lane"}`),
		SyncState:  models.SyncStatePending,
	}
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := s.GetRecord(models.CollectionProperties, "prop-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.SyncState != models.SyncStatePending {
		t.Errorf("expected pending state, got %s", got.SyncState)
	}

	// Mutating the returned copy must not leak into the store.
	got.SyncState = models.SyncStateSynced
	again, _ := s.GetRecord(models.CollectionProperties, "prop-1")
	if again.SyncState != models.SyncStatePending {
		t.Errorf("store state changed through a returned copy")
	}

	if err := s.RemoveRecord(models.CollectionProperties, "prop-1"); err != nil {
		t.Fatalf("RemoveRecord failed: %v", err)
	}
	if _, err := s.GetRecord(models.CollectionProperties, "prop-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	if err := s.RemoveRecord(models.CollectionProperties, "prop-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestMemStoreOperationOrdering(t *testing.T) {
	s := NewMemStore(0)

	for _, id := range []string{"a", "b", "c"} {
		op := &models.PendingOperation{
			Collection: models.CollectionPhases,
			Kind:       models.OpUpdate,
			TargetID:   id,
			Status:     models.OpStatusPending,
		}
		if err := s.AppendOperation(op); err != nil {
			t.Fatalf("AppendOperation failed: %v", err)
		}
	}

	ops, err := s.ListOperations()
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].Seq <= ops[i-1].Seq {
			t.Errorf("operations out of sequence order: %d after %d", ops[i].Seq, ops[i-1].Seq)
		}
	}
	if ops[0].TargetID != "a" || ops[2].TargetID != "c" {
		t.Errorf("operations not in insertion order: %v", ops)
	}
}

func TestMemStoreStorageExhausted(t *testing.T) {
	s := NewMemStore(2)

	put := func(id string) error {
		return s.PutRecord(&models.Record{Collection: models.CollectionPhotos, RecordID: id})
	}
	if err := put("p1"); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := put("p2"); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if err := put("p3"); !errors.Is(err, ErrStorageExhausted) {
		t.Errorf("expected ErrStorageExhausted, got %v", err)
	}

	// Overwriting an existing record is allowed even when full.
	if err := put("p1"); err != nil {
		t.Errorf("overwrite at capacity failed: %v", err)
	}

	err := s.AppendOperation(&models.PendingOperation{Collection: models.CollectionPhotos, TargetID: "p1"})
	if !errors.Is(err, ErrStorageExhausted) {
		t.Errorf("expected ErrStorageExhausted on append, got %v", err)
	}
}

func TestMemStoreTransactRollback(t *testing.T) {
	s := NewMemStore(0)
	boom := errors.New("boom")

	err := s.Transact(func(tx Store) error {
		if err := tx.PutRecord(&models.Record{Collection: models.CollectionCustomers, RecordID: "c1"}); err != nil {
			return err
		}
		if err := tx.AppendOperation(&models.PendingOperation{Collection: models.CollectionCustomers, TargetID: "c1", Status: models.OpStatusPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error to propagate, got %v", err)
	}

	if _, err := s.GetRecord(models.CollectionCustomers, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived a rolled back transaction")
	}
	if n, _ := s.CountOperations(); n != 0 {
		t.Errorf("operation survived a rolled back transaction, count=%d", n)
	}
}

func TestMemStoreTransactCommit(t *testing.T) {
	s := NewMemStore(0)

	err := s.Transact(func(tx Store) error {
		if err := tx.PutRecord(&models.Record{Collection: models.CollectionCustomers, RecordID: "c1"}); err != nil {
			return err
		}
		return tx.AppendOperation(&models.PendingOperation{Collection: models.CollectionCustomers, TargetID: "c1", Status: models.OpStatusPending})
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	if _, err := s.GetRecord(models.CollectionCustomers, "c1"); err != nil {
		t.Errorf("committed record missing: %v", err)
	}
	if n, _ := s.CountOperations(); n != 1 {
		t.Errorf("expected 1 committed operation, got %d", n)
	}
}
