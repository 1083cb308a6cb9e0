package store

import (
	"sort"
	"sync"

	"github.com/proptrak/proptrakgo/internal/models"
)

// MemStore is the in-memory fallback Store used when persistent storage
// cannot be opened. Data does not survive a restart; Durable returns false
// so the coordinator can raise sync urgency.
type MemStore struct {
	mu         sync.Mutex
	records    map[string]models.Record // key: collection + "/" + record id
	ops        map[uint64]models.PendingOperation
	nextSeq    uint64
	maxEntries int // 0 = unbounded
}

// NewMemStore creates an empty MemStore. maxEntries bounds the combined
// record and queue entry count; writes beyond it fail with
// ErrStorageExhausted so quota handling stays testable.
func NewMemStore(maxEntries int) *MemStore {
	return &MemStore{
		records:    make(map[string]models.Record),
		ops:        make(map[uint64]models.PendingOperation),
		nextSeq:    1,
		maxEntries: maxEntries,
	}
}

func recordKey(collection, id string) string {
	return collection + "/" + id
}

func (s *MemStore) full() bool {
	return s.maxEntries > 0 && len(s.records)+len(s.ops) >= s.maxEntries
}

func (s *MemStore) GetRecord(collection, id string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRecordLocked(collection, id)
}

func (s *MemStore) getRecordLocked(collection, id string) (*models.Record, error) {
	rec, ok := s.records[recordKey(collection, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (s *MemStore) ListRecords(collection string) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []models.Record
	for _, rec := range s.records {
		if rec.Collection == collection {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].RecordID < recs[j].RecordID })
	return recs, nil
}

func (s *MemStore) PutRecord(rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putRecordLocked(rec)
}

func (s *MemStore) putRecordLocked(rec *models.Record) error {
	key := recordKey(rec.Collection, rec.RecordID)
	if _, exists := s.records[key]; !exists && s.full() {
		return ErrStorageExhausted
	}
	s.records[key] = *rec
	return nil
}

func (s *MemStore) RemoveRecord(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeRecordLocked(collection, id)
}

func (s *MemStore) removeRecordLocked(collection, id string) error {
	key := recordKey(collection, id)
	if _, ok := s.records[key]; !ok {
		return ErrNotFound
	}
	delete(s.records, key)
	return nil
}

func (s *MemStore) CountRecords(collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.Collection == collection {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) AppendOperation(op *models.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendOperationLocked(op)
}

func (s *MemStore) appendOperationLocked(op *models.PendingOperation) error {
	if s.full() {
		return ErrStorageExhausted
	}
	op.Seq = s.nextSeq
	s.nextSeq++
	s.ops[op.Seq] = *op
	return nil
}

func (s *MemStore) GetOperation(seq uint64) (*models.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[seq]
	if !ok {
		return nil, ErrNotFound
	}
	cp := op
	return &cp, nil
}

func (s *MemStore) ListOperations() ([]models.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOperationsLocked(), nil
}

func (s *MemStore) listOperationsLocked() []models.PendingOperation {
	ops := make([]models.PendingOperation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops
}

func (s *MemStore) UpdateOperation(op *models.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOperationLocked(op)
}

func (s *MemStore) updateOperationLocked(op *models.PendingOperation) error {
	if _, ok := s.ops[op.Seq]; !ok {
		return ErrNotFound
	}
	s.ops[op.Seq] = *op
	return nil
}

func (s *MemStore) DeleteOperation(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteOperationLocked(seq)
}

func (s *MemStore) deleteOperationLocked(seq uint64) error {
	if _, ok := s.ops[seq]; !ok {
		return ErrNotFound
	}
	delete(s.ops, seq)
	return nil
}

func (s *MemStore) CountOperations() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ops)), nil
}

// Transact holds the store lock for the duration of fn and rolls back by
// snapshot restore if fn fails.
func (s *MemStore) Transact(fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapRecords := make(map[string]models.Record, len(s.records))
	for k, v := range s.records {
		snapRecords[k] = v
	}
	snapOps := make(map[uint64]models.PendingOperation, len(s.ops))
	for k, v := range s.ops {
		snapOps[k] = v
	}
	snapSeq := s.nextSeq

	if err := fn(&memTx{s: s}); err != nil {
		s.records = snapRecords
		s.ops = snapOps
		s.nextSeq = snapSeq
		return err
	}
	return nil
}

func (s *MemStore) Durable() bool {
	return false
}

// memTx exposes the locked store to a Transact callback without re-locking.
type memTx struct {
	s *MemStore
}

func (t *memTx) GetRecord(collection, id string) (*models.Record, error) {
	return t.s.getRecordLocked(collection, id)
}

func (t *memTx) ListRecords(collection string) ([]models.Record, error) {
	var recs []models.Record
	for _, rec := range t.s.records {
		if rec.Collection == collection {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].RecordID < recs[j].RecordID })
	return recs, nil
}

func (t *memTx) PutRecord(rec *models.Record) error {
	return t.s.putRecordLocked(rec)
}

func (t *memTx) RemoveRecord(collection, id string) error {
	return t.s.removeRecordLocked(collection, id)
}

func (t *memTx) CountRecords(collection string) (int64, error) {
	var n int64
	for _, rec := range t.s.records {
		if rec.Collection == collection {
			n++
		}
	}
	return n, nil
}

func (t *memTx) AppendOperation(op *models.PendingOperation) error {
	return t.s.appendOperationLocked(op)
}

func (t *memTx) GetOperation(seq uint64) (*models.PendingOperation, error) {
	op, ok := t.s.ops[seq]
	if !ok {
		return nil, ErrNotFound
	}
	cp := op
	return &cp, nil
}

func (t *memTx) ListOperations() ([]models.PendingOperation, error) {
	return t.s.listOperationsLocked(), nil
}

func (t *memTx) UpdateOperation(op *models.PendingOperation) error {
	return t.s.updateOperationLocked(op)
}

func (t *memTx) DeleteOperation(seq uint64) error {
	return t.s.deleteOperationLocked(seq)
}

func (t *memTx) CountOperations() (int64, error) {
	return int64(len(t.s.ops)), nil
}

func (t *memTx) Transact(fn func(tx Store) error) error {
	// Already inside a transaction; nested calls join it.
	return fn(t)
}

func (t *memTx) Durable() bool {
	return false
}
