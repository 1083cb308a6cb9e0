// Package store provides the on-device record store backing the offline
// cache: typed record collections plus the durable pending-operation log.
package store

import (
	"errors"

	"github.com/proptrak/proptrakgo/internal/models"
)

var (
	// ErrNotFound is returned when a record or queue entry does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStorageExhausted is returned when local persistence is full. The
	// write is rejected before anything is queued; callers must surface it.
	ErrStorageExhausted = errors.New("store: storage exhausted")
)

// Store is the single serialization point for all local state. Record writes
// and queue writes that belong to one logical user action must go through
// Transact so the app never observes a pending record without its queue
// entry, or vice versa.
type Store interface {
	GetRecord(collection, id string) (*models.Record, error)
	ListRecords(collection string) ([]models.Record, error)
	PutRecord(rec *models.Record) error
	RemoveRecord(collection, id string) error
	CountRecords(collection string) (int64, error)

	AppendOperation(op *models.PendingOperation) error
	GetOperation(seq uint64) (*models.PendingOperation, error)
	ListOperations() ([]models.PendingOperation, error)
	UpdateOperation(op *models.PendingOperation) error
	DeleteOperation(seq uint64) error
	CountOperations() (int64, error)

	// Transact runs fn against a transactional view of the store. All
	// writes inside fn are applied together or not at all.
	Transact(fn func(tx Store) error) error

	// Durable reports whether writes survive a process restart. A
	// non-durable store raises the urgency of immediate sync attempts.
	Durable() bool
}
