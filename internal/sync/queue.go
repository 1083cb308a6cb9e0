package sync

import (
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/proptrak/proptrakgo/internal/config"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/remote"
	"github.com/proptrak/proptrakgo/internal/store"
	"gorm.io/datatypes"
)

// ErrQueueCorruption marks a queue entry that violates the queue invariants
// (for example a dangling target). Such entries are quarantined, never
// dropped, and never crash the drain loop.
var ErrQueueCorruption = errors.New("sync: queue corruption")

// MutationQueue wraps the store's pending-operation collection with
// enqueue/peek/ack semantics. Entries for the same target are never
// reordered relative to each other; entries for different targets may be
// replayed concurrently.
type MutationQueue struct {
	store    store.Store
	cfg      *config.SyncConfig
	notifier Notifier

	mu       gosync.Mutex
	inFlight map[string]uint64 // target key -> seq currently uploading
}

// NewMutationQueue creates a MutationQueue over the given store.
func NewMutationQueue(s store.Store, cfg *config.SyncConfig, notifier Notifier) *MutationQueue {
	return &MutationQueue{
		store:    s,
		cfg:      cfg,
		notifier: notifier,
		inFlight: make(map[string]uint64),
	}
}

func targetKey(collection, targetID string) string {
	return collection + "/" + targetID
}

// EnqueueIn appends a new entry inside an existing store transaction, so the
// record write and its queue entry commit together.
func (q *MutationQueue) EnqueueIn(tx store.Store, collection string, kind models.OpKind, targetID string, payload datatypes.JSON, baseVersion int64) (*models.PendingOperation, error) {
	now := time.Now().UTC()
	op := &models.PendingOperation{
		Collection:  collection,
		Kind:        kind,
		TargetID:    targetID,
		Payload:     payload,
		BaseVersion: baseVersion,
		Status:      models.OpStatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	if err := tx.AppendOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

// PeekReady returns the entries eligible for replay right now, oldest first,
// at most one per target. An entry whose target already has an earlier
// unresolved entry (in flight, backing off or failed) is held back, which is
// what preserves per-record causal ordering.
func (q *MutationQueue) PeekReady(collection string, now time.Time) ([]models.PendingOperation, error) {
	ops, err := q.store.ListOperations()
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []models.PendingOperation
	held := make(map[string]bool)
	for _, op := range ops {
		key := targetKey(op.Collection, op.TargetID)
		if held[key] {
			continue
		}
		// Any non-replayable entry holds back everything later for the
		// same target, quarantined ones included: replaying around a
		// parked predecessor would reorder that record's history.
		held[key] = true
		if collection != "" && op.Collection != collection {
			continue
		}
		if op.Status != models.OpStatusPending {
			continue
		}
		if _, uploading := q.inFlight[key]; uploading {
			continue
		}
		if op.ScheduledAt.After(now) {
			continue
		}
		ready = append(ready, op)
	}
	return ready, nil
}

// NextScheduledAt returns the earliest future retry time among pending
// entries, or the zero time when nothing is waiting on backoff.
func (q *MutationQueue) NextScheduledAt(now time.Time) (time.Time, error) {
	ops, err := q.store.ListOperations()
	if err != nil {
		return time.Time{}, err
	}
	var next time.Time
	for _, op := range ops {
		if op.Status != models.OpStatusPending || !op.ScheduledAt.After(now) {
			continue
		}
		if next.IsZero() || op.ScheduledAt.Before(next) {
			next = op.ScheduledAt
		}
	}
	return next, nil
}

// MarkInFlight reserves the entry's target for the caller. Returns false if
// another replay already holds the target.
func (q *MutationQueue) MarkInFlight(op *models.PendingOperation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := targetKey(op.Collection, op.TargetID)
	if _, ok := q.inFlight[key]; ok {
		return false
	}
	q.inFlight[key] = op.Seq
	return true
}

// ClearInFlight releases the entry's target reservation.
func (q *MutationQueue) ClearInFlight(op *models.PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, targetKey(op.Collection, op.TargetID))
}

// Ack removes an entry after confirmed remote success. Acking an already
// removed entry is a no-op.
func (q *MutationQueue) Ack(seq uint64) error {
	if err := q.store.DeleteOperation(seq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	q.notifyQueueChanged()
	return nil
}

// AckIn removes an entry inside an existing store transaction. Used by the
// coordinator so id remapping and the ack commit atomically.
func (q *MutationQueue) AckIn(tx store.Store, seq uint64) error {
	if err := tx.DeleteOperation(seq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Fail records a replay failure. Transient failures below the attempt bound
// stay pending with an exponential-backoff schedule; everything else is
// parked as failed (with a conflict marker when applicable) and waits for an
// explicit retry or discard. The entry is never dropped.
func (q *MutationQueue) Fail(seq uint64, cause error, kind remote.ErrorKind) (*models.PendingOperation, error) {
	op, err := q.store.GetOperation(seq)
	if err != nil {
		return nil, err
	}

	op.Attempts++
	op.ErrorMsg = cause.Error()

	switch {
	case kind == remote.KindConflict:
		op.Status = models.OpStatusFailed
		op.Conflict = true
		log.Printf("⚠️ Queue: op %d (%s %s/%s) hit a conflict: %v", op.Seq, op.Kind, op.Collection, op.TargetID, cause)
	case kind == remote.KindPermanent:
		op.Status = models.OpStatusFailed
		log.Printf("🔴 Queue: op %d (%s %s/%s) permanently rejected: %v", op.Seq, op.Kind, op.Collection, op.TargetID, cause)
	case op.Attempts >= q.cfg.MaxAttempts:
		op.Status = models.OpStatusFailed
		log.Printf("🔴 Queue: op %d (%s %s/%s) failed after %d attempts: %v", op.Seq, op.Kind, op.Collection, op.TargetID, op.Attempts, cause)
	default:
		delay := q.cfg.BackoffDelay(op.Attempts)
		op.ScheduledAt = time.Now().UTC().Add(delay)
		log.Printf("⏳ Queue: op %d (%s %s/%s) failed, retry %d/%d in %v: %v", op.Seq, op.Kind, op.Collection, op.TargetID, op.Attempts, q.cfg.MaxAttempts, delay, cause)
	}

	if err := q.store.UpdateOperation(op); err != nil {
		return nil, err
	}
	q.notifyQueueChanged()
	return op, nil
}

// Quarantine parks an invariant-violating entry out of the drain loop.
func (q *MutationQueue) Quarantine(seq uint64, reason string) error {
	op, err := q.store.GetOperation(seq)
	if err != nil {
		return err
	}
	op.Status = models.OpStatusQuarantined
	op.ErrorMsg = reason
	log.Printf("🚧 Queue: quarantined op %d (%s %s/%s): %s", op.Seq, op.Kind, op.Collection, op.TargetID, reason)
	return q.store.UpdateOperation(op)
}

// Discard removes an entry on explicit user request. This and Ack are the
// only sanctioned removal paths.
func (q *MutationQueue) Discard(seq uint64) error {
	if err := q.store.DeleteOperation(seq); err != nil {
		return err
	}
	q.notifyQueueChanged()
	return nil
}

// Retry resets a failed entry for another replay round.
func (q *MutationQueue) Retry(seq uint64) error {
	op, err := q.store.GetOperation(seq)
	if err != nil {
		return err
	}
	if op.Status != models.OpStatusFailed {
		return fmt.Errorf("op %d is not in a failed state", seq)
	}
	op.Status = models.OpStatusPending
	op.Conflict = false
	op.Attempts = 0
	op.ErrorMsg = ""
	op.ScheduledAt = time.Now().UTC()
	if err := q.store.UpdateOperation(op); err != nil {
		return err
	}
	q.notifyQueueChanged()
	return nil
}

// List returns every entry in queue order.
func (q *MutationQueue) List() ([]models.PendingOperation, error) {
	return q.store.ListOperations()
}

// PendingCount counts unresolved entries (pending plus failed).
func (q *MutationQueue) PendingCount() (int64, error) {
	ops, err := q.store.ListOperations()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, op := range ops {
		if op.Unresolved() {
			n++
		}
	}
	return n, nil
}

// ErrorCount counts entries parked as failed.
func (q *MutationQueue) ErrorCount() (int64, error) {
	ops, err := q.store.ListOperations()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, op := range ops {
		if op.Status == models.OpStatusFailed {
			n++
		}
	}
	return n, nil
}

// Unresolved reports the unresolved entries targeting one record, in queue
// order.
func (q *MutationQueue) Unresolved(collection, targetID string) ([]models.PendingOperation, error) {
	ops, err := q.store.ListOperations()
	if err != nil {
		return nil, err
	}
	var out []models.PendingOperation
	for _, op := range ops {
		if op.Collection == collection && op.TargetID == targetID && op.Unresolved() {
			out = append(out, op)
		}
	}
	return out, nil
}

// RewriteTargetIn rewrites the target id of all still-queued entries for a
// record inside an existing transaction. Used after a create replay when the
// server assigned a different id.
func (q *MutationQueue) RewriteTargetIn(tx store.Store, collection, oldID, newID string) error {
	ops, err := tx.ListOperations()
	if err != nil {
		return err
	}
	for i := range ops {
		op := ops[i]
		if op.Collection != collection || op.TargetID != oldID {
			continue
		}
		op.TargetID = newID
		if err := tx.UpdateOperation(&op); err != nil {
			return err
		}
	}
	return nil
}

// NotifyQueueChanged pushes the current pending count to the notifier. The
// coordinator calls this after transactions that bypass the queue's own
// mutation paths.
func (q *MutationQueue) NotifyQueueChanged() {
	q.notifyQueueChanged()
}

func (q *MutationQueue) notifyQueueChanged() {
	if q.notifier == nil {
		return
	}
	if n, err := q.PendingCount(); err == nil {
		q.notifier.QueueChanged(n)
	}
}
