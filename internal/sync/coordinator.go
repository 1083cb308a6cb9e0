package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/proptrak/proptrakgo/internal/config"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/remote"
	"github.com/proptrak/proptrakgo/internal/store"
)

// CoordinatorState is the drain state machine position.
type CoordinatorState string

const (
	StateIdle     CoordinatorState = "idle"
	StateDraining CoordinatorState = "draining"
)

// Coordinator owns the offline write path and drains the mutation queue
// against the remote store whenever conditions allow. All local mutation
// goes through its Write; remote-origin writes only land on records with no
// outstanding local operations.
type Coordinator struct {
	store      store.Store
	queue      *MutationQueue
	remote     remote.Client
	monitor    *Monitor
	notifier   Notifier
	cfg        *config.SyncConfig
	identity   config.Identity
	validators map[string]models.Validator

	mu       gosync.Mutex
	state    CoordinatorState
	lastSync *time.Time
	running  bool

	drainCh chan chan DrainSummary
	stopCh  chan struct{}
	wg      gosync.WaitGroup
}

// NewCoordinator creates a Coordinator. The notifier may be nil.
func NewCoordinator(s store.Store, q *MutationQueue, rc remote.Client, monitor *Monitor, cfg *config.SyncConfig, identity config.Identity, notifier Notifier) *Coordinator {
	return &Coordinator{
		store:      s,
		queue:      q,
		remote:     rc,
		monitor:    monitor,
		notifier:   notifier,
		cfg:        cfg,
		identity:   identity,
		validators: models.DefaultValidators(),
		state:      StateIdle,
		drainCh:    make(chan chan DrainSummary, 16),
		stopCh:     make(chan struct{}),
	}
}

// RegisterValidator installs or replaces the payload validator for a
// collection.
func (c *Coordinator) RegisterValidator(collection string, v models.Validator) {
	c.validators[collection] = v
}

// State returns the current drain state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSyncAt returns the end time of the last completed drain.
func (c *Coordinator) LastSyncAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

// Durable reports whether the underlying store survives restarts.
func (c *Coordinator) Durable() bool {
	return c.store.Durable()
}

// Start launches the background drain loop. Drains are triggered by
// reconnects, enqueued writes while online, explicit SyncNow calls and the
// auto-sync ticker.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	log.Printf("🔄 Sync Coordinator starting (instance %s)", c.identity.InstanceID)
	c.wg.Add(1)
	go c.run(ctx)

	if c.cfg.SyncOnStartup && c.monitor.Online() {
		c.requestDrain(nil)
	}
}

// Stop stops the background loop and waits for it to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	log.Printf("🛑 Sync Coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	events, unsubscribe := c.monitor.Subscribe()
	defer unsubscribe()

	interval := time.Duration(c.cfg.AutoSyncInterval) * time.Second
	// A non-durable store loses everything on reload, so sync far more
	// eagerly in that mode.
	if !c.store.Durable() && interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev := <-events:
			if ev.Online {
				c.drainAndReport(ctx, nil)
			}
		case result := <-c.drainCh:
			c.drainAndReport(ctx, result)
		case <-ticker.C:
			if c.cfg.AutoSyncEnabled && c.monitor.Online() {
				c.drainAndReport(ctx, nil)
			}
		}
	}
}

// SyncNow requests a drain and returns a channel that receives the summary
// when the drain completes. It never blocks the caller.
func (c *Coordinator) SyncNow() <-chan DrainSummary {
	result := make(chan DrainSummary, 1)
	c.requestDrain(result)
	return result
}

func (c *Coordinator) requestDrain(result chan DrainSummary) {
	select {
	case c.drainCh <- result:
	default:
		// Trigger queue is full; a drain is already due. Report an
		// empty summary rather than blocking.
		if result != nil {
			result <- DrainSummary{StartedAt: time.Now().UTC(), EndedAt: time.Now().UTC()}
		}
	}
}

// Read returns the locally cached record. Always available regardless of
// connectivity; reflects optimistic writes not yet synced.
func (c *Coordinator) Read(collection, id string) (*models.Record, error) {
	return c.store.GetRecord(collection, id)
}

// List returns the locally cached records of a collection.
func (c *Coordinator) List(collection string) ([]models.Record, error) {
	return c.store.ListRecords(collection)
}

// Write applies a mutation optimistically to the local store, queues it for
// replay and returns the (possibly client-generated) record id immediately.
// The record write and the queue entry commit in one transaction.
func (c *Coordinator) Write(collection string, kind models.OpKind, id string, payload map[string]interface{}) (string, error) {
	// Creates validate the payload as-is; updates carry field deltas, so
	// they validate the merged document inside the transaction instead.
	if kind == models.OpCreate {
		if v, ok := c.validators[collection]; ok {
			if err := v(payload); err != nil {
				return "", fmt.Errorf("invalid %s payload: %w", collection, err)
			}
		}
	}

	now := time.Now().UTC()
	var ev *RecordEvent

	switch kind {
	case models.OpCreate:
		if id == "" {
			id = "local-" + uuid.NewString()
		}
		raw, err := models.EncodePayload(payload)
		if err != nil {
			return "", err
		}
		err = c.store.Transact(func(tx store.Store) error {
			if _, err := tx.GetRecord(collection, id); err == nil {
				return fmt.Errorf("record %s/%s already exists", collection, id)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			rec := &models.Record{
				Collection:   collection,
				RecordID:     id,
				Payload:      raw,
				SyncState:    models.SyncStatePending,
				LastModified: now,
			}
			if err := tx.PutRecord(rec); err != nil {
				return err
			}
			_, err := c.queue.EnqueueIn(tx, collection, models.OpCreate, id, raw, 0)
			return err
		})
		if err != nil {
			return "", err
		}
		ev = &RecordEvent{Collection: collection, RecordID: id, State: models.SyncStatePending, At: now}

	case models.OpUpdate:
		raw, err := models.EncodePayload(payload)
		if err != nil {
			return "", err
		}
		err = c.store.Transact(func(tx store.Store) error {
			rec, err := tx.GetRecord(collection, id)
			if err != nil {
				return err
			}
			merged, err := models.MergePayload(rec.Payload, payload)
			if err != nil {
				return err
			}
			if v, ok := c.validators[collection]; ok {
				mergedMap, err := models.DecodePayload(merged)
				if err != nil {
					return err
				}
				if err := v(mergedMap); err != nil {
					return fmt.Errorf("invalid %s payload: %w", collection, err)
				}
			}
			rec.Payload = merged
			rec.SyncState = models.SyncStatePending
			rec.Conflict = false
			rec.LastModified = now
			if err := tx.PutRecord(rec); err != nil {
				return err
			}
			_, err = c.queue.EnqueueIn(tx, collection, models.OpUpdate, id, raw, rec.Version)
			return err
		})
		if err != nil {
			return "", err
		}
		ev = &RecordEvent{Collection: collection, RecordID: id, State: models.SyncStatePending, At: now}

	case models.OpDelete:
		err := c.store.Transact(func(tx store.Store) error {
			rec, err := tx.GetRecord(collection, id)
			if err != nil {
				return err
			}

			// A record created offline and never acknowledged is
			// unknown to the server: cancel its whole queue tail
			// instead of replaying a create/delete pair.
			ops, err := tx.ListOperations()
			if err != nil {
				return err
			}
			localOnly := false
			for _, op := range ops {
				if op.Collection == collection && op.TargetID == id && op.Kind == models.OpCreate && op.Unresolved() {
					localOnly = true
					break
				}
			}
			if localOnly {
				for _, op := range ops {
					if op.Collection == collection && op.TargetID == id && op.Unresolved() {
						if err := tx.DeleteOperation(op.Seq); err != nil {
							return err
						}
					}
				}
				return tx.RemoveRecord(collection, id)
			}

			if err := tx.RemoveRecord(collection, id); err != nil {
				return err
			}
			_, err = c.queue.EnqueueIn(tx, collection, models.OpDelete, id, nil, rec.Version)
			return err
		})
		if err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("unsupported operation kind: %s", kind)
	}

	c.queue.NotifyQueueChanged()
	if ev != nil && c.notifier != nil {
		c.notifier.RecordChanged(*ev)
	}
	if c.monitor.Online() {
		c.requestDrain(nil)
	}
	return id, nil
}

// Refresh pulls a collection from the remote store and applies it locally.
// Records with unresolved local writes are left untouched so a slow fetch
// can never clobber a newer local edit.
func (c *Coordinator) Refresh(ctx context.Context, collection string) (int, error) {
	remoteRecs, err := c.remote.Fetch(ctx, collection, nil)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, srv := range remoteRecs {
		err := c.store.Transact(func(tx store.Store) error {
			local, err := tx.GetRecord(collection, srv.ID)
			if errors.Is(err, store.ErrNotFound) {
				rec := &models.Record{
					Collection:   collection,
					RecordID:     srv.ID,
					Payload:      []byte(srv.Payload),
					SyncState:    models.SyncStateSynced,
					Version:      srv.Version,
					LastModified: srv.UpdatedAt,
				}
				applied++
				return tx.PutRecord(rec)
			}
			if err != nil {
				return err
			}
			if local.SyncState == models.SyncStatePending || local.SyncState == models.SyncStateUploading {
				return nil
			}
			if srv.Version <= local.Version {
				return nil
			}
			local.Payload = []byte(srv.Payload)
			local.Version = srv.Version
			local.SyncState = models.SyncStateSynced
			local.Conflict = false
			local.LastModified = srv.UpdatedAt
			applied++
			return tx.PutRecord(local)
		})
		if err != nil {
			return applied, err
		}
	}
	log.Printf("📥 Refresh: applied %d/%d remote %s records", applied, len(remoteRecs), collection)
	return applied, nil
}

type replayOutcome int

const (
	outcomeApplied replayOutcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeConflict
)

// drainAndReport runs one drain to completion and publishes the summary.
func (c *Coordinator) drainAndReport(ctx context.Context, result chan DrainSummary) {
	summary := c.drain(ctx)

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSync = &now
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.DrainFinished(summary)
	}
	if result != nil {
		result <- summary
	}
	log.Printf("✅ Drain complete: %d applied, %d failed, %d conflicts in %v",
		summary.Applied, summary.Failed, summary.Conflicts, summary.EndedAt.Sub(summary.StartedAt))
}

// drain replays ready queue entries until the queue is empty or every
// remaining entry is backing off, parked or blocked. Distinct records replay
// concurrently through a bounded worker pool; entries for the same record
// stay strictly serial.
func (c *Coordinator) drain(ctx context.Context) DrainSummary {
	summary := DrainSummary{StartedAt: time.Now().UTC()}

	c.setState(StateDraining)
	defer c.setState(StateIdle)

	for {
		if !c.monitor.Online() {
			break
		}

		now := time.Now().UTC()
		ready, err := c.queue.PeekReady("", now)
		if err != nil {
			log.Printf("🔴 Drain: failed to read queue: %v", err)
			break
		}

		if len(ready) == 0 {
			next, err := c.queue.NextScheduledAt(now)
			if err != nil || next.IsZero() {
				break
			}
			// Wait out the earliest backoff, then take another pass.
			select {
			case <-ctx.Done():
				summary.EndedAt = time.Now().UTC()
				return summary
			case <-c.stopCh:
				summary.EndedAt = time.Now().UTC()
				return summary
			case <-time.After(time.Until(next)):
			}
			continue
		}

		results := make(chan replayOutcome, len(ready))
		sem := make(chan struct{}, c.cfg.Workers)
		var wg gosync.WaitGroup

		for i := range ready {
			op := ready[i]
			if !c.queue.MarkInFlight(&op) {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results <- c.replay(ctx, &op)
			}()
		}
		wg.Wait()
		close(results)

		for outcome := range results {
			switch outcome {
			case outcomeApplied:
				summary.Applied++
			case outcomeFailed:
				summary.Failed++
			case outcomeConflict:
				summary.Conflicts++
			}
		}
	}

	summary.EndedAt = time.Now().UTC()
	return summary
}

// replay submits one queue entry to the remote store and settles the result.
func (c *Coordinator) replay(ctx context.Context, op *models.PendingOperation) replayOutcome {
	defer c.queue.ClearInFlight(op)

	payload, err := models.DecodePayload(op.Payload)
	if err != nil {
		// Undecodable payload is an invariant violation, not a sync
		// condition: park the entry, keep the data.
		log.Printf("🚧 Drain: %v for op %d: %v", ErrQueueCorruption, op.Seq, err)
		if qerr := c.queue.Quarantine(op.Seq, err.Error()); qerr != nil {
			log.Printf("🔴 Drain: failed to quarantine op %d: %v", op.Seq, qerr)
		}
		return outcomeFailed
	}

	// An update whose record vanished without a queued delete is a dangling
	// entry; replaying it would resurrect state the app no longer has. An
	// update followed by a queued delete is fine: the record is gone locally
	// but the pair still replays in order.
	if op.Kind == models.OpUpdate {
		if _, err := c.store.GetRecord(op.Collection, op.TargetID); errors.Is(err, store.ErrNotFound) {
			if !c.deleteQueuedFor(op.Collection, op.TargetID) {
				log.Printf("🚧 Drain: %v for op %d: update targets missing record %s/%s", ErrQueueCorruption, op.Seq, op.Collection, op.TargetID)
				if qerr := c.queue.Quarantine(op.Seq, "update targets a missing record"); qerr != nil {
					log.Printf("🔴 Drain: failed to quarantine op %d: %v", op.Seq, qerr)
				}
				return outcomeFailed
			}
		}
	}

	c.setRecordState(op.Collection, op.TargetID, models.SyncStateUploading, false)

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout())
	srv, err := c.remote.Apply(opCtx, remote.Operation{
		Collection:  op.Collection,
		Kind:        string(op.Kind),
		TargetID:    op.TargetID,
		Payload:     payload,
		BaseVersion: op.BaseVersion,
		CreatedAt:   op.CreatedAt,
	})
	cancel()

	if err != nil {
		return c.settleFailure(ctx, op, err)
	}
	return c.settleSuccess(op, srv)
}

// settleSuccess acks the entry and, for creates, remaps the client id to the
// server-assigned one. The remap, the queue rewrite, the ack and the record
// settle commit in a single transaction; a crash in between replays the
// create, which the server must treat as idempotent by client id. The record
// is re-read inside the transaction, never written from a pre-replay
// snapshot, so an edit committed while the upload was in flight survives.
func (c *Coordinator) settleSuccess(op *models.PendingOperation, srv *remote.Record) replayOutcome {
	finalID := op.TargetID
	finalState := models.SyncStateSynced
	stateChanged := false

	err := c.store.Transact(func(tx store.Store) error {
		if op.Kind == models.OpCreate && srv != nil && srv.ID != op.TargetID {
			finalID = srv.ID
			rec, err := tx.GetRecord(op.Collection, op.TargetID)
			if err == nil {
				if err := tx.RemoveRecord(op.Collection, op.TargetID); err != nil {
					return err
				}
				rec.ID = 0
				rec.RecordID = srv.ID
				if err := tx.PutRecord(rec); err != nil {
					return err
				}
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := c.queue.RewriteTargetIn(tx, op.Collection, op.TargetID, srv.ID); err != nil {
				return err
			}
		}
		if err := c.queue.AckIn(tx, op.Seq); err != nil {
			return err
		}

		rec, err := tx.GetRecord(op.Collection, finalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		// The record stays pending while later entries still target it.
		ops, err := tx.ListOperations()
		if err != nil {
			return err
		}
		state := models.SyncStateSynced
		for _, o := range ops {
			if o.Collection == op.Collection && o.TargetID == finalID && o.Unresolved() {
				state = models.SyncStatePending
				break
			}
		}
		finalState = state
		stateChanged = rec.SyncState != state || rec.Conflict
		if srv != nil {
			rec.Version = srv.Version
		}
		rec.SyncState = state
		rec.Conflict = false
		return tx.PutRecord(rec)
	})
	if err != nil {
		log.Printf("🔴 Drain: failed to settle op %d: %v", op.Seq, err)
		return outcomeFailed
	}

	c.queue.NotifyQueueChanged()
	if stateChanged && c.notifier != nil {
		c.notifier.RecordChanged(RecordEvent{
			Collection: op.Collection,
			RecordID:   finalID,
			State:      finalState,
			At:         time.Now().UTC(),
		})
	}
	return outcomeApplied
}

// settleFailure classifies the error, schedules or parks the entry and
// mirrors the terminal state onto the record. Queued user data is never
// dropped here.
func (c *Coordinator) settleFailure(ctx context.Context, op *models.PendingOperation, cause error) replayOutcome {
	kind := remote.Classify(cause)

	if kind == remote.KindConflict && c.cfg.ConflictResolution == config.ConflictLastWriteWins {
		if outcome, resolved := c.resolveConflictLWW(ctx, op); resolved {
			return outcome
		}
	}

	updated, err := c.queue.Fail(op.Seq, cause, kind)
	if err != nil {
		log.Printf("🔴 Drain: failed to record failure for op %d: %v", op.Seq, err)
		return outcomeFailed
	}

	if updated.Status == models.OpStatusFailed {
		c.setRecordState(op.Collection, op.TargetID, models.SyncStateError, updated.Conflict)
		if updated.Conflict {
			return outcomeConflict
		}
		return outcomeFailed
	}

	// Retry scheduled; the record goes back to pending.
	c.setRecordState(op.Collection, op.TargetID, models.SyncStatePending, false)
	return outcomeRetrying
}

// resolveConflictLWW applies last-write-wins by createdAt: when the local
// change is newer than the remote record it is resubmitted against the
// remote's current version; otherwise the remote wins and the local entry is
// acked away after the remote state is adopted. Returns resolved=false when
// the remote state cannot be determined, falling back to flagging. The
// resolution runs under the drain context so shutdown cuts it short.
func (c *Coordinator) resolveConflictLWW(ctx context.Context, op *models.PendingOperation) (replayOutcome, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout())
	defer cancel()

	recs, err := c.remote.Fetch(fetchCtx, op.Collection, map[string]string{"id": op.TargetID})
	if err != nil || len(recs) == 0 {
		return outcomeFailed, false
	}
	srv := recs[0]

	if op.CreatedAt.After(srv.UpdatedAt) {
		payload, err := models.DecodePayload(op.Payload)
		if err != nil {
			return outcomeFailed, false
		}
		applyCtx, cancelApply := context.WithTimeout(ctx, c.cfg.OpTimeout())
		defer cancelApply()
		result, err := c.remote.Apply(applyCtx, remote.Operation{
			Collection:  op.Collection,
			Kind:        string(op.Kind),
			TargetID:    op.TargetID,
			Payload:     payload,
			BaseVersion: srv.Version,
			CreatedAt:   op.CreatedAt,
		})
		if err != nil {
			return outcomeFailed, false
		}
		log.Printf("⚖️ Drain: conflict on %s/%s resolved for local change (last write wins)", op.Collection, op.TargetID)
		return c.settleSuccess(op, result), true
	}

	// Remote wins: adopt the remote state, then resolve the entry.
	err = c.store.Transact(func(tx store.Store) error {
		rec, err := tx.GetRecord(op.Collection, op.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			rec = &models.Record{Collection: op.Collection, RecordID: op.TargetID}
		} else if err != nil {
			return err
		}
		rec.Payload = []byte(srv.Payload)
		rec.Version = srv.Version
		rec.SyncState = models.SyncStateSynced
		rec.Conflict = false
		rec.LastModified = srv.UpdatedAt
		if err := tx.PutRecord(rec); err != nil {
			return err
		}
		return c.queue.AckIn(tx, op.Seq)
	})
	if err != nil {
		return outcomeFailed, false
	}
	c.queue.NotifyQueueChanged()
	log.Printf("⚖️ Drain: conflict on %s/%s resolved for remote change (last write wins)", op.Collection, op.TargetID)
	c.setRecordState(op.Collection, op.TargetID, models.SyncStateSynced, false)
	return outcomeApplied, true
}

func (c *Coordinator) deleteQueuedFor(collection, targetID string) bool {
	ops, err := c.queue.Unresolved(collection, targetID)
	if err != nil {
		return false
	}
	for _, op := range ops {
		if op.Kind == models.OpDelete {
			return true
		}
	}
	return false
}

func (c *Coordinator) setState(s CoordinatorState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// setRecordState mirrors a sync-state transition onto the stored record and
// pushes the change to the notifier. The record is re-read and written inside
// one transaction so a concurrent Write committing between the read and the
// write-back can never be clobbered by a stale snapshot. Missing records
// (deletes) are a no-op.
func (c *Coordinator) setRecordState(collection, id string, state models.SyncState, conflict bool) {
	changed := false
	err := c.store.Transact(func(tx store.Store) error {
		rec, err := tx.GetRecord(collection, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.SyncState == state && rec.Conflict == conflict {
			return nil
		}
		rec.SyncState = state
		rec.Conflict = conflict
		if err := tx.PutRecord(rec); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		log.Printf("🔴 Failed to update sync state for %s/%s: %v", collection, id, err)
		return
	}
	if changed && c.notifier != nil {
		c.notifier.RecordChanged(RecordEvent{
			Collection: collection,
			RecordID:   id,
			State:      state,
			Conflict:   conflict,
			At:         time.Now().UTC(),
		})
	}
}
