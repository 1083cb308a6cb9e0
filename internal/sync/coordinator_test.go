package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/proptrak/proptrakgo/internal/config"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/remote"
	"github.com/proptrak/proptrakgo/internal/store"
)

// fakeRemote records applied operations and answers them through a
// configurable respond function.
type fakeRemote struct {
	mu      gosync.Mutex
	applied []remote.Operation
	respond func(op remote.Operation) (*remote.Record, error)
	fetched func(ctx context.Context, collection string, query map[string]string) ([]remote.Record, error)
}

func (f *fakeRemote) Apply(ctx context.Context, op remote.Operation) (*remote.Record, error) {
	f.mu.Lock()
	f.applied = append(f.applied, op)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(op)
	}
	if op.Kind == string(models.OpDelete) {
		return nil, nil
	}
	payload, _ := json.Marshal(op.Payload)
	return &remote.Record{ID: op.TargetID, Version: op.BaseVersion + 1, Payload: payload, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, collection string, query map[string]string) ([]remote.Record, error) {
	f.mu.Lock()
	fetched := f.fetched
	f.mu.Unlock()
	if fetched != nil {
		return fetched(ctx, collection, query)
	}
	return nil, nil
}

func (f *fakeRemote) operations() []remote.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Operation, len(f.applied))
	copy(out, f.applied)
	return out
}

func (f *fakeRemote) setRespond(fn func(op remote.Operation) (*remote.Record, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func fastSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		AutoSyncEnabled:    false,
		AutoSyncInterval:   3600,
		SyncOnStartup:      false,
		MaxAttempts:        5,
		BackoffBaseMs:      1,
		BackoffMaxMs:       20,
		OpTimeoutSec:       5,
		ProbeTimeoutMs:     1000,
		Workers:            4,
		ConflictResolution: config.ConflictFlag,
	}
}

type engine struct {
	store       store.Store
	queue       *MutationQueue
	monitor     *Monitor
	remote      *fakeRemote
	coordinator *Coordinator
}

// startEngine wires a coordinator over the given store, started but offline.
func startEngine(t *testing.T, s store.Store, fr *fakeRemote, cfg *config.SyncConfig) *engine {
	t.Helper()
	monitor := NewMonitor(&fakeProber{}, time.Second, nil)
	queue := NewMutationQueue(s, cfg, nil)
	c := NewCoordinator(s, queue, fr, monitor, cfg, config.Identity{InstanceID: "test-device"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	return &engine{store: s, queue: queue, monitor: monitor, remote: fr, coordinator: c}
}

func (e *engine) goOnline(t *testing.T) {
	t.Helper()
	e.monitor.SetReachable(context.Background(), true)
}

func (e *engine) syncAndWait(t *testing.T) DrainSummary {
	t.Helper()
	select {
	case summary := <-e.coordinator.SyncNow():
		return summary
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish in time")
		return DrainSummary{}
	}
}

func TestOfflineWriteIsOptimisticAndQueued(t *testing.T) {
	e := startEngine(t, store.NewMemStore(0), &fakeRemote{}, fastSyncConfig())

	id, err := e.coordinator.Write(models.CollectionProperties, models.OpCreate, "", map[string]interface{}{
		"address": "14 Birchwood Lane",
	})
	if err != nil {
		t.Fatalf("offline write failed: %v", err)
	}

	// Immediately readable from the local store, marked pending.
	rec, err := e.coordinator.Read(models.CollectionProperties, id)
	if err != nil {
		t.Fatalf("record not readable after write: %v", err)
	}
	if rec.SyncState != models.SyncStatePending {
		t.Errorf("expected pending state, got %s", rec.SyncState)
	}

	if n, _ := e.queue.PendingCount(); n != 1 {
		t.Errorf("expected 1 queued op, got %d", n)
	}
	if len(e.remote.operations()) != 0 {
		t.Error("offline write reached the remote store")
	}
}

func TestValidationRejectsBeforeQueueing(t *testing.T) {
	e := startEngine(t, store.NewMemStore(0), &fakeRemote{}, fastSyncConfig())

	_, err := e.coordinator.Write(models.CollectionProperties, models.OpCreate, "", map[string]interface{}{
		"city": "Portland",
	})
	if err == nil {
		t.Fatal("expected a validation error for a property without an address")
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("invalid write left %d queued ops", n)
	}
}

func TestDrainAppliesQueueAndRemapsCreateID(t *testing.T) {
	fr := &fakeRemote{}
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		if op.Kind == string(models.OpCreate) {
			payload, _ := json.Marshal(op.Payload)
			return &remote.Record{ID: "srv-100", Version: 1, Payload: payload, UpdatedAt: time.Now().UTC()}, nil
		}
		payload, _ := json.Marshal(op.Payload)
		return &remote.Record{ID: op.TargetID, Version: op.BaseVersion + 1, Payload: payload, UpdatedAt: time.Now().UTC()}, nil
	})
	e := startEngine(t, store.NewMemStore(0), fr, fastSyncConfig())

	localID, err := e.coordinator.Write(models.CollectionProperties, models.OpCreate, "", map[string]interface{}{
		"address": "14 Birchwood Lane",
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	e.goOnline(t)
	summary := e.syncAndWait(t)
	if summary.Applied == 0 && len(e.remote.operations()) == 0 {
		t.Fatal("drain applied nothing")
	}

	// Local id is gone, the server id took its place.
	if _, err := e.coordinator.Read(models.CollectionProperties, localID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected local id to be remapped away, got %v", err)
	}
	rec, err := e.coordinator.Read(models.CollectionProperties, "srv-100")
	if err != nil {
		t.Fatalf("remapped record missing: %v", err)
	}
	if rec.SyncState != models.SyncStateSynced {
		t.Errorf("expected synced after drain, got %s", rec.SyncState)
	}
	if rec.Version != 1 {
		t.Errorf("expected server version 1, got %d", rec.Version)
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("expected empty queue after drain, got %d", n)
	}
}

func TestDrainPreservesPerRecordOrderAcrossRemap(t *testing.T) {
	fr := &fakeRemote{}
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		id := op.TargetID
		if op.Kind == string(models.OpCreate) {
			id = "srv-1"
		}
		payload, _ := json.Marshal(op.Payload)
		return &remote.Record{ID: id, Version: op.BaseVersion + 1, Payload: payload, UpdatedAt: time.Now().UTC()}, nil
	})
	e := startEngine(t, store.NewMemStore(0), fr, fastSyncConfig())

	localID, err := e.coordinator.Write(models.CollectionPhases, models.OpCreate, "", map[string]interface{}{
		"propertyId": "srv-100", "name": "Surface prep",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := e.coordinator.Write(models.CollectionPhases, models.OpUpdate, localID, map[string]interface{}{"status": "in_progress"}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if _, err := e.coordinator.Write(models.CollectionPhases, models.OpUpdate, localID, map[string]interface{}{"status": "done"}); err != nil {
		t.Fatalf("second update failed: %v", err)
	}

	e.goOnline(t)
	e.syncAndWait(t)

	ops := e.remote.operations()
	if len(ops) != 3 {
		t.Fatalf("expected 3 applied ops, got %d: %+v", len(ops), ops)
	}
	if ops[0].Kind != string(models.OpCreate) {
		t.Errorf("create did not replay first: %+v", ops[0])
	}
	if ops[1].Payload["status"] != "in_progress" || ops[2].Payload["status"] != "done" {
		t.Errorf("updates replayed out of order: %+v", ops)
	}
	// Updates queued before the ack replay under the server id.
	if ops[1].TargetID != "srv-1" || ops[2].TargetID != "srv-1" {
		t.Errorf("queued updates were not rewritten to the server id: %+v", ops)
	}

	rec, err := e.coordinator.Read(models.CollectionPhases, "srv-1")
	if err != nil {
		t.Fatalf("remapped record missing: %v", err)
	}
	if rec.SyncState != models.SyncStateSynced {
		t.Errorf("expected synced, got %s", rec.SyncState)
	}
}

func TestTransientFailuresRetryWithinDrain(t *testing.T) {
	fr := &fakeRemote{}
	var calls int
	var mu gosync.Mutex
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 4 {
			return nil, &remote.Error{Kind: remote.KindTransient, StatusCode: 503, Message: "unavailable"}
		}
		payload, _ := json.Marshal(op.Payload)
		return &remote.Record{ID: op.TargetID, Version: 1, Payload: payload, UpdatedAt: time.Now().UTC()}, nil
	})
	e := startEngine(t, store.NewMemStore(0), fr, fastSyncConfig())

	id, err := e.coordinator.Write(models.CollectionCustomers, models.OpCreate, "cust-1", map[string]interface{}{"name": "Hollis & Sons LLC"})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	e.goOnline(t)
	e.syncAndWait(t)

	if len(e.remote.operations()) != 4 {
		t.Errorf("expected 4 attempts (3 transient failures then success), got %d", len(e.remote.operations()))
	}
	rec, err := e.coordinator.Read(models.CollectionCustomers, id)
	if err != nil {
		t.Fatalf("record missing after drain: %v", err)
	}
	if rec.SyncState != models.SyncStateSynced {
		t.Errorf("expected synced after retries, got %s", rec.SyncState)
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestPermanentFailureParksOpAndFlagsRecord(t *testing.T) {
	fr := &fakeRemote{}
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		return nil, &remote.Error{Kind: remote.KindPermanent, StatusCode: 422, Message: "rejected"}
	})
	e := startEngine(t, store.NewMemStore(0), fr, fastSyncConfig())

	id, err := e.coordinator.Write(models.CollectionCustomers, models.OpCreate, "cust-1", map[string]interface{}{"name": "Hollis & Sons LLC"})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	e.goOnline(t)
	e.syncAndWait(t)

	// One attempt only; permanent failures do not retry.
	if len(e.remote.operations()) != 1 {
		t.Errorf("permanent failure retried: %d attempts", len(e.remote.operations()))
	}

	rec, err := e.coordinator.Read(models.CollectionCustomers, id)
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.SyncState != models.SyncStateError {
		t.Errorf("expected error state, got %s", rec.SyncState)
	}
	// Parked, not dropped.
	if n, _ := e.queue.ErrorCount(); n != 1 {
		t.Errorf("expected 1 parked op, got %d", n)
	}
}

func TestConflictIsFlaggedDistinctFromFailure(t *testing.T) {
	fr := &fakeRemote{}
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		return nil, &remote.Error{Kind: remote.KindConflict, StatusCode: 409, Message: "version mismatch"}
	})
	s := store.NewMemStore(0)
	// Seed a record that is already known to the server.
	seedSynced(t, s, models.CollectionProperties, "prop-1", `{"address":"old"}`, 3)
	e := startEngine(t, s, fr, fastSyncConfig())

	if _, err := e.coordinator.Write(models.CollectionProperties, models.OpUpdate, "prop-1", map[string]interface{}{"address": "new"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	e.goOnline(t)
	e.syncAndWait(t)

	ops, _ := e.queue.List()
	if len(ops) != 1 || ops[0].Status != models.OpStatusFailed || !ops[0].Conflict {
		t.Fatalf("expected one parked conflict op, got %+v", ops)
	}

	rec, _ := e.coordinator.Read(models.CollectionProperties, "prop-1")
	if rec.SyncState != models.SyncStateError || !rec.Conflict {
		t.Errorf("expected error+conflict on the record, got state=%s conflict=%v", rec.SyncState, rec.Conflict)
	}

	// The local payload is preserved for manual resolution.
	payload, _ := models.DecodePayload(rec.Payload)
	if payload["address"] != "new" {
		t.Errorf("local change was overwritten: %v", payload)
	}

	// Retry after the server side is fixed.
	fr.setRespond(nil)
	ops, _ = e.queue.List()
	if err := e.queue.Retry(ops[0].Seq); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	e.syncAndWait(t)
	rec, _ = e.coordinator.Read(models.CollectionProperties, "prop-1")
	if rec.SyncState != models.SyncStateSynced || rec.Conflict {
		t.Errorf("expected synced after retry, got state=%s conflict=%v", rec.SyncState, rec.Conflict)
	}
}

func TestQueueSurvivesEngineRestart(t *testing.T) {
	s := store.NewMemStore(0)
	first := startEngine(t, s, &fakeRemote{}, fastSyncConfig())

	id, err := first.coordinator.Write(models.CollectionTimeEntries, models.OpCreate, "te-1", map[string]interface{}{
		"propertyId": "prop-1", "startedAt": "2026-08-29T08:00:00Z",
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	first.coordinator.Stop()

	// A fresh engine over the same store picks the queue up where it was.
	fr := &fakeRemote{}
	second := startEngine(t, s, fr, fastSyncConfig())
	second.goOnline(t)
	second.syncAndWait(t)

	ops := fr.operations()
	if len(ops) != 1 || ops[0].TargetID != id {
		t.Fatalf("restarted engine did not replay the queued op: %+v", ops)
	}
	rec, err := second.coordinator.Read(models.CollectionTimeEntries, id)
	if err != nil {
		t.Fatalf("record missing after restart drain: %v", err)
	}
	if rec.SyncState != models.SyncStateSynced {
		t.Errorf("expected synced, got %s", rec.SyncState)
	}
}

func TestStorageExhaustionSurfacesAndQueuesNothing(t *testing.T) {
	// Room for the record but not its queue entry: the whole write must
	// fail and roll back.
	s := store.NewMemStore(1)
	e := startEngine(t, s, &fakeRemote{}, fastSyncConfig())

	_, err := e.coordinator.Write(models.CollectionPhotos, models.OpCreate, "", map[string]interface{}{
		"phaseId": "ph-1", "uri": "file:///p.jpg",
	})
	if !errors.Is(err, store.ErrStorageExhausted) {
		t.Fatalf("expected ErrStorageExhausted, got %v", err)
	}

	if n, _ := s.CountRecords(models.CollectionPhotos); n != 0 {
		t.Errorf("record survived a failed write, count=%d", n)
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("queue entry survived a failed write, count=%d", n)
	}
}

func TestDeleteOfLocalOnlyRecordCancelsQueue(t *testing.T) {
	fr := &fakeRemote{}
	e := startEngine(t, store.NewMemStore(0), fr, fastSyncConfig())

	id, err := e.coordinator.Write(models.CollectionPhotos, models.OpCreate, "", map[string]interface{}{
		"phaseId": "ph-1", "uri": "file:///p.jpg",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := e.coordinator.Write(models.CollectionPhotos, models.OpDelete, id, nil); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("expected the create/delete pair to cancel out, got %d queued ops", n)
	}

	e.goOnline(t)
	e.syncAndWait(t)
	if len(fr.operations()) != 0 {
		t.Errorf("server saw operations for a record it never knew: %+v", fr.operations())
	}
}

func TestDeleteOfSyncedRecordQueuesDeleteOp(t *testing.T) {
	s := store.NewMemStore(0)
	seedSynced(t, s, models.CollectionPhotos, "photo-1", `{"phaseId":"ph-1","uri":"file:///p.jpg"}`, 2)
	fr := &fakeRemote{}
	e := startEngine(t, s, fr, fastSyncConfig())

	if _, err := e.coordinator.Write(models.CollectionPhotos, models.OpDelete, "photo-1", nil); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := e.coordinator.Read(models.CollectionPhotos, "photo-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still readable after optimistic delete: %v", err)
	}

	e.goOnline(t)
	e.syncAndWait(t)

	ops := fr.operations()
	if len(ops) != 1 || ops[0].Kind != string(models.OpDelete) || ops[0].TargetID != "photo-1" {
		t.Fatalf("expected one delete op, got %+v", ops)
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("delete op not acked, queue=%d", n)
	}
}

func TestLastWriteWinsResubmitsNewerLocalChange(t *testing.T) {
	cfg := fastSyncConfig()
	cfg.ConflictResolution = config.ConflictLastWriteWins

	fr := &fakeRemote{}
	var conflictOnce gosync.Once
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		var conflicted bool
		conflictOnce.Do(func() { conflicted = true })
		if conflicted {
			return nil, &remote.Error{Kind: remote.KindConflict, StatusCode: 409, Message: "version mismatch"}
		}
		payload, _ := json.Marshal(op.Payload)
		return &remote.Record{ID: op.TargetID, Version: op.BaseVersion + 1, Payload: payload, UpdatedAt: time.Now().UTC()}, nil
	})
	fr.fetched = func(ctx context.Context, collection string, query map[string]string) ([]remote.Record, error) {
		// Remote copy is older than the local edit.
		return []remote.Record{{ID: "prop-1", Version: 7, Payload: []byte(`{"address":"stale"}`), UpdatedAt: time.Now().Add(-time.Hour).UTC()}}, nil
	}

	s := store.NewMemStore(0)
	seedSynced(t, s, models.CollectionProperties, "prop-1", `{"address":"old"}`, 3)
	e := startEngine(t, s, fr, cfg)

	if _, err := e.coordinator.Write(models.CollectionProperties, models.OpUpdate, "prop-1", map[string]interface{}{"address": "new"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	e.goOnline(t)
	e.syncAndWait(t)

	rec, err := e.coordinator.Read(models.CollectionProperties, "prop-1")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.SyncState != models.SyncStateSynced || rec.Conflict {
		t.Errorf("expected the newer local change to win, got state=%s conflict=%v", rec.SyncState, rec.Conflict)
	}

	ops := fr.operations()
	last := ops[len(ops)-1]
	if last.BaseVersion != 7 {
		t.Errorf("resubmission did not adopt the remote version as baseline: %+v", last)
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestRefreshSkipsRecordsWithLocalEdits(t *testing.T) {
	fr := &fakeRemote{}
	fr.fetched = func(ctx context.Context, collection string, query map[string]string) ([]remote.Record, error) {
		now := time.Now().UTC()
		return []remote.Record{
			{ID: "prop-1", Version: 9, Payload: []byte(`{"address":"remote wins"}`), UpdatedAt: now},
			{ID: "prop-2", Version: 2, Payload: []byte(`{"address":"fresh"}`), UpdatedAt: now},
		}, nil
	}
	s := store.NewMemStore(0)
	seedSynced(t, s, models.CollectionProperties, "prop-1", `{"address":"old"}`, 3)
	e := startEngine(t, s, fr, fastSyncConfig())

	// A pending local edit must shield prop-1 from the refresh.
	if _, err := e.coordinator.Write(models.CollectionProperties, models.OpUpdate, "prop-1", map[string]interface{}{"address": "local edit"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	applied, err := e.coordinator.Refresh(context.Background(), models.CollectionProperties)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected only the new record applied, got %d", applied)
	}

	rec, _ := e.coordinator.Read(models.CollectionProperties, "prop-1")
	payload, _ := models.DecodePayload(rec.Payload)
	if payload["address"] != "local edit" {
		t.Errorf("refresh clobbered a pending local edit: %v", payload)
	}

	fresh, err := e.coordinator.Read(models.CollectionProperties, "prop-2")
	if err != nil {
		t.Fatalf("refreshed record missing: %v", err)
	}
	if fresh.SyncState != models.SyncStateSynced || fresh.Version != 2 {
		t.Errorf("refreshed record wrong: %+v", fresh)
	}
}

// uploadGateStore wraps a store and stalls the first record write that
// carries the uploading state, exposing the window between a replay's state
// transition and a concurrent user edit.
type uploadGateStore struct {
	store.Store
	mu       gosync.Mutex
	armed    bool
	entered  chan struct{}
	released chan struct{}
}

func newUploadGateStore(inner store.Store) *uploadGateStore {
	return &uploadGateStore{
		Store:    inner,
		armed:    true,
		entered:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (g *uploadGateStore) gateOn(rec *models.Record) {
	g.mu.Lock()
	if !g.armed || rec.SyncState != models.SyncStateUploading {
		g.mu.Unlock()
		return
	}
	g.armed = false
	g.mu.Unlock()
	close(g.entered)
	<-g.released
}

func (g *uploadGateStore) PutRecord(rec *models.Record) error {
	g.gateOn(rec)
	return g.Store.PutRecord(rec)
}

func (g *uploadGateStore) Transact(fn func(tx store.Store) error) error {
	return g.Store.Transact(func(tx store.Store) error {
		return fn(&uploadGateTx{Store: tx, g: g})
	})
}

type uploadGateTx struct {
	store.Store
	g *uploadGateStore
}

func (t *uploadGateTx) PutRecord(rec *models.Record) error {
	t.g.gateOn(rec)
	return t.Store.PutRecord(rec)
}

func (t *uploadGateTx) Transact(fn func(tx store.Store) error) error {
	return fn(t)
}

func TestEditDuringUploadTransitionSurvivesDrain(t *testing.T) {
	inner := store.NewMemStore(0)
	seedSynced(t, inner, models.CollectionProperties, "prop-1", `{"address":"original"}`, 1)
	gs := newUploadGateStore(inner)
	e := startEngine(t, gs, &fakeRemote{}, fastSyncConfig())

	if _, err := e.coordinator.Write(models.CollectionProperties, models.OpUpdate, "prop-1", map[string]interface{}{"address": "v1"}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	e.goOnline(t)
	select {
	case <-gs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("replay never marked the record uploading")
	}

	// A user edit lands while the replay is writing its state transition.
	// Whatever ordering the store settles on, the edit must not be
	// overwritten by a stale pre-replay snapshot.
	writeDone := make(chan error, 1)
	go func() {
		_, err := e.coordinator.Write(models.CollectionProperties, models.OpUpdate, "prop-1", map[string]interface{}{"address": "v2"})
		writeDone <- err
	}()
	time.Sleep(100 * time.Millisecond)
	close(gs.released)

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent update never finished")
	}
	e.syncAndWait(t)

	rec, err := e.coordinator.Read(models.CollectionProperties, "prop-1")
	if err != nil {
		t.Fatalf("record missing after drain: %v", err)
	}
	payload, _ := models.DecodePayload(rec.Payload)
	if payload["address"] != "v2" {
		t.Errorf("drain clobbered the concurrent edit: %v", payload)
	}
	if rec.SyncState != models.SyncStateSynced {
		t.Errorf("expected synced after both updates replayed, got %s", rec.SyncState)
	}
	if n, _ := e.queue.PendingCount(); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestConflictResolutionStopsWithDrainContext(t *testing.T) {
	cfg := fastSyncConfig()
	cfg.ConflictResolution = config.ConflictLastWriteWins
	cfg.OpTimeoutSec = 120

	fetchEntered := make(chan struct{})
	fetchReturned := make(chan struct{})
	fr := &fakeRemote{}
	fr.setRespond(func(op remote.Operation) (*remote.Record, error) {
		return nil, &remote.Error{Kind: remote.KindConflict, StatusCode: 409, Message: "version mismatch"}
	})
	fr.fetched = func(ctx context.Context, collection string, query map[string]string) ([]remote.Record, error) {
		close(fetchEntered)
		<-ctx.Done()
		close(fetchReturned)
		return nil, ctx.Err()
	}

	s := store.NewMemStore(0)
	seedSynced(t, s, models.CollectionProperties, "prop-1", `{"address":"old"}`, 3)
	monitor := NewMonitor(&fakeProber{}, time.Second, nil)
	queue := NewMutationQueue(s, cfg, nil)
	c := NewCoordinator(s, queue, fr, monitor, cfg, config.Identity{InstanceID: "test-device"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	t.Cleanup(c.Stop)

	if _, err := c.Write(models.CollectionProperties, models.OpUpdate, "prop-1", map[string]interface{}{"address": "new"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	monitor.SetReachable(ctx, true)

	select {
	case <-fetchEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("conflict resolution never fetched the remote record")
	}

	cancel()
	select {
	case <-fetchReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("conflict resolution outlived the engine context")
	}

	// The entry parks instead of vanishing mid-resolution.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ops, _ := queue.List()
		if len(ops) == 1 && ops[0].Status == models.OpStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued op not parked after the aborted resolution: %+v", ops)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func seedSynced(t *testing.T, s store.Store, collection, id, payload string, version int64) {
	t.Helper()
	err := s.PutRecord(&models.Record{
		Collection:   collection,
		RecordID:     id,
		Payload:      []byte(payload),
		SyncState:    models.SyncStateSynced,
		Version:      version,
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}
