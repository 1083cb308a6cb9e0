package sync

import (
	gosync "sync"
	"testing"
	"time"

	"github.com/proptrak/proptrakgo/internal/config"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/store"
)

type recordingListener struct {
	mu      gosync.Mutex
	snaps   []Snapshot
	records []RecordEvent
}

func (l *recordingListener) StatusChanged(snap Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, snap)
	l.mu.Unlock()
}

func (l *recordingListener) RecordStatusChanged(ev RecordEvent) {
	l.mu.Lock()
	l.records = append(l.records, ev)
	l.mu.Unlock()
}

func (l *recordingListener) lastSnap() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.snaps) == 0 {
		return Snapshot{}, false
	}
	return l.snaps[len(l.snaps)-1], true
}

func newBoundSurface(t *testing.T) (*Surface, *MutationQueue, store.Store) {
	t.Helper()
	s := store.NewMemStore(0)
	surface := NewSurface()
	monitor := NewMonitor(&fakeProber{}, time.Second, surface)
	queue := NewMutationQueue(s, testSyncConfig(), surface)
	coordinator := NewCoordinator(s, queue, &fakeRemote{}, monitor, testSyncConfig(), config.Identity{InstanceID: "test"}, surface)
	surface.Bind(s, queue, monitor, coordinator)
	return surface, queue, s
}

func TestSnapshotReflectsQueueAndConnectivity(t *testing.T) {
	surface, queue, s := newBoundSurface(t)

	snap := surface.Snapshot()
	if snap.Online || snap.State != EngineOffline {
		t.Errorf("expected offline start, got %+v", snap)
	}
	if snap.PendingCount != 0 || snap.ErrorCount != 0 {
		t.Errorf("expected empty counts, got %+v", snap)
	}

	err := s.Transact(func(tx store.Store) error {
		_, err := queue.EnqueueIn(tx, models.CollectionProperties, models.OpCreate, "p1", []byte(`{}`), 0)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	snap = surface.Snapshot()
	if snap.PendingCount != 1 {
		t.Errorf("expected 1 pending, got %+v", snap)
	}
}

func TestListenersReceivePushedUpdates(t *testing.T) {
	surface, queue, s := newBoundSurface(t)

	listener := &recordingListener{}
	remove := surface.AddListener(listener)

	err := s.Transact(func(tx store.Store) error {
		_, err := queue.EnqueueIn(tx, models.CollectionProperties, models.OpCreate, "p1", []byte(`{}`), 0)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	queue.NotifyQueueChanged()

	snap, ok := listener.lastSnap()
	if !ok {
		t.Fatal("no snapshot pushed after a queue change")
	}
	if snap.PendingCount != 1 {
		t.Errorf("pushed snapshot has wrong pending count: %+v", snap)
	}

	surface.RecordChanged(RecordEvent{Collection: models.CollectionProperties, RecordID: "p1", State: models.SyncStatePending})
	listener.mu.Lock()
	gotRecords := len(listener.records)
	listener.mu.Unlock()
	if gotRecords != 1 {
		t.Errorf("expected 1 record event, got %d", gotRecords)
	}

	// Removed listeners stop receiving.
	remove()
	queue.NotifyQueueChanged()
	listener.mu.Lock()
	snapCount := len(listener.snaps)
	listener.mu.Unlock()

	queue.NotifyQueueChanged()
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.snaps) != snapCount {
		t.Error("removed listener still receives snapshots")
	}
}
