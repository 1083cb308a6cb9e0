package sync

import (
	gosync "sync"
	"time"

	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/store"
)

// EngineState is the coarse status shown to the user.
type EngineState string

const (
	EngineOffline EngineState = "offline"
	EngineSyncing EngineState = "syncing"
	EngineOnline  EngineState = "online"
)

// Snapshot is the point-in-time status of the whole sync subsystem.
type Snapshot struct {
	Online       bool             `json:"online"`
	State        EngineState      `json:"state"`
	Durable      bool             `json:"durable"`
	PendingCount int64            `json:"pendingCount"`
	ErrorCount   int64            `json:"errorCount"`
	Counts       map[string]int64 `json:"counts"`
	LastSyncAt   *time.Time       `json:"lastSyncAt"`
}

// RecordStatus is the per-record status for badge rendering.
type RecordStatus struct {
	Collection string           `json:"collection"`
	RecordID   string           `json:"recordId"`
	State      models.SyncState `json:"state"`
	Conflict   bool             `json:"conflict"`
}

// StatusListener receives pushed status updates. Implementations must not
// block; the surface calls them inline on the notifying goroutine.
type StatusListener interface {
	StatusChanged(snap Snapshot)
	RecordStatusChanged(ev RecordEvent)
}

// Surface implements Notifier and fans status out to registered listeners.
// It is a projection over the queue, the monitor and the coordinator and
// keeps no sync state of its own, so it can never disagree with them.
type Surface struct {
	store       store.Store
	queue       *MutationQueue
	monitor     *Monitor
	coordinator *Coordinator

	mu        gosync.Mutex
	listeners map[int]StatusListener
	nextID    int
}

// NewSurface creates an unbound Surface. It is constructed before the queue,
// monitor and coordinator because all three take it as their notifier; call
// Bind once they exist, before any status is read or pushed.
func NewSurface() *Surface {
	return &Surface{
		listeners: make(map[int]StatusListener),
	}
}

// Bind attaches the components the surface projects over.
func (s *Surface) Bind(st store.Store, queue *MutationQueue, monitor *Monitor, coordinator *Coordinator) {
	s.mu.Lock()
	s.store = st
	s.queue = queue
	s.monitor = monitor
	s.coordinator = coordinator
	s.mu.Unlock()
}

// AddListener registers a listener and returns a removal function.
func (s *Surface) AddListener(l StatusListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Snapshot assembles the current global status.
func (s *Surface) Snapshot() Snapshot {
	s.mu.Lock()
	st, queue, monitor, c := s.store, s.queue, s.monitor, s.coordinator
	s.mu.Unlock()

	snap := Snapshot{State: EngineOffline}
	if monitor != nil {
		snap.Online = monitor.Online()
	}
	if queue != nil {
		if n, err := queue.PendingCount(); err == nil {
			snap.PendingCount = n
		}
		if n, err := queue.ErrorCount(); err == nil {
			snap.ErrorCount = n
		}
	}
	if st != nil {
		snap.Counts = make(map[string]int64)
		for _, collection := range []string{
			models.CollectionProperties, models.CollectionPhases, models.CollectionPhotos,
			models.CollectionCustomers, models.CollectionTimeEntries,
		} {
			if n, err := st.CountRecords(collection); err == nil {
				snap.Counts[collection] = n
			}
		}
	}
	if c != nil {
		snap.Durable = c.Durable()
		snap.LastSyncAt = c.LastSyncAt()
		if snap.Online {
			if c.State() == StateDraining {
				snap.State = EngineSyncing
			} else {
				snap.State = EngineOnline
			}
		}
	} else if snap.Online {
		snap.State = EngineOnline
	}
	return snap
}

// RecordStatusOf returns the badge status for one record.
func (s *Surface) RecordStatusOf(rec *models.Record) RecordStatus {
	return RecordStatus{
		Collection: rec.Collection,
		RecordID:   rec.RecordID,
		State:      rec.SyncState,
		Conflict:   rec.Conflict,
	}
}

// PerRecordStatus returns the badge status of every record in a collection,
// keyed by record id.
func (s *Surface) PerRecordStatus(collection string) (map[string]RecordStatus, error) {
	s.mu.Lock()
	st := s.store
	s.mu.Unlock()

	recs, err := st.ListRecords(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string]RecordStatus, len(recs))
	for i := range recs {
		out[recs[i].RecordID] = s.RecordStatusOf(&recs[i])
	}
	return out, nil
}

// RecordChanged implements Notifier.
func (s *Surface) RecordChanged(ev RecordEvent) {
	for _, l := range s.snapshotListeners() {
		l.RecordStatusChanged(ev)
	}
}

// QueueChanged implements Notifier.
func (s *Surface) QueueChanged(pending int64) {
	s.pushSnapshot()
}

// ConnectivityChanged implements Notifier.
func (s *Surface) ConnectivityChanged(online bool) {
	s.pushSnapshot()
}

// DrainFinished implements Notifier.
func (s *Surface) DrainFinished(summary DrainSummary) {
	s.pushSnapshot()
}

func (s *Surface) pushSnapshot() {
	snap := s.Snapshot()
	for _, l := range s.snapshotListeners() {
		l.StatusChanged(snap)
	}
}

func (s *Surface) snapshotListeners() []StatusListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}
