// Package sync implements the offline mutation queue and the coordinator
// that drains it against the remote store.
package sync

import (
	"time"

	"github.com/proptrak/proptrakgo/internal/models"
)

// RecordEvent describes one sync-state transition of a locally cached record.
type RecordEvent struct {
	Collection string           `json:"collection"`
	RecordID   string           `json:"recordId"`
	State      models.SyncState `json:"state"`
	Conflict   bool             `json:"conflict"`
	At         time.Time        `json:"at"`
}

// Notifier receives push-style notifications for every observable state
// change, so status consumers never re-poll the store from scratch. All
// methods must be cheap and non-blocking.
type Notifier interface {
	RecordChanged(ev RecordEvent)
	QueueChanged(pending int64)
	ConnectivityChanged(online bool)
	DrainFinished(summary DrainSummary)
}

// DrainSummary reports the outcome of one queue drain.
type DrainSummary struct {
	Applied   int       `json:"applied"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicts"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}
