// Package remote defines the boundary to the backend store. The sync core
// only depends on the Client interface and the error taxonomy; the concrete
// API shape is confined to the HTTP implementation.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a remote failure for the sync coordinator.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts and server-side 5xx
	// equivalents. Retried with backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent covers validation and auth rejections. Never retried
	// automatically; the payload is retained for user attention.
	KindPermanent ErrorKind = "permanent"

	// KindConflict means the remote record diverged from the local
	// baseline the operation was built against.
	KindConflict ErrorKind = "conflict"
)

// Error is a classified remote failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

// Classify returns the ErrorKind for an error from a Client call. Anything
// that is not a classified *Error is treated as transient, which keeps plain
// network failures on the retry path.
func Classify(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// Operation is one queued mutation submitted for replay.
type Operation struct {
	Collection  string                 `json:"collection"`
	Kind        string                 `json:"kind"` // create, update, delete
	TargetID    string                 `json:"targetId"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	BaseVersion int64                  `json:"baseVersion"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Record is the server-side representation returned by Fetch and Apply.
type Record struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Client performs the actual network read/write against the backend. It is
// treated as an opaque, possibly slow, possibly failing dependency.
type Client interface {
	// Fetch returns the remote records of a collection matching query.
	Fetch(ctx context.Context, collection string, query map[string]string) ([]Record, error)

	// Apply replays one mutation. For creates the returned record carries
	// the server-assigned id, which may differ from the client id.
	Apply(ctx context.Context, op Operation) (*Record, error)
}
