package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OpKind is the kind of a queued mutation
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Queue entry statuses. An entry is "pending" until it is acked (deleted),
// "failed" once retries are exhausted or the remote rejected it, and
// "quarantined" when it violates queue invariants and is parked out of the
// drain loop.
const (
	OpStatusPending     = "pending"
	OpStatusFailed      = "failed"
	OpStatusQuarantined = "quarantined"
)

// PendingOperation is one entry in the durable mutation queue. Seq is the
// insertion order and doubles as the queue ordering key.
type PendingOperation struct {
	Seq         uint64         `gorm:"primaryKey;autoIncrement" json:"seq"`
	Collection  string         `gorm:"type:varchar(100);not null" json:"collection"`
	Kind        OpKind         `gorm:"type:varchar(20);not null" json:"kind"`
	TargetID    string         `gorm:"type:varchar(255);not null;index:idx_op_target" json:"targetId"`
	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	BaseVersion int64          `gorm:"default:0" json:"baseVersion"`
	Status      string         `gorm:"type:varchar(20);not null;default:'pending';index:idx_op_status" json:"status"`
	Conflict    bool           `gorm:"default:false" json:"conflict"`
	Attempts    int            `gorm:"default:0" json:"attempts"`
	ScheduledAt time.Time      `gorm:"not null" json:"scheduledAt"`
	ErrorMsg    string         `gorm:"type:text" json:"errorMsg,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// BeforeCreate hook
func (op *PendingOperation) BeforeCreate(tx *gorm.DB) error {
	if op.ScheduledAt.IsZero() {
		op.ScheduledAt = time.Now().UTC()
	}
	return nil
}

// Unresolved reports whether the entry still represents user data awaiting
// remote confirmation. Only an ack or an explicit discard resolves an entry.
func (op *PendingOperation) Unresolved() bool {
	return op.Status == OpStatusPending || op.Status == OpStatusFailed
}
