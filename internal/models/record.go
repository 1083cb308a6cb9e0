package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncState represents the local sync state of a record
type SyncState string

const (
	SyncStateSynced    SyncState = "synced"
	SyncStatePending   SyncState = "pending"
	SyncStateUploading SyncState = "uploading"
	SyncStateError     SyncState = "error"
)

// Record is the schema-agnostic envelope for every locally cached entity.
// Collection-specific fields live in the JSON payload; the sync machinery
// only ever touches the envelope.
type Record struct {
	ID           uint           `gorm:"primaryKey" json:"-"`
	Collection   string         `gorm:"type:varchar(100);not null;uniqueIndex:idx_collection_record" json:"collection"`
	RecordID     string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_collection_record" json:"recordId"`
	Payload      datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	SyncState    SyncState      `gorm:"type:varchar(20);not null;default:'synced';index:idx_sync_state" json:"syncState"`
	Conflict     bool           `gorm:"default:false" json:"conflict"`
	Version      int64          `gorm:"default:0" json:"version"`
	LastModified time.Time      `gorm:"not null" json:"lastModified"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TableName specifies the table name
func (Record) TableName() string {
	return "records"
}

// BeforeCreate hook
func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.LastModified.IsZero() {
		r.LastModified = time.Now().UTC()
	}
	return nil
}
