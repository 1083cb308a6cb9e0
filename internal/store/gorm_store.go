package store

import (
	"errors"
	"strings"

	"github.com/proptrak/proptrakgo/internal/models"
	"gorm.io/gorm"
)

// GormStore is the durable Store implementation over the device database
// (embedded PostgreSQL in zero-config mode, external PostgreSQL otherwise).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore over an open GORM handle. The schema for
// records and pending operations must already be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetRecord(collection, id string) (*models.Record, error) {
	var rec models.Record
	err := s.db.Where("collection = ? AND record_id = ?", collection, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return &rec, nil
}

func (s *GormStore) ListRecords(collection string) ([]models.Record, error) {
	var recs []models.Record
	err := s.db.Where("collection = ?", collection).Order("record_id").Find(&recs).Error
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return recs, nil
}

func (s *GormStore) PutRecord(rec *models.Record) error {
	var existing models.Record
	err := s.db.Where("collection = ? AND record_id = ?", rec.Collection, rec.RecordID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return mapStorageErr(s.db.Create(rec).Error)
	case err != nil:
		return mapStorageErr(err)
	default:
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		return mapStorageErr(s.db.Save(rec).Error)
	}
}

func (s *GormStore) RemoveRecord(collection, id string) error {
	res := s.db.Where("collection = ? AND record_id = ?", collection, id).Delete(&models.Record{})
	if res.Error != nil {
		return mapStorageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountRecords(collection string) (int64, error) {
	var n int64
	err := s.db.Model(&models.Record{}).Where("collection = ?", collection).Count(&n).Error
	return n, mapStorageErr(err)
}

func (s *GormStore) AppendOperation(op *models.PendingOperation) error {
	return mapStorageErr(s.db.Create(op).Error)
}

func (s *GormStore) GetOperation(seq uint64) (*models.PendingOperation, error) {
	var op models.PendingOperation
	err := s.db.First(&op, seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return &op, nil
}

func (s *GormStore) ListOperations() ([]models.PendingOperation, error) {
	var ops []models.PendingOperation
	err := s.db.Order("seq").Find(&ops).Error
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return ops, nil
}

func (s *GormStore) UpdateOperation(op *models.PendingOperation) error {
	return mapStorageErr(s.db.Save(op).Error)
}

func (s *GormStore) DeleteOperation(seq uint64) error {
	res := s.db.Delete(&models.PendingOperation{}, seq)
	if res.Error != nil {
		return mapStorageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountOperations() (int64, error) {
	var n int64
	err := s.db.Model(&models.PendingOperation{}).Count(&n).Error
	return n, mapStorageErr(err)
}

func (s *GormStore) Transact(fn func(tx Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) Durable() bool {
	return true
}

// mapStorageErr converts database-level failures into store sentinels.
// SQLSTATE 53100 is "disk full" in PostgreSQL.
func mapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "SQLSTATE 53100") {
		return ErrStorageExhausted
	}
	return err
}
