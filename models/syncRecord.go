package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"gorm.io/gorm"
)

// SyncRecord is the durable idempotency record for one client-originated
// submission. The unique (business_id, client_origin_id) index is what makes
// the exactly-once-effect guarantee hold across concurrent resubmissions: the
// second writer loses the insert race and downgrades to a duplicate response.
type SyncRecord struct {
	ID             int               `gorm:"primary_key" json:"id"`
	BusinessId     string            `gorm:"size:64;uniqueIndex:uniq_sync_biz_origin,priority:1;not null" json:"business_id"`
	ClientOriginId string            `gorm:"size:255;uniqueIndex:uniq_sync_biz_origin,priority:2;not null" json:"client_origin_id"`
	DeviceId       string            `gorm:"size:100;index" json:"device_id"`
	OperationId    *string           `gorm:"size:36;index" json:"operation_id"`
	Outcome        SyncOutcomeStatus `gorm:"type:enum('APPLIED','DUPLICATE','CONFLICT','REJECTED');not null" json:"outcome"`
	ConflictKind   *string           `gorm:"size:50" json:"conflict_kind"`
	ErrorKind      *string           `gorm:"size:50" json:"error_kind"`
	ErrorDetail    *string           `gorm:"type:text" json:"error_detail"`
	ClientOriginAt *time.Time        `json:"client_origin_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindSyncRecord looks up the prior outcome for a client origin id. Only an
// APPLIED record blocks resubmission; a CONFLICT or REJECTED record is
// returned so the caller can decide, but a corrected retry under the same
// origin id is allowed to run again.
func FindSyncRecord(tx *gorm.DB, businessId string, clientOriginId string) (*SyncRecord, error) {
	var record SyncRecord
	err := tx.
		Where("business_id = ? AND client_origin_id = ?", businessId, clientOriginId).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, NewStorageFailure("sync.find", err)
	}
	return &record, nil
}

// SaveSyncRecord inserts the outcome row, or updates the existing row for the
// same origin id when a retry lands after a non-APPLIED outcome. An insert
// race on the unique index surfaces as a duplicate-key error for the caller
// to translate into a DUPLICATE outcome.
func SaveSyncRecord(tx *gorm.DB, record *SyncRecord) error {
	existing, err := FindSyncRecord(tx, record.BusinessId, record.ClientOriginId)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := tx.Create(record).Error; err != nil {
			return NewStorageFailure("sync.create", err)
		}
		return nil
	}
	if existing.Outcome == SyncOutcomeApplied {
		// Never overwrite a committed outcome.
		*record = *existing
		return nil
	}
	record.ID = existing.ID
	record.CreatedAt = existing.CreatedAt
	if err := tx.Model(&SyncRecord{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"operation_id":  record.OperationId,
			"outcome":       record.Outcome,
			"conflict_kind": record.ConflictKind,
			"error_kind":    record.ErrorKind,
			"error_detail":  record.ErrorDetail,
		}).Error; err != nil {
		return NewStorageFailure("sync.update", err)
	}
	return nil
}

// PurgeSyncRecords deletes records older than the retention window. Clients
// are expected to have drained their queues long before then; a replay after
// purge would re-apply, which retention is sized to make impossible in
// practice.
func PurgeSyncRecords(ctx context.Context, businessId string, olderThan time.Time) (int64, error) {
	if businessId == "" {
		return 0, NewValidationError("business id is required")
	}
	db := config.GetDB()
	result := db.WithContext(ctx).
		Where("business_id = ? AND created_at < ?", businessId, olderThan).
		Delete(&SyncRecord{})
	if result.Error != nil {
		return 0, NewStorageFailure("sync.purge", result.Error)
	}
	return result.RowsAffected, nil
}
