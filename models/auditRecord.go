package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"gorm.io/gorm"
)

// AuditRecord is one row per committed operation: who ran what, the lines it
// carried, and the summary snapshots before and after. Written in the same
// transaction as the ledger entries so the audit trail cannot disagree with
// the ledger.
type AuditRecord struct {
	ID            int           `gorm:"primary_key" json:"id"`
	BusinessId    string        `gorm:"size:64;index;not null" json:"business_id"`
	OperationId   string        `gorm:"size:36;index;not null" json:"operation_id"`
	OperationKind OperationKind `gorm:"size:30;not null" json:"operation_kind"`
	ReferenceId   string        `gorm:"size:100" json:"reference_id"`
	Description   string        `gorm:"size:255" json:"description"`
	Payload       string        `gorm:"type:json" json:"payload"`
	BeforeState   string        `gorm:"type:json" json:"before_state"`
	AfterState    string        `gorm:"type:json" json:"after_state"`
	UserId        int           `gorm:"index" json:"user_id"`
	UserName      string        `gorm:"size:100" json:"user_name"`
	CorrelationId string        `gorm:"size:36" json:"correlation_id"`
	CreatedAt     time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
}

// CreateAuditRecordTx writes the audit row from within the operation's
// transaction, pulling the actor and correlation id from the request context.
func CreateAuditRecordTx(ctx context.Context, tx *gorm.DB, record *AuditRecord) error {
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		record.UserId = userId
	}
	if userName, ok := utils.GetUserNameFromContext(ctx); ok {
		record.UserName = userName
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		record.CorrelationId = correlationId
	}
	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return NewStorageFailure("audit.create", err)
	}
	return nil
}

// AuditRecordsFor lists the audit trail for a business, newest first.
func AuditRecordsFor(ctx context.Context, businessId string, limit int) ([]*AuditRecord, error) {
	if businessId == "" {
		return nil, NewValidationError("business id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	db := config.GetDB()
	var records []*AuditRecord
	if err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, NewStorageFailure("audit.list", err)
	}
	return records, nil
}
