package models

import (
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"gorm.io/gorm"
)

// OutboxEvent is the transactional outbox row written in the same transaction
// as the operation it describes. The dispatcher publishes rows after commit,
// so downstream consumers never learn about a unit that rolled back.
type OutboxEvent struct {
	ID                  int                `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId          string             `gorm:"size:64;not null;index" json:"business_id"`
	TransactionDateTime time.Time          `gorm:"index;not null" json:"transaction_date_time"`
	OperationId         string             `gorm:"size:36;index;not null" json:"operation_id"`
	ReferenceType       StockReferenceType `gorm:"type:enum('BL','IV','CN','IVAQ')" json:"reference_type"`
	Action              string             `gorm:"type:enum('C','U','D');default:'C'" json:"action"`
	Payload             []byte             `gorm:"type:blob" json:"payload"`
	PublishStatus       string             `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt         *time.Time         `gorm:"index" json:"published_at"`
	PubSubMessageId     *string            `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts     int                `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt       *time.Time         `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt            *time.Time         `gorm:"index" json:"locked_at"`
	LockedBy            *string            `gorm:"size:100" json:"locked_by"`
	LastPublishError    *string            `gorm:"type:text" json:"last_publish_error"`
	CorrelationId       string             `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt           time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToLedgerEventMessage(event OutboxEvent) config.LedgerEventMessage {
	return config.LedgerEventMessage{
		ID:                  event.ID,
		BusinessId:          event.BusinessId,
		TransactionDateTime: event.TransactionDateTime,
		OperationId:         event.OperationId,
		ReferenceType:       string(event.ReferenceType),
		Action:              event.Action,
		Payload:             event.Payload,
		CorrelationId:       event.CorrelationId,
	}
}

// CreateOutboxEventTx enqueues the event inside the operation's transaction.
func CreateOutboxEventTx(tx *gorm.DB, event *OutboxEvent) error {
	if err := tx.Create(event).Error; err != nil {
		tx.Rollback()
		return NewStorageFailure("outbox.create", err)
	}
	return nil
}
