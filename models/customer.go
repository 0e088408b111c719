package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Customer holds the balance/credit fields the engine touches when a sale is
// applied. Credit enforcement is advisory for completed offline transactions:
// a sale pushing the balance past the limit is still applied and the account
// is flagged for review instead of being rejected.
type Customer struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BusinessId         string          `gorm:"size:64;index;not null" json:"business_id"`
	Name               string          `gorm:"size:255;not null" json:"name"`
	OutstandingBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outstanding_balance"`
	CreditLimit        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit_limit"`
	FlaggedForReview   *bool           `gorm:"not null;default:false" json:"flagged_for_review"`
	FlaggedReason      *string         `gorm:"type:text" json:"flagged_reason"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ApplyCustomerCharge adds a sale amount to the customer's outstanding
// balance inside the operation's transaction. When the new balance exceeds a
// positive credit limit the row is flagged; the charge still goes through.
// Returns whether the account is now flagged.
func ApplyCustomerCharge(tx *gorm.DB, businessId string, customerId int, amount decimal.Decimal) (bool, error) {
	var customer Customer
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, customerId).
		First(&customer).Error; err != nil {
		tx.Rollback()
		return false, NewStorageFailure("customer.charge", err)
	}

	newBalance := customer.OutstandingBalance.Add(amount)
	updates := map[string]interface{}{
		"outstanding_balance": newBalance,
	}
	flagged := customer.CreditLimit.IsPositive() && newBalance.GreaterThan(customer.CreditLimit)
	if flagged {
		reason := "credit limit exceeded by offline sale"
		updates["flagged_for_review"] = true
		updates["flagged_reason"] = &reason
	}
	if err := tx.Model(&Customer{}).
		Where("id = ?", customer.ID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return false, NewStorageFailure("customer.charge", err)
	}
	return flagged, nil
}
