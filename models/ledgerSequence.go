package models

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerSequence is the per-business atomic counter backing ledger ordering.
// One row per business, created on first append, never reset. The row is the
// serialization point for sequence assignment; it is always read FOR UPDATE
// inside the appending transaction.
type LedgerSequence struct {
	BusinessId  string    `gorm:"primaryKey;size:64" json:"business_id"`
	NextValue   int64     `gorm:"not null;default:1" json:"next_value"`
	LastEntryAt time.Time `gorm:"type:datetime(6)" json:"last_entry_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// IsDuplicateKeyError reports a MySQL unique-index violation (errno 1062).
// The sync gateway relies on it to turn an insert race on the idempotency
// index into a DUPLICATE outcome instead of an error.
func IsDuplicateKeyError(err error) bool {
	return isDuplicateKeyErr(err)
}

// reserveLedgerSequences allocates n consecutive sequence numbers for the
// business and returns the first one together with a server timestamp that is
// strictly later than any timestamp handed out before it.
func reserveLedgerSequences(tx *gorm.DB, businessId string, n int) (int64, time.Time, error) {
	var seq LedgerSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seq = LedgerSequence{BusinessId: businessId, NextValue: 1}
		if cerr := tx.Create(&seq).Error; cerr != nil {
			if !isDuplicateKeyErr(cerr) {
				return 0, time.Time{}, cerr
			}
			// Another transaction created the row first; lock it.
			if ferr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ?", businessId).
				First(&seq).Error; ferr != nil {
				return 0, time.Time{}, ferr
			}
		}
	} else if err != nil {
		return 0, time.Time{}, err
	}

	entryAt := time.Now().UTC()
	// Clock skew between instances must not break per-business monotonicity.
	if !entryAt.After(seq.LastEntryAt) {
		entryAt = seq.LastEntryAt.Add(time.Millisecond)
	}
	last := entryAt.Add(time.Duration(n-1) * time.Microsecond)

	first := seq.NextValue
	if uerr := tx.Model(&LedgerSequence{}).
		Where("business_id = ?", businessId).
		Updates(map[string]interface{}{
			"next_value":    seq.NextValue + int64(n),
			"last_entry_at": last,
		}).Error; uerr != nil {
		return 0, time.Time{}, uerr
	}
	return first, entryAt, nil
}
