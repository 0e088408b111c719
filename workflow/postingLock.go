package workflow

import (
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// AcquireProductPostingLock serializes posting per (business, product) across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the posting transaction.
func AcquireProductPostingLock(tx *gorm.DB, businessId string, productId int) error {
	lockName := fmt.Sprintf("posting:%s:%d", businessId, productId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for business_id=%s product_id=%d", businessId, productId)
	}
	return nil
}

func ReleaseProductPostingLock(tx *gorm.DB, businessId string, productId int) {
	lockName := fmt.Sprintf("posting:%s:%d", businessId, productId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// acquireProductPostingLocks takes the locks for a set of products in sorted
// id order. Consistent ordering across all writers rules out lock-order
// deadlocks between concurrent multi-line operations.
func acquireProductPostingLocks(tx *gorm.DB, businessId string, productIds []int) ([]int, error) {
	sorted := append([]int(nil), productIds...)
	sort.Ints(sorted)
	acquired := make([]int, 0, len(sorted))
	for _, id := range sorted {
		if err := AcquireProductPostingLock(tx, businessId, id); err != nil {
			releaseProductPostingLocks(tx, businessId, acquired)
			return nil, err
		}
		acquired = append(acquired, id)
	}
	return acquired, nil
}

func releaseProductPostingLocks(tx *gorm.DB, businessId string, productIds []int) {
	// Release in reverse acquisition order.
	for i := len(productIds) - 1; i >= 0; i-- {
		ReleaseProductPostingLock(tx, businessId, productIds[i])
	}
}
