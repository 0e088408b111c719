package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product carries the catalog data the engine needs: the catalog price the
// sync gateway compares client-supplied sale prices against, and the reorder
// level behind the low-stock scan. Product lifecycle management lives in the
// catalog service; this table is its read model here.
type Product struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;index;not null" json:"business_id"`
	Name         string          `gorm:"size:255;not null" json:"name"`
	Sku          string          `gorm:"size:100;index" json:"sku"`
	CatalogPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"catalog_price"`
	UnitCost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	ReorderLevel decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reorder_level"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetProduct(ctx context.Context, businessId string, productId int) (*Product, error) {
	db := config.GetDB()
	var product Product
	err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, productId).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, NewStorageFailure("product.get", err)
	}
	return &product, nil
}

// GetProductsByIds loads a batch of products keyed by id; missing ids are
// simply absent from the map, the caller decides whether that is an error.
func GetProductsByIds(tx *gorm.DB, businessId string, productIds []int) (map[int]*Product, error) {
	ids := utils.UniqueSlice(productIds)
	if len(ids) == 0 {
		return map[int]*Product{}, nil
	}
	var products []*Product
	if err := tx.
		Where("business_id = ? AND id IN ?", businessId, ids).
		Find(&products).Error; err != nil {
		return nil, NewStorageFailure("product.getByIds", err)
	}
	result := make(map[int]*Product, len(products))
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}
