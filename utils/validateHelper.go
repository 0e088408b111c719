package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs `validate` struct tags on the input. Returned errors
// are validator.ValidationErrors; callers format them for the client.
func ValidateStruct(input interface{}) error {
	return validate.Struct(input)
}

// ValidateResourceId checks if id exists, using ctx's business_id in WHERE,
// returns ErrorRecordNotFound when missing.
func ValidateResourceId[T any](ctx context.Context, businessId string, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, businessId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// ResourceCountWhere counts records, using WHERE business_id = ? AND $condition.
// business_id can be blank for internal ops tools.
func ResourceCountWhere[T any](ctx context.Context, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	var count int64
	if businessId != "" {
		dbCtx.Where("business_id = ?", businessId)
	}
	dbCtx.Where(condition, value...)
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
