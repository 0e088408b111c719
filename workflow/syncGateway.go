package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SyncItem is one operation captured offline by a client, identified by the
// client-generated origin id that makes retries safe.
type SyncItem struct {
	ClientOriginId string     `json:"client_origin_id" validate:"required"`
	OriginatedAt   *time.Time `json:"originated_at"`
	Operation      Operation  `json:"operation" validate:"required"`
}

// SyncBatch is an ordered list of items from one device. Items apply in the
// order given; a failed item does not stop the ones after it.
type SyncBatch struct {
	DeviceId string     `json:"device_id"`
	Items    []SyncItem `json:"items" validate:"required,min=1,dive"`
}

type SyncItemResult struct {
	ClientOriginId string                   `json:"client_origin_id"`
	Outcome        models.SyncOutcomeStatus `json:"outcome"`
	OperationId    *string                  `json:"operation_id,omitempty"`
	ConflictKind   *string                  `json:"conflict_kind,omitempty"`
	ErrorKind      *string                  `json:"error_kind,omitempty"`
	ErrorDetail    *string                  `json:"error_detail,omitempty"`
	CreditFlagged  bool                     `json:"credit_flagged,omitempty"`
}

// SubmitSyncBatch applies a batch of offline operations with exactly-once
// effect per client origin id. The whole batch runs under the business sync
// lock so two devices (or a device retrying against two instances) never
// interleave; within the batch each item is applied best-effort in order and
// gets its own outcome.
//
// Conflict policy for completed offline transactions:
//   - stock shortage: the server state wins, the item comes back CONFLICT
//   - price differs from catalog: the client's captured price wins, the
//     discrepancy is logged for review
//   - credit limit exceeded: the sale is applied and the customer account is
//     flagged for review
func SubmitSyncBatch(ctx context.Context, businessId string, batch *SyncBatch) ([]*SyncItemResult, error) {
	logger := config.GetLogger()
	if businessId == "" {
		return nil, models.NewValidationError("business id is required")
	}
	if err := utils.ValidateStruct(batch); err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}
	if batch.DeviceId != "" {
		ctx = utils.SetClientDeviceIdInContext(ctx, batch.DeviceId)
	}

	logger.WithFields(logrus.Fields{
		"business_id": businessId,
		"device_id":   batch.DeviceId,
		"items":       len(batch.Items),
	}).Info("sync.batch.start")

	results := make([]*SyncItemResult, 0, len(batch.Items))
	err := utils.BusinessLock(ctx, businessId, "sync", "workflow", "SubmitSyncBatch", func() error {
		for i := range batch.Items {
			results = append(results, applySyncItem(ctx, businessId, &batch.Items[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"business_id": businessId,
		"device_id":   batch.DeviceId,
		"items":       len(batch.Items),
	}).Info("sync.batch.end")
	return results, nil
}

func applySyncItem(ctx context.Context, businessId string, item *SyncItem) *SyncItemResult {
	logger := config.GetLogger()
	db := config.GetDB()

	// A prior APPLIED outcome ends the item here; CONFLICT/REJECTED records
	// let a corrected retry under the same origin id run again.
	existing, err := models.FindSyncRecord(db.WithContext(ctx), businessId, item.ClientOriginId)
	if err != nil {
		return rejectedItem(item, err)
	}
	if existing != nil && existing.Outcome == models.SyncOutcomeApplied {
		return &SyncItemResult{
			ClientOriginId: item.ClientOriginId,
			Outcome:        models.SyncOutcomeDuplicate,
			OperationId:    existing.OperationId,
		}
	}

	op := item.Operation
	op.ClientOriginId = &item.ClientOriginId
	op.ClientOriginAt = item.OriginatedAt

	result, err := ExecuteOperation(ctx, businessId, &op)
	if err != nil {
		if models.IsDuplicateKeyError(err) {
			// Lost the idempotency-index race to a concurrent retry; the
			// winner's effect stands.
			winner, ferr := models.FindSyncRecord(db.WithContext(ctx), businessId, item.ClientOriginId)
			if ferr == nil && winner != nil {
				return &SyncItemResult{
					ClientOriginId: item.ClientOriginId,
					Outcome:        models.SyncOutcomeDuplicate,
					OperationId:    winner.OperationId,
				}
			}
			return rejectedItem(item, err)
		}
		if models.IsStockConflict(err) {
			return conflictItem(ctx, businessId, item, err)
		}
		itemResult := rejectedItem(item, err)
		recordOutcome(ctx, businessId, item, itemResult)
		return itemResult
	}

	logPriceDiscrepancies(ctx, businessId, &op)
	if result.CreditFlagged {
		logger.WithFields(logrus.Fields{
			"business_id":      businessId,
			"client_origin_id": item.ClientOriginId,
			"operation_id":     result.OperationId,
			"customer_id":      op.CustomerId,
		}).Warn("sync.credit.flagged")
	}
	return &SyncItemResult{
		ClientOriginId: item.ClientOriginId,
		Outcome:        models.SyncOutcomeApplied,
		OperationId:    &result.OperationId,
		CreditFlagged:  result.CreditFlagged,
	}
}

func conflictItem(ctx context.Context, businessId string, item *SyncItem, err error) *SyncItemResult {
	kind := string(models.ConflictKindStockShortage)
	detail := err.Error()
	itemResult := &SyncItemResult{
		ClientOriginId: item.ClientOriginId,
		Outcome:        models.SyncOutcomeConflict,
		ConflictKind:   &kind,
		ErrorDetail:    &detail,
	}
	recordOutcome(ctx, businessId, item, itemResult)
	return itemResult
}

func rejectedItem(item *SyncItem, err error) *SyncItemResult {
	kind := models.ErrorKind(err)
	detail := err.Error()
	return &SyncItemResult{
		ClientOriginId: item.ClientOriginId,
		Outcome:        models.SyncOutcomeRejected,
		ErrorKind:      &kind,
		ErrorDetail:    &detail,
	}
}

// recordOutcome persists a non-applied outcome so the client sees the same
// answer on replay. APPLIED records are written inside the operation's own
// transaction, never here.
func recordOutcome(ctx context.Context, businessId string, item *SyncItem, itemResult *SyncItemResult) {
	db := config.GetDB()
	deviceId, _ := utils.GetClientDeviceIdFromContext(ctx)
	err := models.SaveSyncRecord(db.WithContext(ctx), &models.SyncRecord{
		BusinessId:     businessId,
		ClientOriginId: item.ClientOriginId,
		DeviceId:       deviceId,
		OperationId:    itemResult.OperationId,
		Outcome:        itemResult.Outcome,
		ConflictKind:   itemResult.ConflictKind,
		ErrorKind:      itemResult.ErrorKind,
		ErrorDetail:    itemResult.ErrorDetail,
		ClientOriginAt: item.OriginatedAt,
	})
	if err != nil {
		config.LogError(config.GetLogger(), "workflow", "recordOutcome", "failed to persist sync outcome", item.ClientOriginId, err)
	}
}

type priceDiscrepancy struct {
	ProductId    int
	CatalogPrice decimal.Decimal
	ClientPrice  decimal.Decimal
}

// priceDiscrepancies lists the sale lines whose captured price differs from
// the catalog. Lines for products missing from the catalog map are skipped.
func priceDiscrepancies(op *Operation, products map[int]*models.Product) []priceDiscrepancy {
	if op.Kind != models.OperationKindCreateSale {
		return nil
	}
	var found []priceDiscrepancy
	for _, line := range op.Lines {
		product, ok := products[line.ProductId]
		if !ok || product.CatalogPrice.Equal(line.UnitPrice) {
			continue
		}
		found = append(found, priceDiscrepancy{
			ProductId:    line.ProductId,
			CatalogPrice: product.CatalogPrice,
			ClientPrice:  line.UnitPrice,
		})
	}
	return found
}

// logPriceDiscrepancies compares the captured sale prices against the current
// catalog. The client's price wins (the sale already happened offline); the
// divergence is logged for the pricing review queue. Called only once the
// item has applied, so a conflicted or rejected sale never queues a review.
func logPriceDiscrepancies(ctx context.Context, businessId string, op *Operation) {
	if op.Kind != models.OperationKindCreateSale {
		return
	}
	logger := config.GetLogger()
	db := config.GetDB()
	productIds := make([]int, 0, len(op.Lines))
	for _, line := range op.Lines {
		productIds = append(productIds, line.ProductId)
	}
	products, err := models.GetProductsByIds(db.WithContext(ctx), businessId, productIds)
	if err != nil {
		config.LogError(logger, "workflow", "logPriceDiscrepancies", "catalog lookup failed", businessId, err)
		return
	}
	for _, d := range priceDiscrepancies(op, products) {
		logger.WithFields(logrus.Fields{
			"business_id":   businessId,
			"product_id":    d.ProductId,
			"catalog_price": d.CatalogPrice,
			"client_price":  d.ClientPrice,
		}).Warn("sync.price.discrepancy")
	}
}
