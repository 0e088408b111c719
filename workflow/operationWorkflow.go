package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OperationLine is one product movement inside an operation. Qty is a
// positive magnitude for every kind except MANUAL_ADJUST, where it is signed.
type OperationLine struct {
	ProductId   int             `json:"product_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	BatchNumber string          `json:"batch_number"`
	ExpiryDate  *time.Time      `json:"expiry_date"`
}

// Operation is one atomic multi-line business transaction: all of its ledger
// entries and summary updates commit together or none do.
type Operation struct {
	Kind            models.OperationKind `json:"kind" validate:"required"`
	ReferenceNumber string               `json:"reference_number"`
	CustomerId      int                  `json:"customer_id"`
	Reason          string               `json:"reason"`

	// AllowNegative permits the operation to drive on-hand below zero. Set by
	// clients resolving a stock-shortage conflict; every use that actually
	// leaves a negative position is logged for review.
	AllowNegative bool `json:"allow_negative"`
	Lines           []OperationLine      `json:"lines" validate:"required,min=1,dive"`
	ClientOriginId  *string              `json:"client_origin_id"`
	ClientOriginAt  *time.Time           `json:"client_origin_at"`

	// SideEffect, when set, runs inside the operation's transaction after
	// the deltas are applied. A returned error rolls the whole unit back.
	// Used by callers that must keep their own bookkeeping atomic with the
	// ledger (billing due dates, payment allocation).
	SideEffect func(tx *gorm.DB, result *OperationResult) error `json:"-" validate:"-"`
}

type OperationResult struct {
	OperationId   string                       `json:"operation_id"`
	State         models.OperationState        `json:"state"`
	Entries       []*models.LedgerEntry        `json:"entries"`
	Summaries     map[int]*models.StockSummary `json:"summaries"`
	CreditFlagged bool                         `json:"credit_flagged"`
}

// validateOperation applies the kind-dependent line rules before anything
// touches storage. A failure here is a REJECTED outcome with no side effects.
func validateOperation(op *Operation) error {
	if !op.Kind.Valid() {
		return models.NewValidationError("unknown operation kind %q", op.Kind)
	}
	if len(op.Lines) == 0 {
		return models.NewValidationError("operation requires at least one line")
	}
	if op.Kind == models.OperationKindCreateSale && op.CustomerId <= 0 {
		return models.NewValidationError("create-sale requires a customer")
	}
	if op.Kind == models.OperationKindManualAdjust && op.Reason == "" {
		return models.NewValidationError("manual-adjust requires a reason")
	}
	for i, line := range op.Lines {
		if line.ProductId <= 0 {
			return models.NewValidationError("line %d: product id is required", i)
		}
		if line.Qty.IsZero() {
			return models.NewValidationError("line %d: qty must be non-zero", i)
		}
		switch op.Kind {
		case models.OperationKindManualAdjust:
			// signed, either direction
		default:
			if line.Qty.IsNegative() {
				return models.NewValidationError("line %d: qty must be positive for %s", i, op.Kind)
			}
		}
		if op.Kind == models.OperationKindApplyInvoice {
			if !line.UnitCost.IsPositive() {
				return models.NewValidationError("line %d: apply-invoice requires a positive unit cost", i)
			}
		}
		if line.UnitCost.IsNegative() {
			return models.NewValidationError("line %d: unit cost must not be negative", i)
		}
	}
	return nil
}

// signedQty converts a line's magnitude into the signed ledger quantity.
func signedQty(kind models.OperationKind, qty decimal.Decimal) decimal.Decimal {
	if kind == models.OperationKindCreateSale {
		return qty.Neg()
	}
	return qty
}

// checkAvailability rejects a sale that oversells before the transaction is
// opened. The read is advisory; the authoritative check re-runs under the
// summary row lock inside the transaction. Skipped entirely when the caller
// set the negative-stock override, which must reach the projector untouched.
func checkAvailability(ctx context.Context, businessId string, op *Operation) error {
	if op.Kind != models.OperationKindCreateSale || op.AllowNegative {
		return nil
	}
	requested := map[int]decimal.Decimal{}
	for _, line := range op.Lines {
		requested[line.ProductId] = requested[line.ProductId].Add(line.Qty)
	}
	for productId, qty := range requested {
		summary, err := models.ReadStockSummary(ctx, businessId, productId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return &models.InsufficientStockError{ProductId: productId, Requested: qty, Available: decimal.Zero}
			}
			return err
		}
		if summary.QtyAvailable.LessThan(qty) {
			return &models.InsufficientStockError{ProductId: productId, Requested: qty, Available: summary.QtyAvailable}
		}
	}
	return nil
}

// ExecuteOperation runs one operation end to end: validate, then append the
// ledger entries, project the summary deltas, write the audit row and the
// outbox event, all in one database transaction under per-product posting
// locks. The returned result reflects the committed state.
func ExecuteOperation(ctx context.Context, businessId string, op *Operation) (*OperationResult, error) {
	logger := config.GetLogger()
	operationId := uuid.NewString()

	logger.WithFields(logrus.Fields{
		"business_id":  businessId,
		"operation_id": operationId,
		"kind":         op.Kind,
		"lines":        len(op.Lines),
		"state":        models.OperationStateValidating,
	}).Info("op.execute.start")

	if businessId == "" {
		return nil, models.NewValidationError("business id is required")
	}
	if ctxBusinessId, ok := utils.GetBusinessIdFromContext(ctx); ok && ctxBusinessId != businessId {
		return nil, models.NewValidationError("business id does not match the request context")
	}
	if err := utils.ValidateStruct(op); err != nil {
		return rejected(logger, businessId, operationId, models.NewValidationError("%s", err.Error()))
	}
	if err := validateOperation(op); err != nil {
		return rejected(logger, businessId, operationId, err)
	}
	if op.Kind == models.OperationKindCreateSale {
		if err := utils.ValidateResourceId[models.Customer](ctx, businessId, op.CustomerId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return rejected(logger, businessId, operationId, models.NewValidationError("customer %d does not exist", op.CustomerId))
			}
			return nil, models.NewStorageFailure("op.customerLookup", err)
		}
	}
	if err := checkAvailability(ctx, businessId, op); err != nil {
		return rejected(logger, businessId, operationId, err)
	}

	productIds := make([]int, 0, len(op.Lines))
	for _, line := range op.Lines {
		productIds = append(productIds, line.ProductId)
	}
	productIds = utils.UniqueSlice(productIds)

	result := &OperationResult{
		OperationId: operationId,
		State:       models.OperationStateApplying,
		Summaries:   map[int]*models.StockSummary{},
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, lockErr := acquireProductPostingLocks(tx, businessId, productIds)
		if lockErr != nil {
			return models.NewStorageFailure("op.postingLock", lockErr)
		}
		defer releaseProductPostingLocks(tx, businessId, locked)

		beforeState, afterErr := summarySnapshot(tx, businessId, productIds)
		if afterErr != nil {
			return afterErr
		}

		drafts := make([]*models.LedgerEntry, 0, len(op.Lines))
		for _, line := range op.Lines {
			drafts = append(drafts, &models.LedgerEntry{
				ProductId:       line.ProductId,
				MovementKind:    op.Kind.MovementKind(),
				Qty:             signedQty(op.Kind, line.Qty),
				UnitCost:        lineUnitCost(tx, businessId, op.Kind, line),
				ReferenceType:   op.Kind.ReferenceType(),
				ReferenceNumber: op.ReferenceNumber,
				OperationId:     operationId,
				BatchNumber:     line.BatchNumber,
				ExpiryDate:      line.ExpiryDate,
				CreatedBy:       userIdOrZero(ctx),
				CreatedByName:   userNameOrEmpty(ctx),
				ClientOriginId:  op.ClientOriginId,
				ClientOriginAt:  op.ClientOriginAt,
			})
		}

		entries, appendErr := models.AppendLedgerEntries(tx, businessId, drafts)
		if appendErr != nil {
			return appendErr
		}
		result.Entries = entries

		for _, e := range entries {
			summary, deltaErr := models.ApplyStockDelta(tx, businessId, e.ProductId, e.MovementKind, e.Qty, e.UnitCost, e.EntryDate, op.AllowNegative)
			if deltaErr != nil {
				return deltaErr
			}
			result.Summaries[e.ProductId] = summary
		}

		if op.Kind == models.OperationKindCreateSale {
			flagged, chargeErr := models.ApplyCustomerCharge(tx, businessId, op.CustomerId, saleTotal(op))
			if chargeErr != nil {
				return chargeErr
			}
			result.CreditFlagged = flagged
		}

		if op.SideEffect != nil {
			if hookErr := op.SideEffect(tx, result); hookErr != nil {
				return hookErr
			}
		}

		afterState, afterErr := summarySnapshotFromResult(result)
		if afterErr != nil {
			return afterErr
		}
		payload, payloadErr := utils.MarshalToJSON(op)
		if payloadErr != nil {
			return models.NewStorageFailure("op.payload", payloadErr)
		}
		if auditErr := models.CreateAuditRecordTx(ctx, tx, &models.AuditRecord{
			BusinessId:    businessId,
			OperationId:   operationId,
			OperationKind: op.Kind,
			ReferenceId:   op.ReferenceNumber,
			Description:   op.Reason,
			Payload:       payload,
			BeforeState:   beforeState,
			AfterState:    afterState,
		}); auditErr != nil {
			return auditErr
		}

		eventPayload, eventErr := utils.MarshalToJSON(result)
		if eventErr != nil {
			return models.NewStorageFailure("op.eventPayload", eventErr)
		}
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		if outboxErr := models.CreateOutboxEventTx(tx, &models.OutboxEvent{
			BusinessId:          businessId,
			TransactionDateTime: entries[0].EntryDate,
			OperationId:         operationId,
			ReferenceType:       op.Kind.ReferenceType(),
			Action:              "C",
			Payload:             []byte(eventPayload),
			PublishStatus:       models.OutboxPublishStatusPending,
			CorrelationId:       correlationId,
		}); outboxErr != nil {
			return outboxErr
		}

		// The APPLIED idempotency record commits with the operation itself:
		// there is no window where the effect exists without the record.
		if op.ClientOriginId != nil && *op.ClientOriginId != "" {
			deviceId, _ := utils.GetClientDeviceIdFromContext(ctx)
			if syncErr := models.SaveSyncRecord(tx, &models.SyncRecord{
				BusinessId:     businessId,
				ClientOriginId: *op.ClientOriginId,
				DeviceId:       deviceId,
				OperationId:    &operationId,
				Outcome:        models.SyncOutcomeApplied,
				ClientOriginAt: op.ClientOriginAt,
			}); syncErr != nil {
				tx.Rollback()
				return syncErr
			}
		}

		return nil
	})
	if err != nil {
		if models.ErrorKind(err) == "validation" {
			return rejected(logger, businessId, operationId, err)
		}
		// Anything failing past this point happened after applying began, so
		// the terminal state is ROLLED_BACK even for stock conflicts caught by
		// the authoritative in-transaction check.
		result.State = models.OperationStateRolledBack
		if models.IsStockConflict(err) {
			logger.WithFields(logrus.Fields{
				"business_id":  businessId,
				"operation_id": operationId,
				"state":        result.State,
				"error_kind":   models.ErrorKind(err),
			}).Info("op.execute.rolled_back")
			return result, err
		}
		config.LogError(logger, "workflow", "ExecuteOperation", "operation rolled back", operationId, err)
		return result, err
	}

	result.State = models.OperationStateCommitted
	logger.WithFields(logrus.Fields{
		"business_id":  businessId,
		"operation_id": operationId,
		"kind":         op.Kind,
		"state":        result.State,
	}).Info("op.execute.committed")

	if op.AllowNegative {
		for _, productId := range sortedSummaryIds(result.Summaries) {
			summary := result.Summaries[productId]
			if summary.QtyOnHand.IsNegative() {
				logger.WithFields(logrus.Fields{
					"business_id":  businessId,
					"operation_id": operationId,
					"kind":         op.Kind,
					"product_id":   productId,
					"qty_on_hand":  summary.QtyOnHand,
				}).Warn("op.negative_override")
			}
		}
	}

	MaybeTriggerRebuild(ctx, businessId, result.Summaries)
	return result, nil
}

func rejected(logger *logrus.Logger, businessId string, operationId string, err error) (*OperationResult, error) {
	logger.WithFields(logrus.Fields{
		"business_id":  businessId,
		"operation_id": operationId,
		"state":        models.OperationStateRejected,
		"error_kind":   models.ErrorKind(err),
	}).Info("op.execute.rejected")
	return &OperationResult{
		OperationId: operationId,
		State:       models.OperationStateRejected,
	}, err
}

// lineUnitCost picks the cost stamped on the ledger entry. Stock-out lines
// carry the current weighted average (the cost of goods leaving); returns
// re-enter at the current average too, so the average itself does not move.
func lineUnitCost(tx *gorm.DB, businessId string, kind models.OperationKind, line OperationLine) decimal.Decimal {
	switch kind {
	case models.OperationKindApplyInvoice:
		return line.UnitCost
	case models.OperationKindManualAdjust:
		if !line.UnitCost.IsZero() {
			return line.UnitCost
		}
	}
	var summary models.StockSummary
	if err := tx.
		Where("business_id = ? AND product_id = ?", businessId, line.ProductId).
		First(&summary).Error; err != nil {
		return line.UnitCost
	}
	return summary.AvgUnitCost
}

func saleTotal(op *Operation) decimal.Decimal {
	total := decimal.Zero
	for _, line := range op.Lines {
		total = total.Add(line.UnitPrice.Mul(line.Qty))
	}
	return total
}

func summarySnapshot(tx *gorm.DB, businessId string, productIds []int) (string, error) {
	var summaries []*models.StockSummary
	if err := tx.
		Where("business_id = ? AND product_id IN ?", businessId, productIds).
		Find(&summaries).Error; err != nil {
		return "", models.NewStorageFailure("op.snapshot", err)
	}
	return utils.MarshalToJSON(summaries)
}

func summarySnapshotFromResult(result *OperationResult) (string, error) {
	summaries := make([]*models.StockSummary, 0, len(result.Summaries))
	for _, id := range sortedSummaryIds(result.Summaries) {
		summaries = append(summaries, result.Summaries[id])
	}
	return utils.MarshalToJSON(summaries)
}

func sortedSummaryIds(summaries map[int]*models.StockSummary) []int {
	ids := make([]int, 0, len(summaries))
	for id := range summaries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func userIdOrZero(ctx context.Context) int {
	id, _ := utils.GetUserIdFromContext(ctx)
	return id
}

func userNameOrEmpty(ctx context.Context) string {
	name, _ := utils.GetUserNameFromContext(ctx)
	return name
}
