package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"github.com/sirupsen/logrus"
)

// ReconciliationReport summarizes one sweep over a business.
type ReconciliationReport struct {
	BusinessId      string        `json:"business_id"`
	ProductsChecked int           `json:"products_checked"`
	DriftsFound     int           `json:"drifts_found"`
	BeyondTolerance int           `json:"beyond_tolerance"`
	Failures        int           `json:"failures"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// ReconcileBusinessSummaries rebuilds every product summary of the business
// from its ledger and records any drift found. Intended to run off-peak; each
// product is its own transaction so a failure on one does not abort the
// sweep.
func ReconcileBusinessSummaries(ctx context.Context, businessId string) (*ReconciliationReport, error) {
	logger := config.GetLogger()
	if businessId == "" {
		return nil, models.NewValidationError("business id is required")
	}

	report := &ReconciliationReport{
		BusinessId: businessId,
		StartedAt:  time.Now().UTC(),
	}
	logger.WithFields(logrus.Fields{
		"business_id": businessId,
	}).Info("summary.reconcile.start")

	productIds, err := models.LedgerProductIds(ctx, businessId)
	if err != nil {
		return nil, err
	}

	for _, productId := range productIds {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		report.ProductsChecked++
		_, drift, rebuildErr := RebuildStockSummaryForProduct(ctx, businessId, productId)
		if rebuildErr != nil {
			report.Failures++
			continue
		}
		if drift != nil {
			report.DriftsFound++
			if drift.BeyondTolerance {
				report.BeyondTolerance++
			}
		}
	}

	report.Duration = time.Since(report.StartedAt)
	logger.WithFields(logrus.Fields{
		"business_id":      businessId,
		"products_checked": report.ProductsChecked,
		"drifts_found":     report.DriftsFound,
		"beyond_tolerance": report.BeyondTolerance,
		"failures":         report.Failures,
		"duration_ms":      report.Duration.Milliseconds(),
	}).Info("summary.reconcile.end")
	return report, nil
}

// ReconcileAllBusinesses runs the sweep for every business with ledger
// activity. Used by the scheduled job entrypoint.
func ReconcileAllBusinesses(ctx context.Context) ([]*ReconciliationReport, error) {
	db := config.GetDB()
	var businessIds []string
	if err := db.WithContext(ctx).Model(&models.LedgerSequence{}).
		Order("business_id").
		Pluck("business_id", &businessIds).Error; err != nil {
		return nil, models.NewStorageFailure("reconcile.businesses", err)
	}

	reports := make([]*ReconciliationReport, 0, len(businessIds))
	for _, businessId := range businessIds {
		report, err := ReconcileBusinessSummaries(ctx, businessId)
		if err != nil {
			config.LogError(config.GetLogger(), "workflow", "ReconcileAllBusinesses", "sweep failed", businessId, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
