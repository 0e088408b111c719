package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"bitbucket.org/mmdatafocus/stockledger_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Rebuilds stock summaries from the ledger. One product when --product-id is
// given, otherwise every product with ledger activity for the business.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	productID := flag.Int("product-id", 0, "Optional: product id (all products when omitted)")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing products and continue rebuilding others")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	// Ops tool runs outside any request scope; disable tenant auto-scoping
	// explicitly, every query below names its business.
	ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)

	var productIds []int
	if *productID > 0 {
		productIds = []int{*productID}
	} else {
		ids, err := models.LedgerProductIds(ctx, *businessID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list products: %v\n", err)
			os.Exit(1)
		}
		productIds = ids
	}

	failures := 0
	drifts := 0
	for _, id := range productIds {
		_, drift, err := workflow.RebuildStockSummaryForProduct(ctx, *businessID, id)
		if err != nil {
			failures++
			logger.WithFields(logrus.Fields{
				"business_id": *businessID,
				"product_id":  id,
			}).Error("rebuild failed: " + err.Error())
			if !*continueOnError {
				os.Exit(1)
			}
			continue
		}
		if drift != nil {
			drifts++
		}
	}

	logger.WithFields(logrus.Fields{
		"business_id": *businessID,
		"products":    len(productIds),
		"drifts":      drifts,
		"failures":    failures,
	}).Info("summary rebuild complete")
	if failures > 0 {
		os.Exit(1)
	}
}
