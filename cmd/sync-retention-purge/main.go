package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/sirupsen/logrus"
)

// Deletes sync idempotency records older than the retention window. Meant to
// run as a scheduled job; the window must stay comfortably longer than the
// longest a client could plausibly stay offline with a queued batch.
func main() {
	businessID := flag.String("business-id", "", "Optional: business id (all businesses when omitted)")
	days := flag.Int("days", 0, "Optional: retention days (defaults to SYNC_RETENTION_DAYS)")
	dryRun := flag.Bool("dry-run", false, "Report the cutoff without deleting")
	flag.Parse()

	retentionDays := *days
	if retentionDays <= 0 {
		retentionDays = config.SyncRetentionDays()
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()
	// Ops tool runs outside any request scope; disable tenant auto-scoping
	// explicitly, every query below names its business.
	ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)

	var businessIds []string
	if strings.TrimSpace(*businessID) != "" {
		businessIds = []string{strings.TrimSpace(*businessID)}
	} else {
		if err := db.WithContext(ctx).Model(&models.LedgerSequence{}).
			Order("business_id").
			Pluck("business_id", &businessIds).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to list businesses: %v\n", err)
			os.Exit(1)
		}
	}

	if *dryRun {
		logger.WithFields(logrus.Fields{
			"cutoff":     cutoff.Format(time.RFC3339),
			"businesses": len(businessIds),
		}).Info("dry run; nothing deleted")
		return
	}

	var total int64
	for _, id := range businessIds {
		purged, err := models.PurgeSyncRecords(ctx, id, cutoff)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"business_id": id,
			}).Error("purge failed: " + err.Error())
			continue
		}
		total += purged
	}

	logger.WithFields(logrus.Fields{
		"cutoff":     cutoff.Format(time.RFC3339),
		"businesses": len(businessIds),
		"purged":     total,
	}).Info("sync retention purge complete")
}
