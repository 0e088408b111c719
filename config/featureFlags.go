package config

import (
	"os"
	"strconv"
	"strings"
)

// RebuildAfterApplies returns N such that a stock summary is rebuilt from the
// ledger after N incremental applies since its last rebuild. 0 disables the
// trigger (the daily reconciliation sweep still runs).
//
// Set via env:
// - SUMMARY_REBUILD_AFTER_APPLIES=500
func RebuildAfterApplies() int {
	v := strings.TrimSpace(os.Getenv("SUMMARY_REBUILD_AFTER_APPLIES"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SyncRetentionDays bounds how long sync records (client-origin idempotency
// state) are kept before the purge tool removes them. Defaults to 90 days.
//
// Set via env:
// - SYNC_RETENTION_DAYS=90
func SyncRetentionDays() int {
	v := strings.TrimSpace(os.Getenv("SYNC_RETENTION_DAYS"))
	if v == "" {
		return 90
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 90
	}
	return n
}

// DriftValuationTolerancePercent is the relative tolerance applied when the
// reconciliation sweep compares cached valuation against a full ledger replay.
// Quantity comparison is always exact. Defaults to 1.
//
// Set via env:
// - DRIFT_VALUATION_TOLERANCE_PERCENT=1
func DriftValuationTolerancePercent() int {
	v := strings.TrimSpace(os.Getenv("DRIFT_VALUATION_TOLERANCE_PERCENT"))
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 1
	}
	return n
}
