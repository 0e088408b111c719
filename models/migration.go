package models

import (
	"log"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&LedgerEntry{}, &LedgerSequence{},
		&StockSummary{}, &DriftEvent{},
		&SyncRecord{}, &AuditRecord{}, &OutboxEvent{},
		&Product{}, &Customer{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
