package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLedgerEntryBeforeSave_SignCoherence(t *testing.T) {
	cases := []struct {
		name    string
		kind    MovementKind
		qty     string
		wantErr bool
	}{
		{"in positive", MovementKindStockIn, "10", false},
		{"in negative", MovementKindStockIn, "-10", true},
		{"out negative", MovementKindStockOut, "-10", false},
		{"out positive", MovementKindStockOut, "10", true},
		{"return positive", MovementKindReturn, "3", false},
		{"return negative", MovementKindReturn, "-3", true},
		{"adjust positive", MovementKindAdjustment, "2", false},
		{"adjust negative", MovementKindAdjustment, "-2", false},
		{"zero qty", MovementKindStockIn, "0", true},
		{"bad kind", MovementKind("XX"), "1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			qty, err := decimal.NewFromString(tc.qty)
			if err != nil {
				t.Fatal(err)
			}
			e := &LedgerEntry{MovementKind: tc.kind, Qty: qty}
			err = e.BeforeSave(nil)
			if tc.wantErr && err == nil {
				t.Fatalf("expected BeforeSave to reject %s qty=%s", tc.kind, tc.qty)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected BeforeSave error: %v", err)
			}
		})
	}
}

func TestLedgerEntry_Immutable(t *testing.T) {
	e := &LedgerEntry{MovementKind: MovementKindStockIn, Qty: decimal.NewFromInt(1)}
	if err := e.BeforeUpdate(nil); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if err := e.BeforeDelete(nil); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestOperationKindMappings(t *testing.T) {
	cases := []struct {
		kind     OperationKind
		refType  StockReferenceType
		movement MovementKind
	}{
		{OperationKindApplyInvoice, StockReferenceTypeBill, MovementKindStockIn},
		{OperationKindCreateSale, StockReferenceTypeInvoice, MovementKindStockOut},
		{OperationKindProcessReturn, StockReferenceTypeCreditNote, MovementKindReturn},
		{OperationKindManualAdjust, StockReferenceTypeInventoryAdjustment, MovementKindAdjustment},
	}
	for _, tc := range cases {
		if got := tc.kind.ReferenceType(); got != tc.refType {
			t.Fatalf("%s: expected reference type %s; got %s", tc.kind, tc.refType, got)
		}
		if got := tc.kind.MovementKind(); got != tc.movement {
			t.Fatalf("%s: expected movement kind %s; got %s", tc.kind, tc.movement, got)
		}
	}
	if OperationKind("BOGUS").Valid() {
		t.Fatalf("bogus operation kind must not validate")
	}
}

func TestErrorKindMapping(t *testing.T) {
	if kind := ErrorKind(NewValidationError("bad input")); kind != "validation" {
		t.Fatalf("expected validation; got %s", kind)
	}
	if kind := ErrorKind(&InsufficientStockError{ProductId: 1}); kind != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock; got %s", kind)
	}
	if kind := ErrorKind(&NegativeStockError{ProductId: 1}); kind != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock; got %s", kind)
	}
	if kind := ErrorKind(NewStorageFailure("op", errors.New("boom"))); kind != "storage_failure" {
		t.Fatalf("expected storage_failure; got %s", kind)
	}
	if kind := ErrorKind(errors.New("anything")); kind != "internal" {
		t.Fatalf("expected internal; got %s", kind)
	}

	if !IsStockConflict(&InsufficientStockError{}) || !IsStockConflict(&NegativeStockError{}) {
		t.Fatalf("stock errors must classify as conflicts")
	}
	if IsStockConflict(NewValidationError("x")) {
		t.Fatalf("validation error must not classify as conflict")
	}

	// Wrapped storage failures keep their cause reachable.
	cause := errors.New("disk on fire")
	if !errors.Is(NewStorageFailure("ledger.append", cause), cause) {
		t.Fatalf("expected StorageFailure to unwrap its cause")
	}
}
