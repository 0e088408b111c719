package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyDelta_WeightedAverageOnStockIn(t *testing.T) {
	s := &StockSummary{BusinessId: "biz-1", ProductId: 1}
	now := time.Now().UTC()

	if err := s.applyDelta(MovementKindStockIn, d("100"), d("10"), now, false); err != nil {
		t.Fatalf("first stock-in: %v", err)
	}
	if s.QtyOnHand.Cmp(d("100")) != 0 {
		t.Fatalf("expected qty=100; got %s", s.QtyOnHand)
	}
	if s.AvgUnitCost.Cmp(d("10")) != 0 {
		t.Fatalf("expected avg=10; got %s", s.AvgUnitCost)
	}
	if s.TotalValuation.Cmp(d("1000")) != 0 {
		t.Fatalf("expected valuation=1000; got %s", s.TotalValuation)
	}

	// (10*100 + 16*50) / 150 = 12
	if err := s.applyDelta(MovementKindStockIn, d("50"), d("16"), now, false); err != nil {
		t.Fatalf("second stock-in: %v", err)
	}
	if s.AvgUnitCost.Cmp(d("12")) != 0 {
		t.Fatalf("expected avg=12; got %s", s.AvgUnitCost)
	}
	if s.TotalValuation.Cmp(d("1800")) != 0 {
		t.Fatalf("expected valuation=1800; got %s", s.TotalValuation)
	}
	if s.LatestUnitCost.Cmp(d("16")) != 0 {
		t.Fatalf("expected latest cost=16; got %s", s.LatestUnitCost)
	}
	if s.LastStockInAt == nil {
		t.Fatalf("expected last stock-in timestamp to be set")
	}
}

func TestApplyDelta_StockOutKeepsAverage(t *testing.T) {
	s := &StockSummary{BusinessId: "biz-1", ProductId: 1}
	now := time.Now().UTC()

	if err := s.applyDelta(MovementKindStockIn, d("100"), d("10"), now, false); err != nil {
		t.Fatalf("stock-in: %v", err)
	}
	if err := s.applyDelta(MovementKindStockOut, d("-30"), d("10"), now, false); err != nil {
		t.Fatalf("stock-out: %v", err)
	}
	if s.QtyOnHand.Cmp(d("70")) != 0 {
		t.Fatalf("expected qty=70; got %s", s.QtyOnHand)
	}
	if s.AvgUnitCost.Cmp(d("10")) != 0 {
		t.Fatalf("stock-out must not move avg cost; got %s", s.AvgUnitCost)
	}
	if s.TotalValuation.Cmp(d("700")) != 0 {
		t.Fatalf("expected valuation=700; got %s", s.TotalValuation)
	}
	if s.LastStockOutAt == nil {
		t.Fatalf("expected last stock-out timestamp to be set")
	}
}

func TestApplyDelta_ReturnDoesNotMoveAverage(t *testing.T) {
	s := &StockSummary{BusinessId: "biz-1", ProductId: 1}
	now := time.Now().UTC()

	if err := s.applyDelta(MovementKindStockIn, d("10"), d("8"), now, false); err != nil {
		t.Fatalf("stock-in: %v", err)
	}
	if err := s.applyDelta(MovementKindStockOut, d("-4"), d("8"), now, false); err != nil {
		t.Fatalf("stock-out: %v", err)
	}
	// Return re-enters at the running average; avg stays 8.
	if err := s.applyDelta(MovementKindReturn, d("2"), d("8"), now, false); err != nil {
		t.Fatalf("return: %v", err)
	}
	if s.QtyOnHand.Cmp(d("8")) != 0 {
		t.Fatalf("expected qty=8; got %s", s.QtyOnHand)
	}
	if s.AvgUnitCost.Cmp(d("8")) != 0 {
		t.Fatalf("return must not move avg cost; got %s", s.AvgUnitCost)
	}
	if s.TotalValuation.Cmp(d("64")) != 0 {
		t.Fatalf("expected valuation=64; got %s", s.TotalValuation)
	}
}

func TestApplyDelta_NegativeStockRejected(t *testing.T) {
	s := &StockSummary{BusinessId: "biz-1", ProductId: 7}
	now := time.Now().UTC()

	if err := s.applyDelta(MovementKindStockIn, d("5"), d("10"), now, false); err != nil {
		t.Fatalf("stock-in: %v", err)
	}
	err := s.applyDelta(MovementKindStockOut, d("-6"), d("10"), now, false)
	if err == nil {
		t.Fatalf("expected negative stock rejection")
	}
	nse, ok := err.(*NegativeStockError)
	if !ok {
		t.Fatalf("expected *NegativeStockError; got %T", err)
	}
	if nse.ProductId != 7 {
		t.Fatalf("expected product_id=7; got %d", nse.ProductId)
	}
	// Summary must be untouched after the rejection.
	if s.QtyOnHand.Cmp(d("5")) != 0 {
		t.Fatalf("expected qty unchanged at 5; got %s", s.QtyOnHand)
	}

	// With the override the same delta goes through.
	if err := s.applyDelta(MovementKindAdjustment, d("-6"), d("0"), now, true); err != nil {
		t.Fatalf("allow-negative adjustment: %v", err)
	}
	if s.QtyOnHand.Cmp(d("-1")) != 0 {
		t.Fatalf("expected qty=-1; got %s", s.QtyOnHand)
	}
}

func TestApplyDelta_StockOutOverrideAllowsNegative(t *testing.T) {
	s := &StockSummary{BusinessId: "biz-1", ProductId: 3}
	now := time.Now().UTC()

	if err := s.applyDelta(MovementKindStockIn, d("70"), d("10"), now, false); err != nil {
		t.Fatalf("stock-in: %v", err)
	}
	if err := s.applyDelta(MovementKindStockOut, d("-100"), d("10"), now, false); err == nil {
		t.Fatalf("expected negative stock rejection without the override")
	}
	// With the override the same stock-out goes through and leaves the
	// position negative.
	if err := s.applyDelta(MovementKindStockOut, d("-100"), d("10"), now, true); err != nil {
		t.Fatalf("override stock-out: %v", err)
	}
	if s.QtyOnHand.Cmp(d("-30")) != 0 {
		t.Fatalf("expected qty=-30; got %s", s.QtyOnHand)
	}
	if s.AvgUnitCost.Cmp(d("10")) != 0 {
		t.Fatalf("override stock-out must not move avg cost; got %s", s.AvgUnitCost)
	}
	if s.TotalValuation.Cmp(d("-300")) != 0 {
		t.Fatalf("expected valuation=-300; got %s", s.TotalValuation)
	}
}

func TestApplyDelta_AverageResetsFromEmptyPosition(t *testing.T) {
	s := &StockSummary{BusinessId: "biz-1", ProductId: 1}
	now := time.Now().UTC()

	if err := s.applyDelta(MovementKindStockIn, d("10"), d("10"), now, false); err != nil {
		t.Fatalf("stock-in: %v", err)
	}
	if err := s.applyDelta(MovementKindStockOut, d("-10"), d("10"), now, false); err != nil {
		t.Fatalf("stock-out: %v", err)
	}
	// Position is empty: the next receipt's cost becomes the average outright.
	if err := s.applyDelta(MovementKindStockIn, d("4"), d("25"), now, false); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if s.AvgUnitCost.Cmp(d("25")) != 0 {
		t.Fatalf("expected avg reset to 25; got %s", s.AvgUnitCost)
	}
	if s.TotalValuation.Cmp(d("100")) != 0 {
		t.Fatalf("expected valuation=100; got %s", s.TotalValuation)
	}
}

func TestReplayLedgerEntries_MatchesIncremental(t *testing.T) {
	now := time.Now().UTC()
	entries := []*LedgerEntry{
		{MovementKind: MovementKindStockIn, Qty: d("100"), UnitCost: d("10"), EntryDate: now, Sequence: 1},
		{MovementKind: MovementKindStockOut, Qty: d("-30"), UnitCost: d("10"), EntryDate: now.Add(time.Second), Sequence: 2},
		{MovementKind: MovementKindStockIn, Qty: d("70"), UnitCost: d("12"), EntryDate: now.Add(2 * time.Second), Sequence: 3},
		{MovementKind: MovementKindReturn, Qty: d("5"), UnitCost: d("11"), EntryDate: now.Add(3 * time.Second), Sequence: 4},
		{MovementKind: MovementKindAdjustment, Qty: d("-2"), UnitCost: d("0"), EntryDate: now.Add(4 * time.Second), Sequence: 5},
	}

	incremental := &StockSummary{BusinessId: "biz-1", ProductId: 1}
	for _, e := range entries {
		if err := incremental.applyDelta(e.MovementKind, e.Qty, e.UnitCost, e.EntryDate, false); err != nil {
			t.Fatalf("incremental apply: %v", err)
		}
	}

	rebuilt := ReplayLedgerEntries("biz-1", 1, entries)
	if rebuilt.QtyOnHand.Cmp(incremental.QtyOnHand) != 0 {
		t.Fatalf("qty mismatch: incremental=%s rebuilt=%s", incremental.QtyOnHand, rebuilt.QtyOnHand)
	}
	if rebuilt.AvgUnitCost.Cmp(incremental.AvgUnitCost) != 0 {
		t.Fatalf("avg mismatch: incremental=%s rebuilt=%s", incremental.AvgUnitCost, rebuilt.AvgUnitCost)
	}
	if rebuilt.TotalValuation.Cmp(incremental.TotalValuation) != 0 {
		t.Fatalf("valuation mismatch: incremental=%s rebuilt=%s", incremental.TotalValuation, rebuilt.TotalValuation)
	}

	// Replaying twice yields the same row.
	again := ReplayLedgerEntries("biz-1", 1, entries)
	if again.QtyOnHand.Cmp(rebuilt.QtyOnHand) != 0 || again.TotalValuation.Cmp(rebuilt.TotalValuation) != 0 {
		t.Fatalf("replay is not deterministic")
	}
}
