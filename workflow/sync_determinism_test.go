package workflow

import (
	"context"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the intended gateway semantics:
// - resubmission of an applied origin id is safe (exactly-once effect)
// - items within a batch apply in submission order
// - per-business serialization prevents racey interleavings between devices
//
// Full DB integration tests live behind INTEGRATION_TESTS (requires docker).

type fakeGateway struct {
	muByBiz map[string]*sync.Mutex
	mu      sync.Mutex
	applied map[string]string // origin id -> operation id
	order   []string
	applies int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		muByBiz: map[string]*sync.Mutex{},
		applied: map[string]string{},
	}
}

func (g *fakeGateway) submit(businessID string, originIDs []string) []models.SyncOutcomeStatus {
	// Serialize per business (utils.BusinessLock in SubmitSyncBatch).
	g.mu.Lock()
	bm := g.muByBiz[businessID]
	if bm == nil {
		bm = &sync.Mutex{}
		g.muByBiz[businessID] = bm
	}
	g.mu.Unlock()

	bm.Lock()
	defer bm.Unlock()

	outcomes := make([]models.SyncOutcomeStatus, 0, len(originIDs))
	for _, originID := range originIDs {
		key := businessID + "|" + originID
		g.mu.Lock()
		if _, ok := g.applied[key]; ok {
			g.mu.Unlock()
			outcomes = append(outcomes, models.SyncOutcomeDuplicate)
			continue
		}
		g.applied[key] = "op-" + originID
		g.order = append(g.order, originID)
		g.applies++
		g.mu.Unlock()
		outcomes = append(outcomes, models.SyncOutcomeApplied)
	}
	return outcomes
}

func TestSyncResubmission_AppliesExactlyOnce(t *testing.T) {
	g := newFakeGateway()
	batch := []string{"origin-1", "origin-2", "origin-3"}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.submit("biz-1", batch)
		}()
	}
	wg.Wait()

	if g.applies != len(batch) {
		t.Fatalf("expected exactly %d applies, got %d", len(batch), g.applies)
	}
}

func TestSyncBatch_PreservesSubmissionOrder(t *testing.T) {
	g := newFakeGateway()
	batch := []string{"a", "b", "c", "d", "e"}

	outcomes := g.submit("biz-1", batch)
	for i, outcome := range outcomes {
		if outcome != models.SyncOutcomeApplied {
			t.Fatalf("item %d: expected APPLIED, got %s", i, outcome)
		}
	}
	for i, originID := range g.order {
		if originID != batch[i] {
			t.Fatalf("position %d: expected %s, got %s", i, batch[i], originID)
		}
	}

	// A replay of the same batch is all duplicates, in the same order.
	outcomes = g.submit("biz-1", batch)
	for i, outcome := range outcomes {
		if outcome != models.SyncOutcomeDuplicate {
			t.Fatalf("replayed item %d: expected DUPLICATE, got %s", i, outcome)
		}
	}
}

func TestSyncBatch_BusinessesDoNotShareDedupState(t *testing.T) {
	g := newFakeGateway()
	g.submit("biz-1", []string{"origin-1"})
	outcomes := g.submit("biz-2", []string{"origin-1"})
	if outcomes[0] != models.SyncOutcomeApplied {
		t.Fatalf("same origin id under another business must apply, got %s", outcomes[0])
	}
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestValidateOperation_KindRules(t *testing.T) {
	cases := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{
			"apply invoice ok",
			Operation{Kind: models.OperationKindApplyInvoice, Lines: []OperationLine{{ProductId: 1, Qty: dec("10"), UnitCost: dec("5")}}},
			false,
		},
		{
			"apply invoice missing unit cost",
			Operation{Kind: models.OperationKindApplyInvoice, Lines: []OperationLine{{ProductId: 1, Qty: dec("10")}}},
			true,
		},
		{
			"sale ok",
			Operation{Kind: models.OperationKindCreateSale, CustomerId: 9, Lines: []OperationLine{{ProductId: 1, Qty: dec("2"), UnitPrice: dec("15")}}},
			false,
		},
		{
			"sale without customer",
			Operation{Kind: models.OperationKindCreateSale, Lines: []OperationLine{{ProductId: 1, Qty: dec("2")}}},
			true,
		},
		{
			"sale negative qty",
			Operation{Kind: models.OperationKindCreateSale, CustomerId: 9, Lines: []OperationLine{{ProductId: 1, Qty: dec("-2")}}},
			true,
		},
		{
			"adjust signed qty ok",
			Operation{Kind: models.OperationKindManualAdjust, Reason: "stock count", Lines: []OperationLine{{ProductId: 1, Qty: dec("-4")}}},
			false,
		},
		{
			"adjust without reason",
			Operation{Kind: models.OperationKindManualAdjust, Lines: []OperationLine{{ProductId: 1, Qty: dec("-4")}}},
			true,
		},
		{
			"zero qty",
			Operation{Kind: models.OperationKindProcessReturn, Lines: []OperationLine{{ProductId: 1, Qty: dec("0")}}},
			true,
		},
		{
			"no lines",
			Operation{Kind: models.OperationKindProcessReturn},
			true,
		},
		{
			"unknown kind",
			Operation{Kind: models.OperationKind("NOPE"), Lines: []OperationLine{{ProductId: 1, Qty: dec("1")}}},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateOperation(&tc.op)
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation failure")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
			if err != nil && models.ErrorKind(err) != "validation" {
				t.Fatalf("expected validation error kind; got %s", models.ErrorKind(err))
			}
		})
	}
}

func TestCheckAvailability_OverrideSkipsPrecheck(t *testing.T) {
	// The advisory pre-check must not run when the negative-stock override is
	// set; a sale resolving a stock-shortage conflict would otherwise loop on
	// CONFLICT forever. No database is wired up here, so any read attempt
	// fails the test loudly.
	op := &Operation{
		Kind:          models.OperationKindCreateSale,
		CustomerId:    9,
		AllowNegative: true,
		Lines: []OperationLine{
			{ProductId: 1, Qty: dec("999"), UnitPrice: dec("15")},
		},
	}
	if err := checkAvailability(context.Background(), "biz-1", op); err != nil {
		t.Fatalf("override must skip the availability pre-check: %v", err)
	}
}

func TestExecuteOperation_BusinessContextMismatch(t *testing.T) {
	ctx := utils.SetBusinessIdInContext(context.Background(), "biz-1")
	op := &Operation{
		Kind: models.OperationKindApplyInvoice,
		Lines: []OperationLine{
			{ProductId: 1, Qty: dec("1"), UnitCost: dec("2")},
		},
	}
	_, err := ExecuteOperation(ctx, "biz-2", op)
	if err == nil {
		t.Fatalf("expected rejection when the context names another business")
	}
	if models.ErrorKind(err) != "validation" {
		t.Fatalf("expected validation error kind; got %s", models.ErrorKind(err))
	}
}

func TestPriceDiscrepancies(t *testing.T) {
	products := map[int]*models.Product{
		1: {ID: 1, CatalogPrice: dec("15")},
		2: {ID: 2, CatalogPrice: dec("20")},
	}
	op := &Operation{
		Kind:       models.OperationKindCreateSale,
		CustomerId: 9,
		Lines: []OperationLine{
			{ProductId: 1, Qty: dec("2"), UnitPrice: dec("15")},
			{ProductId: 2, Qty: dec("1"), UnitPrice: dec("18")},
			{ProductId: 3, Qty: dec("1"), UnitPrice: dec("5")}, // not in catalog
		},
	}

	found := priceDiscrepancies(op, products)
	if len(found) != 1 {
		t.Fatalf("expected 1 discrepancy; got %d", len(found))
	}
	if found[0].ProductId != 2 {
		t.Fatalf("expected product 2; got %d", found[0].ProductId)
	}
	if found[0].CatalogPrice.Cmp(dec("20")) != 0 || found[0].ClientPrice.Cmp(dec("18")) != 0 {
		t.Fatalf("expected catalog=20 client=18; got %s/%s", found[0].CatalogPrice, found[0].ClientPrice)
	}

	op.Kind = models.OperationKindProcessReturn
	if got := priceDiscrepancies(op, products); got != nil {
		t.Fatalf("non-sale operations carry no catalog comparison; got %v", got)
	}
}

func TestSignedQty(t *testing.T) {
	if got := signedQty(models.OperationKindCreateSale, dec("3")); got.Cmp(dec("-3")) != 0 {
		t.Fatalf("sale qty must be stored negative; got %s", got)
	}
	if got := signedQty(models.OperationKindApplyInvoice, dec("3")); got.Cmp(dec("3")) != 0 {
		t.Fatalf("invoice qty must stay positive; got %s", got)
	}
	if got := signedQty(models.OperationKindManualAdjust, dec("-2")); got.Cmp(dec("-2")) != 0 {
		t.Fatalf("adjust qty must pass through; got %s", got)
	}
}
