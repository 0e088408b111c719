package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"bitbucket.org/mmdatafocus/stockledger_backend/workflow"
	"github.com/shopspring/decimal"
)

// End-to-end: apply-invoice, offline sale sync with resubmission, oversell
// conflict, then a rebuild that must agree with the incremental cache.
func TestLedgerFlow_EndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stockledger_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	const businessID = "biz-e2e"
	ctx = utils.SetBusinessIdInContext(ctx, businessID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	db := config.GetDB()
	product := models.Product{
		BusinessId:   businessID,
		Name:         "Amouage 50ml",
		Sku:          "AM-50",
		CatalogPrice: decimal.NewFromInt(15),
		IsActive:     utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	customer := models.Customer{
		BusinessId:  businessID,
		Name:        "Walk-in",
		CreditLimit: decimal.NewFromInt(10000),
	}
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	// Receive 100 units at cost 10.
	invoice := workflow.Operation{
		Kind:            models.OperationKindApplyInvoice,
		ReferenceNumber: "BL-0001",
		Lines: []workflow.OperationLine{
			{ProductId: product.ID, Qty: decimal.NewFromInt(100), UnitCost: decimal.NewFromInt(10)},
		},
	}
	result, err := workflow.ExecuteOperation(ctx, businessID, &invoice)
	if err != nil {
		t.Fatalf("apply invoice: %v", err)
	}
	if result.State != models.OperationStateCommitted {
		t.Fatalf("expected COMMITTED; got %s", result.State)
	}

	summary, err := models.ReadStockSummary(ctx, businessID, product.ID)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if summary.QtyOnHand.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Fatalf("expected qty=100; got %s", summary.QtyOnHand)
	}
	if summary.AvgUnitCost.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Fatalf("expected avg=10; got %s", summary.AvgUnitCost)
	}

	// Offline sale of 30, synced twice: second submission must be DUPLICATE.
	batch := workflow.SyncBatch{
		DeviceId: "device-1",
		Items: []workflow.SyncItem{
			{
				ClientOriginId: "device-1-0001",
				Operation: workflow.Operation{
					Kind:            models.OperationKindCreateSale,
					ReferenceNumber: "IV-0001",
					CustomerId:      customer.ID,
					Lines: []workflow.OperationLine{
						{ProductId: product.ID, Qty: decimal.NewFromInt(30), UnitPrice: decimal.NewFromInt(15)},
					},
				},
			},
		},
	}
	results, err := workflow.SubmitSyncBatch(ctx, businessID, &batch)
	if err != nil {
		t.Fatalf("sync batch: %v", err)
	}
	if results[0].Outcome != models.SyncOutcomeApplied {
		t.Fatalf("expected APPLIED; got %s", results[0].Outcome)
	}
	firstOpID := results[0].OperationId

	results, err = workflow.SubmitSyncBatch(ctx, businessID, &batch)
	if err != nil {
		t.Fatalf("sync batch replay: %v", err)
	}
	if results[0].Outcome != models.SyncOutcomeDuplicate {
		t.Fatalf("expected DUPLICATE on replay; got %s", results[0].Outcome)
	}
	if firstOpID == nil || results[0].OperationId == nil || *results[0].OperationId != *firstOpID {
		t.Fatalf("duplicate must report the original operation id")
	}

	summary, err = models.ReadStockSummary(ctx, businessID, product.ID)
	if err != nil {
		t.Fatalf("read summary after sale: %v", err)
	}
	if summary.QtyOnHand.Cmp(decimal.NewFromInt(70)) != 0 {
		t.Fatalf("replay must not re-apply: expected qty=70; got %s", summary.QtyOnHand)
	}
	if summary.TotalValuation.Cmp(decimal.NewFromInt(700)) != 0 {
		t.Fatalf("expected valuation=700; got %s", summary.TotalValuation)
	}

	// Oversell: the server state wins, item comes back CONFLICT.
	oversell := workflow.SyncBatch{
		DeviceId: "device-1",
		Items: []workflow.SyncItem{
			{
				ClientOriginId: "device-1-0002",
				Operation: workflow.Operation{
					Kind:            models.OperationKindCreateSale,
					ReferenceNumber: "IV-0002",
					CustomerId:      customer.ID,
					Lines: []workflow.OperationLine{
						{ProductId: product.ID, Qty: decimal.NewFromInt(500), UnitPrice: decimal.NewFromInt(15)},
					},
				},
			},
		},
	}
	results, err = workflow.SubmitSyncBatch(ctx, businessID, &oversell)
	if err != nil {
		t.Fatalf("oversell batch: %v", err)
	}
	if results[0].Outcome != models.SyncOutcomeConflict {
		t.Fatalf("expected CONFLICT; got %s", results[0].Outcome)
	}
	if results[0].ConflictKind == nil || *results[0].ConflictKind != string(models.ConflictKindStockShortage) {
		t.Fatalf("expected stock_shortage conflict kind")
	}

	// Rebuild from the ledger must agree with the incremental cache.
	rebuilt, drift, err := workflow.RebuildStockSummaryForProduct(ctx, businessID, product.ID)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if drift != nil {
		t.Fatalf("unexpected drift: cached qty=%s rebuilt qty=%s", drift.CachedQty, drift.RebuiltQty)
	}
	if rebuilt.QtyOnHand.Cmp(decimal.NewFromInt(70)) != 0 {
		t.Fatalf("expected rebuilt qty=70; got %s", rebuilt.QtyOnHand)
	}

	// Ledger entries are strictly ordered per business.
	entries, err := models.LedgerEntriesFor(ctx, businessID, product.ID, nil, nil)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries; got %d", len(entries))
	}
	if entries[0].Sequence >= entries[1].Sequence {
		t.Fatalf("sequences must be strictly increasing")
	}
	if !entries[0].EntryDate.Before(entries[1].EntryDate) {
		t.Fatalf("entry dates must be strictly increasing")
	}

	// An adjustment that overdraws without the override fails after applying
	// began: the unit rolls back and stock is untouched.
	overdraw := workflow.Operation{
		Kind:   models.OperationKindManualAdjust,
		Reason: "bad count import",
		Lines: []workflow.OperationLine{
			{ProductId: product.ID, Qty: decimal.NewFromInt(-100)},
		},
	}
	result, err = workflow.ExecuteOperation(ctx, businessID, &overdraw)
	if err == nil || !models.IsStockConflict(err) {
		t.Fatalf("expected stock conflict; got %v", err)
	}
	if result.State != models.OperationStateRolledBack {
		t.Fatalf("in-transaction conflict must end ROLLED_BACK; got %s", result.State)
	}
	summary, err = models.ReadStockSummary(ctx, businessID, product.ID)
	if err != nil {
		t.Fatalf("read summary after rollback: %v", err)
	}
	if summary.QtyOnHand.Cmp(decimal.NewFromInt(70)) != 0 {
		t.Fatalf("rolled-back adjustment must not change stock; got %s", summary.QtyOnHand)
	}

	// The client resolves the oversell conflict by resubmitting the same
	// origin id with the override flag: the sale applies and on-hand goes
	// negative.
	oversell.Items[0].Operation.AllowNegative = true
	results, err = workflow.SubmitSyncBatch(ctx, businessID, &oversell)
	if err != nil {
		t.Fatalf("override batch: %v", err)
	}
	if results[0].Outcome != models.SyncOutcomeApplied {
		t.Fatalf("expected APPLIED with override; got %s", results[0].Outcome)
	}
	summary, err = models.ReadStockSummary(ctx, businessID, product.ID)
	if err != nil {
		t.Fatalf("read summary after override sale: %v", err)
	}
	if summary.QtyOnHand.Cmp(decimal.NewFromInt(-430)) != 0 {
		t.Fatalf("expected qty=-430 after override sale; got %s", summary.QtyOnHand)
	}
	if summary.AvgUnitCost.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Fatalf("override sale must not move avg cost; got %s", summary.AvgUnitCost)
	}

	// A multi-line unit keeps per-entry timestamps strictly increasing even
	// within one operation after the round-trip through the database.
	recount := workflow.Operation{
		Kind:          models.OperationKindManualAdjust,
		Reason:        "cycle count",
		AllowNegative: true,
		Lines: []workflow.OperationLine{
			{ProductId: product.ID, Qty: decimal.NewFromInt(5)},
			{ProductId: product.ID, Qty: decimal.NewFromInt(3)},
		},
	}
	result, err = workflow.ExecuteOperation(ctx, businessID, &recount)
	if err != nil {
		t.Fatalf("recount: %v", err)
	}
	if result.State != models.OperationStateCommitted {
		t.Fatalf("expected COMMITTED; got %s", result.State)
	}

	entries, err = models.LedgerEntriesFor(ctx, businessID, product.ID, nil, nil)
	if err != nil {
		t.Fatalf("list entries after recount: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 ledger entries; got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Sequence >= entries[i].Sequence {
			t.Fatalf("sequences must be strictly increasing at position %d", i)
		}
		if !entries[i-1].EntryDate.Before(entries[i].EntryDate) {
			t.Fatalf("entry dates must be strictly increasing at position %d, including within one operation", i)
		}
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stockledger-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stockledger-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stockledger_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
