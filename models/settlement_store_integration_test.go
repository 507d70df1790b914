package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
)

func TestSettlementStoreAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.ConnectDatabaseWithRetry.
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "settlements_test")

	if err := config.ConnectDatabaseWithRetry(); err != nil {
		t.Fatalf("ConnectDatabaseWithRetry: %v", err)
	}
	models.MigrateTable()

	store := models.NewSettlementStore(config.GetDB())
	date := mustDate(t, "2025-03-21")
	other := mustDate(t, "2025-03-22")

	// Seed one duplicated natural key plus clean rows on two dates.
	facts := []models.SettlementFact{
		{SettlementDate: date, SettlementPeriod: 5, UnitID: "T_UNIT-1", Quantity: dec("10"), UnitPrice: dec("50"), Payment: dec("500")},
		{SettlementDate: date, SettlementPeriod: 5, UnitID: "T_UNIT-1", Quantity: dec("10"), UnitPrice: dec("50"), Payment: dec("500")},
		{SettlementDate: date, SettlementPeriod: 6, UnitID: "T_UNIT-2", Quantity: dec("-4"), UnitPrice: dec("50"), Payment: dec("-200")},
		{SettlementDate: other, SettlementPeriod: 1, UnitID: "T_UNIT-1", Quantity: dec("7"), UnitPrice: dec("50"), Payment: dec("350")},
	}
	if err := store.InsertFacts(ctx, facts); err != nil {
		t.Fatalf("InsertFacts: %v", err)
	}

	dup, err := store.HasDuplicates(ctx, date)
	if err != nil {
		t.Fatalf("HasDuplicates: %v", err)
	}
	if !dup {
		t.Error("date with a repeated natural key must report duplicates")
	}
	dup, err = store.HasDuplicates(ctx, other)
	if err != nil {
		t.Fatalf("HasDuplicates(clean): %v", err)
	}
	if dup {
		t.Error("clean date must not report duplicates")
	}

	// Distinct combo counting must collapse the duplicate pair.
	combos, err := store.FactCombosByDate(ctx, nil, nil)
	if err != nil {
		t.Fatalf("FactCombosByDate: %v", err)
	}
	if len(combos) != 2 {
		t.Fatalf("want 2 dates, got %d: %+v", len(combos), combos)
	}
	if combos[0].Count != 2 {
		t.Errorf("first date: want 2 distinct combos, got %d", combos[0].Count)
	}

	keys, err := store.FactKeysForDate(ctx, date)
	if err != nil {
		t.Fatalf("FactKeysForDate: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("want 2 distinct keys, got %+v", keys)
	}

	totals, err := store.DailyFactTotals(ctx, date)
	if err != nil {
		t.Fatalf("DailyFactTotals: %v", err)
	}
	if totals.FactCount != 3 {
		t.Errorf("fact count: want 3, got %d", totals.FactCount)
	}
	if !totals.TotalQuantity.Equal(dec("16")) {
		t.Errorf("total quantity: want 16, got %s", totals.TotalQuantity)
	}

	// Remove the newer duplicate and confirm the totals follow.
	loaded, err := store.FactsForDate(ctx, date)
	if err != nil {
		t.Fatalf("FactsForDate: %v", err)
	}
	var dupIDs []int
	for _, f := range loaded {
		if f.SettlementPeriod == 5 && f.UnitID == "T_UNIT-1" {
			dupIDs = append(dupIDs, f.ID)
		}
	}
	if len(dupIDs) != 2 {
		t.Fatalf("want 2 duplicate rows, got %d", len(dupIDs))
	}
	removed, err := store.DeleteFactsByID(ctx, dupIDs[1:])
	if err != nil {
		t.Fatalf("DeleteFactsByID: %v", err)
	}
	if removed != 1 {
		t.Errorf("want 1 removed, got %d", removed)
	}
	totals, err = store.DailyFactTotals(ctx, date)
	if err != nil {
		t.Fatalf("DailyFactTotals after delete: %v", err)
	}
	if !totals.TotalQuantity.Equal(dec("6")) {
		t.Errorf("total quantity after delete: want 6, got %s", totals.TotalQuantity)
	}

	// Derived calculations: delete-then-insert round trip.
	calcs := []models.ModelCalculation{
		{SettlementDate: date, SettlementPeriod: 5, UnitID: "T_UNIT-1", ModelCode: "s19-pro", Value: dec("31.72"), ComputedAt: time.Now().UTC()},
		{SettlementDate: date, SettlementPeriod: 6, UnitID: "T_UNIT-2", ModelCode: "s19-pro", Value: dec("12.69"), ComputedAt: time.Now().UTC()},
	}
	if err := store.InsertCalculations(ctx, calcs); err != nil {
		t.Fatalf("InsertCalculations: %v", err)
	}
	calcKeys, err := store.CalculationKeysForDateModel(ctx, date, "s19-pro")
	if err != nil {
		t.Fatalf("CalculationKeysForDateModel: %v", err)
	}
	if len(calcKeys) != 2 {
		t.Fatalf("want 2 calc keys, got %+v", calcKeys)
	}
	byModel, err := store.CalculationCountsByModel(ctx, date)
	if err != nil {
		t.Fatalf("CalculationCountsByModel: %v", err)
	}
	if len(byModel) != 1 || byModel[0].ModelCode != "s19-pro" || byModel[0].Count != 2 {
		t.Errorf("unexpected per-model counts: %+v", byModel)
	}
	deleted, err := store.DeleteCalculationsForDateModel(ctx, date, "s19-pro")
	if err != nil {
		t.Fatalf("DeleteCalculationsForDateModel: %v", err)
	}
	if deleted != 2 {
		t.Errorf("want 2 deleted calcs, got %d", deleted)
	}

	// Upsert must take the duplicate-key fallback on the second write.
	first := models.ModelDailySummary{SettlementDate: date, ModelCode: "s19-pro", TotalValue: dec("44.41"), RecordsProcessed: 2}
	if err := store.UpsertModelDailySummary(ctx, first); err != nil {
		t.Fatalf("UpsertModelDailySummary insert: %v", err)
	}
	second := models.ModelDailySummary{SettlementDate: date, ModelCode: "s19-pro", TotalValue: dec("31.72"), RecordsProcessed: 1}
	if err := store.UpsertModelDailySummary(ctx, second); err != nil {
		t.Fatalf("UpsertModelDailySummary update: %v", err)
	}
	var mds models.ModelDailySummary
	if err := config.GetDB().Where("settlement_date = ? AND model_code = ?", date, "s19-pro").First(&mds).Error; err != nil {
		t.Fatalf("load model daily summary: %v", err)
	}
	if !mds.TotalValue.Equal(dec("31.72")) || mds.RecordsProcessed != 1 {
		t.Errorf("upsert did not update: %+v", mds)
	}

	// Daily summary upsert, then deletion when the date empties out.
	if err := store.ReplaceDailySummary(ctx, date, totals); err != nil {
		t.Fatalf("ReplaceDailySummary: %v", err)
	}
	summary, err := store.GetDailySummary(ctx, date)
	if err != nil {
		t.Fatalf("GetDailySummary: %v", err)
	}
	if summary == nil || !summary.TotalQuantity.Equal(dec("6")) {
		t.Errorf("unexpected daily summary: %+v", summary)
	}
	if err := store.ReplaceDailySummary(ctx, date, models.DailyTotals{}); err != nil {
		t.Fatalf("ReplaceDailySummary(empty): %v", err)
	}
	summary, err = store.GetDailySummary(ctx, date)
	if err != nil {
		t.Fatalf("GetDailySummary after delete: %v", err)
	}
	if summary != nil {
		t.Errorf("summary must be gone when the date has no facts: %+v", summary)
	}

	// Month-key prefix lookups for the yearly rollup.
	if err := store.ReplaceMonthlySummary(ctx, "2025-03", dec("6"), dec("300"), true); err != nil {
		t.Fatalf("ReplaceMonthlySummary: %v", err)
	}
	if err := store.ReplaceMonthlySummary(ctx, "2024-12", dec("9"), dec("450"), true); err != nil {
		t.Fatalf("ReplaceMonthlySummary(2024): %v", err)
	}
	months, err := store.MonthlySummariesForYear(ctx, 2025)
	if err != nil {
		t.Fatalf("MonthlySummariesForYear: %v", err)
	}
	if len(months) != 1 || months[0].MonthKey != "2025-03" {
		t.Errorf("year filter leaked: %+v", months)
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := utils.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %s: %v", s, err)
	}
	return d
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("settlements-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=settlements_test",
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
	// wait until ready
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
