package recon

import (
	"context"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/models"
	"github.com/shopspring/decimal"
)

// FactStore is the narrow view of the settlement fact table the engine needs.
// models.SettlementStore is the production implementation.
type FactStore interface {
	FactsForDate(ctx context.Context, date time.Time) ([]models.SettlementFact, error)
	FactKeysForDate(ctx context.Context, date time.Time) ([]models.FactKey, error)
	FactCombosByDate(ctx context.Context, from, to *time.Time) ([]models.DateCount, error)
	HasDuplicates(ctx context.Context, date time.Time) (bool, error)
	DeleteFactsByID(ctx context.Context, ids []int) (int64, error)
	InsertFacts(ctx context.Context, facts []models.SettlementFact) error
	DailyFactTotals(ctx context.Context, date time.Time) (models.DailyTotals, error)
}

// DerivedStore is the narrow view of the derived calculation table.
type DerivedStore interface {
	DeleteCalculationsForDateModel(ctx context.Context, date time.Time, modelCode string) (int64, error)
	InsertCalculations(ctx context.Context, rows []models.ModelCalculation) error
	CalculationKeysForDateModel(ctx context.Context, date time.Time, modelCode string) ([]models.FactKey, error)
	DerivedCountsByDate(ctx context.Context, from, to *time.Time) ([]models.DateCount, error)
	CalculationCountsByModel(ctx context.Context, date time.Time) ([]models.ModelCount, error)
	TotalCalculationCountsByModel(ctx context.Context) ([]models.ModelCount, error)
	UpsertModelDailySummary(ctx context.Context, summary models.ModelDailySummary) error
	ModelDailySummariesForDate(ctx context.Context, date time.Time) ([]models.ModelDailySummary, error)
}

// SummaryStore writes the daily/monthly/yearly rollups. Monthly totals are
// only ever written from daily rows, yearly only from monthly rows.
type SummaryStore interface {
	ReplaceDailySummary(ctx context.Context, date time.Time, totals models.DailyTotals) error
	DailySummariesForMonth(ctx context.Context, year int, month time.Month) ([]models.DailySummary, error)
	ReplaceMonthlySummary(ctx context.Context, monthKey string, totalQuantity, totalPayment decimal.Decimal, hasRows bool) error
	MonthlySummariesForYear(ctx context.Context, year int) ([]models.MonthlySummary, error)
	ReplaceYearlySummary(ctx context.Context, year int, totalQuantity, totalPayment decimal.Decimal, hasRows bool) error
}
