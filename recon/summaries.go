package recon

import (
	"context"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SummaryRebuilder recomputes the aggregate summaries that hang off one
// settlement date. Rebuilds are strictly bottom-up: the daily row comes from
// the facts table, the monthly row from the month's daily rows, the yearly
// row from the year's monthly rows. No level is ever computed from raw facts
// directly, so each level keeps a single source of truth.
type SummaryRebuilder struct {
	facts     FactStore
	summaries SummaryStore
	logger    *logrus.Logger
}

func NewSummaryRebuilder(facts FactStore, summaries SummaryStore, logger *logrus.Logger) *SummaryRebuilder {
	return &SummaryRebuilder{facts: facts, summaries: summaries, logger: logger}
}

// RebuildForDate rebuilds daily, then monthly, then yearly for the given date.
func (r *SummaryRebuilder) RebuildForDate(ctx context.Context, date time.Time) error {
	date = utils.DateOnly(date)

	totals, err := r.facts.DailyFactTotals(ctx, date)
	if err != nil {
		return err
	}
	if err := r.summaries.ReplaceDailySummary(ctx, date, totals); err != nil {
		return err
	}

	if err := r.rebuildMonth(ctx, date.Year(), date.Month()); err != nil {
		return err
	}
	return r.rebuildYear(ctx, date.Year())
}

func (r *SummaryRebuilder) rebuildMonth(ctx context.Context, year int, month time.Month) error {
	dailies, err := r.summaries.DailySummariesForMonth(ctx, year, month)
	if err != nil {
		return err
	}
	totalQuantity := decimal.Zero
	totalPayment := decimal.Zero
	for _, d := range dailies {
		totalQuantity = totalQuantity.Add(d.TotalQuantity)
		totalPayment = totalPayment.Add(d.TotalPayment)
	}
	monthKey := utils.MonthKeyOf(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC))
	return r.summaries.ReplaceMonthlySummary(ctx, monthKey, totalQuantity, totalPayment, len(dailies) > 0)
}

func (r *SummaryRebuilder) rebuildYear(ctx context.Context, year int) error {
	monthlies, err := r.summaries.MonthlySummariesForYear(ctx, year)
	if err != nil {
		return err
	}
	totalQuantity := decimal.Zero
	totalPayment := decimal.Zero
	for _, m := range monthlies {
		totalQuantity = totalQuantity.Add(m.TotalQuantity)
		totalPayment = totalPayment.Add(m.TotalPayment)
	}
	return r.summaries.ReplaceYearlySummary(ctx, year, totalQuantity, totalPayment, len(monthlies) > 0)
}
