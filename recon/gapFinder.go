package recon

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DateCompletion is one date's reconciliation state: how many derived rows
// exist versus how many the facts and registered models require.
type DateCompletion struct {
	SettlementDate    time.Time `json:"settlement_date"`
	ActualCount       int64     `json:"actual_count"`
	ExpectedCount     int64     `json:"expected_count"`
	CompletionPercent float64   `json:"completion_percent"`
}

// VariantDetail is the per-model breakdown for one date (or overall).
type VariantDetail struct {
	Count              int64   `json:"count"`
	ExpectedPerVariant int64   `json:"expected_per_variant"`
	Percent            float64 `json:"percent"`
}

// DateDetails is the drill-down for one date, including the exact
// (period, unit) combos each model is missing. TotalValueByModel carries the
// per-model daily rollup written by the last successful recompute; models
// never recomputed for the date are absent from the map.
type DateDetails struct {
	SettlementDate    time.Time                   `json:"settlement_date"`
	ByModel           map[string]VariantDetail    `json:"by_model"`
	MissingCombos     map[string][]models.FactKey `json:"missing_combos"`
	TotalValueByModel map[string]decimal.Decimal  `json:"total_value_by_model"`
}

// StatusReport is the overall reconciliation picture across all dates.
type StatusReport struct {
	TotalActual       int64                    `json:"total_actual"`
	TotalExpected     int64                    `json:"total_expected"`
	CompletionPercent float64                  `json:"completion_percent"`
	IncompleteDates   int                      `json:"incomplete_dates"`
	ByModel           map[string]VariantDetail `json:"by_model"`
}

// GapFinder measures the distance between settlement facts and their derived
// calculations.
type GapFinder struct {
	facts   FactStore
	derived DerivedStore
	ref     *ReferenceData
	logger  *logrus.Logger
}

func NewGapFinder(facts FactStore, derived DerivedStore, ref *ReferenceData, logger *logrus.Logger) *GapFinder {
	return &GapFinder{facts: facts, derived: derived, ref: ref, logger: logger}
}

// FindIncomplete returns every date in the (optional) range whose derived set
// is incomplete, worst completion first, most recent first within equal
// completion. A date with facts but zero expected rows cannot occur while at
// least one model is registered; a date with no facts is trivially complete
// and never listed.
func (g *GapFinder) FindIncomplete(ctx context.Context, from, to *time.Time) ([]DateCompletion, error) {
	combos, err := g.facts.FactCombosByDate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	derivedCounts, err := g.derived.DerivedCountsByDate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	actualByDate := make(map[string]int64, len(derivedCounts))
	for _, dc := range derivedCounts {
		actualByDate[utils.DateOnly(dc.SettlementDate).Format(utils.DateLayout)] = dc.Count
	}

	variantCount := int64(g.ref.VariantCount())
	var incomplete []DateCompletion
	for _, c := range combos {
		date := utils.DateOnly(c.SettlementDate)
		expected := c.Count * variantCount
		actual := actualByDate[date.Format(utils.DateLayout)]
		// Completeness is decided on raw counts. The rounded percent is for
		// display and ranking only: a date missing one row out of many rounds
		// to 100.00 and must still be listed.
		if actual >= expected {
			continue
		}
		incomplete = append(incomplete, DateCompletion{
			SettlementDate:    date,
			ActualCount:       actual,
			ExpectedCount:     expected,
			CompletionPercent: utils.RoundPercent(actual, expected),
		})
	}

	sort.SliceStable(incomplete, func(i, j int) bool {
		if incomplete[i].CompletionPercent != incomplete[j].CompletionPercent {
			return incomplete[i].CompletionPercent < incomplete[j].CompletionPercent
		}
		return incomplete[i].SettlementDate.After(incomplete[j].SettlementDate)
	})
	return incomplete, nil
}

// DetailsForDate computes the per-model breakdown for one date via set
// difference between (fact keys x registered models) and the existing
// derived keys.
func (g *GapFinder) DetailsForDate(ctx context.Context, date time.Time) (*DateDetails, error) {
	date = utils.DateOnly(date)

	factKeys, err := g.facts.FactKeysForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	summaries, err := g.derived.ModelDailySummariesForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	details := &DateDetails{
		SettlementDate:    date,
		ByModel:           make(map[string]VariantDetail, g.ref.VariantCount()),
		MissingCombos:     make(map[string][]models.FactKey, g.ref.VariantCount()),
		TotalValueByModel: make(map[string]decimal.Decimal, len(summaries)),
	}
	for _, s := range summaries {
		details.TotalValueByModel[s.ModelCode] = s.TotalValue
	}

	for _, variant := range g.ref.Variants() {
		derivedKeys, err := g.derived.CalculationKeysForDateModel(ctx, date, variant.Code)
		if err != nil {
			return nil, err
		}
		have := make(map[models.FactKey]struct{}, len(derivedKeys))
		for _, k := range derivedKeys {
			have[k] = struct{}{}
		}

		missing := []models.FactKey{}
		for _, k := range factKeys {
			if _, ok := have[k]; !ok {
				missing = append(missing, k)
			}
		}

		details.ByModel[variant.Code] = VariantDetail{
			Count:              int64(len(derivedKeys)),
			ExpectedPerVariant: int64(len(factKeys)),
			Percent:            utils.RoundPercent(int64(len(derivedKeys)), int64(len(factKeys))),
		}
		details.MissingCombos[variant.Code] = missing
	}
	return details, nil
}

// Status aggregates completion across every date with facts.
func (g *GapFinder) Status(ctx context.Context) (*StatusReport, error) {
	combos, err := g.facts.FactCombosByDate(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	derivedCounts, err := g.derived.DerivedCountsByDate(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	byModel, err := g.derived.TotalCalculationCountsByModel(ctx)
	if err != nil {
		return nil, err
	}

	var totalCombos, totalActual int64
	for _, c := range combos {
		totalCombos += c.Count
	}
	for _, dc := range derivedCounts {
		totalActual += dc.Count
	}
	variantCount := int64(g.ref.VariantCount())
	totalExpected := totalCombos * variantCount

	actualByModel := make(map[string]int64, len(byModel))
	for _, mc := range byModel {
		actualByModel[mc.ModelCode] = mc.Count
	}

	report := &StatusReport{
		TotalActual:       totalActual,
		TotalExpected:     totalExpected,
		CompletionPercent: utils.RoundPercent(totalActual, totalExpected),
		ByModel:           make(map[string]VariantDetail, variantCount),
	}
	for _, variant := range g.ref.Variants() {
		actual := actualByModel[variant.Code]
		report.ByModel[variant.Code] = VariantDetail{
			Count:              actual,
			ExpectedPerVariant: totalCombos,
			Percent:            utils.RoundPercent(actual, totalCombos),
		}
	}

	incomplete, err := g.FindIncomplete(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	report.IncompleteDates = len(incomplete)
	return report, nil
}
