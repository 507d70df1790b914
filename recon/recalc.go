package recon

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultInsertBatchSize = 250

// RecalcResult reports one (date, model) recomputation.
type RecalcResult struct {
	RecordsProcessed int             `json:"records_processed"`
	RecordsSkipped   int             `json:"records_skipped"`
	TotalValue       decimal.Decimal `json:"total_value"`
}

// RecalcEngine produces the derived calculations for a (date, model) pair.
//
// Idempotence comes from delete-then-insert: every recompute first removes
// the pair's existing rows, so stale values never survive. That pattern is
// NOT safe under concurrent writers: callers must guarantee a single writer
// per (date, model) pair at a time.
type RecalcEngine struct {
	facts     FactStore
	derived   DerivedStore
	ref       *ReferenceData
	model     CalculationModel
	batchSize int
	logger    *logrus.Logger
}

func NewRecalcEngine(facts FactStore, derived DerivedStore, ref *ReferenceData, model CalculationModel, logger *logrus.Logger) *RecalcEngine {
	return &RecalcEngine{
		facts:     facts,
		derived:   derived,
		ref:       ref,
		model:     model,
		batchSize: defaultInsertBatchSize,
		logger:    logger,
	}
}

// SetBatchSize overrides the insert batch size (tests use small batches).
func (e *RecalcEngine) SetBatchSize(n int) {
	if n > 0 {
		e.batchSize = n
	}
}

// RecomputeDate recomputes every derived value for the date under one model.
// Quantities are treated as magnitudes; zero quantities are skipped rather
// than written as zero, so "missing" stays distinguishable from "zero".
func (e *RecalcEngine) RecomputeDate(ctx context.Context, date time.Time, modelCode string) (*RecalcResult, error) {
	variant, ok := e.ref.Variant(modelCode)
	if !ok {
		return nil, NewConfigError("unknown model variant %q", modelCode)
	}
	date = utils.DateOnly(date)

	deleted, err := e.derived.DeleteCalculationsForDateModel(ctx, date, modelCode)
	if err != nil {
		config.LogError(e.logger, "recalc.go", "RecomputeDate", "resetting derived rows", modelCode, err)
		return nil, err
	}

	facts, err := e.facts.FactsForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(variant.Params)
	if err != nil {
		return nil, err
	}
	computedAt := time.Now().UTC()

	result := &RecalcResult{TotalValue: decimal.Zero}
	seen := make(map[models.FactKey]struct{}, len(facts))
	batch := make([]models.ModelCalculation, 0, e.batchSize)

	for _, fact := range facts {
		key := models.FactKey{SettlementPeriod: fact.SettlementPeriod, UnitID: fact.UnitID}
		if _, dup := seen[key]; dup {
			// Leftover duplicate rows: the first row (lowest id) is the one
			// deduplication would keep, so later rows are ignored here too.
			result.RecordsSkipped++
			continue
		}
		seen[key] = struct{}{}

		quantity := fact.Quantity.Abs()
		if quantity.IsZero() {
			result.RecordsSkipped++
			continue
		}

		value := e.model.Apply(quantity, variant.Params)
		batch = append(batch, models.ModelCalculation{
			SettlementDate:   date,
			SettlementPeriod: fact.SettlementPeriod,
			UnitID:           fact.UnitID,
			ModelCode:        modelCode,
			Value:            value,
			ParamsSnapshot:   string(snapshot),
			ComputedAt:       computedAt,
		})
		result.RecordsProcessed++
		result.TotalValue = result.TotalValue.Add(value)

		if len(batch) >= e.batchSize {
			if err := e.derived.InsertCalculations(ctx, batch); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := e.derived.InsertCalculations(ctx, batch); err != nil {
			return nil, err
		}
	}

	if err := e.derived.UpsertModelDailySummary(ctx, models.ModelDailySummary{
		SettlementDate:   date,
		ModelCode:        modelCode,
		TotalValue:       result.TotalValue,
		RecordsProcessed: result.RecordsProcessed,
	}); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"date":      date.Format(utils.DateLayout),
		"model":     modelCode,
		"deleted":   deleted,
		"processed": result.RecordsProcessed,
		"skipped":   result.RecordsSkipped,
	}).Info("recomputed derived calculations")
	return result, nil
}
