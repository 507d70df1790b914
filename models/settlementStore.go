package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementStore is the relational access layer for facts, derived
// calculations and summaries. Every query decodes into a typed result struct
// at this boundary; nothing above it handles raw rows.
type SettlementStore struct {
	db *gorm.DB
}

func NewSettlementStore(db *gorm.DB) *SettlementStore {
	return &SettlementStore{db: db}
}

// DateCount is a grouped-count row keyed by settlement date.
type DateCount struct {
	SettlementDate time.Time `json:"settlement_date"`
	Count          int64     `json:"count"`
}

// ModelCount is a grouped-count row keyed by model code.
type ModelCount struct {
	ModelCode string `json:"model_code"`
	Count     int64  `json:"count"`
}

// DailyTotals are the fact-level sums for one settlement date.
type DailyTotals struct {
	FactCount     int64           `json:"fact_count"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	TotalPayment  decimal.Decimal `json:"total_payment"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ---- facts ----

func (s *SettlementStore) FactsForDate(ctx context.Context, date time.Time) ([]SettlementFact, error) {
	var facts []SettlementFact
	err := s.db.WithContext(ctx).
		Where("settlement_date = ?", date).
		Order("settlement_period, unit_id, id").
		Find(&facts).Error
	return facts, err
}

func (s *SettlementStore) FactKeysForDate(ctx context.Context, date time.Time) ([]FactKey, error) {
	var keys []FactKey
	err := s.db.WithContext(ctx).
		Model(&SettlementFact{}).
		Select("DISTINCT settlement_period, unit_id").
		Where("settlement_date = ?", date).
		Order("settlement_period, unit_id").
		Scan(&keys).Error
	return keys, err
}

// FactCombosByDate counts distinct (period, unit) combos per date. A nil
// bound leaves that side of the range open.
func (s *SettlementStore) FactCombosByDate(ctx context.Context, from, to *time.Time) ([]DateCount, error) {
	q := s.db.WithContext(ctx).
		Model(&SettlementFact{}).
		Select("settlement_date, COUNT(DISTINCT settlement_period, unit_id) AS count").
		Group("settlement_date").
		Order("settlement_date")
	if from != nil {
		q = q.Where("settlement_date >= ?", *from)
	}
	if to != nil {
		q = q.Where("settlement_date <= ?", *to)
	}
	var rows []DateCount
	err := q.Scan(&rows).Error
	return rows, err
}

func (s *SettlementStore) HasDuplicates(ctx context.Context, date time.Time) (bool, error) {
	var n int
	err := s.db.WithContext(ctx).Raw(`
		SELECT EXISTS(
			SELECT 1 FROM settlement_facts
			WHERE settlement_date = ?
			GROUP BY settlement_period, unit_id
			HAVING COUNT(*) > 1
		)`, date).Scan(&n).Error
	return n == 1, err
}

func (s *SettlementStore) DeleteFactsByID(ctx context.Context, ids []int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&SettlementFact{})
	return res.RowsAffected, res.Error
}

func (s *SettlementStore) InsertFacts(ctx context.Context, facts []SettlementFact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(facts, 250).Error
}

func (s *SettlementStore) DailyFactTotals(ctx context.Context, date time.Time) (DailyTotals, error) {
	var totals DailyTotals
	err := s.db.WithContext(ctx).
		Model(&SettlementFact{}).
		Select("COUNT(*) AS fact_count, COALESCE(SUM(quantity), 0) AS total_quantity, COALESCE(SUM(payment), 0) AS total_payment").
		Where("settlement_date = ?", date).
		Scan(&totals).Error
	return totals, err
}

// ---- derived calculations ----

func (s *SettlementStore) DeleteCalculationsForDateModel(ctx context.Context, date time.Time, modelCode string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("settlement_date = ? AND model_code = ?", date, modelCode).
		Delete(&ModelCalculation{})
	return res.RowsAffected, res.Error
}

func (s *SettlementStore) InsertCalculations(ctx context.Context, rows []ModelCalculation) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *SettlementStore) CalculationKeysForDateModel(ctx context.Context, date time.Time, modelCode string) ([]FactKey, error) {
	var keys []FactKey
	err := s.db.WithContext(ctx).
		Model(&ModelCalculation{}).
		Select("settlement_period, unit_id").
		Where("settlement_date = ? AND model_code = ?", date, modelCode).
		Order("settlement_period, unit_id").
		Scan(&keys).Error
	return keys, err
}

func (s *SettlementStore) DerivedCountsByDate(ctx context.Context, from, to *time.Time) ([]DateCount, error) {
	q := s.db.WithContext(ctx).
		Model(&ModelCalculation{}).
		Select("settlement_date, COUNT(*) AS count").
		Group("settlement_date").
		Order("settlement_date")
	if from != nil {
		q = q.Where("settlement_date >= ?", *from)
	}
	if to != nil {
		q = q.Where("settlement_date <= ?", *to)
	}
	var rows []DateCount
	err := q.Scan(&rows).Error
	return rows, err
}

func (s *SettlementStore) CalculationCountsByModel(ctx context.Context, date time.Time) ([]ModelCount, error) {
	var rows []ModelCount
	err := s.db.WithContext(ctx).
		Model(&ModelCalculation{}).
		Select("model_code, COUNT(*) AS count").
		Where("settlement_date = ?", date).
		Group("model_code").
		Scan(&rows).Error
	return rows, err
}

func (s *SettlementStore) TotalCalculationCountsByModel(ctx context.Context) ([]ModelCount, error) {
	var rows []ModelCount
	err := s.db.WithContext(ctx).
		Model(&ModelCalculation{}).
		Select("model_code, COUNT(*) AS count").
		Group("model_code").
		Scan(&rows).Error
	return rows, err
}

// UpsertModelDailySummary inserts the rollup, falling back to an update when
// the (date, model) row already exists.
func (s *SettlementStore) UpsertModelDailySummary(ctx context.Context, summary ModelDailySummary) error {
	err := s.db.WithContext(ctx).Create(&summary).Error
	if err == nil {
		return nil
	}
	if !isDuplicateKeyErr(err) {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&ModelDailySummary{}).
		Where("settlement_date = ? AND model_code = ?", summary.SettlementDate, summary.ModelCode).
		Updates(map[string]interface{}{
			"total_value":       summary.TotalValue,
			"records_processed": summary.RecordsProcessed,
		}).Error
}

func (s *SettlementStore) ModelDailySummariesForDate(ctx context.Context, date time.Time) ([]ModelDailySummary, error) {
	var rows []ModelDailySummary
	err := s.db.WithContext(ctx).
		Where("settlement_date = ?", date).
		Order("model_code").
		Find(&rows).Error
	return rows, err
}

// ---- summaries ----

// ReplaceDailySummary writes the daily rollup for a date, or deletes it when
// no facts remain (a date with no facts has no summary row, mirroring the
// facts table rather than keeping a zero row).
func (s *SettlementStore) ReplaceDailySummary(ctx context.Context, date time.Time, totals DailyTotals) error {
	if totals.FactCount == 0 {
		return s.db.WithContext(ctx).
			Where("settlement_date = ?", date).
			Delete(&DailySummary{}).Error
	}
	summary := DailySummary{
		SettlementDate: date,
		TotalQuantity:  totals.TotalQuantity,
		TotalPayment:   totals.TotalPayment,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "settlement_date"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_quantity", "total_payment"}),
		}).
		Create(&summary).Error
}

func (s *SettlementStore) DailySummariesForMonth(ctx context.Context, year int, month time.Month) ([]DailySummary, error) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	var rows []DailySummary
	err := s.db.WithContext(ctx).
		Where("settlement_date BETWEEN ? AND ?", first, last).
		Order("settlement_date").
		Find(&rows).Error
	return rows, err
}

func (s *SettlementStore) ReplaceMonthlySummary(ctx context.Context, monthKey string, totalQuantity, totalPayment decimal.Decimal, hasRows bool) error {
	if !hasRows {
		return s.db.WithContext(ctx).
			Where("month_key = ?", monthKey).
			Delete(&MonthlySummary{}).Error
	}
	summary := MonthlySummary{
		MonthKey:      monthKey,
		TotalQuantity: totalQuantity,
		TotalPayment:  totalPayment,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "month_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_quantity", "total_payment"}),
		}).
		Create(&summary).Error
}

func (s *SettlementStore) MonthlySummariesForYear(ctx context.Context, year int) ([]MonthlySummary, error) {
	var rows []MonthlySummary
	err := s.db.WithContext(ctx).
		Where("month_key LIKE ?", fmt.Sprintf("%04d-%%", year)).
		Order("month_key").
		Find(&rows).Error
	return rows, err
}

func (s *SettlementStore) ReplaceYearlySummary(ctx context.Context, year int, totalQuantity, totalPayment decimal.Decimal, hasRows bool) error {
	if !hasRows {
		return s.db.WithContext(ctx).
			Where("year = ?", year).
			Delete(&YearlySummary{}).Error
	}
	summary := YearlySummary{
		Year:          year,
		TotalQuantity: totalQuantity,
		TotalPayment:  totalPayment,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "year"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_quantity", "total_payment"}),
		}).
		Create(&summary).Error
}

func (s *SettlementStore) GetDailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	var row DailySummary
	err := s.db.WithContext(ctx).
		Where("settlement_date = ?", date).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
