package recon

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// memStore is an in-memory implementation of FactStore, DerivedStore and
// SummaryStore with failure injection and call counters, so engine semantics
// can be tested without a database.
type memStore struct {
	mu sync.Mutex

	nextID int
	facts  []models.SettlementFact

	calcs      map[string]models.ModelCalculation // date|period|unit|model
	modelDaily map[string]models.ModelDailySummary

	daily   map[string]models.DailySummary
	monthly map[string]models.MonthlySummary
	yearly  map[int]models.YearlySummary

	// failFactsForDate[date] > 0 makes the next FactsForDate calls for that
	// date fail, decrementing per call.
	failFactsForDate map[string]int

	factsForDateCalls map[string]int
	deleteCalcCalls   map[string]int // date|model
	insertCalcCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		calcs:             map[string]models.ModelCalculation{},
		modelDaily:        map[string]models.ModelDailySummary{},
		daily:             map[string]models.DailySummary{},
		monthly:           map[string]models.MonthlySummary{},
		yearly:            map[int]models.YearlySummary{},
		failFactsForDate:  map[string]int{},
		factsForDateCalls: map[string]int{},
		deleteCalcCalls:   map[string]int{},
	}
}

func dkey(t time.Time) string { return utils.DateOnly(t).Format(utils.DateLayout) }

func calcKey(date time.Time, period int, unit, model string) string {
	return fmt.Sprintf("%s|%d|%s|%s", dkey(date), period, unit, model)
}

func (m *memStore) addFact(date string, period int, unit string, quantity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _ := utils.ParseDate(date)
	q, _ := decimal.NewFromString(quantity)
	m.nextID++
	m.facts = append(m.facts, models.SettlementFact{
		ID:               m.nextID,
		SettlementDate:   d,
		SettlementPeriod: period,
		UnitID:           unit,
		Quantity:         q,
		UnitPrice:        decimal.NewFromInt(50),
		Payment:          q.Mul(decimal.NewFromInt(50)),
	})
	return m.nextID
}

// ---- FactStore ----

func (m *memStore) FactsForDate(ctx context.Context, date time.Time) ([]models.SettlementFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dkey(date)
	m.factsForDateCalls[key]++
	if m.failFactsForDate[key] > 0 {
		m.failFactsForDate[key]--
		return nil, fmt.Errorf("injected failure for %s", key)
	}
	var out []models.SettlementFact
	for _, f := range m.facts {
		if dkey(f.SettlementDate) == key {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SettlementPeriod != out[j].SettlementPeriod {
			return out[i].SettlementPeriod < out[j].SettlementPeriod
		}
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) FactKeysForDate(ctx context.Context, date time.Time) ([]models.FactKey, error) {
	facts, err := m.FactsForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	seen := map[models.FactKey]struct{}{}
	var keys []models.FactKey
	for _, f := range facts {
		k := models.FactKey{SettlementPeriod: f.SettlementPeriod, UnitID: f.UnitID}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStore) FactCombosByDate(ctx context.Context, from, to *time.Time) ([]models.DateCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	combos := map[string]map[models.FactKey]struct{}{}
	for _, f := range m.facts {
		d := utils.DateOnly(f.SettlementDate)
		if from != nil && d.Before(utils.DateOnly(*from)) {
			continue
		}
		if to != nil && d.After(utils.DateOnly(*to)) {
			continue
		}
		key := dkey(d)
		if combos[key] == nil {
			combos[key] = map[models.FactKey]struct{}{}
		}
		combos[key][models.FactKey{SettlementPeriod: f.SettlementPeriod, UnitID: f.UnitID}] = struct{}{}
	}
	var out []models.DateCount
	for key, set := range combos {
		d, _ := utils.ParseDate(key)
		out = append(out, models.DateCount{SettlementDate: d, Count: int64(len(set))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettlementDate.Before(out[j].SettlementDate) })
	return out, nil
}

func (m *memStore) HasDuplicates(ctx context.Context, date time.Time) (bool, error) {
	facts, err := m.FactsForDate(ctx, date)
	if err != nil {
		return false, err
	}
	seen := map[models.FactKey]struct{}{}
	for _, f := range facts {
		k := models.FactKey{SettlementPeriod: f.SettlementPeriod, UnitID: f.UnitID}
		if _, dup := seen[k]; dup {
			return true, nil
		}
		seen[k] = struct{}{}
	}
	return false, nil
}

func (m *memStore) DeleteFactsByID(ctx context.Context, ids []int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[int]struct{}{}
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var kept []models.SettlementFact
	var removed int64
	for _, f := range m.facts {
		if _, ok := drop[f.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.facts = kept
	return removed, nil
}

func (m *memStore) InsertFacts(ctx context.Context, facts []models.SettlementFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range facts {
		m.nextID++
		f.ID = m.nextID
		m.facts = append(m.facts, f)
	}
	return nil
}

func (m *memStore) DailyFactTotals(ctx context.Context, date time.Time) (models.DailyTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := models.DailyTotals{TotalQuantity: decimal.Zero, TotalPayment: decimal.Zero}
	key := dkey(date)
	for _, f := range m.facts {
		if dkey(f.SettlementDate) == key {
			totals.FactCount++
			totals.TotalQuantity = totals.TotalQuantity.Add(f.Quantity)
			totals.TotalPayment = totals.TotalPayment.Add(f.Payment)
		}
	}
	return totals, nil
}

// ---- DerivedStore ----

func (m *memStore) DeleteCalculationsForDateModel(ctx context.Context, date time.Time, modelCode string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalcCalls[dkey(date)+"|"+modelCode]++
	var removed int64
	for key, c := range m.calcs {
		if dkey(c.SettlementDate) == dkey(date) && c.ModelCode == modelCode {
			delete(m.calcs, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memStore) InsertCalculations(ctx context.Context, rows []models.ModelCalculation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalcCalls++
	for _, c := range rows {
		key := calcKey(c.SettlementDate, c.SettlementPeriod, c.UnitID, c.ModelCode)
		if _, exists := m.calcs[key]; exists {
			return fmt.Errorf("duplicate calculation key %s", key)
		}
		m.calcs[key] = c
	}
	return nil
}

func (m *memStore) CalculationKeysForDateModel(ctx context.Context, date time.Time, modelCode string) ([]models.FactKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []models.FactKey
	for _, c := range m.calcs {
		if dkey(c.SettlementDate) == dkey(date) && c.ModelCode == modelCode {
			keys = append(keys, models.FactKey{SettlementPeriod: c.SettlementPeriod, UnitID: c.UnitID})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SettlementPeriod != keys[j].SettlementPeriod {
			return keys[i].SettlementPeriod < keys[j].SettlementPeriod
		}
		return keys[i].UnitID < keys[j].UnitID
	})
	return keys, nil
}

func (m *memStore) DerivedCountsByDate(ctx context.Context, from, to *time.Time) ([]models.DateCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, c := range m.calcs {
		d := utils.DateOnly(c.SettlementDate)
		if from != nil && d.Before(utils.DateOnly(*from)) {
			continue
		}
		if to != nil && d.After(utils.DateOnly(*to)) {
			continue
		}
		counts[dkey(d)]++
	}
	var out []models.DateCount
	for key, n := range counts {
		d, _ := utils.ParseDate(key)
		out = append(out, models.DateCount{SettlementDate: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettlementDate.Before(out[j].SettlementDate) })
	return out, nil
}

func (m *memStore) CalculationCountsByModel(ctx context.Context, date time.Time) ([]models.ModelCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, c := range m.calcs {
		if dkey(c.SettlementDate) == dkey(date) {
			counts[c.ModelCode]++
		}
	}
	return modelCounts(counts), nil
}

func (m *memStore) TotalCalculationCountsByModel(ctx context.Context) ([]models.ModelCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, c := range m.calcs {
		counts[c.ModelCode]++
	}
	return modelCounts(counts), nil
}

func modelCounts(counts map[string]int64) []models.ModelCount {
	var out []models.ModelCount
	for code, n := range counts {
		out = append(out, models.ModelCount{ModelCode: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelCode < out[j].ModelCode })
	return out
}

func (m *memStore) UpsertModelDailySummary(ctx context.Context, summary models.ModelDailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelDaily[dkey(summary.SettlementDate)+"|"+summary.ModelCode] = summary
	return nil
}

func (m *memStore) ModelDailySummariesForDate(ctx context.Context, date time.Time) ([]models.ModelDailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ModelDailySummary
	for _, s := range m.modelDaily {
		if dkey(s.SettlementDate) == dkey(date) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelCode < out[j].ModelCode })
	return out, nil
}

// ---- SummaryStore ----

func (m *memStore) ReplaceDailySummary(ctx context.Context, date time.Time, totals models.DailyTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dkey(date)
	if totals.FactCount == 0 {
		delete(m.daily, key)
		return nil
	}
	m.daily[key] = models.DailySummary{
		SettlementDate: utils.DateOnly(date),
		TotalQuantity:  totals.TotalQuantity,
		TotalPayment:   totals.TotalPayment,
	}
	return nil
}

func (m *memStore) DailySummariesForMonth(ctx context.Context, year int, month time.Month) ([]models.DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DailySummary
	for _, d := range m.daily {
		if d.SettlementDate.Year() == year && d.SettlementDate.Month() == month {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettlementDate.Before(out[j].SettlementDate) })
	return out, nil
}

func (m *memStore) ReplaceMonthlySummary(ctx context.Context, monthKey string, totalQuantity, totalPayment decimal.Decimal, hasRows bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !hasRows {
		delete(m.monthly, monthKey)
		return nil
	}
	m.monthly[monthKey] = models.MonthlySummary{
		MonthKey:      monthKey,
		TotalQuantity: totalQuantity,
		TotalPayment:  totalPayment,
	}
	return nil
}

func (m *memStore) MonthlySummariesForYear(ctx context.Context, year int) ([]models.MonthlySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("%04d-", year)
	var out []models.MonthlySummary
	for key, s := range m.monthly {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonthKey < out[j].MonthKey })
	return out, nil
}

func (m *memStore) ReplaceYearlySummary(ctx context.Context, year int, totalQuantity, totalPayment decimal.Decimal, hasRows bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !hasRows {
		delete(m.yearly, year)
		return nil
	}
	m.yearly[year] = models.YearlySummary{
		Year:          year,
		TotalQuantity: totalQuantity,
		TotalPayment:  totalPayment,
	}
	return nil
}

// seedCalc plants a derived row directly, bypassing the engine.
func seedCalc(store *memStore, date string, period int, unit, model string) {
	d := mustDate(date)
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calcs[calcKey(d, period, unit, model)] = models.ModelCalculation{
		SettlementDate:   d,
		SettlementPeriod: period,
		UnitID:           unit,
		ModelCode:        model,
		Value:            decimal.NewFromInt(1),
	}
}

// ---- shared test fixtures ----

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testRef() *ReferenceData {
	ref, err := NewReferenceData([]ModelVariant{
		{Code: "alpha", Params: ModelParams{Efficiency: decimal.NewFromInt(1), YieldPerMWh: decimal.NewFromInt(2)}},
		{Code: "beta", Params: ModelParams{Efficiency: decimal.RequireFromString("0.5"), YieldPerMWh: decimal.NewFromInt(4)}},
		{Code: "gamma", Params: ModelParams{Efficiency: decimal.NewFromInt(1), YieldPerMWh: decimal.NewFromInt(1)}},
	})
	if err != nil {
		panic(err)
	}
	return ref
}

func mustDate(s string) time.Time {
	d, err := utils.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}
