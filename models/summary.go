package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailySummary is a small, query-friendly aggregate over settlement facts.
//
// Grain: settlement_date. Derived data: always rebuilt from the facts table,
// never edited directly. Monthly and yearly summaries are rolled up from the
// next-finer grain only, so each level has exactly one source of truth.
type DailySummary struct {
	SettlementDate time.Time `gorm:"primaryKey;type:date" json:"settlement_date"`

	TotalQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_quantity"`
	TotalPayment  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_payment"`

	LastUpdated time.Time `gorm:"autoUpdateTime" json:"last_updated"`
}

// MonthlySummary rolls up daily summaries. MonthKey format: "2006-01".
type MonthlySummary struct {
	MonthKey string `gorm:"primaryKey;size:7" json:"month_key"`

	TotalQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_quantity"`
	TotalPayment  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_payment"`

	LastUpdated time.Time `gorm:"autoUpdateTime" json:"last_updated"`
}

// YearlySummary rolls up monthly summaries.
type YearlySummary struct {
	Year int `gorm:"primaryKey" json:"year"`

	TotalQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_quantity"`
	TotalPayment  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_payment"`

	LastUpdated time.Time `gorm:"autoUpdateTime" json:"last_updated"`
}

// ModelDailySummary is the per-model-profile daily rollup written by the
// recalculation engine after a successful recompute and surfaced in the
// gap finder's per-date drill-down.
type ModelDailySummary struct {
	SettlementDate time.Time `gorm:"primaryKey;type:date" json:"settlement_date"`
	ModelCode      string    `gorm:"primaryKey;size:32" json:"model_code"`

	TotalValue       decimal.Decimal `gorm:"type:decimal(24,8);default:0" json:"total_value"`
	RecordsProcessed int             `gorm:"default:0" json:"records_processed"`

	LastUpdated time.Time `gorm:"autoUpdateTime" json:"last_updated"`
}
