package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementFact is one observed curtailment record from the upstream
// settlement feed, at the grain (settlement_date, settlement_period, unit_id).
//
// The natural key is deliberately NOT backed by a unique constraint: the feed
// re-delivers rows on retries and backfills, so duplicate rows sharing the
// natural key are an expected defect. The deduplicator collapses them and
// repairs the dependent summaries.
//
// Quantity and payment are stored as delivered by the source (signed); the
// recalculation engine treats quantities as magnitudes.
type SettlementFact struct {
	ID               int       `gorm:"primaryKey" json:"id"`
	SettlementDate   time.Time `gorm:"type:date;index:idx_fact_natural,priority:1" json:"settlement_date"`
	SettlementPeriod int       `gorm:"index:idx_fact_natural,priority:2" json:"settlement_period"`
	UnitID           string    `gorm:"size:64;index:idx_fact_natural,priority:3" json:"unit_id"`

	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Payment   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"payment"`

	Flags string `gorm:"size:32" json:"flags"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FactKey is the (period, unit) part of a fact's natural key, used for
// set-difference gap detection within a single settlement date.
type FactKey struct {
	SettlementPeriod int    `json:"settlement_period"`
	UnitID           string `json:"unit_id"`
}

func (k FactKey) String() string {
	return fmt.Sprintf("%d:%s", k.SettlementPeriod, k.UnitID)
}
