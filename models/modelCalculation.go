package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ModelCalculation is one derived value computed from a settlement fact under
// a named model profile. Exactly one row must exist per
// (settlement_date, settlement_period, unit_id, model_code) once a date is
// fully reconciled.
//
// ParamsSnapshot records the model parameters the value was computed with, so
// a later parameter change is visible as staleness rather than silently
// reinterpreted.
type ModelCalculation struct {
	SettlementDate   time.Time `gorm:"primaryKey;type:date" json:"settlement_date"`
	SettlementPeriod int       `gorm:"primaryKey" json:"settlement_period"`
	UnitID           string    `gorm:"primaryKey;size:64" json:"unit_id"`
	ModelCode        string    `gorm:"primaryKey;size:32" json:"model_code"`

	Value          decimal.Decimal `gorm:"type:decimal(24,8);default:0" json:"value"`
	ParamsSnapshot string          `gorm:"type:text" json:"params_snapshot"`
	ComputedAt     time.Time       `json:"computed_at"`
}
