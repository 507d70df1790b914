package utils

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

// ParseDate parses a strict YYYY-MM-DD date in UTC.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", value, err)
	}
	return t, nil
}

// DateOnly truncates to midnight UTC. All settlement dates are compared and
// stored at this normalization.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthKeyOf formats the owning month of a date, e.g. "2025-03".
func MonthKeyOf(t time.Time) string {
	return t.Format("2006-01")
}

// DatesBetween returns every date from start to end inclusive, normalized.
func DatesBetween(start, end time.Time) []time.Time {
	start = DateOnly(start)
	end = DateOnly(end)
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", value, err)
	}
	return d, nil
}

// RoundPercent computes actual/expected*100 rounded to 2 decimal places.
// A zero expectation counts as fully complete.
func RoundPercent(actual, expected int64) float64 {
	if expected == 0 {
		return 100
	}
	pct := decimal.NewFromInt(actual).
		Div(decimal.NewFromInt(expected)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	f, _ := pct.Float64()
	return f
}
