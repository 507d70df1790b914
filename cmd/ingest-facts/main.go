// ingest-facts loads settlement facts from a JSON export of the upstream
// feed into the facts table and rebuilds the touched summaries.
//
// Usage (dry-run, list what would be inserted):
//
//	go run ./cmd/ingest-facts -file export.json
//
// To insert:
//
//	go run ./cmd/ingest-facts -file export.json -dry-run=false
//
// An optional -from/-to range (YYYY-MM-DD) restricts which dates in the file
// are ingested. Re-ingesting a date may create duplicate natural keys; run
// `recon fix-date` (or fix-all) afterwards to repair them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/recon"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
)

type exportRecord struct {
	SettlementDate   string          `json:"settlement_date"`
	SettlementPeriod int             `json:"settlement_period"`
	UnitID           string          `json:"unit_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Payment          decimal.Decimal `json:"payment"`
	Flags            string          `json:"flags"`
}

// fileFactSource serves a JSON export through the FactSource seam, so the
// ingester is identical whether facts come from a file or a live client.
type fileFactSource struct {
	byKey map[string][]models.SettlementFact
	dates []time.Time
}

func loadExport(path string) (*fileFactSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []exportRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	src := &fileFactSource{byKey: map[string][]models.SettlementFact{}}
	seenDates := map[string]time.Time{}
	for i, r := range records {
		date, err := utils.ParseDate(r.SettlementDate)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if r.SettlementPeriod < 1 || r.SettlementPeriod > recon.SettlementPeriodsPerDay {
			return nil, fmt.Errorf("record %d: settlement period %d out of range 1..%d", i, r.SettlementPeriod, recon.SettlementPeriodsPerDay)
		}
		if strings.TrimSpace(r.UnitID) == "" {
			return nil, fmt.Errorf("record %d: empty unit_id", i)
		}
		key := fmt.Sprintf("%s#%d", r.SettlementDate, r.SettlementPeriod)
		src.byKey[key] = append(src.byKey[key], models.SettlementFact{
			SettlementDate:   date,
			SettlementPeriod: r.SettlementPeriod,
			UnitID:           strings.TrimSpace(r.UnitID),
			Quantity:         r.Quantity,
			UnitPrice:        r.UnitPrice,
			Payment:          r.Payment,
			Flags:            r.Flags,
		})
		seenDates[r.SettlementDate] = date
	}
	for _, d := range seenDates {
		src.dates = append(src.dates, d)
	}
	sort.Slice(src.dates, func(i, j int) bool { return src.dates[i].Before(src.dates[j]) })
	return src, nil
}

func (s *fileFactSource) FetchFacts(ctx context.Context, date time.Time, period int) ([]models.SettlementFact, error) {
	key := fmt.Sprintf("%s#%d", date.Format(utils.DateLayout), period)
	return s.byKey[key], nil
}

func main() {
	file := flag.String("file", "", "Required: JSON export of settlement facts")
	from := flag.String("from", "", "Optional: only ingest dates >= this (YYYY-MM-DD)")
	to := flag.String("to", "", "Optional: only ingest dates <= this (YYYY-MM-DD)")
	dryRun := flag.Bool("dry-run", true, "List what would be inserted (no writes)")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(1)
	}

	source, err := loadExport(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	dates := source.dates
	if *from != "" {
		start, err := utils.ParseDate(*from)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		dates = filterDates(dates, func(d time.Time) bool { return !d.Before(start) })
	}
	if *to != "" {
		end, err := utils.ParseDate(*to)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		dates = filterDates(dates, func(d time.Time) bool { return !d.After(end) })
	}
	if len(dates) == 0 {
		fmt.Println("No dates to ingest")
		return
	}

	if *dryRun {
		for _, d := range dates {
			n := 0
			for period := 1; period <= recon.SettlementPeriodsPerDay; period++ {
				n += len(source.byKey[fmt.Sprintf("%s#%d", d.Format(utils.DateLayout), period)])
			}
			fmt.Printf("%s: would insert %d facts\n", d.Format(utils.DateLayout), n)
		}
		fmt.Println("Dry run only; pass -dry-run=false to insert")
		return
	}

	logger := config.GetLogger()
	if err := config.ConnectDatabaseWithRetry(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	models.MigrateTable()

	store := models.NewSettlementStore(config.GetDB())
	rebuilder := recon.NewSummaryRebuilder(store, store, logger)
	ingester := recon.NewIngester(source, store, rebuilder, logger)

	ctx := context.Background()
	total := 0
	for _, d := range dates {
		n, err := ingester.IngestDate(ctx, d)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: ingest failed: %v\n", d.Format(utils.DateLayout), err)
			os.Exit(1)
		}
		fmt.Printf("%s: inserted %d facts\n", d.Format(utils.DateLayout), n)
		total += n
	}
	fmt.Printf("Ingest complete: %d facts over %d dates\n", total, len(dates))
}

func filterDates(dates []time.Time, keep func(time.Time) bool) []time.Time {
	var out []time.Time
	for _, d := range dates {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
