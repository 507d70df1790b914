// recon is the reconciliation CLI for the settlements backend.
//
//	recon status                  overall completion and per-model breakdown
//	recon check-date <date>       drill-down for one date, with missing combos
//	recon fix-date <date>         deduplicate + recompute one date
//	recon fix-all [limit]         reconcile every incomplete date
//	recon fix-range <start> <end> reconcile a date range
//	recon checkpoints             list stored operation checkpoints
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/recon"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	defaultModelsFile    = "models.yaml"
	defaultCheckpointDir = "checkpoints"
	failedKeyPrintLimit  = 10
	missingComboPrint    = 20
)

type app struct {
	store       *models.SettlementStore
	ref         *recon.ReferenceData
	gaps        *recon.GapFinder
	dedup       *recon.Deduplicator
	recalc      *recon.RecalcEngine
	checkpoints *recon.CheckpointManager
	cpStore     *recon.FileCheckpointStore
	orch        *recon.Orchestrator
}

func (a *app) init() error {
	logger := config.GetLogger()

	if err := config.ConnectDatabaseWithRetry(); err != nil {
		return err
	}
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	modelsFile := os.Getenv("MODELS_FILE")
	if modelsFile == "" {
		modelsFile = defaultModelsFile
	}
	ref, err := recon.LoadReferenceData(modelsFile)
	if err != nil {
		return err
	}

	checkpointDir := os.Getenv("CHECKPOINT_DIR")
	if checkpointDir == "" {
		checkpointDir = defaultCheckpointDir
	}
	cpStore, err := recon.NewFileCheckpointStore(checkpointDir)
	if err != nil {
		return err
	}

	store := models.NewSettlementStore(config.GetDB())
	rebuilder := recon.NewSummaryRebuilder(store, store, logger)

	a.store = store
	a.ref = ref
	a.cpStore = cpStore
	a.gaps = recon.NewGapFinder(store, store, ref, logger)
	a.dedup = recon.NewDeduplicator(store, rebuilder, logger)
	a.recalc = recon.NewRecalcEngine(store, store, ref, recon.LinearYieldModel{}, logger)
	a.checkpoints = recon.NewCheckpointManager(cpStore, logger, 30*time.Second)
	a.orch = recon.NewOrchestrator(a.gaps, a.dedup, a.recalc, a.checkpoints, ref, config.GetRedisLock(), logger)
	return nil
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "recon",
		Short:         "Settlement reconciliation and backfill engine",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// One correlation id per invocation, carried through every log line.
			cmd.SetContext(utils.SetCorrelationIdInContext(cmd.Context(), uuid.NewString()))
			return a.init()
		},
	}

	root.AddCommand(newStatusCommand(a))
	root.AddCommand(newCheckDateCommand(a))
	root.AddCommand(newFixDateCommand(a))
	root.AddCommand(newFixAllCommand(a))
	root.AddCommand(newFixRangeCommand(a))
	root.AddCommand(newCheckpointsCommand(a))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print overall reconciliation completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.gaps.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Overall completion: %.2f%% (%d/%d derived rows, %d incomplete dates)\n",
				report.CompletionPercent, report.TotalActual, report.TotalExpected, report.IncompleteDates)
			for _, variant := range a.ref.Variants() {
				detail := report.ByModel[variant.Code]
				fmt.Printf("  %-16s %.2f%% (%d/%d)\n", variant.Code, detail.Percent, detail.Count, detail.ExpectedPerVariant)
			}
			return nil
		},
	}
}

func newCheckDateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-date <date>",
		Short: "Print per-model detail for one date, including missing combos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := utils.ParseDate(args[0])
			if err != nil {
				return err
			}
			details, err := a.gaps.DetailsForDate(cmd.Context(), date)
			if err != nil {
				return err
			}
			fmt.Printf("Date %s\n", args[0])
			for _, variant := range a.ref.Variants() {
				detail := details.ByModel[variant.Code]
				missing := details.MissingCombos[variant.Code]
				fmt.Printf("  %-16s %.2f%% (%d/%d), %d missing\n",
					variant.Code, detail.Percent, detail.Count, detail.ExpectedPerVariant, len(missing))
				if total, ok := details.TotalValueByModel[variant.Code]; ok {
					fmt.Printf("    daily total value %s\n", total)
				}
				for i, key := range missing {
					if i == missingComboPrint {
						fmt.Printf("    ... %d more\n", len(missing)-missingComboPrint)
						break
					}
					fmt.Printf("    period %2d unit %s\n", key.SettlementPeriod, key.UnitID)
				}
			}
			return nil
		},
	}
}

func newFixDateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fix-date <date>",
		Short: "Deduplicate and recompute a single date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := utils.ParseDate(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			dres, err := a.dedup.Deduplicate(ctx, date)
			if err != nil {
				return err
			}
			if dres.RecordsRemoved > 0 {
				fmt.Printf("Removed %d duplicate facts in %d groups (quantity -%s, payment -%s)\n",
					dres.RecordsRemoved, dres.GroupsResolved, dres.QuantityDelta, dres.PaymentDelta)
			}

			for _, variant := range a.ref.Variants() {
				rres, err := a.recalc.RecomputeDate(ctx, date, variant.Code)
				if err != nil {
					return err
				}
				fmt.Printf("  %-16s %d rows recomputed, %d skipped, total value %s\n",
					variant.Code, rres.RecordsProcessed, rres.RecordsSkipped, rres.TotalValue)
			}
			return nil
		},
	}
}

func addRunFlags(cmd *cobra.Command, batchSize *int, batchDelay *time.Duration, operation *string) {
	cmd.Flags().IntVar(batchSize, "batch-size", 10, "dates per batch")
	cmd.Flags().DurationVar(batchDelay, "batch-delay", 500*time.Millisecond, "pause between batches")
	cmd.Flags().StringVar(operation, "operation", "", "checkpoint operation name (defaults per command)")
}

func printRunReport(report *recon.RunReport) {
	fmt.Printf("Run %s: planned %d, processed %d, skipped %d, failed %d\n",
		report.Operation, report.DatesPlanned, report.DatesProcessed, report.DatesSkipped, report.DatesFailed)
	fmt.Printf("Incomplete dates: %d before, %d after\n", report.InitialIncomplete, report.FinalIncomplete)
	for i, fk := range report.FailedKeys {
		if i == failedKeyPrintLimit {
			fmt.Printf("  ... %d more failures (see checkpoint record)\n", len(report.FailedKeys)-failedKeyPrintLimit)
			break
		}
		fmt.Printf("  FAILED %s: %s\n", fk.Key, fk.Reason)
	}
}

func newFixAllCommand(a *app) *cobra.Command {
	var (
		batchSize  int
		batchDelay time.Duration
		operation  string
	)
	cmd := &cobra.Command{
		Use:   "fix-all [limit]",
		Short: "Reconcile every incomplete date, optionally capped",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return fmt.Errorf("invalid limit %q", args[0])
				}
				limit = n
			}
			if operation == "" {
				operation = "fix-all"
			}
			report, err := a.orch.Run(cmd.Context(), recon.RunOptions{
				Operation:  operation,
				BatchSize:  batchSize,
				BatchDelay: batchDelay,
				Limit:      limit,
			})
			if report != nil {
				printRunReport(report)
			}
			return err
		},
	}
	addRunFlags(cmd, &batchSize, &batchDelay, &operation)
	return cmd
}

func newFixRangeCommand(a *app) *cobra.Command {
	var (
		batchSize  int
		batchDelay time.Duration
		operation  string
	)
	cmd := &cobra.Command{
		Use:   "fix-range <start> <end>",
		Short: "Reconcile incomplete dates within a range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := utils.ParseDate(args[0])
			if err != nil {
				return err
			}
			end, err := utils.ParseDate(args[1])
			if err != nil {
				return err
			}
			if end.Before(start) {
				return fmt.Errorf("end date %s is before start date %s", args[1], args[0])
			}
			if operation == "" {
				operation = fmt.Sprintf("fix-range-%s-%s", args[0], args[1])
			}
			report, err := a.orch.Run(cmd.Context(), recon.RunOptions{
				Operation:  operation,
				Start:      &start,
				End:        &end,
				BatchSize:  batchSize,
				BatchDelay: batchDelay,
			})
			if report != nil {
				printRunReport(report)
			}
			return err
		},
	}
	addRunFlags(cmd, &batchSize, &batchDelay, &operation)
	return cmd
}

func newCheckpointsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored operation checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cps, err := a.cpStore.List()
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Println("No checkpoints stored")
				return nil
			}
			for _, cp := range cps {
				fmt.Printf("%-32s %-10s %6.2f%% processed=%d failed=%d updated=%s\n",
					cp.Operation, cp.Status, cp.ProgressPercent,
					len(cp.ProcessedKeys), len(cp.FailedKeys),
					cp.LastUpdated.Format(time.RFC3339))
			}
			return nil
		},
	}
}
