package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	defaultBatchSize  = 10
	defaultBatchDelay = 500 * time.Millisecond
	runLockTTL        = 30 * time.Minute
)

// RunOptions configure one orchestrator run. Start/End bound the date range
// (nil = open); Limit caps how many incomplete dates are attempted.
type RunOptions struct {
	Operation  string `validate:"required"`
	Start      *time.Time
	End        *time.Time
	BatchSize  int `validate:"gte=0"`
	BatchDelay time.Duration
	Limit      int `validate:"gte=0"`
}

// RunReport summarizes one run. FailedKeys mirrors the checkpoint record;
// a run with failed keys still completes successfully.
type RunReport struct {
	Operation         string      `json:"operation"`
	Resumed           bool        `json:"resumed"`
	DatesPlanned      int         `json:"dates_planned"`
	DatesProcessed    int         `json:"dates_processed"`
	DatesSkipped      int         `json:"dates_skipped"`
	DatesFailed       int         `json:"dates_failed"`
	InitialIncomplete int         `json:"initial_incomplete"`
	FinalIncomplete   int         `json:"final_incomplete"`
	FailedKeys        []FailedKey `json:"failed_keys"`
}

// Orchestrator drives a date range through deduplication and recalculation
// in bounded batches, checkpointing after every date.
//
// One logical worker per run: batches and dates are processed sequentially so
// no two recomputations ever target the same (date, model) pair. Concurrent
// runs are only safe over disjoint date ranges, and runs sharing an operation
// name must be serialized by the caller; when Redis is configured the run
// lock enforces that serialization.
type Orchestrator struct {
	gaps        *GapFinder
	dedup       *Deduplicator
	recalc      *RecalcEngine
	checkpoints *CheckpointManager
	ref         *ReferenceData
	locker      *redislock.Client
	validate    *validator.Validate
	logger      *logrus.Logger

	retryAttempts int
	retryBaseWait time.Duration
}

func NewOrchestrator(gaps *GapFinder, dedup *Deduplicator, recalc *RecalcEngine, checkpoints *CheckpointManager, ref *ReferenceData, locker *redislock.Client, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		gaps:          gaps,
		dedup:         dedup,
		recalc:        recalc,
		checkpoints:   checkpoints,
		ref:           ref,
		locker:        locker,
		validate:      validator.New(),
		logger:        logger,
		retryAttempts: defaultRetryAttempts,
		retryBaseWait: defaultRetryBaseWait,
	}
}

// SetRetryPolicy overrides the per-step retry budget (tests shrink it).
func (o *Orchestrator) SetRetryPolicy(attempts int, baseWait time.Duration) {
	o.retryAttempts = attempts
	o.retryBaseWait = baseWait
}

type dateOutcome struct {
	groupsResolved      int
	recordsRemoved      int
	calculationsWritten int
}

// Run reconciles every incomplete date in the range. Per-date failures are
// recorded and skipped; only configuration and checkpoint-storage failures
// abort the run. Cancellation is honored at batch boundaries.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if err := o.validate.Struct(opts); err != nil {
		return nil, NewConfigError("invalid run options: %v", err)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchDelay == 0 {
		opts.BatchDelay = defaultBatchDelay
	}

	if o.locker != nil {
		lock, err := o.locker.Obtain(ctx, "recon:run:"+opts.Operation, runLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, NewConfigError("operation %q is already running", opts.Operation)
		}
		if err != nil {
			return nil, err
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	initial, err := o.gaps.FindIncomplete(ctx, opts.Start, opts.End)
	if err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(initial))
	for _, dc := range initial {
		dates = append(dates, dc.SettlementDate)
	}
	if opts.Limit > 0 && len(dates) > opts.Limit {
		dates = dates[:opts.Limit]
	}

	report := &RunReport{
		Operation:         opts.Operation,
		DatesPlanned:      len(dates),
		InitialIncomplete: len(initial),
	}

	startKey, endKey := "", ""
	if len(dates) > 0 {
		startKey = dates[0].Format(utils.DateLayout)
		endKey = dates[len(dates)-1].Format(utils.DateLayout)
	}
	_, resumed, err := o.checkpoints.Init(opts.Operation, startKey, endKey)
	if err != nil {
		return nil, err
	}
	report.Resumed = resumed

	if err := o.checkpoints.Update(func(cp *Checkpoint) {
		cp.Status = CheckpointRunning
	}); err != nil {
		return nil, err
	}

	total := len(dates)
	completedUnits := 0
	for batchStart := 0; batchStart < total; batchStart += opts.BatchSize {
		if ctx.Err() != nil {
			if serr := o.checkpoints.Suspend(); serr != nil {
				config.LogError(o.logger, "orchestrator.go", "Run", "suspending checkpoint", opts.Operation, serr)
			}
			return report, ctx.Err()
		}

		batchEnd := min(batchStart+opts.BatchSize, total)
		for _, date := range dates[batchStart:batchEnd] {
			key := date.Format(utils.DateLayout)
			if o.checkpoints.Snapshot().HasProcessed(key) {
				report.DatesSkipped++
				completedUnits++
				continue
			}

			outcome, derr := o.processDate(ctx, date)
			completedUnits++
			progress := float64(completedUnits) / float64(total) * 100

			if derr != nil {
				if IsConfigError(derr) {
					if cerr := o.checkpoints.Complete(false); cerr != nil {
						config.LogError(o.logger, "orchestrator.go", "Run", "failing checkpoint", opts.Operation, cerr)
					}
					return report, derr
				}
				report.DatesFailed++
				report.FailedKeys = append(report.FailedKeys, FailedKey{Key: key, Reason: derr.Error()})
				if uerr := o.checkpoints.Update(func(cp *Checkpoint) {
					cp.FailedKeys = append(cp.FailedKeys, FailedKey{Key: key, Reason: derr.Error()})
					cp.Stats.DatesFailed++
					cp.ProgressPercent = progress
				}); uerr != nil {
					return report, uerr
				}
				continue
			}

			report.DatesProcessed++
			if uerr := o.checkpoints.Update(func(cp *Checkpoint) {
				cp.ProcessedKeys = append(cp.ProcessedKeys, key)
				cp.Stats.DatesProcessed++
				cp.Stats.GroupsResolved += outcome.groupsResolved
				cp.Stats.RecordsRemoved += outcome.recordsRemoved
				cp.Stats.CalculationsWritten += outcome.calculationsWritten
				cp.ProgressPercent = progress
			}); uerr != nil {
				return report, uerr
			}
		}

		// Courtesy pause between batches for the upstream source's rate limits.
		if batchEnd < total && opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				if serr := o.checkpoints.Suspend(); serr != nil {
					config.LogError(o.logger, "orchestrator.go", "Run", "suspending checkpoint", opts.Operation, serr)
				}
				return report, ctx.Err()
			case <-time.After(opts.BatchDelay):
			}
		}
	}

	final, err := o.gaps.FindIncomplete(ctx, opts.Start, opts.End)
	if err != nil {
		// The work itself finished; completion verification failed.
		if cerr := o.checkpoints.Complete(true); cerr != nil {
			return report, cerr
		}
		return report, err
	}
	report.FinalIncomplete = len(final)

	if err := o.checkpoints.Complete(true); err != nil {
		return report, err
	}

	fields := logrus.Fields{
		"operation":         opts.Operation,
		"processed":         report.DatesProcessed,
		"failed":            report.DatesFailed,
		"skipped":           report.DatesSkipped,
		"incomplete_before": report.InitialIncomplete,
		"incomplete_after":  report.FinalIncomplete,
		"incomplete_delta":  report.InitialIncomplete - report.FinalIncomplete,
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	o.logger.WithFields(fields).Info("reconciliation run finished")
	return report, nil
}

// processDate reconciles one date: deduplicate when needed, then recompute
// every registered model. Each step gets the bounded retry budget; exhaustion
// surfaces as this date's failure.
func (o *Orchestrator) processDate(ctx context.Context, date time.Time) (dateOutcome, error) {
	var outcome dateOutcome

	err := retryDo(ctx, o.logger, o.retryAttempts, o.retryBaseWait, "deduplicate", func(ctx context.Context) error {
		needs, err := o.dedup.NeedsDeduplication(ctx, date)
		if err != nil {
			return err
		}
		if !needs {
			return nil
		}
		res, err := o.dedup.Deduplicate(ctx, date)
		if err != nil {
			return err
		}
		outcome.groupsResolved = res.GroupsResolved
		outcome.recordsRemoved = res.RecordsRemoved
		return nil
	})
	if err != nil {
		return outcome, fmt.Errorf("deduplicate: %w", err)
	}

	for _, variant := range o.ref.Variants() {
		code := variant.Code
		err := retryDo(ctx, o.logger, o.retryAttempts, o.retryBaseWait, "recompute:"+code, func(ctx context.Context) error {
			res, err := o.recalc.RecomputeDate(ctx, date, code)
			if err != nil {
				return err
			}
			outcome.calculationsWritten += res.RecordsProcessed
			return nil
		})
		if err != nil {
			return outcome, fmt.Errorf("recompute %s: %w", code, err)
		}
	}
	return outcome, nil
}
