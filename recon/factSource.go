package recon

import (
	"context"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/sirupsen/logrus"
)

// SettlementPeriodsPerDay is the number of 30-minute settlement periods in a
// settlement day.
const SettlementPeriodsPerDay = 48

// FactSource is the seam to the upstream market-data feed. Implementations
// may fail transiently; the engine wraps them with RetryingFactSource.
type FactSource interface {
	FetchFacts(ctx context.Context, date time.Time, period int) ([]models.SettlementFact, error)
}

// RetryingFactSource retries transient fetch failures with capped exponential
// backoff before surfacing the error.
type RetryingFactSource struct {
	inner       FactSource
	maxAttempts int
	baseWait    time.Duration
	logger      *logrus.Logger
}

func NewRetryingFactSource(inner FactSource, maxAttempts int, baseWait time.Duration, logger *logrus.Logger) *RetryingFactSource {
	if maxAttempts < 1 {
		maxAttempts = defaultRetryAttempts
	}
	return &RetryingFactSource{inner: inner, maxAttempts: maxAttempts, baseWait: baseWait, logger: logger}
}

func (r *RetryingFactSource) FetchFacts(ctx context.Context, date time.Time, period int) ([]models.SettlementFact, error) {
	var facts []models.SettlementFact
	err := retryDo(ctx, r.logger, r.maxAttempts, r.baseWait, "fetch_facts", func(ctx context.Context) error {
		var err error
		facts, err = r.inner.FetchFacts(ctx, date, period)
		return err
	})
	return facts, err
}

// Ingester loads facts from a source into the fact table and rebuilds the
// summaries for each touched date. Re-ingesting a date can create duplicate
// natural keys; that is expected and later repaired by the deduplicator.
type Ingester struct {
	source    FactSource
	facts     FactStore
	rebuilder *SummaryRebuilder
	logger    *logrus.Logger
}

func NewIngester(source FactSource, facts FactStore, rebuilder *SummaryRebuilder, logger *logrus.Logger) *Ingester {
	return &Ingester{source: source, facts: facts, rebuilder: rebuilder, logger: logger}
}

// IngestDate fetches all 48 periods for the date, inserts the facts and
// rebuilds the date's summaries. Returns the number of facts inserted.
func (i *Ingester) IngestDate(ctx context.Context, date time.Time) (int, error) {
	date = utils.DateOnly(date)

	var collected []models.SettlementFact
	for period := 1; period <= SettlementPeriodsPerDay; period++ {
		facts, err := i.source.FetchFacts(ctx, date, period)
		if err != nil {
			return 0, err
		}
		for _, f := range facts {
			f.SettlementDate = date
			f.SettlementPeriod = period
			collected = append(collected, f)
		}
	}

	if len(collected) > 0 {
		if err := i.facts.InsertFacts(ctx, collected); err != nil {
			return 0, err
		}
	}
	if err := i.rebuilder.RebuildForDate(ctx, date); err != nil {
		return len(collected), err
	}

	i.logger.WithFields(logrus.Fields{
		"date":     date.Format(utils.DateLayout),
		"inserted": len(collected),
	}).Info("ingested settlement facts")
	return len(collected), nil
}
