package recon

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/gridfocus/settlements_backend/config"
	"bitbucket.org/gridfocus/settlements_backend/models"
	"bitbucket.org/gridfocus/settlements_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DuplicateGroup is a transient grouping of facts sharing one natural key.
// Produced and consumed within a single deduplication run, never persisted.
type DuplicateGroup struct {
	Key           models.FactKey  `json:"key"`
	MemberIDs     []int           `json:"member_ids"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
}

// DedupResult reports what one deduplication pass changed. The deltas are the
// quantity and payment removed with the duplicate rows.
type DedupResult struct {
	GroupsResolved int             `json:"groups_resolved"`
	RecordsRemoved int             `json:"records_removed"`
	QuantityDelta  decimal.Decimal `json:"quantity_delta"`
	PaymentDelta   decimal.Decimal `json:"payment_delta"`
}

// Deduplicator collapses facts sharing a natural key down to one row and
// repairs the dependent summaries. The survivor is the row with the lowest id
// (earliest ingested). That tie-break is deterministic but arbitrary:
// ingestion order does not guarantee the surviving row is the "right" one, it
// only guarantees repeated runs pick the same survivor.
type Deduplicator struct {
	facts     FactStore
	rebuilder *SummaryRebuilder
	logger    *logrus.Logger
}

func NewDeduplicator(facts FactStore, rebuilder *SummaryRebuilder, logger *logrus.Logger) *Deduplicator {
	return &Deduplicator{facts: facts, rebuilder: rebuilder, logger: logger}
}

// NeedsDeduplication is the cheap check the orchestrator uses to skip clean
// dates without loading their facts.
func (d *Deduplicator) NeedsDeduplication(ctx context.Context, date time.Time) (bool, error) {
	return d.facts.HasDuplicates(ctx, utils.DateOnly(date))
}

// FindDuplicates groups the date's facts by natural key and returns the
// groups with more than one member, ordered by key.
func (d *Deduplicator) FindDuplicates(ctx context.Context, date time.Time) ([]DuplicateGroup, error) {
	facts, err := d.facts.FactsForDate(ctx, utils.DateOnly(date))
	if err != nil {
		return nil, err
	}

	byKey := make(map[models.FactKey][]models.SettlementFact)
	for _, f := range facts {
		key := models.FactKey{SettlementPeriod: f.SettlementPeriod, UnitID: f.UnitID}
		byKey[key] = append(byKey[key], f)
	}

	var groups []DuplicateGroup
	for key, members := range byKey {
		if len(members) < 2 {
			continue
		}
		group := DuplicateGroup{Key: key, TotalQuantity: decimal.Zero}
		for _, m := range members {
			group.MemberIDs = append(group.MemberIDs, m.ID)
			group.TotalQuantity = group.TotalQuantity.Add(m.Quantity)
		}
		sort.Ints(group.MemberIDs)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Key.SettlementPeriod != groups[j].Key.SettlementPeriod {
			return groups[i].Key.SettlementPeriod < groups[j].Key.SettlementPeriod
		}
		return groups[i].Key.UnitID < groups[j].Key.UnitID
	})
	return groups, nil
}

// Deduplicate removes every non-canonical duplicate for the date, then
// rebuilds daily -> monthly -> yearly summaries. Idempotent: a clean date is
// a no-op that still returns a zero result.
func (d *Deduplicator) Deduplicate(ctx context.Context, date time.Time) (*DedupResult, error) {
	date = utils.DateOnly(date)

	facts, err := d.facts.FactsForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	byID := make(map[int]models.SettlementFact, len(facts))
	byKey := make(map[models.FactKey][]int)
	for _, f := range facts {
		byID[f.ID] = f
		key := models.FactKey{SettlementPeriod: f.SettlementPeriod, UnitID: f.UnitID}
		byKey[key] = append(byKey[key], f.ID)
	}

	result := &DedupResult{QuantityDelta: decimal.Zero, PaymentDelta: decimal.Zero}
	var removeIDs []int
	for _, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		sort.Ints(ids)
		result.GroupsResolved++
		for _, id := range ids[1:] {
			removeIDs = append(removeIDs, id)
			result.QuantityDelta = result.QuantityDelta.Add(byID[id].Quantity)
			result.PaymentDelta = result.PaymentDelta.Add(byID[id].Payment)
		}
	}

	if len(removeIDs) > 0 {
		removed, err := d.facts.DeleteFactsByID(ctx, removeIDs)
		if err != nil {
			config.LogError(d.logger, "deduplicator.go", "Deduplicate", "deleting duplicate facts", removeIDs, err)
			return nil, err
		}
		result.RecordsRemoved = int(removed)

		if err := d.rebuilder.RebuildForDate(ctx, date); err != nil {
			return nil, err
		}
		d.logger.WithFields(logrus.Fields{
			"date":    date.Format(utils.DateLayout),
			"groups":  result.GroupsResolved,
			"removed": result.RecordsRemoved,
		}).Info("deduplicated settlement facts")
	}
	return result, nil
}
