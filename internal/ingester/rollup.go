package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/models"
)

const dayLayout = "2006-01-02"

// RollupStore is the store surface the rollup handlers need.
type RollupStore interface {
	UpsertWalletDayMetrics(ctx context.Context, orgID uuid.UUID, walletID int64, dayStart time.Time) (int64, error)
	UpsertGlobalDayMetrics(ctx context.Context, orgID uuid.UUID, day string) (int64, error)
	EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType models.JobType, payload any, runAt time.Time) (int64, error)
}

// Rollup recomputes day aggregates from raw fills. Both stages are pure
// SQL recomputation over the source table, so re-running a day is always
// safe and converges to the same numbers.
type Rollup struct {
	store RollupStore
}

func NewRollup(store RollupStore) *Rollup {
	return &Rollup{store: store}
}

// HandleWalletDay recomputes wallet_day_metrics for each day in the payload,
// then chains a global rollup for the same days. A partial failure leaves
// already-recomputed days in place; the retry redoes them harmlessly.
func (r *Rollup) HandleWalletDay(ctx context.Context, job models.Job) error {
	var p models.RollupWalletDayPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode rollup_wallet_day payload: %w", err)
	}
	if p.WalletID == 0 || len(p.Days) == 0 {
		return fmt.Errorf("rollup_wallet_day payload missing wallet or days: %s", string(job.Payload))
	}

	for _, day := range p.Days {
		dayStart, err := time.ParseInLocation(dayLayout, day, time.UTC)
		if err != nil {
			return fmt.Errorf("bad day %q in rollup payload: %w", day, err)
		}
		if _, err := r.store.UpsertWalletDayMetrics(ctx, p.OrgID, p.WalletID, dayStart); err != nil {
			return fmt.Errorf("rollup wallet %d day %s: %w", p.WalletID, day, err)
		}
	}

	chained := models.RollupGlobalDayPayload{OrgID: p.OrgID, Days: p.Days}
	if _, err := r.store.EnqueueJob(ctx, p.OrgID, models.JobTypeRollupGlobalDay, chained, time.Now()); err != nil {
		return fmt.Errorf("enqueue global rollup: %w", err)
	}

	log.Printf("[rollup] wallet %d: recomputed %d day(s)", p.WalletID, len(p.Days))
	return nil
}

// HandleGlobalDay recomputes global_day_metrics for each day in the payload
// by re-aggregating every wallet's day rows.
func (r *Rollup) HandleGlobalDay(ctx context.Context, job models.Job) error {
	var p models.RollupGlobalDayPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode rollup_global_day payload: %w", err)
	}
	if len(p.Days) == 0 {
		return fmt.Errorf("rollup_global_day payload has no days: %s", string(job.Payload))
	}

	for _, day := range p.Days {
		if _, err := time.ParseInLocation(dayLayout, day, time.UTC); err != nil {
			return fmt.Errorf("bad day %q in rollup payload: %w", day, err)
		}
		if _, err := r.store.UpsertGlobalDayMetrics(ctx, p.OrgID, day); err != nil {
			return fmt.Errorf("rollup global day %s: %w", day, err)
		}
	}

	log.Printf("[rollup] global: recomputed %d day(s)", len(p.Days))
	return nil
}
