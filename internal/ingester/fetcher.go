package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/governor"
	"github.com/outblock/hlscan/internal/hyperliquid"
	"github.com/outblock/hlscan/internal/models"
)

// FillSource is the upstream surface the fetcher pulls from. *hyperliquid.Client
// satisfies it; tests substitute a fake.
type FillSource interface {
	FetchFills(ctx context.Context, user string, startMillis int64) ([]hyperliquid.Fill, error)
}

// FetcherStore is the store surface the fetcher needs.
type FetcherStore interface {
	GetCursor(ctx context.Context, orgID uuid.UUID, walletID int64) (models.IngestCursor, error)
	InsertFills(ctx context.Context, orgID uuid.UUID, fills []models.Fill) (int64, []string, error)
	EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType models.JobType, payload any, runAt time.Time) (int64, error)
}

// CursorUpdater records the outcome of an ingest pass. The scheduler
// implements it: on success it re-reads wallet activity and picks the next
// polling interval, on failure it applies exponential backoff.
type CursorUpdater interface {
	UpdateCursor(ctx context.Context, orgID uuid.UUID, walletID int64, success bool, cursorTs time.Time) error
}

// Fetcher handles ingest_wallet jobs: it resumes from the wallet's cursor
// minus the overlap window, pulls fills from the exchange under governor
// admission, bulk-inserts them, advances the cursor and queues the day
// rollups for whatever days gained rows.
type Fetcher struct {
	store   FetcherStore
	source  FillSource
	gov     governor.Governor
	cursors CursorUpdater
	isSpot  CoinPolicy
}

func NewFetcher(store FetcherStore, source FillSource, gov governor.Governor, cursors CursorUpdater) *Fetcher {
	return &Fetcher{
		store:   store,
		source:  source,
		gov:     gov,
		cursors: cursors,
		isSpot:  DefaultCoinPolicy,
	}
}

// SetCoinPolicy overrides the spot/perp classification rule.
func (f *Fetcher) SetCoinPolicy(p CoinPolicy) {
	if p != nil {
		f.isSpot = p
	}
}

// Handle runs one ingest pass for the wallet in the job payload. Any error
// marks the wallet's cursor as failed before bubbling up to the job queue,
// so the wallet backs off independently of the job retry schedule.
func (f *Fetcher) Handle(ctx context.Context, job models.Job) error {
	var p models.IngestWalletPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode ingest_wallet payload: %w", err)
	}
	if p.WalletID == 0 || p.Address == "" {
		return fmt.Errorf("ingest_wallet payload missing wallet reference: %s", string(job.Payload))
	}

	cursor, err := f.store.GetCursor(ctx, p.OrgID, p.WalletID)
	if err != nil {
		return f.fail(ctx, p, fmt.Errorf("load cursor: %w", err))
	}

	start := overlapStartMillis(cursor.CursorTs)

	waited, err := f.gov.Acquire(ctx, 0)
	if err != nil {
		return f.fail(ctx, p, fmt.Errorf("governor admission: %w", err))
	}
	if waited > time.Second {
		log.Printf("[fetcher] wallet %d waited %s for rate budget", p.WalletID, waited.Round(time.Millisecond))
	}

	fills, err := f.source.FetchFills(ctx, p.Address, start)
	if err != nil {
		if hyperliquid.IsRateLimited(err) {
			if rerr := f.gov.ReportRateLimited(ctx); rerr != nil {
				log.Printf("[fetcher] report rate limit: %v", rerr)
			}
		}
		return f.fail(ctx, p, fmt.Errorf("fetch fills: %w", err))
	}

	// Settle the true cost of the response; the admission debit only covered
	// the base weight.
	if aerr := f.gov.AdjustForResponse(ctx, len(fills)); aerr != nil {
		log.Printf("[fetcher] response surcharge for wallet %d: %v", p.WalletID, aerr)
	}

	if len(fills) == 0 {
		// Nothing new; keep the cursor where it is and let the scheduler
		// pick the next interval from current activity.
		if err := f.cursors.UpdateCursor(ctx, p.OrgID, p.WalletID, true, cursor.CursorTs); err != nil {
			return fmt.Errorf("refresh cursor: %w", err)
		}
		return nil
	}

	rows, err := buildFillRows(p.OrgID, p.WalletID, f.isSpot, fills)
	if err != nil {
		return f.fail(ctx, p, err)
	}

	inserted, days, err := f.store.InsertFills(ctx, p.OrgID, rows)
	if err != nil {
		return f.fail(ctx, p, fmt.Errorf("insert fills: %w", err))
	}

	newCursor := maxFillTime(fills)
	if err := f.cursors.UpdateCursor(ctx, p.OrgID, p.WalletID, true, newCursor); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	// Overlap re-fetches dedupe to zero inserts; only days that actually
	// gained rows need a rollup.
	if inserted > 0 && len(days) > 0 {
		rollup := models.RollupWalletDayPayload{OrgID: p.OrgID, WalletID: p.WalletID, Days: days}
		if _, err := f.store.EnqueueJob(ctx, p.OrgID, models.JobTypeRollupWalletDay, rollup, time.Now()); err != nil {
			return fmt.Errorf("enqueue wallet-day rollup: %w", err)
		}
	}

	log.Printf("[fetcher] wallet %d: fetched %d fill(s), inserted %d across %d day(s), cursor -> %s",
		p.WalletID, len(fills), inserted, len(days), newCursor.UTC().Format(time.RFC3339))
	return nil
}

// fail records the failure on the wallet cursor, then returns the original
// error so the job queue applies its own retry schedule. The cursor write is
// best-effort: if it also fails, the job retry lands here again anyway.
func (f *Fetcher) fail(ctx context.Context, p models.IngestWalletPayload, cause error) error {
	if uerr := f.cursors.UpdateCursor(ctx, p.OrgID, p.WalletID, false, time.Time{}); uerr != nil && !errors.Is(uerr, context.Canceled) {
		log.Printf("[fetcher] wallet %d: cursor failure write: %v", p.WalletID, uerr)
	}
	return cause
}
