package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/outblock/hlscan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- Ingest Cursor Methods ---

// GetCursor returns the wallet's ingest cursor. A wallet that has never been
// ingested reads as an epoch cursor rather than an error.
func (r *Repository) GetCursor(ctx context.Context, orgID uuid.UUID, walletID int64) (models.IngestCursor, error) {
	c := models.IngestCursor{
		OrgID:    orgID,
		WalletID: walletID,
		CursorTs: time.Unix(0, 0).UTC(),
		Status:   models.CursorStatusOK,
	}
	err := r.db.QueryRow(ctx, `
		SELECT cursor_ts, last_success_at, status, error_count, next_run_at, updated_at
		FROM hl_ingest_cursor
		WHERE org_id = $1 AND wallet_id = $2`,
		orgID, walletID,
	).Scan(&c.CursorTs, &c.LastSuccessAt, &c.Status, &c.ErrorCount, &c.NextRunAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	return c, nil
}

// UpdateCursorSuccess advances the cursor after a clean ingest. The GREATEST
// guard keeps the cursor monotone even if a stale worker reports late, and a
// run that saw no new fills passes the unchanged timestamp through. The next
// poll lands one activity-class interval out.
func (r *Repository) UpdateCursorSuccess(ctx context.Context, orgID uuid.UUID, walletID int64, cursorTs time.Time, nextInterval time.Duration) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO hl_ingest_cursor (org_id, wallet_id, cursor_ts, last_success_at, status, error_count, next_run_at)
		VALUES ($1, $2, $3, NOW(), 'ok', 0, NOW() + make_interval(secs => $4))
		ON CONFLICT (org_id, wallet_id) DO UPDATE SET
			cursor_ts = GREATEST(hl_ingest_cursor.cursor_ts, EXCLUDED.cursor_ts),
			last_success_at = NOW(),
			status = 'ok',
			error_count = 0,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = NOW()`,
		orgID, walletID, cursorTs, nextInterval.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("advance cursor for wallet %d: %w", walletID, err)
	}
	return nil
}

// UpdateCursorFailure records a failed ingest. The cursor timestamp stays
// put; the error counter climbs and the next poll backs off exponentially
// from baseDelay, capped at maxDelay. The exponent saturates at 6 so the
// counter itself can keep growing as a diagnostic without overflowing the
// delay math. Returns the new consecutive-failure count and when the wallet
// next becomes due.
func (r *Repository) UpdateCursorFailure(ctx context.Context, orgID uuid.UUID, walletID int64, baseDelay, maxDelay time.Duration) (int, time.Time, error) {
	var count int
	var nextRun time.Time
	err := r.db.QueryRow(ctx, `
		INSERT INTO hl_ingest_cursor (org_id, wallet_id, cursor_ts, status, error_count, next_run_at)
		VALUES ($1, $2, 'epoch', 'error', 1,
		        NOW() + make_interval(secs => LEAST($4::double precision, $3 * 2)))
		ON CONFLICT (org_id, wallet_id) DO UPDATE SET
			status = 'error',
			error_count = hl_ingest_cursor.error_count + 1,
			next_run_at = NOW() + make_interval(secs => LEAST(
				$4::double precision,
				$3 * POWER(2, LEAST(hl_ingest_cursor.error_count + 1, 6)))),
			updated_at = NOW()
		RETURNING error_count, next_run_at`,
		orgID, walletID, baseDelay.Seconds(), maxDelay.Seconds(),
	).Scan(&count, &nextRun)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("record cursor failure for wallet %d: %w", walletID, err)
	}
	return count, nextRun, nil
}

// WalletCandidate is one due wallet from the scheduler's candidate query.
// Heat orders polling priority: 0 traded within a day, 1 within a week,
// 2 longer ago or never.
type WalletCandidate struct {
	OrgID      uuid.UUID
	WalletID   int64
	Address    string
	CursorTs   time.Time
	ErrorCount int
	Status     string
	Heat       int
}

// DueWalletCandidates selects up to limit active wallets whose next poll is
// due, hottest first, oldest schedule first within a class. Heat comes from
// the last observed trade in the day metrics, not the cursor, so a wallet
// polled often but trading rarely still cools down. Wallets that already
// have an ingest job queued or running are skipped here so a slow ingest
// never stacks a second job behind itself.
func (r *Repository) DueWalletCandidates(ctx context.Context, orgID uuid.UUID, hotWindow, warmWindow time.Duration, limit int) ([]WalletCandidate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.org_id, c.wallet_id, w.address, c.cursor_ts, c.error_count, c.status,
		       CASE
		           WHEN m.last_trade >= NOW() - make_interval(secs => $2) THEN 0
		           WHEN m.last_trade >= NOW() - make_interval(secs => $3) THEN 1
		           ELSE 2
		       END AS heat
		FROM hl_ingest_cursor c
		JOIN org_wallets ow ON ow.org_id = c.org_id AND ow.wallet_id = c.wallet_id
		JOIN wallets w ON w.id = c.wallet_id AND w.is_active
		LEFT JOIN (
		    SELECT org_id, wallet_id, MAX(last_trade_ts) AS last_trade
		    FROM wallet_day_metrics
		    GROUP BY org_id, wallet_id
		) m ON m.org_id = c.org_id AND m.wallet_id = c.wallet_id
		WHERE c.org_id = $1
		  AND c.next_run_at <= NOW()
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs j
		      WHERE j.org_id = c.org_id
		        AND j.type = 'ingest_wallet'
		        AND j.status IN ('queued', 'running')
		        AND (j.payload->>'wallet_id')::bigint = c.wallet_id
		  )
		ORDER BY heat ASC, c.next_run_at ASC
		LIMIT $4`,
		orgID, hotWindow.Seconds(), warmWindow.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due wallets: %w", err)
	}
	defer rows.Close()

	var out []WalletCandidate
	for rows.Next() {
		var c WalletCandidate
		if err := rows.Scan(&c.OrgID, &c.WalletID, &c.Address, &c.CursorTs, &c.ErrorCount, &c.Status, &c.Heat); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastTradeTs returns the most recent trade instant recorded in the wallet's
// day metrics, or the zero time when the wallet has never traded. The cursor
// updater classifies cadence from this.
func (r *Repository) LastTradeTs(ctx context.Context, orgID uuid.UUID, walletID int64) (time.Time, error) {
	var last *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(last_trade_ts)
		FROM wallet_day_metrics
		WHERE org_id = $1 AND wallet_id = $2`,
		orgID, walletID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last trade ts for wallet %d: %w", walletID, err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// CursorSummary aggregates cursor health for the monitor surfaces.
type CursorSummary struct {
	Total     int64      `json:"total"`
	OK        int64      `json:"ok"`
	Errored   int64      `json:"errored"`
	DueNow    int64      `json:"due_now"`
	OldestRun *time.Time `json:"oldest_next_run,omitempty"`
}

func (r *Repository) GetCursorSummary(ctx context.Context, orgID uuid.UUID) (CursorSummary, error) {
	var s CursorSummary
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'ok'),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COUNT(*) FILTER (WHERE next_run_at <= NOW()),
		       MIN(next_run_at)
		FROM hl_ingest_cursor
		WHERE org_id = $1`,
		orgID,
	).Scan(&s.Total, &s.OK, &s.Errored, &s.DueNow, &s.OldestRun)
	if err != nil {
		return s, fmt.Errorf("cursor summary: %w", err)
	}
	return s, nil
}
