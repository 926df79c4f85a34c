package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/outblock/hlscan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// --- Fill Storage Methods ---

// InsertFills bulk-inserts a batch of fills for one org in a single
// statement. Replayed fills land on the (org_id, wallet_id, fill_id, ts)
// key and are dropped by ON CONFLICT, so re-ingesting an overlapping window
// is idempotent. Returns how many rows were actually new and the distinct
// UTC days they fall on, which drive the rollup jobs.
//
// The target table is partitioned by month and partitions are provisioned
// by an operator; inserting into a month with no partition fails with an
// error matched by IsPartitionMissing.
func (r *Repository) InsertFills(ctx context.Context, orgID uuid.UUID, fills []models.Fill) (int64, []string, error) {
	if len(fills) == 0 {
		return 0, nil, nil
	}

	walletIDs := make([]int64, len(fills))
	fillIDs := make([]string, len(fills))
	tss := make([]time.Time, len(fills))
	coins := make([]string, len(fills))
	sides := make([]string, len(fills))
	pxs := make([]pgtype.Numeric, len(fills))
	szs := make([]pgtype.Numeric, len(fills))
	isSpots := make([]bool, len(fills))
	for i, f := range fills {
		walletIDs[i] = f.WalletID
		fillIDs[i] = f.FillID
		tss[i] = f.Ts
		coins[i] = f.Coin
		sides[i] = f.Side
		pxs[i] = f.Px
		szs[i] = f.Sz
		isSpots[i] = f.IsSpot
	}

	rows, err := r.db.Query(ctx, `
		INSERT INTO hl_fills_raw (org_id, wallet_id, fill_id, ts, coin, side, px, sz, is_spot, is_perp)
		SELECT $1, u.wallet_id, u.fill_id, u.ts, u.coin, u.side, u.px, u.sz, u.is_spot, NOT u.is_spot
		FROM unnest($2::bigint[], $3::text[], $4::timestamptz[], $5::text[], $6::text[], $7::numeric[], $8::numeric[], $9::boolean[])
		     AS u(wallet_id, fill_id, ts, coin, side, px, sz, is_spot)
		ON CONFLICT (org_id, wallet_id, fill_id, ts) DO NOTHING
		RETURNING ts`,
		orgID, walletIDs, fillIDs, tss, coins, sides, pxs, szs, isSpots,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("insert fills: %w", err)
	}
	defer rows.Close()

	var inserted int64
	daySet := make(map[string]bool)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return 0, nil, err
		}
		inserted++
		daySet[ts.UTC().Format("2006-01-02")] = true
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("insert fills: %w", err)
	}

	days := make([]string, 0, len(daySet))
	for day := range daySet {
		days = append(days, day)
	}
	sort.Strings(days)
	return inserted, days, nil
}

// FillCountForWalletDay reports stored fills for one wallet on one UTC day.
func (r *Repository) FillCountForWalletDay(ctx context.Context, orgID uuid.UUID, walletID int64, dayStart time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM hl_fills_raw
		WHERE org_id = $1 AND wallet_id = $2 AND ts >= $3 AND ts < $4`,
		orgID, walletID, dayStart, dayStart.Add(24*time.Hour),
	).Scan(&count)
	return count, err
}

// WalletDays pairs a wallet with the UTC days it has fills on.
type WalletDays struct {
	WalletID int64
	Days     []string
}

// FillWalletDays lists, per wallet, the distinct UTC days with at least one
// fill in [from, to). Drives rebuilds that re-enqueue rollup jobs instead of
// recomputing inline.
func (r *Repository) FillWalletDays(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]WalletDays, error) {
	rows, err := r.db.Query(ctx, `
		SELECT wallet_id, ((ts AT TIME ZONE 'UTC')::date)::text AS day
		FROM hl_fills_raw
		WHERE org_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY wallet_id, day
		ORDER BY wallet_id, day`,
		orgID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list fill wallet days: %w", err)
	}
	defer rows.Close()

	var out []WalletDays
	for rows.Next() {
		var walletID int64
		var day string
		if err := rows.Scan(&walletID, &day); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].WalletID == walletID {
			out[n-1].Days = append(out[n-1].Days, day)
		} else {
			out = append(out, WalletDays{WalletID: walletID, Days: []string{day}})
		}
	}
	return out, rows.Err()
}
