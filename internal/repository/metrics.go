package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/outblock/hlscan/internal/models"

	"github.com/google/uuid"
)

// --- Day Metric Rollup Methods ---

// UpsertWalletDayMetrics recomputes one wallet's metrics for one UTC day
// from the raw fills in a single statement. Recomputing from source instead
// of incrementing makes the rollup idempotent: running it twice, or after a
// partial earlier run, converges on the same row.
func (r *Repository) UpsertWalletDayMetrics(ctx context.Context, orgID uuid.UUID, walletID int64, dayStart time.Time) (int64, error) {
	day := dayStart.UTC().Format("2006-01-02")
	cmd, err := r.db.Exec(ctx, `
		INSERT INTO wallet_day_metrics (org_id, wallet_id, day, spot_volume_usd, perp_volume_usd, trades_count, last_trade_ts, updated_at)
		SELECT org_id, wallet_id, $4::date,
		       COALESCE(SUM(px * sz) FILTER (WHERE is_spot), 0),
		       COALESCE(SUM(px * sz) FILTER (WHERE is_perp), 0),
		       COUNT(*),
		       MAX(ts),
		       NOW()
		FROM hl_fills_raw
		WHERE org_id = $1 AND wallet_id = $2 AND ts >= $3 AND ts < $3 + INTERVAL '24 hours'
		GROUP BY org_id, wallet_id
		ON CONFLICT (org_id, wallet_id, day) DO UPDATE SET
			spot_volume_usd = EXCLUDED.spot_volume_usd,
			perp_volume_usd = EXCLUDED.perp_volume_usd,
			trades_count = EXCLUDED.trades_count,
			last_trade_ts = EXCLUDED.last_trade_ts,
			updated_at = NOW()`,
		orgID, walletID, dayStart.UTC(), day,
	)
	if err != nil {
		return 0, fmt.Errorf("rollup wallet %d day %s: %w", walletID, day, err)
	}
	return cmd.RowsAffected(), nil
}

// UpsertGlobalDayMetrics recomputes the org-wide metrics for one UTC day
// from the wallet day rows. DAU counts wallets that actually traded; the
// per-user averages divide by that count and fall back to zero when nobody
// traded.
func (r *Repository) UpsertGlobalDayMetrics(ctx context.Context, orgID uuid.UUID, day string) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		INSERT INTO global_day_metrics (org_id, day, dau, spot_volume_usd, perp_volume_usd, avg_spot_volume_per_user, avg_perp_volume_per_user, updated_at)
		SELECT org_id, day,
		       COUNT(*) FILTER (WHERE trades_count > 0),
		       COALESCE(SUM(spot_volume_usd), 0),
		       COALESCE(SUM(perp_volume_usd), 0),
		       CASE WHEN COUNT(*) FILTER (WHERE trades_count > 0) > 0
		            THEN COALESCE(SUM(spot_volume_usd), 0) / (COUNT(*) FILTER (WHERE trades_count > 0))
		            ELSE 0 END,
		       CASE WHEN COUNT(*) FILTER (WHERE trades_count > 0) > 0
		            THEN COALESCE(SUM(perp_volume_usd), 0) / (COUNT(*) FILTER (WHERE trades_count > 0))
		            ELSE 0 END,
		       NOW()
		FROM wallet_day_metrics
		WHERE org_id = $1 AND day = $2::date
		GROUP BY org_id, day
		ON CONFLICT (org_id, day) DO UPDATE SET
			dau = EXCLUDED.dau,
			spot_volume_usd = EXCLUDED.spot_volume_usd,
			perp_volume_usd = EXCLUDED.perp_volume_usd,
			avg_spot_volume_per_user = EXCLUDED.avg_spot_volume_per_user,
			avg_perp_volume_per_user = EXCLUDED.avg_perp_volume_per_user,
			updated_at = NOW()`,
		orgID, day,
	)
	if err != nil {
		return 0, fmt.Errorf("rollup global day %s: %w", day, err)
	}
	return cmd.RowsAffected(), nil
}

// GetWalletDayMetrics lists a wallet's most recent day rows.
func (r *Repository) GetWalletDayMetrics(ctx context.Context, orgID uuid.UUID, walletID int64, limit int) ([]models.WalletDayMetric, error) {
	rows, err := r.db.Query(ctx, `
		SELECT org_id, wallet_id, day::text, spot_volume_usd::text, perp_volume_usd::text, trades_count, last_trade_ts, updated_at
		FROM wallet_day_metrics
		WHERE org_id = $1 AND wallet_id = $2
		ORDER BY day DESC
		LIMIT $3`,
		orgID, walletID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.WalletDayMetric
	for rows.Next() {
		var m models.WalletDayMetric
		if err := rows.Scan(&m.OrgID, &m.WalletID, &m.Day, &m.SpotVolumeUSD, &m.PerpVolumeUSD, &m.TradesCount, &m.LastTradeTs, &m.UpdatedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// GetGlobalDayMetrics lists the org's most recent day rows.
func (r *Repository) GetGlobalDayMetrics(ctx context.Context, orgID uuid.UUID, limit int) ([]models.GlobalDayMetric, error) {
	rows, err := r.db.Query(ctx, `
		SELECT org_id, day::text, dau, spot_volume_usd::text, perp_volume_usd::text,
		       avg_spot_volume_per_user::text, avg_perp_volume_per_user::text, updated_at
		FROM global_day_metrics
		WHERE org_id = $1
		ORDER BY day DESC
		LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.GlobalDayMetric
	for rows.Next() {
		var m models.GlobalDayMetric
		if err := rows.Scan(&m.OrgID, &m.Day, &m.DAU, &m.SpotVolumeUSD, &m.PerpVolumeUSD, &m.AvgSpotVolumePerUser, &m.AvgPerpVolumePerUser, &m.UpdatedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// RebuildDayMetrics drops and recomputes both rollup tables for every day
// in [from, to) from the raw fills. Used by the rebuild tool after backfills
// or partition repairs; day-to-day operation goes through the per-day
// upserts instead.
func (r *Repository) RebuildDayMetrics(ctx context.Context, orgID uuid.UUID, from, to time.Time) (int64, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	fromDay := from.UTC().Format("2006-01-02")
	toDay := to.UTC().Format("2006-01-02")

	if _, err := tx.Exec(ctx, `
		DELETE FROM wallet_day_metrics
		WHERE org_id = $1 AND day >= $2::date AND day < $3::date`,
		orgID, fromDay, toDay,
	); err != nil {
		return 0, 0, fmt.Errorf("clear wallet day metrics: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM global_day_metrics
		WHERE org_id = $1 AND day >= $2::date AND day < $3::date`,
		orgID, fromDay, toDay,
	); err != nil {
		return 0, 0, fmt.Errorf("clear global day metrics: %w", err)
	}

	walletRows, err := tx.Exec(ctx, `
		INSERT INTO wallet_day_metrics (org_id, wallet_id, day, spot_volume_usd, perp_volume_usd, trades_count, last_trade_ts, updated_at)
		SELECT org_id, wallet_id, (ts AT TIME ZONE 'UTC')::date,
		       COALESCE(SUM(px * sz) FILTER (WHERE is_spot), 0),
		       COALESCE(SUM(px * sz) FILTER (WHERE is_perp), 0),
		       COUNT(*),
		       MAX(ts),
		       NOW()
		FROM hl_fills_raw
		WHERE org_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY org_id, wallet_id, (ts AT TIME ZONE 'UTC')::date`,
		orgID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("rebuild wallet day metrics: %w", err)
	}

	globalRows, err := tx.Exec(ctx, `
		INSERT INTO global_day_metrics (org_id, day, dau, spot_volume_usd, perp_volume_usd, avg_spot_volume_per_user, avg_perp_volume_per_user, updated_at)
		SELECT org_id, day,
		       COUNT(*) FILTER (WHERE trades_count > 0),
		       COALESCE(SUM(spot_volume_usd), 0),
		       COALESCE(SUM(perp_volume_usd), 0),
		       CASE WHEN COUNT(*) FILTER (WHERE trades_count > 0) > 0
		            THEN COALESCE(SUM(spot_volume_usd), 0) / (COUNT(*) FILTER (WHERE trades_count > 0))
		            ELSE 0 END,
		       CASE WHEN COUNT(*) FILTER (WHERE trades_count > 0) > 0
		            THEN COALESCE(SUM(perp_volume_usd), 0) / (COUNT(*) FILTER (WHERE trades_count > 0))
		            ELSE 0 END,
		       NOW()
		FROM wallet_day_metrics
		WHERE org_id = $1 AND day >= $2::date AND day < $3::date
		GROUP BY org_id, day`,
		orgID, fromDay, toDay,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("rebuild global day metrics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return walletRows.RowsAffected(), globalRows.RowsAffected(), nil
}
