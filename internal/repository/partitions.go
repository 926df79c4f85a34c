package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Months provisioned beyond the requested range so ingest does not run into
// the partition wall right at a month boundary.
const partitionLookahead = 2

// partitionCache tracks which month ranges have already been ensured this
// process lifetime, avoiding redundant DB round-trips.
var (
	partitionCacheMu sync.Mutex
	partitionCache   = make(map[string]bool)
)

func partitionCacheKey(start, end time.Time) string {
	return fmt.Sprintf("hl_fills_raw:%s:%s", start.Format("2006-01"), end.Format("2006-01"))
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureFillPartitions creates monthly partitions of hl_fills_raw covering
// [from, to] plus the lookahead. This is an operator surface (provision tool,
// admin endpoint); the ingest path never creates partitions and instead
// fails with a partition-missing error when one is absent.
func (r *Repository) EnsureFillPartitions(ctx context.Context, from, to time.Time) (int, error) {
	start := monthStart(from)
	end := monthStart(to).AddDate(0, partitionLookahead, 0)
	if end.Before(start) {
		return 0, fmt.Errorf("partition range end %s before start %s", end.Format("2006-01"), start.Format("2006-01"))
	}

	// Fast path: skip the DB call if we already ensured this exact range.
	key := partitionCacheKey(start, end)
	partitionCacheMu.Lock()
	if partitionCache[key] {
		partitionCacheMu.Unlock()
		return 0, nil
	}
	partitionCacheMu.Unlock()

	months := 1
	for cur := start; cur.Before(end); cur = cur.AddDate(0, 1, 0) {
		months++
	}

	var created int
	err := r.db.QueryRow(ctx,
		"SELECT create_fills_partitions($1::date, $2)",
		start.Format("2006-01-02"), months,
	).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("create fill partitions from %s: %w", start.Format("2006-01"), err)
	}

	partitionCacheMu.Lock()
	partitionCache[key] = true
	partitionCacheMu.Unlock()
	return created, nil
}

// ListFillPartitions returns the attached partitions of hl_fills_raw, oldest
// first, for the monitor and admin surfaces.
func (r *Repository) ListFillPartitions(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'hl_fills_raw'
		ORDER BY c.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
