package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StateKey is the fixed key of the single shared bucket row.
const StateKey = "hyperliquid"

// ErrTryAcquireUnsupported is returned by TryAcquire in shared mode: a
// non-blocking check-and-debit cannot be made fair across workers without
// holding the row lock, so only blocking Acquire is offered there.
var ErrTryAcquireUnsupported = errors.New("governor: TryAcquire is not supported in shared mode")

// State is a point-in-time view of the bucket for operational surfaces.
type State struct {
	Tokens             float64    `json:"tokens"`
	MaxTokens          float64    `json:"max_tokens"`
	RefillRate         float64    `json:"refill_rate"`
	DefaultCost        int        `json:"default_cost"`
	RequestsThisMinute int        `json:"requests_this_minute"`
	WeightThisMinute   int        `json:"weight_this_minute"`
	IsRateLimited      bool       `json:"is_rate_limited"`
	RateLimitedUntil   *time.Time `json:"rate_limited_until,omitempty"`
}

// Governor meters every upstream call. Exactly one instance exists per
// process; it is constructed in main and injected everywhere.
type Governor interface {
	// Acquire blocks until cost tokens are available and debits them.
	// It returns the total time spent waiting. cost <= 0 means DefaultCost.
	Acquire(ctx context.Context, cost int) (time.Duration, error)
	// TryAcquire attempts a non-blocking debit. Shared mode does not
	// support it and returns ErrTryAcquireUnsupported.
	TryAcquire(ctx context.Context, cost int) (bool, error)
	// ReportRateLimited records an upstream rate-limit rejection: the
	// bucket drains to zero and all acquires hold off for the penalty.
	ReportRateLimited(ctx context.Context) error
	// AdjustForResponse debits the response-size surcharge after the fact.
	AdjustForResponse(ctx context.Context, itemsReturned int) error
	// AvailableRequests estimates how many cost-sized acquires would
	// succeed right now. Zero while the penalty window is open.
	AvailableRequests(ctx context.Context, cost int) (int, error)
	// Snapshot reports current bucket state without mutating it.
	Snapshot(ctx context.Context) (State, error)
	// DefaultCost exposes the configured per-request cost.
	DefaultCost() int
}

// Shared is the multi-worker Governor. All state lives in the single
// rate_limit_state row; every mutation runs in a short transaction that
// locks the row, and the lock is never held across a sleep.
type Shared struct {
	db     *pgxpool.Pool
	key    string
	params Params
}

// NewShared creates the shared governor and seeds the state row if the
// schema has not already done so.
func NewShared(ctx context.Context, db *pgxpool.Pool, params Params) (*Shared, error) {
	g := &Shared{
		db:     db,
		key:    StateKey,
		params: params.normalized(),
	}
	_, err := db.Exec(ctx, `
		INSERT INTO rate_limit_state (key, tokens, last_refill, requests_this_minute, weight_this_minute, minute_start, is_rate_limited)
		VALUES ($1, $2, NOW(), 0, 0, NOW(), FALSE)
		ON CONFLICT (key) DO NOTHING`,
		g.key, g.params.MaxTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("seed rate_limit_state: %w", err)
	}
	return g, nil
}

func (g *Shared) DefaultCost() int { return g.params.DefaultCost }

func (g *Shared) Acquire(ctx context.Context, cost int) (time.Duration, error) {
	if cost <= 0 {
		cost = g.params.DefaultCost
	}

	var waited time.Duration
	for {
		wait, acquired, err := g.step(ctx, cost)
		if err != nil {
			return waited, err
		}
		if acquired {
			return waited, nil
		}
		// Row lock is already released; sleep happens unlocked so other
		// workers can refill-and-debit meanwhile.
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-time.After(wait):
			waited += wait
		}
	}
}

// step runs one locked refill-and-debit attempt. When the debit cannot
// happen it returns how long the caller should sleep before retrying.
func (g *Shared) step(ctx context.Context, cost int) (time.Duration, bool, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin governor tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		tokens       float64
		lastRefill   time.Time
		reqMinute    int
		weightMinute int
		minuteStart  time.Time
		limited      bool
		limitedUntil *time.Time
		now          time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT tokens, last_refill, requests_this_minute, weight_this_minute,
		       minute_start, is_rate_limited, rate_limited_until, NOW()
		FROM rate_limit_state
		WHERE key = $1
		FOR UPDATE`,
		g.key,
	).Scan(&tokens, &lastRefill, &reqMinute, &weightMinute, &minuteStart, &limited, &limitedUntil, &now)
	if err == pgx.ErrNoRows {
		return 0, false, fmt.Errorf("rate_limit_state row %q missing; run migration", g.key)
	}
	if err != nil {
		return 0, false, err
	}

	// All clock math uses the database clock so workers on skewed hosts
	// agree on refill accounting.
	tokens = refill(tokens, g.params.MaxTokens, g.params.RefillRate, now.Sub(lastRefill))
	lastRefill = now

	if limited {
		if limitedUntil != nil && limitedUntil.After(now) {
			remaining := limitedUntil.Sub(now)
			if err := g.writeState(ctx, tx, tokens, lastRefill, reqMinute, weightMinute, minuteStart, true, limitedUntil); err != nil {
				return 0, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return 0, false, err
			}
			return remaining, false, nil
		}
		// Penalty expired.
		limited = false
		limitedUntil = nil
	}

	if now.Sub(minuteStart) >= time.Minute {
		reqMinute = 0
		weightMinute = 0
		minuteStart = now
	}

	acquired := false
	var wait time.Duration
	if tokens >= float64(cost) {
		tokens -= float64(cost)
		reqMinute++
		weightMinute += cost
		acquired = true
	} else {
		wait = waitFor(tokens, cost, g.params.RefillRate)
	}

	if err := g.writeState(ctx, tx, tokens, lastRefill, reqMinute, weightMinute, minuteStart, limited, limitedUntil); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return wait, acquired, nil
}

func (g *Shared) writeState(ctx context.Context, tx pgx.Tx, tokens float64, lastRefill time.Time, reqMinute, weightMinute int, minuteStart time.Time, limited bool, limitedUntil *time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE rate_limit_state
		SET tokens = $2,
		    last_refill = $3,
		    requests_this_minute = $4,
		    weight_this_minute = $5,
		    minute_start = $6,
		    is_rate_limited = $7,
		    rate_limited_until = $8,
		    updated_at = NOW()
		WHERE key = $1`,
		g.key, tokens, lastRefill, reqMinute, weightMinute, minuteStart, limited, limitedUntil,
	)
	return err
}

func (g *Shared) TryAcquire(ctx context.Context, cost int) (bool, error) {
	return false, ErrTryAcquireUnsupported
}

func (g *Shared) ReportRateLimited(ctx context.Context) error {
	_, err := g.db.Exec(ctx, `
		UPDATE rate_limit_state
		SET tokens = 0,
		    last_refill = NOW(),
		    is_rate_limited = TRUE,
		    rate_limited_until = NOW() + make_interval(secs => $2),
		    updated_at = NOW()
		WHERE key = $1`,
		g.key, g.params.Penalty.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("report rate limited: %w", err)
	}
	return nil
}

func (g *Shared) AdjustForResponse(ctx context.Context, itemsReturned int) error {
	extra := responseSurcharge(itemsReturned, g.params.DefaultCost)
	if extra == 0 {
		return nil
	}
	_, err := g.db.Exec(ctx, `
		UPDATE rate_limit_state
		SET tokens = GREATEST(0, tokens - $2),
		    weight_this_minute = weight_this_minute + $2,
		    updated_at = NOW()
		WHERE key = $1`,
		g.key, extra,
	)
	if err != nil {
		return fmt.Errorf("adjust for response (%d items): %w", itemsReturned, err)
	}
	return nil
}

func (g *Shared) AvailableRequests(ctx context.Context, cost int) (int, error) {
	if cost <= 0 {
		cost = g.params.DefaultCost
	}

	var (
		tokens       float64
		lastRefill   time.Time
		limited      bool
		limitedUntil *time.Time
		now          time.Time
	)
	err := g.db.QueryRow(ctx, `
		SELECT tokens, last_refill, is_rate_limited, rate_limited_until, NOW()
		FROM rate_limit_state
		WHERE key = $1`,
		g.key,
	).Scan(&tokens, &lastRefill, &limited, &limitedUntil, &now)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if limited && limitedUntil != nil && limitedUntil.After(now) {
		return 0, nil
	}
	tokens = refill(tokens, g.params.MaxTokens, g.params.RefillRate, now.Sub(lastRefill))
	return available(tokens, cost), nil
}

func (g *Shared) Snapshot(ctx context.Context) (State, error) {
	var (
		st           State
		lastRefill   time.Time
		limitedUntil *time.Time
		now          time.Time
	)
	err := g.db.QueryRow(ctx, `
		SELECT tokens, last_refill, requests_this_minute, weight_this_minute,
		       is_rate_limited, rate_limited_until, NOW()
		FROM rate_limit_state
		WHERE key = $1`,
		g.key,
	).Scan(&st.Tokens, &lastRefill, &st.RequestsThisMinute, &st.WeightThisMinute, &st.IsRateLimited, &limitedUntil, &now)
	if err != nil {
		return State{}, fmt.Errorf("governor snapshot: %w", err)
	}

	st.Tokens = refill(st.Tokens, g.params.MaxTokens, g.params.RefillRate, now.Sub(lastRefill))
	st.MaxTokens = g.params.MaxTokens
	st.RefillRate = g.params.RefillRate
	st.DefaultCost = g.params.DefaultCost
	if st.IsRateLimited && limitedUntil != nil && limitedUntil.After(now) {
		st.RateLimitedUntil = limitedUntil
	} else {
		st.IsRateLimited = false
	}
	return st, nil
}
