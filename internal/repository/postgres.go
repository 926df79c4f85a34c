package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/outblock/hlscan/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	// Apply Pool Settings
	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	// Prevent stale connections from surviving across deployments.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	// Per-connection PostgreSQL parameters to auto-kill orphaned work:
	// - statement_timeout: no single query may outlive the job lease
	// - idle_in_transaction_session_timeout: a governor or claim transaction
	//   abandoned mid-flight must not hold its row lock forever
	if config.ConnConfig.RuntimeParams == nil {
		config.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := config.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["statement_timeout"] = getEnvDefault("DB_STATEMENT_TIMEOUT", "300000")
	}
	if _, ok := config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = getEnvDefault("DB_IDLE_TX_TIMEOUT", "120000")
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Pool exposes the underlying connection pool for components that manage
// their own transactions, such as the shared rate governor.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.db
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.db.Ping(ctx)
}

func (r *Repository) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	// Execute the entire schema script
	_, err = r.db.Exec(context.Background(), string(content))
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// GetRateLimitState reads the shared governor row as stored, without
// projecting the pending refill. Used by read-only surfaces like the
// monitor tool; the governor itself goes through its own locked path.
func (r *Repository) GetRateLimitState(ctx context.Context, key string) (models.RateLimitState, error) {
	var s models.RateLimitState
	err := r.db.QueryRow(ctx, `
		SELECT key, tokens, last_refill, requests_this_minute, weight_this_minute,
		       minute_start, is_rate_limited, rate_limited_until, updated_at
		FROM rate_limit_state
		WHERE key = $1`,
		key,
	).Scan(&s.Key, &s.Tokens, &s.LastRefill, &s.RequestsThisMinute, &s.WeightThisMinute,
		&s.MinuteStart, &s.IsRateLimited, &s.RateLimitedUntil, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return models.RateLimitState{}, nil
	}
	if err != nil {
		return models.RateLimitState{}, err
	}
	return s, nil
}
