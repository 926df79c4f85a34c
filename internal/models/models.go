package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Wallet represents the 'wallets' table
type Wallet struct {
	WalletID  int64     `json:"wallet_id"`
	Address   string    `json:"address"` // lowercase 0x-prefixed hex
	Label     string    `json:"label,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgWallet represents the 'org_wallets' link table
type OrgWallet struct {
	OrgID     uuid.UUID `json:"org_id"`
	WalletID  int64     `json:"wallet_id"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IngestCursor represents the 'hl_ingest_cursor' table
type IngestCursor struct {
	OrgID         uuid.UUID  `json:"org_id"`
	WalletID      int64      `json:"wallet_id"`
	CursorTs      time.Time  `json:"cursor_ts"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	Status        string     `json:"status"` // ok | error
	ErrorCount    int        `json:"error_count"`
	NextRunAt     time.Time  `json:"next_run_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Cursor statuses
const (
	CursorStatusOK    = "ok"
	CursorStatusError = "error"
)

// Fill represents one row of the partitioned 'hl_fills_raw' table.
// Rows are append-only: once inserted they are never updated or deleted,
// and exactly one of IsSpot/IsPerp is true.
type Fill struct {
	OrgID    uuid.UUID      `json:"org_id"`
	WalletID int64          `json:"wallet_id"`
	FillID   string         `json:"fill_id"`
	Ts       time.Time      `json:"ts"`
	Coin     string         `json:"coin"`
	Side     string         `json:"side"` // A (ask) | B (bid)
	Px       pgtype.Numeric `json:"px"`
	Sz       pgtype.Numeric `json:"sz"`
	IsSpot   bool           `json:"is_spot"`
	IsPerp   bool           `json:"is_perp"`
}

// WalletDayMetric represents the 'wallet_day_metrics' table
type WalletDayMetric struct {
	OrgID         uuid.UUID `json:"org_id"`
	WalletID      int64     `json:"wallet_id"`
	Day           string    `json:"day"` // YYYY-MM-DD
	SpotVolumeUSD string    `json:"spot_volume_usd"`
	PerpVolumeUSD string    `json:"perp_volume_usd"`
	TradesCount   int64     `json:"trades_count"`
	LastTradeTs   time.Time `json:"last_trade_ts"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GlobalDayMetric represents the 'global_day_metrics' table
type GlobalDayMetric struct {
	OrgID                uuid.UUID `json:"org_id"`
	Day                  string    `json:"day"`
	DAU                  int64     `json:"dau"`
	SpotVolumeUSD        string    `json:"spot_volume_usd"`
	PerpVolumeUSD        string    `json:"perp_volume_usd"`
	AvgSpotVolumePerUser string    `json:"avg_spot_volume_per_user"`
	AvgPerpVolumePerUser string    `json:"avg_perp_volume_per_user"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RateLimitState represents the single shared row of 'rate_limit_state'
type RateLimitState struct {
	Key                string     `json:"key"`
	Tokens             float64    `json:"tokens"`
	LastRefill         time.Time  `json:"last_refill"`
	RequestsThisMinute int        `json:"requests_this_minute"`
	WeightThisMinute   int        `json:"weight_this_minute"`
	MinuteStart        time.Time  `json:"minute_start"`
	IsRateLimited      bool       `json:"is_rate_limited"`
	RateLimitedUntil   *time.Time `json:"rate_limited_until,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// JobType identifies which handler a job is dispatched to.
type JobType string

const (
	JobTypeIngestWallet    JobType = "ingest_wallet"
	JobTypeRollupWalletDay JobType = "rollup_wallet_day"
	JobTypeRollupGlobalDay JobType = "rollup_global_day"
)

// Job statuses. Succeeded, failed and canceled are terminal.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Job represents the 'jobs' table
type Job struct {
	ID            int64           `json:"id"`
	OrgID         uuid.UUID       `json:"org_id"`
	Type          JobType         `json:"type"`
	Payload       json.RawMessage `json:"payload"` // Stored as JSONB
	RunAt         time.Time       `json:"run_at"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LockedBy      *string         `json:"locked_by,omitempty"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	LockExpiresAt *time.Time      `json:"lock_expires_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IngestWalletPayload is the payload for ingest_wallet jobs.
type IngestWalletPayload struct {
	OrgID    uuid.UUID `json:"org_id"`
	WalletID int64     `json:"wallet_id"`
	Address  string    `json:"address"` // lowercase hex
}

// RollupWalletDayPayload is the payload for rollup_wallet_day jobs.
type RollupWalletDayPayload struct {
	OrgID    uuid.UUID `json:"org_id"`
	WalletID int64     `json:"wallet_id"`
	Days     []string  `json:"days"` // YYYY-MM-DD
}

// RollupGlobalDayPayload is the payload for rollup_global_day jobs.
type RollupGlobalDayPayload struct {
	OrgID uuid.UUID `json:"org_id"`
	Days  []string  `json:"days"`
}

// ParsePayload decodes the opaque payload blob into the concrete struct
// for the job's type. The store itself never interprets payloads; handlers
// dispatch on Type and decode strongly via this sum.
func (j *Job) ParsePayload() (any, error) {
	switch j.Type {
	case JobTypeIngestWallet:
		var p IngestWalletPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode ingest_wallet payload: %w", err)
		}
		return p, nil
	case JobTypeRollupWalletDay:
		var p RollupWalletDayPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode rollup_wallet_day payload: %w", err)
		}
		return p, nil
	case JobTypeRollupGlobalDay:
		var p RollupGlobalDayPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode rollup_global_day payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", j.Type)
	}
}

// JobStatusCount is one row of the monitor's per-status breakdown.
type JobStatusCount struct {
	Type   JobType `json:"type"`
	Status string  `json:"status"`
	Count  int64   `json:"count"`
}
