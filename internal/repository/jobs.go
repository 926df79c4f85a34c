package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outblock/hlscan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- Job Queue Methods ---

// EnqueueJob inserts a queued job. Ingest jobs carry a partial unique index
// on the wallet while queued or running, so a duplicate enqueue resolves to
// (0, nil) instead of a second job.
func (r *Repository) EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType models.JobType, payload any, runAt time.Time) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	var jobID int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO jobs (org_id, type, payload, run_at, status)
		VALUES ($1, $2, $3, $4, 'queued')
		ON CONFLICT DO NOTHING
		RETURNING id`,
		orgID, jobType, body, runAt,
	).Scan(&jobID)

	if err == pgx.ErrNoRows {
		// An equivalent job is already queued or running.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return jobID, nil
}

// ClaimJobs leases up to limit due jobs of the org to workerID in one
// statement. A job is due when it is queued with run_at in the past, or
// running with an expired lease (its worker died mid-flight). SKIP LOCKED
// keeps concurrent claimers from blocking each other, and the attempt counter
// ticks at claim time so a crashed attempt still counts. Jobs that crashed on
// their final attempt are not reclaimed (that would push attempts past the
// cap); RecoverStuckJobs settles them.
func (r *Repository) ClaimJobs(ctx context.Context, orgID uuid.UUID, workerID string, limit int, lease time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM jobs
			WHERE org_id = $1
			  AND attempts < max_attempts
			  AND ((status = 'queued' AND run_at <= NOW())
			   OR (status = 'running' AND lock_expires_at < NOW()))
			ORDER BY run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'running',
		    locked_by = $2,
		    locked_at = NOW(),
		    lock_expires_at = NOW() + make_interval(secs => $4),
		    attempts = attempts + 1,
		    updated_at = NOW()
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.org_id, j.type, j.payload, j.run_at, j.status, j.attempts,
		          j.max_attempts, j.locked_by, j.locked_at, j.lock_expires_at,
		          j.last_error, j.created_at, j.updated_at`,
		orgID, workerID, limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(
			&j.ID, &j.OrgID, &j.Type, &j.Payload, &j.RunAt, &j.Status, &j.Attempts,
			&j.MaxAttempts, &j.LockedBy, &j.LockedAt, &j.LockExpiresAt,
			&j.LastError, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CompleteJob marks a job succeeded. The locked_by guard means a worker that
// lost its lease (another claimer reclaimed the job) writes nothing; the
// returned bool reports whether this worker still owned the job.
func (r *Repository) CompleteJob(ctx context.Context, jobID int64, workerID string) (bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'succeeded',
		    locked_by = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
		RETURNING id`,
		jobID, workerID,
	).Scan(&id)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return true, nil
}

// FailJob records a failed attempt. Below the attempt cap the job re-queues
// with exponential backoff (2^attempts seconds from now); at the cap it goes
// terminal and run_at is left untouched as a record of the last schedule.
// Returns (terminal, owned).
func (r *Repository) FailJob(ctx context.Context, jobID int64, workerID, lastError string) (bool, bool, error) {
	var status string
	err := r.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    run_at = CASE WHEN attempts >= max_attempts THEN run_at
		                  ELSE NOW() + make_interval(secs => POWER(2, attempts)) END,
		    locked_by = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
		RETURNING status`,
		jobID, workerID, lastError,
	).Scan(&status)

	if err == pgx.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return status == models.JobStatusFailed, true, nil
}

// FailJobTerminal sends a job straight to failed regardless of remaining
// attempts. Used for integrity errors where retrying cannot help.
func (r *Repository) FailJobTerminal(ctx context.Context, jobID int64, workerID, lastError string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    locked_by = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, lastError,
	)
	if err != nil {
		return false, fmt.Errorf("fail job %d terminally: %w", jobID, err)
	}
	return cmd.RowsAffected() > 0, nil
}

// CancelWalletJobs cancels queued ingest jobs for a wallet, typically after
// the wallet is deactivated. Running jobs finish on their own.
func (r *Repository) CancelWalletJobs(ctx context.Context, orgID uuid.UUID, walletID int64) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'canceled', updated_at = NOW()
		WHERE org_id = $1
		  AND type = 'ingest_wallet'
		  AND status = 'queued'
		  AND (payload->>'wallet_id')::bigint = $2`,
		orgID, walletID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel wallet jobs: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// RecoverStuckJobs re-queues the org's running jobs whose lease has expired,
// except those already at the attempt cap, which it marks failed. Claiming
// reclaims expired leases lazily anyway; this makes the sweep explicit for
// startup and for the admin recover surface. Returns the number settled.
func (r *Repository) RecoverStuckJobs(ctx context.Context, orgID uuid.UUID) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    last_error = CASE WHEN attempts >= max_attempts THEN 'lease expired on final attempt' ELSE last_error END,
		    locked_by = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    updated_at = NOW()
		WHERE org_id = $1 AND status = 'running' AND lock_expires_at < NOW()`,
		orgID,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// JobStatusCounts returns the org's queue broken down by type and status.
func (r *Repository) JobStatusCounts(ctx context.Context, orgID uuid.UUID) ([]models.JobStatusCount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT type, status, COUNT(*)
		FROM jobs
		WHERE org_id = $1
		GROUP BY type, status
		ORDER BY type, status`,
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []models.JobStatusCount
	for rows.Next() {
		var c models.JobStatusCount
		if err := rows.Scan(&c.Type, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ExpiredRunningJobs counts running jobs whose lease has lapsed.
func (r *Repository) ExpiredRunningJobs(ctx context.Context, orgID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE org_id = $1 AND status = 'running' AND lock_expires_at < NOW()`,
		orgID,
	).Scan(&count)
	return count, err
}

// RecentFailedJobs lists the most recently failed jobs for diagnostics.
func (r *Repository) RecentFailedJobs(ctx context.Context, orgID uuid.UUID, limit int) ([]models.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, org_id, type, payload, run_at, status, attempts, max_attempts,
		       locked_by, locked_at, lock_expires_at, last_error, created_at, updated_at
		FROM jobs
		WHERE org_id = $1 AND status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(
			&j.ID, &j.OrgID, &j.Type, &j.Payload, &j.RunAt, &j.Status, &j.Attempts,
			&j.MaxAttempts, &j.LockedBy, &j.LockedAt, &j.LockExpiresAt,
			&j.LastError, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
