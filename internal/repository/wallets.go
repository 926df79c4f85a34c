package repository

import (
	"context"
	"fmt"

	"github.com/outblock/hlscan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- Wallet Registry Methods ---

// EnsureOrg seeds the org row so foreign keys hold before any wallet work.
func (r *Repository) EnsureOrg(ctx context.Context, orgID uuid.UUID, name string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO orgs (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		orgID, name,
	)
	if err != nil {
		return fmt.Errorf("ensure org %s: %w", orgID, err)
	}
	return nil
}

// RegisterWallet upserts the wallet, links it to the org, and seeds its
// ingest cursor at the epoch so the scheduler picks it up on the next tick.
// Registering an address twice reactivates the wallet instead of failing.
func (r *Repository) RegisterWallet(ctx context.Context, orgID uuid.UUID, address, label, addedBy string) (*models.Wallet, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var w models.Wallet
	// The DO UPDATE guarantees RETURNING yields the row either way.
	err = tx.QueryRow(ctx, `
		INSERT INTO wallets (address, label, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (address) DO UPDATE SET
			label = COALESCE(NULLIF(EXCLUDED.label, ''), wallets.label),
			is_active = TRUE
		RETURNING id, address, label, is_active, created_at`,
		address, label,
	).Scan(&w.WalletID, &w.Address, &w.Label, &w.IsActive, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert wallet %s: %w", address, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO org_wallets (org_id, wallet_id, added_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, wallet_id) DO NOTHING`,
		orgID, w.WalletID, addedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("link wallet %d to org %s: %w", w.WalletID, orgID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO hl_ingest_cursor (org_id, wallet_id, cursor_ts, status, next_run_at)
		VALUES ($1, $2, 'epoch', 'ok', NOW())
		ON CONFLICT (org_id, wallet_id) DO NOTHING`,
		orgID, w.WalletID,
	)
	if err != nil {
		return nil, fmt.Errorf("seed cursor for wallet %d: %w", w.WalletID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &w, nil
}

// DeactivateWallet stops scheduling a wallet without deleting its history.
// Callers should cancel queued ingest jobs afterwards. The org check keeps
// one tenant from deactivating another tenant's wallet.
func (r *Repository) DeactivateWallet(ctx context.Context, orgID uuid.UUID, walletID int64) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE wallets
		SET is_active = FALSE
		WHERE id = $2
		  AND is_active
		  AND EXISTS (
		      SELECT 1 FROM org_wallets
		      WHERE org_id = $1 AND wallet_id = $2
		  )`,
		orgID, walletID,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate wallet %d: %w", walletID, err)
	}
	return cmd.RowsAffected() > 0, nil
}

// GetWalletByAddress looks up a wallet by its normalized address.
func (r *Repository) GetWalletByAddress(ctx context.Context, address string) (*models.Wallet, error) {
	var w models.Wallet
	err := r.db.QueryRow(ctx, `
		SELECT id, address, label, is_active, created_at
		FROM wallets
		WHERE address = $1`,
		address,
	).Scan(&w.WalletID, &w.Address, &w.Label, &w.IsActive, &w.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ActiveWallets lists active wallets linked to the org for scheduling.
func (r *Repository) ActiveWallets(ctx context.Context, orgID uuid.UUID) ([]models.Wallet, error) {
	rows, err := r.db.Query(ctx, `
		SELECT w.id, w.address, w.label, w.is_active, w.created_at
		FROM wallets w
		JOIN org_wallets ow ON ow.wallet_id = w.id
		WHERE ow.org_id = $1 AND w.is_active
		ORDER BY w.id ASC`,
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		var w models.Wallet
		if err := rows.Scan(&w.WalletID, &w.Address, &w.Label, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// ActiveWalletCount reports how many wallets the scheduler is responsible for.
func (r *Repository) ActiveWalletCount(ctx context.Context, orgID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM org_wallets ow
		JOIN wallets w ON w.id = ow.wallet_id
		WHERE ow.org_id = $1 AND w.is_active`,
		orgID,
	).Scan(&count)
	return count, err
}
