package ingester

import (
	"fmt"
	"strings"
	"time"

	"github.com/outblock/hlscan/internal/hyperliquid"
	"github.com/outblock/hlscan/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// overlapWindow is how far behind the cursor each fetch starts. The upstream
// delivers fills late and occasionally out of order; re-reading the last ten
// minutes closes those gaps, and the (org, wallet, fill_id, ts) key makes
// the replay free.
const overlapWindow = 10 * time.Minute

// CoinPolicy decides whether a coin symbol names a spot market. The upstream
// publishes no authoritative taxonomy, so the rule is pluggable; the default
// follows the observed convention that spot pairs carry a slash ("ETH/USDC")
// or an index prefix ("@107") while perps are bare tickers.
type CoinPolicy func(coin string) bool

// DefaultCoinPolicy classifies by symbol shape.
func DefaultCoinPolicy(coin string) bool {
	return strings.Contains(coin, "/") || strings.HasPrefix(coin, "@")
}

// FillID derives the stable identity of a fill from the upstream trade id
// and transaction hash. Both survive re-fetches unchanged, which is what
// makes the overlap window replays idempotent.
func FillID(tid int64, hash string) string {
	return fmt.Sprintf("%d-%s", tid, hash)
}

// overlapStartMillis converts a cursor to the upstream startTime parameter,
// stepping back by the overlap window. The upstream rejects negative start
// times, so the result is clamped to 0 (which is also where a fresh epoch
// cursor lands).
func overlapStartMillis(cursorTs time.Time) int64 {
	start := cursorTs.UnixMilli() - overlapWindow.Milliseconds()
	if start < 0 {
		return 0
	}
	return start
}

// buildFillRows converts upstream fills into insertable rows, validating as
// it goes. A fill that cannot be represented (bad decimal, unknown side)
// poisons the whole batch: partial inserts would advance the cursor past
// data we silently dropped.
func buildFillRows(orgID uuid.UUID, walletID int64, isSpot CoinPolicy, fills []hyperliquid.Fill) ([]models.Fill, error) {
	rows := make([]models.Fill, 0, len(fills))
	for _, f := range fills {
		if f.Side != "A" && f.Side != "B" {
			return nil, fmt.Errorf("%w: fill tid=%d has side %q", hyperliquid.ErrMalformed, f.Tid, f.Side)
		}

		var px, sz pgtype.Numeric
		if err := px.Scan(f.Px); err != nil {
			return nil, fmt.Errorf("%w: fill tid=%d px %q: %v", hyperliquid.ErrMalformed, f.Tid, f.Px, err)
		}
		if err := sz.Scan(f.Sz); err != nil {
			return nil, fmt.Errorf("%w: fill tid=%d sz %q: %v", hyperliquid.ErrMalformed, f.Tid, f.Sz, err)
		}

		spot := isSpot(f.Coin)
		rows = append(rows, models.Fill{
			OrgID:    orgID,
			WalletID: walletID,
			FillID:   FillID(f.Tid, f.Hash),
			Ts:       time.UnixMilli(f.Time).UTC(),
			Coin:     f.Coin,
			Side:     f.Side,
			Px:       px,
			Sz:       sz,
			IsSpot:   spot,
			IsPerp:   !spot,
		})
	}
	return rows, nil
}

// maxFillTime returns the newest fill instant in the batch, which becomes
// the wallet's next cursor position.
func maxFillTime(fills []hyperliquid.Fill) time.Time {
	var maxMs int64
	for _, f := range fills {
		if f.Time > maxMs {
			maxMs = f.Time
		}
	}
	return time.UnixMilli(maxMs).UTC()
}
