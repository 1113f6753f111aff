package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"CDPLedger/internal/oracle"
)

// PricePoint is one accepted oracle update.
type PricePoint struct {
	AssetID     string          `json:"asset_id"`
	Sequence    int64           `json:"sequence"` // global event sequence
	Price       decimal.Decimal `json:"price"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CircuitOpen bool            `json:"circuit_open"`
}

func appendPriceHistory(ctx context.Context, tx *sql.Tx, seq int64, q oracle.Quote) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.price_history (asset_id, sequence, price, updated_at, circuit_open)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset_id, sequence) DO NOTHING
	`, q.AssetID, seq, q.Price, q.UpdatedAt.UTC(), q.CircuitOpen)
	return err
}

// PriceHistory returns up to limit points for asset, newest first, with
// sequence below before (0 means from the newest).
func PriceHistory(ctx context.Context, db *sql.DB, asset string, before int64, limit int) ([]PricePoint, error) {
	if before <= 0 {
		before = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT asset_id, sequence, price, updated_at, circuit_open
		FROM projections.price_history
		WHERE asset_id = $1 AND sequence < $2
		ORDER BY sequence DESC
		LIMIT $3
	`, asset, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PricePoint, 0, limit)
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.AssetID, &p.Sequence, &p.Price, &p.UpdatedAt, &p.CircuitOpen); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
