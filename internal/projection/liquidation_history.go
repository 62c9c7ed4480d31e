package projection

import (
	"context"
	"database/sql"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationEntry is one applied liquidation as the history table keeps
// it.
type LiquidationEntry struct {
	Sequence         int64
	Block            uint64
	Liquidator       uuid.UUID
	Borrower         uuid.UUID
	RepayMarket      string
	CollateralMarket string
	RepayAmount      uint256.Int
	SeizedShares     uint256.Int
}

// NewLiquidationEntry extracts the history row from an applied
// LiquidateBorrow. The repaid amount and seized shares come from the
// receipt since the command only carries the requested amount.
func NewLiquidationEntry(out core.CoreOutput) (LiquidationEntry, bool) {
	l, ok := out.Event.(*event.LiquidateBorrow)
	if !ok {
		return LiquidationEntry{}, false
	}
	return LiquidationEntry{
		Sequence:         out.Receipt.Sequence,
		Block:            out.Receipt.Block,
		Liquidator:       l.Liquidator,
		Borrower:         l.Borrower,
		RepayMarket:      l.RepayMarket,
		CollateralMarket: l.CollateralMarket,
		RepayAmount:      out.Receipt.Amount,
		SeizedShares:     out.Receipt.Shares,
	}, true
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, e LiquidationEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, block_number, liquidator_id, borrower_id, repay_market, collateral_market,
			 repay_amount, seized_shares)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, int64(e.Block), e.Liquidator, e.Borrower, e.RepayMarket, e.CollateralMarket,
		fpmath.String(e.RepayAmount), fpmath.String(e.SeizedShares))
	return err
}

// LiquidationsByBorrower returns a borrower's liquidations, newest first.
func LiquidationsByBorrower(ctx context.Context, db *sql.DB, borrower uuid.UUID, limit int) ([]LiquidationEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, block_number, liquidator_id, borrower_id, repay_market, collateral_market,
		       repay_amount::TEXT, seized_shares::TEXT
		FROM projections.liquidations
		WHERE borrower_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, borrower, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var (
			e              LiquidationEntry
			block          int64
			repaid, seized string
		)
		if err := rows.Scan(&e.Sequence, &block, &e.Liquidator, &e.Borrower,
			&e.RepayMarket, &e.CollateralMarket, &repaid, &seized); err != nil {
			return nil, err
		}
		e.Block = uint64(block)
		if e.RepayAmount, err = fpmath.Parse(repaid); err != nil {
			return nil, err
		}
		if e.SeizedShares, err = fpmath.Parse(seized); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
