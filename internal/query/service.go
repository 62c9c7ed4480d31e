package query

import (
	"context"
	"database/sql"
	"fmt"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"

	"github.com/google/uuid"
)

const verifyPageSize = 1000

// QueryService provides read-only access to the projection tables and the
// transfer journal. Projected responses carry as_of_sequence, the last
// sequence the projection worker applied. Live values come from the
// engine through the derived queries instead.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPositions returns a user's non-empty projected positions.
func (qs *QueryService) GetPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, shares::TEXT, principal::TEXT, index_snapshot::TEXT, last_sequence
		FROM projections.positions
		WHERE user_id = $1 AND (shares > 0 OR principal > 0)
		ORDER BY market_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var (
			p                        PositionResponse
			shares, principal, index string
		)
		p.UserID = userID
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(&p.MarketID, &shares, &principal, &index, &p.LastSequence); err != nil {
			return nil, err
		}
		if err := parseAmounts(
			amountField{"shares", shares, &p.Shares},
			amountField{"principal", principal, &p.Principal},
			amountField{"index_snapshot", index, &p.IndexSnapshot},
		); err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", userID, p.MarketID, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetMarkets returns every projected market in id order.
func (qs *QueryService) GetMarkets(ctx context.Context) ([]MarketResponse, error) {
	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, kind, asset, cash::TEXT, total_shares::TEXT, total_debt::TEXT,
		       total_reserves::TEXT, debt_index::TEXT, price::TEXT, last_accrual_block, last_sequence
		FROM projections.markets
		ORDER BY market_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		var (
			m                                   MarketResponse
			cash, shares, debt, reserves, index string
			price                               sql.NullString
			accrualBlock                        int64
		)
		m.AsOfSequence = asOfSeq
		if err := rows.Scan(&m.MarketID, &m.Kind, &m.Asset, &cash, &shares, &debt,
			&reserves, &index, &price, &accrualBlock, &m.LastSequence); err != nil {
			return nil, err
		}
		m.LastAccrualBlock = uint64(accrualBlock)
		if err := parseAmounts(
			amountField{"cash", cash, &m.Cash},
			amountField{"total_shares", shares, &m.TotalShares},
			amountField{"total_debt", debt, &m.TotalDebt},
			amountField{"total_reserves", reserves, &m.TotalReserves},
			amountField{"debt_index", index, &m.DebtIndex},
		); err != nil {
			return nil, fmt.Errorf("market %s: %w", m.MarketID, err)
		}
		if price.Valid {
			var p Amount
			if err := parseAmounts(amountField{"price", price.String, &p}); err != nil {
				return nil, fmt.Errorf("market %s: %w", m.MarketID, err)
			}
			m.Price = &p
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetLiquidations returns a borrower's liquidation history, newest first.
func (qs *QueryService) GetLiquidations(ctx context.Context, borrower uuid.UUID, limit int) ([]LiquidationResponse, error) {
	entries, err := projection.LiquidationsByBorrower(ctx, qs.db, borrower, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LiquidationResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LiquidationResponse{
			Sequence:         e.Sequence,
			Block:            e.Block,
			Liquidator:       e.Liquidator,
			Borrower:         e.Borrower,
			RepayMarket:      e.RepayMarket,
			CollateralMarket: e.CollateralMarket,
			RepayAmount:      Amount(e.RepayAmount),
			SeizedShares:     Amount(e.SeizedShares),
		})
	}
	return out, nil
}

// GetTransferHistory returns transfer journal rows moving assets into or
// out of the user's wallets, newest first. beforeSequence is the cursor
// from the previous page.
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]TransferHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT transfer_id, sequence, event_ref, block_number, from_account, to_account,
		       market_id, asset, amount::TEXT, journal_type, direction,
		       (EXTRACT(EPOCH FROM created_at) * 1000)::BIGINT
		FROM event_log.transfers
		WHERE (from_account LIKE $1 OR to_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, transfer_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TransferHistoryEntry
	for rows.Next() {
		var (
			e      TransferHistoryEntry
			block  int64
			amount string
		)
		if err := rows.Scan(
			&e.TransferID, &e.Sequence, &e.EventRef, &block, &e.FromAccount, &e.ToAccount,
			&e.MarketID, &e.Asset, &amount, &e.JournalType, &e.Direction, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Block = uint64(block)
		if err := parseAmounts(amountField{"amount", amount, &e.Amount}); err != nil {
			return nil, fmt.Errorf("transfer %s: %w", e.TransferID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity recomputes the state hash chain over the whole event log
// and checks that each projected standard market's cash equals the net of
// its transfer journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Cheap linkage check first: it names every break, the full recompute
	// stops at the first one.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	checked, err := persistence.NewSnapshotManager(qs.db).VerifyEventChain(ctx, 0, core.GenesisHash(), verifyPageSize)
	report.EventsVerified = checked
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report.ChainError = err.Error()
	}

	unbalanced, err := qs.unbalancedMarkets(ctx)
	if err != nil {
		return nil, err
	}
	report.UnbalancedMarkets = unbalanced

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.ChainError == "" && len(report.UnbalancedMarkets) == 0
	return report, nil
}

func (qs *QueryService) unbalancedMarkets(ctx context.Context) ([]UnbalancedMarket, error) {
	rows, err := qs.db.QueryContext(ctx, `
		WITH journal AS (
			SELECT market_id,
			       SUM(CASE WHEN to_account = 'market:' || market_id || ':cash' THEN amount ELSE 0 END)
			     - SUM(CASE WHEN from_account = 'market:' || market_id || ':cash' THEN amount ELSE 0 END) AS net
			FROM event_log.transfers
			GROUP BY market_id
		)
		SELECT m.market_id, m.cash::TEXT, COALESCE(j.net, 0)::TEXT
		FROM projections.markets m
		LEFT JOIN journal j ON j.market_id = m.market_id
		WHERE m.kind = 'standard' AND m.cash != COALESCE(j.net, 0)
		ORDER BY m.market_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnbalancedMarket
	for rows.Next() {
		var u UnbalancedMarket
		if err := rows.Scan(&u.MarketID, &u.ProjectedCash, &u.JournalCash); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- helpers ---

type amountField struct {
	name string
	raw  string
	dst  *Amount
}

func parseAmounts(fields ...amountField) error {
	for _, f := range fields {
		v, err := fpmath.Parse(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = Amount(v)
	}
	return nil
}
