package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"
	"LendLedger/internal/synthetic"

	"github.com/rs/zerolog"
)

const watermarkWorker = "main"

// ProjectionWorker keeps the projections schema in step with the engine.
// Its channel is fed with non-blocking sends, so it may miss outputs; a
// lagging watermark is repaired at startup by Reseed.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).
					Msg("projection gap, tables will be reseeded on restart")
			}
			if err := pw.apply(ctx, out); err != nil {
				// Projections are derived data; the next restart reseeds them.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	ch := out.Changes

	if err := pw.timed("markets", func() error {
		for _, m := range ch.Markets {
			if err := upsertMarket(ctx, tx, m, seq); err != nil {
				return err
			}
		}
		for _, c := range ch.Configs {
			if err := updateMarketConfig(ctx, tx, c.MarketID, c.Config, seq); err != nil {
				return err
			}
		}
		for _, q := range ch.Quotes {
			if err := updatePrice(ctx, tx, q, seq); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("markets projection: %w", err)
	}

	if err := pw.timed("positions", func() error {
		for _, p := range ch.Positions {
			if err := upsertPosition(ctx, tx, p, seq); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("positions projection: %w", err)
	}

	if err := pw.timed("synthetics", func() error {
		for _, l := range ch.Synthetics {
			if err := upsertSynthetic(ctx, tx, l, seq); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("synthetics projection: %w", err)
	}

	if entry, ok := NewLiquidationEntry(out); ok {
		if err := pw.timed("liquidations", func() error { return insertLiquidation(ctx, tx, entry) }); err != nil {
			return fmt.Errorf("liquidations projection: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) timed(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if pw.metrics != nil && err == nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return err
}

func upsertMarket(ctx context.Context, tx *sql.Tx, m ledger.Market, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, kind, asset, cash, total_shares, total_debt, total_reserves,
			 debt_index, savings_index, last_accrual_block, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			cash = $4, total_shares = $5, total_debt = $6, total_reserves = $7,
			debt_index = $8, savings_index = $9, last_accrual_block = $10,
			last_sequence = $11, updated_at = NOW()
	`, m.ID, m.Kind.String(), m.Asset,
		fpmath.String(m.Cash), fpmath.String(m.TotalShares), fpmath.String(m.TotalDebt),
		fpmath.String(m.TotalReserves), fpmath.String(m.DebtIndex), fpmath.String(m.SavingsIndex),
		int64(m.LastAccrualBlock), seq)
	return err
}

func updateMarketConfig(ctx context.Context, tx *sql.Tx, marketID string, c state.MarketConfig, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.markets SET
			collateral_factor = $2, borrow_factor = $3, reserve_ratio = $4,
			supply_capacity = $5, borrow_capacity = $6,
			last_sequence = $7, updated_at = NOW()
		WHERE market_id = $1
	`, marketID, fpmath.String(c.CollateralFactor), fpmath.String(c.BorrowFactor),
		fpmath.String(c.ReserveRatio), fpmath.String(c.SupplyCapacity), fpmath.String(c.BorrowCapacity), seq)
	return err
}

func updatePrice(ctx context.Context, tx *sql.Tx, q state.QuoteChange, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.markets SET price = $2, last_sequence = $3, updated_at = NOW()
		WHERE market_id = $1
	`, q.MarketID, fpmath.String(q.Quote.Price), seq)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p state.Position, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(user_id, market_id, shares, principal, index_snapshot, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, market_id) DO UPDATE SET
			shares = $3, principal = $4, index_snapshot = $5, last_sequence = $6, updated_at = NOW()
	`, p.UserID, p.MarketID, fpmath.String(p.Shares),
		fpmath.String(p.Debt.Principal), fpmath.String(p.Debt.IndexSnapshot), seq)
	return err
}

func upsertSynthetic(ctx context.Context, tx *sql.Tx, l synthetic.Ledger, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.synthetics (asset, total_debt, total_earning, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			total_debt = $2, total_earning = $3, last_sequence = $4, updated_at = NOW()
	`, l.Asset, fpmath.String(l.TotalDebt), fpmath.String(l.TotalEarning), seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkWorker, seq)
	return err
}

// Watermark returns the last sequence the projections reflect, or -1.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, watermarkWorker,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// Reseed rewrites the market, position and synthetic projections from a
// full engine snapshot. The liquidation history is append-only and is kept.
func Reseed(ctx context.Context, db *sql.DB, snap *core.SnapshotState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.synthetics`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	seq := snap.Sequence
	for _, r := range snap.State.Markets {
		if err := upsertMarket(ctx, tx, r.Market, seq); err != nil {
			return fmt.Errorf("market %s: %w", r.Market.ID, err)
		}
		if err := updateMarketConfig(ctx, tx, r.Market.ID, r.Config, seq); err != nil {
			return fmt.Errorf("market config %s: %w", r.Market.ID, err)
		}
	}
	for _, q := range snap.State.Quotes {
		if err := updatePrice(ctx, tx, q, seq); err != nil {
			return fmt.Errorf("price %s: %w", q.MarketID, err)
		}
	}
	for _, p := range snap.State.Positions {
		if err := upsertPosition(ctx, tx, p, seq); err != nil {
			return fmt.Errorf("position %s/%s: %w", p.UserID, p.MarketID, err)
		}
	}
	for _, l := range snap.State.Synthetics {
		if err := upsertSynthetic(ctx, tx, l, seq); err != nil {
			return fmt.Errorf("synthetic %s: %w", l.Asset, err)
		}
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}
