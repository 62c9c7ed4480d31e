package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"
)

func (e *Engine) handleAccrueInterest(p *proposal, evt *event.AccrueInterest) error {
	_, _, err := p.accrue(evt.Market)
	return err
}

// handlePriceUpdate folds an oracle price into the market's quote. Stale
// sequences are ignored without error; gaps are accepted.
func (e *Engine) handlePriceUpdate(p *proposal, evt *event.PriceUpdate) error {
	if _, _, err := p.market(evt.Market); err != nil {
		return err
	}
	if !fpmath.ValidAmount(evt.Price) && !evt.Price.IsZero() {
		return fmt.Errorf("price %s out of range: %w", evt.Price.Dec(), ledger.ErrInvalidAmount)
	}
	prev, known := p.tx.Quote(evt.Market)
	quote, outcome := oracle.Apply(prev, known, evt.Price, evt.PriceSequence)
	p.price = &priceNote{market: evt.Market, outcome: outcome}
	if outcome == oracle.Stale {
		p.noop = true
		return nil
	}
	if outcome == oracle.AcceptedWithGap {
		e.logger.Warn().Str("market_id", evt.Market).Int64("last", prev.Sequence).
			Int64("got", evt.PriceSequence).Msg("price sequence gap")
	}
	p.tx.PutQuote(evt.Market, quote)
	p.receipt.Amount = evt.Price
	return nil
}

// handleListMarket creates a market with the default config.
func (e *Engine) handleListMarket(p *proposal, evt *event.ListMarket) error {
	if evt.Market == "" || evt.Asset == "" {
		return fmt.Errorf("market id and asset are required: %w", ledger.ErrInvalidConfig)
	}
	if _, ok := p.tx.Market(evt.Market); ok {
		return fmt.Errorf("market %q already listed: %w", evt.Market, ledger.ErrInvalidConfig)
	}
	cfg := state.DefaultMarketConfig()
	if err := state.ValidateMarketConfig(evt.Kind, cfg, p.tx.Global()); err != nil {
		return err
	}
	p.tx.ListMarket(ledger.NewMarket(evt.Market, evt.Kind, evt.Asset, evt.Block), cfg)
	return nil
}

// handleSetMarketParam sets one parameter. The market accrues under the old
// config first.
func (e *Engine) handleSetMarketParam(p *proposal, evt *event.SetMarketParam) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	next := cfg.With(evt.Param, evt.Value)
	if err := state.ValidateMarketConfig(m.Kind, next, p.tx.Global()); err != nil {
		return err
	}
	p.tx.PutConfig(evt.Market, next)
	return nil
}

func (e *Engine) handleSetPause(p *proposal, evt *event.SetPause) error {
	_, cfg, err := p.market(evt.Market)
	if err != nil {
		return err
	}
	cfg.Paused = cfg.Paused.With(evt.Action, evt.Paused)
	p.tx.PutConfig(evt.Market, cfg)
	return nil
}

// handleSetGlobalParam sets the liquidation incentive or close factor. A new
// incentive must keep every market's collateral factor liquidation-safe.
func (e *Engine) handleSetGlobalParam(p *proposal, evt *event.SetGlobalParam) error {
	g := p.tx.Global().With(evt.Param, evt.Value)
	if err := state.ValidateGlobalConfig(g); err != nil {
		return err
	}
	if evt.Param == state.ParamLiquidationIncentive {
		for _, id := range p.tx.MarketIDs() {
			cfg, _ := p.tx.Config(id)
			if err := state.CheckLiquidationSafety(cfg.CollateralFactor, g.LiquidationIncentive); err != nil {
				return fmt.Errorf("market %s: %w", id, err)
			}
		}
	}
	p.tx.PutGlobal(g)
	return nil
}

func (e *Engine) handleSetLiquidationPaused(p *proposal, evt *event.SetLiquidationPaused) error {
	g := p.tx.Global()
	g.LiquidationPaused = evt.Paused
	p.tx.PutGlobal(g)
	return nil
}

// handleSetRateModel swaps the interest rate model after accruing at the
// old rate.
func (e *Engine) handleSetRateModel(p *proposal, evt *event.SetRateModel) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	cfg.RateModel = evt.Model
	if err := state.ValidateMarketConfig(m.Kind, cfg, p.tx.Global()); err != nil {
		return err
	}
	p.tx.PutConfig(evt.Market, cfg)
	return nil
}

// handleWithdrawReserves moves standard market reserves to the treasury.
func (e *Engine) handleWithdrawReserves(p *proposal, evt *event.WithdrawReserves) error {
	m, _, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	next, err := ledger.WithdrawReserves(m, evt.Amount)
	if err != nil {
		return err
	}
	p.tx.PutMarket(next)

	p.batch.Add(ledger.Journal{
		From:        ledger.MarketCash(next.ID),
		To:          ledger.Treasury(next.Asset),
		MarketID:    next.ID,
		Asset:       next.Asset,
		Amount:      evt.Amount,
		JournalType: ledger.JournalTypeReserveWithdrawal,
	})
	p.receipt.Amount = evt.Amount
	return nil
}

// handleWithdrawSyntheticReserves mints synthetic equity to the treasury.
// Every market of the asset accrues first so equity is current.
func (e *Engine) handleWithdrawSyntheticReserves(p *proposal, evt *event.WithdrawSyntheticReserves) error {
	if err := p.accrueSynthetic(evt.Asset); err != nil {
		return err
	}
	book, err := p.tx.Synthetic(evt.Asset).WithdrawReserves(evt.Amount)
	if err != nil {
		return err
	}
	p.tx.PutSynthetic(book)

	p.batch.Add(ledger.Journal{
		From:        ledger.Issuer(evt.Asset),
		To:          ledger.Treasury(evt.Asset),
		Asset:       evt.Asset,
		Amount:      evt.Amount,
		JournalType: ledger.JournalTypeReserveWithdrawal,
	})
	p.receipt.Amount = evt.Amount
	return nil
}
