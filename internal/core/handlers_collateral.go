package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"
)

// handleEnterMarkets counts the listed markets as collateral. Entering a
// market twice is a no-op.
func (e *Engine) handleEnterMarkets(p *proposal, evt *event.EnterMarkets) error {
	if len(evt.Markets) == 0 {
		return fmt.Errorf("enter no markets: %w", ledger.ErrInvalidAmount)
	}
	acct := p.tx.Account(evt.UserID)
	for _, id := range evt.Markets {
		if _, _, err := p.market(id); err != nil {
			return err
		}
		acct.CollateralMarkets = acct.CollateralMarkets.Add(id)
	}
	p.tx.PutAccount(acct)
	return nil
}

// handleExitMarkets stops counting markets as collateral. All markets exit
// or none do. A market with outstanding debt cannot be exited, and the exit
// may not create or deepen a shortfall.
func (e *Engine) handleExitMarkets(p *proposal, evt *event.ExitMarkets) error {
	if len(evt.Markets) == 0 {
		return fmt.Errorf("exit no markets: %w", ledger.ErrInvalidAmount)
	}
	for _, id := range evt.Markets {
		m, _, err := p.accrue(id)
		if err != nil {
			return err
		}
		if debt := p.tx.Position(evt.UserID, id).CurrentDebt(m); !debt.IsZero() {
			return fmt.Errorf("exit %s with debt %s outstanding: %w", id, debt.Dec(), ledger.ErrInsufficientCollateral)
		}
	}

	pre := p.equity(evt.UserID)
	acct := p.tx.Account(evt.UserID)
	for _, id := range evt.Markets {
		acct.CollateralMarkets = acct.CollateralMarkets.Remove(id)
	}
	p.tx.PutAccount(acct)
	return risk.CheckShortfall(pre, p.equity(evt.UserID))
}

// handleLiquidateBorrow repays part of an underwater borrower's debt and
// pays the liquidator in the borrower's collateral shares plus incentive.
func (e *Engine) handleLiquidateBorrow(p *proposal, evt *event.LiquidateBorrow) error {
	if evt.Liquidator == evt.Borrower {
		return fmt.Errorf("liquidator %s: %w", evt.Liquidator, ledger.ErrSelfLiquidation)
	}
	if !fpmath.ValidAmount(evt.Amount) && !fpmath.Eq(evt.Amount, fpmath.Infinite) {
		return fmt.Errorf("liquidation amount %s: %w", fpmath.String(evt.Amount), ledger.ErrInvalidAmount)
	}
	g := p.tx.Global()
	if g.LiquidationPaused {
		return fmt.Errorf("liquidation: %w", ledger.ErrPaused)
	}

	repayMarket, _, err := p.accrue(evt.RepayMarket)
	if err != nil {
		return err
	}
	collateralMarket, _, err := p.accrue(evt.CollateralMarket)
	if err != nil {
		return err
	}
	// Only pooled deposits back borrows; savings and synthetic shares are
	// never seized.
	if collateralMarket.Kind != ledger.KindStandard {
		return fmt.Errorf("seize %s market %s: %w", collateralMarket.Kind, evt.CollateralMarket, ledger.ErrUnsupportedOperation)
	}
	priceRepay := p.tx.Price(evt.RepayMarket)
	priceCollateral := p.tx.Price(evt.CollateralMarket)
	if priceRepay.IsZero() || priceCollateral.IsZero() {
		return fmt.Errorf("liquidate %s against %s: %w", evt.RepayMarket, evt.CollateralMarket, ledger.ErrPriceUnavailable)
	}
	if !p.tx.Account(evt.Borrower).CollateralMarkets.Contains(evt.CollateralMarket) {
		return fmt.Errorf("borrower has not entered %s: %w", evt.CollateralMarket, ledger.ErrMarketNotEntered)
	}
	if pre := p.equity(evt.Borrower); !pre.HasShortfall() {
		return fmt.Errorf("borrower %s: %w", evt.Borrower, ledger.ErrNoShortfall)
	}

	debt := p.tx.Position(evt.Borrower, evt.RepayMarket).CurrentDebt(repayMarket)
	repay := fpmath.Min(evt.Amount, risk.MaxRepay(debt, g.CloseFactor))
	if repay.IsZero() {
		return fmt.Errorf("nothing repayable of debt %s: %w", debt.Dec(), ledger.ErrInvalidAmount)
	}
	applied, err := p.repay(evt.Liquidator, evt.Borrower, evt.RepayMarket, repay, ledger.JournalTypeLiquidationRepay)
	if err != nil {
		return err
	}

	collateral, _, _ := p.market(evt.CollateralMarket)
	seize, err := risk.SeizeShares(applied, priceRepay, priceCollateral, collateral.ExchangeRate(), g.LiquidationIncentive)
	if err != nil {
		return err
	}
	borrowerPos := p.tx.Position(evt.Borrower, evt.CollateralMarket)
	if fpmath.Gt(seize, borrowerPos.Shares) {
		return fmt.Errorf("seize %s shares, borrower holds %s: %w", seize.Dec(), borrowerPos.Shares.Dec(), ledger.ErrSeizeTooMuch)
	}
	if seize.IsZero() {
		return fmt.Errorf("repay %s seizes no shares: %w", applied.Dec(), ledger.ErrInvalidAmount)
	}
	liquidatorPos := p.tx.Position(evt.Liquidator, evt.CollateralMarket)
	borrowerPos.Shares = fpmath.Sub(borrowerPos.Shares, seize)
	liquidatorPos.Shares = fpmath.Add(liquidatorPos.Shares, seize)
	p.tx.PutPosition(borrowerPos)
	p.tx.PutPosition(liquidatorPos)

	p.receipt.Amount = applied
	p.receipt.Shares = seize
	return nil
}
