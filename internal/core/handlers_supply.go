package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"
)

// handleMint deposits underlying (or burns synthetic units into a savings
// market) and credits the minted shares.
func (e *Engine) handleMint(p *proposal, evt *event.Mint) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	next, shares, err := ledger.Mint(m, cfg.Config, evt.Amount)
	if err != nil {
		return err
	}

	pos := p.tx.Position(evt.UserID, evt.Market)
	pos.Shares = fpmath.Add(pos.Shares, shares)
	p.tx.PutMarket(next)
	p.tx.PutPosition(pos)

	p.batch.Add(ledger.MoveIn(next, wallet(evt.UserID, next), evt.Amount, supplyJournal(next)))
	p.receipt.Amount = evt.Amount
	p.receipt.Shares = shares
	return nil
}

// handleRedeem burns shares for underlying. Redeeming collateral may not
// create or deepen a shortfall.
func (e *Engine) handleRedeem(p *proposal, evt *event.Redeem) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	pos := p.tx.Position(evt.UserID, evt.Market)
	if fpmath.Gt(evt.Shares, pos.Shares) {
		return fmt.Errorf("redeem %s shares, account holds %s: %w",
			fpmath.String(evt.Shares), pos.Shares.Dec(), ledger.ErrInsufficientBalance)
	}

	pre := p.equity(evt.UserID)
	next, underlying, err := ledger.Redeem(m, cfg.Config, evt.Shares)
	if err != nil {
		return err
	}
	pos.Shares = fpmath.Sub(pos.Shares, evt.Shares)
	p.tx.PutMarket(next)
	p.tx.PutPosition(pos)
	if err := risk.CheckShortfall(pre, p.equity(evt.UserID)); err != nil {
		return err
	}

	p.batch.Add(ledger.MoveOut(next, wallet(evt.UserID, next), underlying, redeemJournal(next)))
	p.receipt.Amount = underlying
	p.receipt.Shares = evt.Shares
	return nil
}

// handleRedeemUnderlying pays out an exact underlying amount, burning the
// shares it costs rounded up.
func (e *Engine) handleRedeemUnderlying(p *proposal, evt *event.RedeemUnderlying) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}

	pre := p.equity(evt.UserID)
	next, shares, err := ledger.RedeemUnderlying(m, cfg.Config, evt.Amount)
	if err != nil {
		return err
	}
	pos := p.tx.Position(evt.UserID, evt.Market)
	if fpmath.Gt(shares, pos.Shares) {
		return fmt.Errorf("redeem %s costs %s shares, account holds %s: %w",
			fpmath.String(evt.Amount), shares.Dec(), pos.Shares.Dec(), ledger.ErrInsufficientBalance)
	}
	pos.Shares = fpmath.Sub(pos.Shares, shares)
	p.tx.PutMarket(next)
	p.tx.PutPosition(pos)
	if err := risk.CheckShortfall(pre, p.equity(evt.UserID)); err != nil {
		return err
	}

	p.batch.Add(ledger.MoveOut(next, wallet(evt.UserID, next), evt.Amount, redeemJournal(next)))
	p.receipt.Amount = evt.Amount
	p.receipt.Shares = shares
	return nil
}

// handleTransfer moves shares between accounts. Only the sender is gated:
// receiving shares never lowers an account's collateral.
func (e *Engine) handleTransfer(p *proposal, evt *event.Transfer) error {
	if evt.From == evt.To {
		return fmt.Errorf("transfer to self: %w", ledger.ErrInvalidAmount)
	}
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	if err := ledger.CheckTransfer(m, cfg.Config, evt.Shares); err != nil {
		return err
	}
	from := p.tx.Position(evt.From, evt.Market)
	if fpmath.Gt(evt.Shares, from.Shares) {
		return fmt.Errorf("transfer %s shares, account holds %s: %w",
			fpmath.String(evt.Shares), from.Shares.Dec(), ledger.ErrInsufficientBalance)
	}

	pre := p.equity(evt.From)
	to := p.tx.Position(evt.To, evt.Market)
	from.Shares = fpmath.Sub(from.Shares, evt.Shares)
	to.Shares = fpmath.Add(to.Shares, evt.Shares)
	p.tx.PutPosition(from)
	p.tx.PutPosition(to)
	if err := risk.CheckShortfall(pre, p.equity(evt.From)); err != nil {
		return err
	}

	p.receipt.Shares = evt.Shares
	p.receipt.Amount = m.SharesToUnderlying(evt.Shares)
	return nil
}
