package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// handleBorrow lends against the account's collateral. Borrowing from a
// market without a price is refused: the debt could not be valued.
func (e *Engine) handleBorrow(p *proposal, evt *event.Borrow) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	pre := p.equity(evt.UserID)
	pos := p.tx.Position(evt.UserID, evt.Market)
	next, debt, err := ledger.Borrow(m, cfg.Config, pos.Debt, evt.Amount)
	if err != nil {
		return err
	}
	if fpmath.IsZero(p.tx.Price(evt.Market)) {
		return fmt.Errorf("borrow from %s: %w", evt.Market, ledger.ErrPriceUnavailable)
	}
	pos.Debt = debt
	p.tx.PutMarket(next)
	p.tx.PutPosition(pos)
	if !debt.Principal.IsZero() {
		acct := p.tx.Account(evt.UserID)
		acct.BorrowedMarkets = acct.BorrowedMarkets.Add(evt.Market)
		p.tx.PutAccount(acct)
	}
	if err := risk.CheckShortfall(pre, p.equity(evt.UserID)); err != nil {
		return err
	}

	p.batch.Add(ledger.MoveOut(next, wallet(evt.UserID, next), evt.Amount, ledger.JournalTypeBorrow))
	p.receipt.Amount = evt.Amount
	return nil
}

func (e *Engine) handleRepayBorrow(p *proposal, evt *event.RepayBorrow) error {
	applied, err := p.repay(evt.UserID, evt.UserID, evt.Market, evt.Amount, ledger.JournalTypeRepay)
	if err != nil {
		return err
	}
	p.receipt.Amount = applied
	return nil
}

func (e *Engine) handleRepayBorrowBehalf(p *proposal, evt *event.RepayBorrowBehalf) error {
	applied, err := p.repay(evt.Payer, evt.Borrower, evt.Market, evt.Amount, ledger.JournalTypeRepay)
	if err != nil {
		return err
	}
	p.receipt.Amount = applied
	return nil
}

// repay applies min(amount, debt) of payer's assets to borrower's debt and
// returns the applied amount. Repaying never needs a risk gate.
func (p *proposal) repay(payer, borrower uuid.UUID, marketID string, amount uint256.Int, jt ledger.JournalType) (uint256.Int, error) {
	m, _, err := p.accrue(marketID)
	if err != nil {
		return fpmath.Zero(), err
	}
	pos := p.tx.Position(borrower, marketID)
	next, debt, applied, err := ledger.Repay(m, pos.Debt, amount)
	if err != nil {
		return applied, err
	}
	pos.Debt = debt
	p.tx.PutMarket(next)
	p.tx.PutPosition(pos)
	if debt.Principal.IsZero() {
		acct := p.tx.Account(borrower)
		acct.BorrowedMarkets = acct.BorrowedMarkets.Remove(marketID)
		p.tx.PutAccount(acct)
	}

	p.batch.Add(ledger.MoveIn(next, ledger.UserWallet(payer, next.Asset), applied, jt))
	return applied, nil
}

// handleFlashloan books a loan and its repayment in one command. The
// receiver already ran; the command carries what it returned.
func (e *Engine) handleFlashloan(p *proposal, evt *event.Flashloan) error {
	m, cfg, err := p.accrue(evt.Market)
	if err != nil {
		return err
	}
	next, fee, err := ledger.SettleFlashloan(m, cfg.Config, evt.Amount, evt.Repaid)
	if err != nil {
		return err
	}
	p.tx.PutMarket(next)

	p.batch.Add(ledger.MoveOut(next, wallet(evt.UserID, next), evt.Amount, ledger.JournalTypeFlashloanOut))
	p.batch.Add(ledger.MoveIn(next, wallet(evt.UserID, next), evt.Repaid, ledger.JournalTypeFlashloanIn))
	p.receipt.Amount = evt.Amount
	p.receipt.Fee = fee
	return nil
}
