package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// Debt is an account's borrow snapshot in one market.
type Debt struct {
	Principal     uint256.Int
	IndexSnapshot uint256.Int
}

// Current returns principal * debtIndex / indexSnapshot.
func (d Debt) Current(debtIndex uint256.Int) uint256.Int {
	if d.Principal.IsZero() || d.IndexSnapshot.IsZero() {
		return d.Principal
	}
	return fpmath.MulDiv(d.Principal, debtIndex, d.IndexSnapshot, fpmath.RoundDown)
}

// Borrow lends amount against the market. The account's debt is rolled
// forward to the current index before amount is added. A zero amount only
// compounds the existing debt.
func Borrow(m Market, cfg Config, debt Debt, amount uint256.Int) (Market, Debt, error) {
	if m.Kind == KindSavings {
		return m, debt, fmt.Errorf("borrow from %s market %s: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if err := checkPaused(cfg, ActionBorrow); err != nil {
		return m, debt, err
	}
	if fpmath.Gt(amount, fpmath.MaxAmount) {
		return m, debt, fmt.Errorf("borrow amount %s: %w", amount.Dec(), ErrInvalidAmount)
	}

	if !amount.IsZero() {
		if m.Kind == KindStandard && fpmath.Gt(amount, m.Cash) {
			return m, debt, fmt.Errorf("borrow %s with cash %s: %w", amount.Dec(), m.Cash.Dec(), ErrInsufficientLiquidity)
		}
		total := fpmath.Add(m.TotalDebt, amount)
		if fpmath.Gt(total, cfg.BorrowCapacity) {
			return m, debt, fmt.Errorf("borrows %s over capacity %s: %w",
				total.Dec(), cfg.BorrowCapacity.Dec(), ErrCapacityExceeded)
		}
	}

	next := Debt{
		Principal:     fpmath.Add(debt.Current(m.DebtIndex), amount),
		IndexSnapshot: m.DebtIndex,
	}
	if m.Kind == KindStandard {
		m.Cash = fpmath.Sub(m.Cash, amount)
	}
	m.TotalDebt = fpmath.Add(m.TotalDebt, amount)
	return m, next, nil
}

// Repay applies min(amount, current debt). Any amount at or above the
// outstanding debt is a full repayment; the applied amount is returned.
func Repay(m Market, debt Debt, amount uint256.Int) (Market, Debt, uint256.Int, error) {
	if m.Kind == KindSavings {
		return m, debt, fpmath.Zero(), fmt.Errorf("repay to %s market %s: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if amount.IsZero() {
		return m, debt, amount, fmt.Errorf("repay amount 0: %w", ErrInvalidAmount)
	}

	current := debt.Current(m.DebtIndex)
	if current.IsZero() {
		return m, debt, current, fmt.Errorf("no debt outstanding in %s: %w", m.ID, ErrInvalidAmount)
	}

	applied := fpmath.Min(amount, current)
	next := Debt{
		Principal:     fpmath.Sub(current, applied),
		IndexSnapshot: m.DebtIndex,
	}
	if m.Kind == KindStandard {
		m.Cash = fpmath.Add(m.Cash, applied)
	}
	// Individual debts round down, so their sum can trail totalDebt by dust
	// but never exceed it; the floor guards the last repayment.
	m.TotalDebt = fpmath.SubFloor(m.TotalDebt, applied)
	return m, next, applied, nil
}
