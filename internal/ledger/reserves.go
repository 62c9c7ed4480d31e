package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// WithdrawReserves takes amount out of a standard market's reserves.
func WithdrawReserves(m Market, amount uint256.Int) (Market, error) {
	if m.Kind != KindStandard {
		return m, fmt.Errorf("reserves of %s market %s are held by the synthetic ledger: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if !fpmath.ValidAmount(amount) {
		return m, fmt.Errorf("reserve withdrawal %s: %w", amount.Dec(), ErrInvalidAmount)
	}
	if fpmath.Gt(amount, m.TotalReserves) {
		return m, fmt.Errorf("withdraw %s of reserves %s: %w", amount.Dec(), m.TotalReserves.Dec(), ErrInsufficientReserve)
	}
	if fpmath.Gt(amount, m.Cash) {
		return m, fmt.Errorf("withdraw %s with cash %s: %w", amount.Dec(), m.Cash.Dec(), ErrInsufficientLiquidity)
	}

	m.TotalReserves = fpmath.Sub(m.TotalReserves, amount)
	m.Cash = fpmath.Sub(m.Cash, amount)
	return m, nil
}
