package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"
)

// ValidateMarket checks the invariants every committed market must hold.
// A violation means a bug in this package, not a bad command.
func ValidateMarket(m Market) error {
	if fpmath.Gt(m.TotalReserves, fpmath.Add(m.Cash, m.TotalDebt)) {
		return fmt.Errorf("market %s: reserves %s exceed cash %s + debt %s",
			m.ID, m.TotalReserves.Dec(), m.Cash.Dec(), m.TotalDebt.Dec())
	}
	if fpmath.Lt(m.DebtIndex, fpmath.Scale) {
		return fmt.Errorf("market %s: debt index %s below 1", m.ID, m.DebtIndex.Dec())
	}
	if fpmath.Lt(m.SavingsIndex, fpmath.Scale) {
		return fmt.Errorf("market %s: savings index %s below 1", m.ID, m.SavingsIndex.Dec())
	}
	if m.Kind.IsSynthetic() && !m.Cash.IsZero() {
		return fmt.Errorf("market %s: %s market holds cash %s", m.ID, m.Kind, m.Cash.Dec())
	}
	if m.Kind == KindSyntheticBorrow && !m.TotalShares.IsZero() {
		return fmt.Errorf("market %s: borrow-only market has shares %s", m.ID, m.TotalShares.Dec())
	}
	return nil
}

// ValidateAccrual checks that an accrual step never lowered the exchange
// rate or the debt index.
func ValidateAccrual(before, after Market) error {
	if fpmath.Lt(after.DebtIndex, before.DebtIndex) {
		return fmt.Errorf("market %s: debt index fell %s -> %s", after.ID, before.DebtIndex.Dec(), after.DebtIndex.Dec())
	}
	if rb, ra := before.ExchangeRate(), after.ExchangeRate(); fpmath.Lt(ra, rb) {
		return fmt.Errorf("market %s: exchange rate fell %s -> %s", after.ID, rb.Dec(), ra.Dec())
	}
	return nil
}
