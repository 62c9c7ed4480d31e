package synthetic

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// Ledger is the aggregate debt/earning book shared by every borrow-only and
// savings market of one synthetic asset.
//
// TotalDebt collects the interest accrued by borrow-only markets; borrowed
// principal is matched one-for-one by minted supply and never enters the
// book. TotalEarning collects what has been promised to savers plus what
// governance has withdrawn, so Equity is the unallocated interest.
type Ledger struct {
	Asset        string
	TotalDebt    uint256.Int
	TotalEarning uint256.Int
}

// New returns an empty ledger for asset.
func New(asset string) Ledger {
	return Ledger{Asset: asset}
}

// Equity is totalDebt - totalEarning.
func (l Ledger) Equity() uint256.Int {
	return fpmath.SubFloor(l.TotalDebt, l.TotalEarning)
}

// ContributeDebt books interest accrued on a borrow-only market.
func (l Ledger) ContributeDebt(interest uint256.Int) Ledger {
	l.TotalDebt = fpmath.Add(l.TotalDebt, interest)
	return l
}

// ContributeEarning books savings interest. The credit never exceeds equity;
// callers cap the savings accrual with Equity first, so a larger earning is a
// bug.
func (l Ledger) ContributeEarning(earning uint256.Int) (Ledger, error) {
	if fpmath.Gt(earning, l.Equity()) {
		return l, fmt.Errorf("synthetic %s: earning %s exceeds equity %s", l.Asset, earning.Dec(), fpmath.String(l.Equity()))
	}
	l.TotalEarning = fpmath.Add(l.TotalEarning, earning)
	return l, nil
}

// WithdrawReserves removes amount of equity from the ledger.
func (l Ledger) WithdrawReserves(amount uint256.Int) (Ledger, error) {
	if !fpmath.ValidAmount(amount) {
		return l, fmt.Errorf("synthetic reserve withdrawal %s: %w", amount.Dec(), ledger.ErrInvalidAmount)
	}
	if fpmath.Gt(amount, l.Equity()) {
		return l, fmt.Errorf("withdraw %s of %s equity %s: %w", amount.Dec(), l.Asset, fpmath.String(l.Equity()), ledger.ErrInsufficientReserve)
	}
	l.TotalEarning = fpmath.Add(l.TotalEarning, amount)
	return l, nil
}

// Validate checks totalEarning <= totalDebt.
func (l Ledger) Validate() error {
	if fpmath.Gt(l.TotalEarning, l.TotalDebt) {
		return fmt.Errorf("synthetic %s: earning %s exceeds debt %s", l.Asset, l.TotalEarning.Dec(), l.TotalDebt.Dec())
	}
	return nil
}
