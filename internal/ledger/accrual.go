package ledger

import (
	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// Accrual describes what one accrual step added.
type Accrual struct {
	Blocks        uint64
	RatePerBlock  uint256.Int
	Interest      uint256.Int
	ReservesAdded uint256.Int
}

// Accrue applies simple interest for the blocks elapsed since the last
// checkpoint:
//
//	interest  = rate * blocks * totalDebt / SCALE
//	reserves += reserveRatio * interest / SCALE
//	debtIndex += rate * blocks * debtIndex / SCALE
//
// A zero block delta (or a block behind the checkpoint) is a no-op.
// Savings markets accrue through AccrueSavings instead.
func Accrue(m Market, cfg Config, ratePerBlock uint256.Int, block uint64) (Market, Accrual) {
	if block <= m.LastAccrualBlock || m.Kind == KindSavings {
		return m, Accrual{}
	}

	blocks := block - m.LastAccrualBlock
	factor := fpmath.Mul(ratePerBlock, fpmath.U(blocks))

	interest := fpmath.MulScale(factor, m.TotalDebt, fpmath.RoundDown)
	reserves := fpmath.MulScale(cfg.ReserveRatio, interest, fpmath.RoundDown)
	indexDelta := fpmath.MulScale(factor, m.DebtIndex, fpmath.RoundDown)

	m.TotalDebt = fpmath.Add(m.TotalDebt, interest)
	m.TotalReserves = fpmath.Add(m.TotalReserves, reserves)
	m.DebtIndex = fpmath.Add(m.DebtIndex, indexDelta)
	m.LastAccrualBlock = block

	return m, Accrual{
		Blocks:        blocks,
		RatePerBlock:  ratePerBlock,
		Interest:      interest,
		ReservesAdded: reserves,
	}
}

// AccrueSavings grows a savings market's exchange rate by savingsRate per
// block. The earning it creates is capped at earningCap (the synthetic
// ledger's equity) and the index grows only by what was actually credited.
// It returns the earning to contribute to the synthetic ledger.
func AccrueSavings(m Market, cfg Config, block uint64, earningCap uint256.Int) (Market, uint256.Int) {
	if block <= m.LastAccrualBlock || m.Kind != KindSavings {
		return m, fpmath.Zero()
	}

	blocks := block - m.LastAccrualBlock
	m.LastAccrualBlock = block
	if m.TotalShares.IsZero() || cfg.SavingsRate.IsZero() {
		return m, fpmath.Zero()
	}

	factor := fpmath.Mul(cfg.SavingsRate, fpmath.U(blocks))
	value := m.TotalSupplied()
	earning := fpmath.Min(fpmath.MulScale(factor, value, fpmath.RoundDown), earningCap)
	if earning.IsZero() {
		return m, earning
	}

	// index += earning / totalShares, rounded down so holders are never
	// credited more than the ledger recorded.
	indexDelta := fpmath.MulDiv(earning, fpmath.Scale, m.TotalShares, fpmath.RoundDown)
	m.SavingsIndex = fpmath.Add(m.SavingsIndex, indexDelta)
	return m, earning
}
