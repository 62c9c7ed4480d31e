package risk

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// MaxRepay is the most a single liquidation may repay: closeFactor * debt.
func MaxRepay(debt, closeFactor uint256.Int) uint256.Int {
	return fpmath.MulScale(debt, closeFactor, fpmath.RoundDown)
}

// SeizeShares converts a repaid amount into collateral shares:
//
//	repay * priceRepay * incentive / (priceCollateral * exchangeRate)
//
// rounded down once. Both products fit in 256 bits for any price and
// exchange rate below 2^128; beyond that the two sides are scaled down to
// SCALE before dividing.
func SeizeShares(repay, priceRepay, priceCollateral, exchangeRate, incentive uint256.Int) (uint256.Int, error) {
	if priceCollateral.IsZero() || exchangeRate.IsZero() {
		return fpmath.Zero(), fmt.Errorf("collateral priced at zero: %w", ledger.ErrPriceUnavailable)
	}
	num, numFits := fpmath.MulFits(incentive, priceRepay)
	den, denFits := fpmath.MulFits(priceCollateral, exchangeRate)
	if !numFits || !denFits {
		num = fpmath.MulDiv(incentive, priceRepay, fpmath.Scale, fpmath.RoundDown)
		den = fpmath.MulDiv(priceCollateral, exchangeRate, fpmath.Scale, fpmath.RoundUp)
	}
	return fpmath.MulDiv(repay, num, den, fpmath.RoundDown), nil
}
