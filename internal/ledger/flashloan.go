package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// FlashloanFee is amount * flashloanFeeRatio / SCALE.
func FlashloanFee(cfg Config, amount uint256.Int) uint256.Int {
	return fpmath.MulScale(amount, cfg.FlashloanFeeRatio, fpmath.RoundDown)
}

// MinFlashloanAmount is the smallest loan that pays a fee of at least one
// unit, ceil(SCALE / flashloanFeeRatio); 1 when flashloans are free.
func MinFlashloanAmount(cfg Config) uint256.Int {
	if cfg.FlashloanFeeRatio.IsZero() {
		return fpmath.U(1)
	}
	return fpmath.MulDiv(fpmath.Scale, fpmath.U(1), cfg.FlashloanFeeRatio, fpmath.RoundUp)
}

// CheckFlashloan validates a loan before cash leaves the market.
func CheckFlashloan(m Market, cfg Config, amount uint256.Int) error {
	if m.Kind != KindStandard {
		return fmt.Errorf("flashloan from %s market %s: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if err := checkPaused(cfg, ActionBorrow); err != nil {
		return err
	}
	if !fpmath.ValidAmount(amount) || fpmath.Lt(amount, MinFlashloanAmount(cfg)) {
		return fmt.Errorf("flashloan amount %s below minimum %s: %w",
			amount.Dec(), fpmath.String(MinFlashloanAmount(cfg)), ErrInvalidAmount)
	}
	if fpmath.Gt(amount, m.Cash) {
		return fmt.Errorf("flashloan %s with cash %s: %w", amount.Dec(), m.Cash.Dec(), ErrInsufficientLiquidity)
	}
	return nil
}

// SettleFlashloan books a loan whose receiver handed back repaid. Cash must
// end at least at originalCash + fee. Everything above amount is fee income:
// the reserve share goes to reserves and the rest lifts the exchange rate.
func SettleFlashloan(m Market, cfg Config, amount, repaid uint256.Int) (Market, uint256.Int, error) {
	if err := CheckFlashloan(m, cfg, amount); err != nil {
		return m, fpmath.Zero(), err
	}

	required := fpmath.Add(amount, FlashloanFee(cfg, amount))
	if fpmath.Lt(repaid, required) {
		return m, fpmath.Zero(), fmt.Errorf("repaid %s of required %s: %w", repaid.Dec(), required.Dec(), ErrFlashloanNotRepaid)
	}

	fee := fpmath.Sub(repaid, amount)
	m.Cash = fpmath.Add(m.Cash, fee)
	m.TotalReserves = fpmath.Add(m.TotalReserves, fpmath.MulScale(cfg.ReserveRatio, fee, fpmath.RoundDown))
	return m, fee, nil
}
