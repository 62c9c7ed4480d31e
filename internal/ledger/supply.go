package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// Mint deposits amount and returns the shares minted,
// floor(amount * SCALE / exchangeRate).
func Mint(m Market, cfg Config, amount uint256.Int) (Market, uint256.Int, error) {
	if m.Kind == KindSyntheticBorrow {
		return m, fpmath.Zero(), fmt.Errorf("mint into %s market %s: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if err := checkPaused(cfg, ActionMint); err != nil {
		return m, fpmath.Zero(), err
	}
	if !fpmath.ValidAmount(amount) {
		return m, fpmath.Zero(), fmt.Errorf("mint amount %s: %w", amount.Dec(), ErrInvalidAmount)
	}

	supplied := fpmath.Add(m.TotalSupplied(), amount)
	if fpmath.Gt(supplied, cfg.SupplyCapacity) {
		return m, fpmath.Zero(), fmt.Errorf("supply %s over capacity %s: %w",
			supplied.Dec(), cfg.SupplyCapacity.Dec(), ErrCapacityExceeded)
	}

	shares := fpmath.DivScale(amount, m.ExchangeRate(), fpmath.RoundDown)
	if shares.IsZero() {
		return m, shares, fmt.Errorf("mint amount %s buys no shares: %w", amount.Dec(), ErrInvalidAmount)
	}

	if m.Kind == KindStandard {
		m.Cash = fpmath.Add(m.Cash, amount)
	}
	m.TotalShares = fpmath.Add(m.TotalShares, shares)
	return m, shares, nil
}

// Redeem burns shares and returns the underlying paid out,
// floor(shares * exchangeRate / SCALE).
func Redeem(m Market, cfg Config, shares uint256.Int) (Market, uint256.Int, error) {
	if err := checkRedeem(m, cfg, shares); err != nil {
		return m, fpmath.Zero(), err
	}

	underlying := m.SharesToUnderlying(shares)
	if underlying.IsZero() {
		return m, underlying, fmt.Errorf("redeeming %s shares returns nothing: %w", shares.Dec(), ErrInvalidAmount)
	}
	return payOut(m, shares, underlying)
}

// RedeemUnderlying pays out amount and returns the shares burned,
// ceil(amount * SCALE / exchangeRate).
func RedeemUnderlying(m Market, cfg Config, amount uint256.Int) (Market, uint256.Int, error) {
	if !fpmath.ValidAmount(amount) {
		return m, fpmath.Zero(), fmt.Errorf("redeem amount %s: %w", amount.Dec(), ErrInvalidAmount)
	}
	shares := fpmath.DivScale(amount, m.ExchangeRate(), fpmath.RoundUp)
	if err := checkRedeem(m, cfg, shares); err != nil {
		return m, fpmath.Zero(), err
	}

	m, _, err := payOut(m, shares, amount)
	return m, shares, err
}

func checkRedeem(m Market, cfg Config, shares uint256.Int) error {
	if m.Kind == KindSyntheticBorrow {
		return fmt.Errorf("redeem from %s market %s: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if err := checkPaused(cfg, ActionRedeem); err != nil {
		return err
	}
	if !fpmath.ValidAmount(shares) {
		return fmt.Errorf("redeem shares %s: %w", shares.Dec(), ErrInvalidAmount)
	}
	if fpmath.Gt(shares, m.TotalShares) {
		return fmt.Errorf("redeem %s of %s shares: %w", shares.Dec(), m.TotalShares.Dec(), ErrInsufficientBalance)
	}
	return nil
}

func payOut(m Market, shares, underlying uint256.Int) (Market, uint256.Int, error) {
	if m.Kind == KindStandard {
		if fpmath.Gt(underlying, m.Cash) {
			return m, fpmath.Zero(), fmt.Errorf("withdraw %s with cash %s: %w",
				underlying.Dec(), m.Cash.Dec(), ErrInsufficientLiquidity)
		}
		m.Cash = fpmath.Sub(m.Cash, underlying)
	}
	m.TotalShares = fpmath.Sub(m.TotalShares, shares)
	return m, underlying, nil
}

// CheckTransfer rejects share transfers on a paused or synthetic-borrow market.
func CheckTransfer(m Market, cfg Config, shares uint256.Int) error {
	if m.Kind == KindSyntheticBorrow {
		return fmt.Errorf("transfer on %s market %s: %w", m.Kind, m.ID, ErrUnsupportedOperation)
	}
	if err := checkPaused(cfg, ActionTransfer); err != nil {
		return err
	}
	if !fpmath.ValidAmount(shares) {
		return fmt.Errorf("transfer shares %s: %w", shares.Dec(), ErrInvalidAmount)
	}
	return nil
}
