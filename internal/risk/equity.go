package risk

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Equity is the cross-market valuation of one account. Values are in quote
// units: an amount of underlying times its SCALE-denominated price.
type Equity struct {
	CollateralValue uint256.Int
	BorrowedValue   uint256.Int
	ValidBorrowed   uint256.Int // collateral left after covering borrows
	Shortfall       uint256.Int // borrows not covered by collateral
}

var scaleCubed = fpmath.Mul(fpmath.Mul(fpmath.Scale, fpmath.Scale), fpmath.Scale)

// HasShortfall reports shortfall > 0.
func (e Equity) HasShortfall() bool {
	return !e.Shortfall.IsZero()
}

// HealthFactor is collateralValue / borrowedValue, or math.Infinite when
// nothing is borrowed.
func (e Equity) HealthFactor() uint256.Int {
	if e.BorrowedValue.IsZero() {
		return fpmath.Infinite
	}
	return fpmath.MulDiv(e.CollateralValue, fpmath.Scale, e.BorrowedValue, fpmath.RoundDown)
}

// CollateralValue values shares of a standard market:
// shares * exchangeRate * price * collateralFactor / SCALE³, rounded down
// once. Other market kinds carry no collateral value.
func CollateralValue(m ledger.Market, cfg ledger.Config, shares, price uint256.Int) uint256.Int {
	if m.Kind != ledger.KindStandard || shares.IsZero() || price.IsZero() || cfg.CollateralFactor.IsZero() {
		return fpmath.Zero()
	}
	held, heldFits := fpmath.MulFits(shares, m.ExchangeRate())
	weight, weightFits := fpmath.MulFits(price, cfg.CollateralFactor)
	if heldFits && weightFits {
		return fpmath.MulDiv(held, weight, scaleCubed, fpmath.RoundDown)
	}
	underlying := m.SharesToUnderlying(shares)
	value := fpmath.MulDiv(underlying, price, fpmath.Scale, fpmath.RoundDown)
	return fpmath.MulScale(value, cfg.CollateralFactor, fpmath.RoundDown)
}

// BorrowedValue values debt: debt * price / borrowFactor, rounded up so
// debt is never understated.
func BorrowedValue(cfg ledger.Config, debt, price uint256.Int) uint256.Int {
	if debt.IsZero() || price.IsZero() {
		return fpmath.Zero()
	}
	return fpmath.MulDiv(debt, price, cfg.BorrowFactor, fpmath.RoundUp)
}

// AccountEquity sums collateral over the account's collateral markets and
// borrows over its borrowed markets at the reader's last accepted prices.
func AccountEquity(r state.Reader, userID uuid.UUID) Equity {
	return AccountEquityAt(r, r, userID)
}

// AccountEquityAt values the account's positions in r at the given prices.
func AccountEquityAt(r state.Reader, prices oracle.PriceOracle, userID uuid.UUID) Equity {
	acct := r.Account(userID)

	var collateral, borrowed uint256.Int
	for _, id := range acct.CollateralMarkets {
		m, ok := r.Market(id)
		if !ok {
			continue
		}
		cfg, _ := r.Config(id)
		pos := r.Position(userID, id)
		collateral = fpmath.Add(collateral, CollateralValue(m, cfg.Config, pos.Shares, prices.Price(id)))
	}
	for _, id := range acct.BorrowedMarkets {
		m, ok := r.Market(id)
		if !ok {
			continue
		}
		cfg, _ := r.Config(id)
		pos := r.Position(userID, id)
		borrowed = fpmath.Add(borrowed, BorrowedValue(cfg.Config, pos.CurrentDebt(m), prices.Price(id)))
	}
	return NewEquity(collateral, borrowed)
}

// NewEquity derives validBorrowed and shortfall from the two sums.
func NewEquity(collateral, borrowed uint256.Int) Equity {
	e := Equity{CollateralValue: collateral, BorrowedValue: borrowed}
	if fpmath.Gte(collateral, borrowed) {
		e.ValidBorrowed = fpmath.Sub(collateral, borrowed)
	} else {
		e.Shortfall = fpmath.Sub(borrowed, collateral)
	}
	return e
}

// CheckShortfall gates an operation on the account's pre and post state.
// It rejects an operation that creates a shortfall or deepens an existing
// one; keeping or shrinking an existing shortfall is allowed.
func CheckShortfall(pre, post Equity) error {
	if !post.HasShortfall() {
		return nil
	}
	if !pre.HasShortfall() {
		return fmt.Errorf("shortfall %s after operation: %w", fpmath.String(post.Shortfall), ledger.ErrInsufficientCollateral)
	}
	if fpmath.Gt(post.Shortfall, pre.Shortfall) {
		return fmt.Errorf("shortfall grows %s -> %s: %w",
			fpmath.String(pre.Shortfall), fpmath.String(post.Shortfall), ledger.ErrInsufficientCollateral)
	}
	return nil
}
