package state

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/ratemodel"

	"github.com/holiman/uint256"
)

// MarketConfig is everything governance controls about one market.
type MarketConfig struct {
	ledger.Config
	RateModel ratemodel.Config
}

// DefaultMarketConfig is the config of a freshly listed market.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		Config:    ledger.DefaultConfig(),
		RateModel: ratemodel.Zero(),
	}
}

// GlobalConfig holds the protocol-wide liquidation parameters.
type GlobalConfig struct {
	LiquidationIncentive uint256.Int
	CloseFactor          uint256.Int
	LiquidationPaused    bool
}

// DefaultGlobalConfig: 10% liquidation bonus, full close factor.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		LiquidationIncentive: fpmath.Fraction(11, 10),
		CloseFactor:          fpmath.Scale,
	}
}

// MarketParam names a single governance-settable market parameter.
type MarketParam int32

const (
	ParamCollateralFactor MarketParam = iota
	ParamBorrowFactor
	ParamReserveRatio
	ParamSupplyCapacity
	ParamBorrowCapacity
	ParamFlashloanFeeRatio
	ParamSavingsRate
)

func (p MarketParam) String() string {
	switch p {
	case ParamCollateralFactor:
		return "collateral_factor"
	case ParamBorrowFactor:
		return "borrow_factor"
	case ParamReserveRatio:
		return "reserve_ratio"
	case ParamSupplyCapacity:
		return "supply_capacity"
	case ParamBorrowCapacity:
		return "borrow_capacity"
	case ParamFlashloanFeeRatio:
		return "flashloan_fee_ratio"
	case ParamSavingsRate:
		return "savings_rate"
	default:
		return "unknown"
	}
}

// ParseMarketParam is the inverse of MarketParam.String.
func ParseMarketParam(s string) (MarketParam, error) {
	for p := ParamCollateralFactor; p <= ParamSavingsRate; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown market param %q", s)
}

// With returns a copy of c with p set to v.
func (c MarketConfig) With(p MarketParam, v uint256.Int) MarketConfig {
	switch p {
	case ParamCollateralFactor:
		c.CollateralFactor = v
	case ParamBorrowFactor:
		c.BorrowFactor = v
	case ParamReserveRatio:
		c.ReserveRatio = v
	case ParamSupplyCapacity:
		c.SupplyCapacity = v
	case ParamBorrowCapacity:
		c.BorrowCapacity = v
	case ParamFlashloanFeeRatio:
		c.FlashloanFeeRatio = v
	case ParamSavingsRate:
		c.SavingsRate = v
	}
	return c
}

// GlobalParam names a governance-settable protocol-wide parameter.
type GlobalParam int32

const (
	ParamLiquidationIncentive GlobalParam = iota
	ParamCloseFactor
)

func (p GlobalParam) String() string {
	switch p {
	case ParamLiquidationIncentive:
		return "liquidation_incentive"
	case ParamCloseFactor:
		return "close_factor"
	default:
		return "unknown"
	}
}

// ParseGlobalParam is the inverse of GlobalParam.String.
func ParseGlobalParam(s string) (GlobalParam, error) {
	switch s {
	case "liquidation_incentive":
		return ParamLiquidationIncentive, nil
	case "close_factor":
		return ParamCloseFactor, nil
	}
	return 0, fmt.Errorf("unknown global param %q", s)
}

// With returns a copy of g with p set to v.
func (g GlobalConfig) With(p GlobalParam, v uint256.Int) GlobalConfig {
	switch p {
	case ParamLiquidationIncentive:
		g.LiquidationIncentive = v
	case ParamCloseFactor:
		g.CloseFactor = v
	}
	return g
}

// ValidateMarketConfig bounds-checks a market config: ratios and factors in
// [0, SCALE], borrow factor > 0, collateral only on standard markets, and a
// collateral factor low enough that a liquidation always lowers shortfall.
func ValidateMarketConfig(kind ledger.Kind, c MarketConfig, g GlobalConfig) error {
	for _, f := range []struct {
		name string
		v    uint256.Int
	}{
		{"reserve_ratio", c.ReserveRatio},
		{"collateral_factor", c.CollateralFactor},
		{"borrow_factor", c.BorrowFactor},
		{"flashloan_fee_ratio", c.FlashloanFeeRatio},
	} {
		if fpmath.Gt(f.v, fpmath.Scale) {
			return fmt.Errorf("%s %s above 1: %w", f.name, fpmath.String(f.v), ledger.ErrInvalidConfig)
		}
	}
	if c.BorrowFactor.IsZero() {
		return fmt.Errorf("borrow_factor must be > 0: %w", ledger.ErrInvalidConfig)
	}
	if fpmath.Gt(c.SavingsRate, ratemodel.MaxRatePerBlock) {
		return fmt.Errorf("savings_rate %s above max %s: %w",
			fpmath.String(c.SavingsRate), fpmath.String(ratemodel.MaxRatePerBlock), ledger.ErrInvalidConfig)
	}
	if !c.CollateralFactor.IsZero() && kind != ledger.KindStandard {
		return fmt.Errorf("%s market cannot be collateral: %w", kind, ledger.ErrInvalidConfig)
	}
	if !c.SavingsRate.IsZero() && kind != ledger.KindSavings {
		return fmt.Errorf("savings_rate on %s market: %w", kind, ledger.ErrInvalidConfig)
	}
	if err := c.RateModel.Validate(); err != nil {
		return fmt.Errorf("rate model: %v: %w", err, ledger.ErrInvalidConfig)
	}
	return CheckLiquidationSafety(c.CollateralFactor, g.LiquidationIncentive)
}

// ValidateGlobalConfig bounds-checks the liquidation parameters.
func ValidateGlobalConfig(g GlobalConfig) error {
	if fpmath.Lte(g.LiquidationIncentive, fpmath.Scale) {
		return fmt.Errorf("liquidation_incentive %s must be above 1: %w", fpmath.String(g.LiquidationIncentive), ledger.ErrInvalidConfig)
	}
	if fpmath.Gt(g.LiquidationIncentive, fpmath.Units(2)) {
		return fmt.Errorf("liquidation_incentive %s above 2: %w", fpmath.String(g.LiquidationIncentive), ledger.ErrInvalidConfig)
	}
	if g.CloseFactor.IsZero() || fpmath.Gt(g.CloseFactor, fpmath.Scale) {
		return fmt.Errorf("close_factor %s outside (0, 1]: %w", fpmath.String(g.CloseFactor), ledger.ErrInvalidConfig)
	}
	return nil
}

// CheckLiquidationSafety requires collateralFactor * incentive < 1. Above
// that, seizing collateral removes more collateral value than the repaid
// debt value and liquidation deepens the shortfall.
func CheckLiquidationSafety(collateralFactor, incentive uint256.Int) error {
	if collateralFactor.IsZero() {
		return nil
	}
	if fpmath.Gte(fpmath.MulScale(collateralFactor, incentive, fpmath.RoundUp), fpmath.Scale) {
		return fmt.Errorf("collateral_factor %s with incentive %s: %w",
			fpmath.String(collateralFactor), fpmath.String(incentive), ledger.ErrInvalidConfig)
	}
	return nil
}
