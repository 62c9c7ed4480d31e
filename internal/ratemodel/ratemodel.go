package ratemodel

import (
	"errors"
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

// RateModel returns the borrow interest rate per block for a market's
// current balances, scaled by SCALE.
type RateModel interface {
	RatePerBlock(cash, totalDebt, totalReserves uint256.Int) uint256.Int
}

// Kind selects the model implementation.
type Kind string

const (
	KindFixed    Kind = "fixed"
	KindJumpRate Kind = "jump_rate"
)

// MaxRatePerBlock bounds any model output (0.0005% per block).
var MaxRatePerBlock = fpmath.Fraction(5, 1_000_000)

var errInvalidModel = errors.New("invalid rate model")

// Config is the governance description of a market's rate model. Yearly
// parameters are converted to per block with BlocksPerYear, so the model
// is a pure function of its config.
type Config struct {
	Kind Kind

	// fixed
	RatePerBlock uint256.Int

	// jump_rate
	BaseRatePerYear       uint256.Int
	MultiplierPerYear     uint256.Int
	JumpMultiplierPerYear uint256.Int
	Kink                  uint256.Int
	BlocksPerYear         uint64
}

// Zero is the model of a freshly listed market: no interest.
func Zero() Config {
	return Config{Kind: KindFixed}
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindFixed:
		if fpmath.Gt(c.RatePerBlock, MaxRatePerBlock) {
			return fmt.Errorf("fixed rate %s above max %s: %w", c.RatePerBlock.Dec(), MaxRatePerBlock.Dec(), errInvalidModel)
		}
	case KindJumpRate:
		if c.BlocksPerYear == 0 {
			return fmt.Errorf("blocks per year must be > 0: %w", errInvalidModel)
		}
		if c.Kink.IsZero() || fpmath.Gt(c.Kink, fpmath.Scale) {
			return fmt.Errorf("kink %s outside (0, 1]: %w", c.Kink.Dec(), errInvalidModel)
		}
		for _, v := range []uint256.Int{c.BaseRatePerYear, c.MultiplierPerYear, c.JumpMultiplierPerYear} {
			if fpmath.Gt(v, fpmath.MaxAmount) {
				return fmt.Errorf("yearly rate %s too large: %w", v.Dec(), errInvalidModel)
			}
		}
	default:
		return fmt.Errorf("unknown kind %q: %w", c.Kind, errInvalidModel)
	}
	return nil
}

// IsInvalid reports whether err came from Config.Validate.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalidModel)
}

// New builds the model described by c.
func New(c Config) (RateModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Kind == KindFixed {
		return Fixed{Rate: c.RatePerBlock}, nil
	}
	blocks := fpmath.U(c.BlocksPerYear)
	return JumpRate{
		BaseRatePerBlock:       perBlock(c.BaseRatePerYear, blocks),
		MultiplierPerBlock:     perBlock(c.MultiplierPerYear, blocks),
		JumpMultiplierPerBlock: perBlock(c.JumpMultiplierPerYear, blocks),
		Kink:                   c.Kink,
	}, nil
}

// MustNew is New for configs already validated on the way into state.
func MustNew(c Config) RateModel {
	m, err := New(c)
	if err != nil {
		panic(fmt.Sprintf("FATAL: stored rate model invalid: %v", err))
	}
	return m
}

func perBlock(yearly, blocks uint256.Int) uint256.Int {
	return fpmath.MulDiv(yearly, fpmath.U(1), blocks, fpmath.RoundDown)
}

// Fixed charges the same rate regardless of utilization.
type Fixed struct {
	Rate uint256.Int
}

func (f Fixed) RatePerBlock(_, _, _ uint256.Int) uint256.Int {
	return f.Rate
}

// JumpRate is a two-slope model: the multiplier applies up to Kink
// utilization and the jump multiplier above it.
type JumpRate struct {
	BaseRatePerBlock       uint256.Int
	MultiplierPerBlock     uint256.Int
	JumpMultiplierPerBlock uint256.Int
	Kink                   uint256.Int
}

func (j JumpRate) RatePerBlock(cash, totalDebt, totalReserves uint256.Int) uint256.Int {
	util := Utilization(cash, totalDebt, totalReserves)
	if fpmath.Lte(util, j.Kink) {
		rate := fpmath.Add(j.BaseRatePerBlock, fpmath.MulScale(util, j.MultiplierPerBlock, fpmath.RoundDown))
		return fpmath.Min(rate, MaxRatePerBlock)
	}

	normal := fpmath.Add(j.BaseRatePerBlock, fpmath.MulScale(j.Kink, j.MultiplierPerBlock, fpmath.RoundDown))
	excess := fpmath.Sub(util, j.Kink)
	rate := fpmath.Add(normal, fpmath.MulScale(excess, j.JumpMultiplierPerBlock, fpmath.RoundDown))
	return fpmath.Min(rate, MaxRatePerBlock)
}

// Utilization is totalDebt / (cash + totalDebt - totalReserves), capped at SCALE.
func Utilization(cash, totalDebt, totalReserves uint256.Int) uint256.Int {
	if totalDebt.IsZero() {
		return fpmath.Zero()
	}
	base := fpmath.SubFloor(fpmath.Add(cash, totalDebt), totalReserves)
	if base.IsZero() {
		return fpmath.Scale
	}
	return fpmath.Min(fpmath.DivScale(totalDebt, base, fpmath.RoundDown), fpmath.Scale)
}
