package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// apyPrecision truncates intermediate powers; exact decimal multiplication
// would grow the digit count with every squaring.
const apyPrecision = 18

// ToDecimal converts a SCALE fixed-point value to a decimal (1e18 -> 1).
func ToDecimal(v uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -Decimals)
}

// AmountDecimal converts a raw integer amount to a decimal without scaling.
func AmountDecimal(v uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

// FromDecimal converts a decimal to SCALE fixed-point, truncating beyond
// 18 places.
func FromDecimal(d decimal.Decimal) (uint256.Int, error) {
	if d.IsNegative() {
		return zero, fmt.Errorf("negative value %s", d.String())
	}
	v, overflow := uint256.FromBig(d.Shift(Decimals).Truncate(0).BigInt())
	if overflow {
		return zero, fmt.Errorf("value %s out of range", d.String())
	}
	return *v, nil
}

// CompoundPerBlock returns (1 + ratePerBlock)^blocks - 1.
func CompoundPerBlock(ratePerBlock uint256.Int, blocks int64) decimal.Decimal {
	base := decimal.NewFromInt(1).Add(ToDecimal(ratePerBlock))
	result := decimal.NewFromInt(1)
	for n := blocks; n > 0; n >>= 1 {
		if n&1 == 1 {
			result = result.Mul(base).Truncate(apyPrecision)
		}
		base = base.Mul(base).Truncate(apyPrecision)
	}
	return result.Sub(decimal.NewFromInt(1))
}

// SimplePerBlock returns ratePerBlock * blocks as a decimal (APR).
func SimplePerBlock(ratePerBlock uint256.Int, blocks int64) decimal.Decimal {
	return ToDecimal(ratePerBlock).Mul(decimal.NewFromInt(blocks))
}
