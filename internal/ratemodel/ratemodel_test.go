package ratemodel_test

import (
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/ratemodel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jumpConfig() ratemodel.Config {
	return ratemodel.Config{
		Kind:                  ratemodel.KindJumpRate,
		BaseRatePerYear:       fpmath.Fraction(2, 100),
		MultiplierPerYear:     fpmath.Fraction(10, 100),
		JumpMultiplierPerYear: fpmath.Fraction(300, 100),
		Kink:                  fpmath.Fraction(80, 100),
		BlocksPerYear:         1_000_000,
	}
}

func TestUtilization(t *testing.T) {
	assert.True(t, fpmath.IsZero(ratemodel.Utilization(fpmath.U(100), fpmath.U(0), fpmath.U(0))))
	assert.Equal(t, fpmath.Fraction(1, 2), ratemodel.Utilization(fpmath.U(60), fpmath.U(50), fpmath.U(10)))
	assert.Equal(t, fpmath.Scale, ratemodel.Utilization(fpmath.U(0), fpmath.U(50), fpmath.U(50)))
}

func TestJumpRate_BelowAndAboveKink(t *testing.T) {
	model, err := ratemodel.New(jumpConfig())
	require.NoError(t, err)

	// 50% utilization: (0.02 + 0.5*0.1) / 1e6
	below := model.RatePerBlock(fpmath.U(50), fpmath.U(50), fpmath.U(0))
	assert.Equal(t, fpmath.Fraction(7, 100_000_000), below)

	// 90% utilization: (0.02 + 0.8*0.1 + 0.1*3) / 1e6
	above := model.RatePerBlock(fpmath.U(10), fpmath.U(90), fpmath.U(0))
	assert.Equal(t, fpmath.Fraction(40, 100_000_000), above)

	assert.True(t, fpmath.Gt(above, below))
}

func TestJumpRate_ClampedToMax(t *testing.T) {
	cfg := jumpConfig()
	cfg.BlocksPerYear = 1
	model, err := ratemodel.New(cfg)
	require.NoError(t, err)

	assert.Equal(t, ratemodel.MaxRatePerBlock, model.RatePerBlock(fpmath.U(0), fpmath.U(100), fpmath.U(0)))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ratemodel.Config)
	}{
		{"zero blocks per year", func(c *ratemodel.Config) { c.BlocksPerYear = 0 }},
		{"zero kink", func(c *ratemodel.Config) { c.Kink = fpmath.Zero() }},
		{"kink above one", func(c *ratemodel.Config) { c.Kink = fpmath.Units(2) }},
		{"unknown kind", func(c *ratemodel.Config) { c.Kind = "linear" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := jumpConfig()
			tt.mutate(&cfg)
			_, err := ratemodel.New(cfg)
			require.Error(t, err)
			assert.True(t, ratemodel.IsInvalid(err))
		})
	}

	fixed := ratemodel.Config{Kind: ratemodel.KindFixed, RatePerBlock: fpmath.Scale}
	assert.True(t, ratemodel.IsInvalid(fixed.Validate()))
	require.NoError(t, ratemodel.Zero().Validate())
}
