package math_test

import (
	"testing"

	fpmath "LendLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name       string
		a, b, d    uint64
		mode       fpmath.RoundingMode
		want       uint64
	}{
		{"exact", 10, 10, 5, fpmath.RoundDown, 20},
		{"down", 10, 1, 3, fpmath.RoundDown, 3},
		{"up", 10, 1, 3, fpmath.RoundUp, 4},
		{"up exact", 9, 1, 3, fpmath.RoundUp, 3},
		{"half even to even", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even rounds odd up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.MulDiv(fpmath.U(tt.a), fpmath.U(tt.b), fpmath.U(tt.d), tt.mode)
			assert.Equal(t, fpmath.U(tt.want), got)
		})
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	// MaxAmount * SCALE overflows 128 bits but the 512-bit product keeps it exact.
	got := fpmath.MulDiv(fpmath.MaxAmount, fpmath.Scale, fpmath.Scale, fpmath.RoundDown)
	assert.Equal(t, fpmath.MaxAmount, got)
}

func TestSubFloor(t *testing.T) {
	assert.True(t, fpmath.IsZero(fpmath.SubFloor(fpmath.U(3), fpmath.U(5))))
	assert.Equal(t, fpmath.U(2), fpmath.SubFloor(fpmath.U(5), fpmath.U(3)))
}

func TestSubUnderflowPanics(t *testing.T) {
	assert.Panics(t, func() { fpmath.Sub(fpmath.U(1), fpmath.U(2)) })
}

func TestParse(t *testing.T) {
	v, err := fpmath.Parse("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, fpmath.Scale, v)

	for _, bad := range []string{"", "-5", "1.5", "abc"} {
		_, err := fpmath.Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDecimal(t *testing.T) {
	v, err := fpmath.ParseDecimal("1.1")
	require.NoError(t, err)
	assert.Equal(t, fpmath.MustParse("1100000000000000000"), v)

	v, err = fpmath.ParseDecimal("0.75")
	require.NoError(t, err)
	assert.Equal(t, fpmath.Fraction(3, 4), v)

	v, err = fpmath.ParseDecimal("0")
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestValidAmount(t *testing.T) {
	assert.False(t, fpmath.ValidAmount(fpmath.Zero()))
	assert.True(t, fpmath.ValidAmount(fpmath.U(1)))
	assert.True(t, fpmath.ValidAmount(fpmath.MaxAmount))
	assert.False(t, fpmath.ValidAmount(fpmath.Infinite))
}

func TestCompoundPerBlock(t *testing.T) {
	// 1% per block over 2 blocks: 1.01^2 - 1 = 0.0201
	got := fpmath.CompoundPerBlock(fpmath.Fraction(1, 100), 2)
	assert.Equal(t, "0.0201", got.String())

	assert.True(t, fpmath.CompoundPerBlock(fpmath.Zero(), 2_102_400).IsZero())
}

func TestDecimalRoundTrip(t *testing.T) {
	v := fpmath.Fraction(5, 4)
	d := fpmath.ToDecimal(v)
	assert.Equal(t, "1.25", d.String())

	back, err := fpmath.FromDecimal(d)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}
