package mathutil

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestPercentage(t *testing.T) {
	tests := []struct {
		amount int64
		bps    uint64
		want   int64
	}{
		{10000, 500, 500},
		{10000, 9500, 9500},
		{999, 250, 24},
		{1, 5000, 0},
		{0, 100, 0},
		{123456789, 10000, 123456789},
	}
	for _, tt := range tests {
		got, err := Percentage(d(tt.amount), tt.bps)
		require.NoError(t, err)
		assert.True(t, d(tt.want).Equal(got), "%d@%d: got %s", tt.amount, tt.bps, got)
	}

	_, err := Percentage(d(100), 10001)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
	_, err = Percentage(d(-1), 100)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}

func TestPercentageSaturates(t *testing.T) {
	got, err := Percentage(MaxAmount, 10000)
	require.NoError(t, err)
	want, _ := MaxAmount.QuoRem(d(10000), 0)
	assert.True(t, want.Equal(got))
}

func TestCheckedArithmetic(t *testing.T) {
	_, err := SafeAdd(MaxAmount, d(1))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = SafeSub(MinAmount, d(1))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = SafeMul(MaxAmount, d(2))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = SafeDiv(d(1), decimal.Zero)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	q, err := SafeDiv(d(-7), d(2))
	require.NoError(t, err)
	assert.True(t, d(-3).Equal(q))

	assert.True(t, MaxAmount.Equal(SaturatingAdd(MaxAmount, d(5))))
	assert.True(t, MinAmount.Equal(SaturatingMul(MinAmount, d(3))))
	assert.Equal(t, uint64(0), SaturatingSubBps(50, 100))
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(d(1)))
	assert.Error(t, ValidateAmount(decimal.Zero))
	assert.Error(t, ValidateAmount(d(-5)))
	assert.Error(t, ValidateAmount(decimal.RequireFromString("1.5")))
	assert.NoError(t, ValidateNonNegative(decimal.Zero))
}

func TestGrossUpRoundTrip(t *testing.T) {
	for _, bp := range []uint64{0, 1, 250, 500, 2500, 5000, 9999} {
		for _, net := range []int64{1, 97, 10000, 123456} {
			price, err := GrossUp(d(net), bp)
			require.NoError(t, err)
			royalty, err := Percentage(price, bp)
			require.NoError(t, err)
			got := price.Sub(royalty)
			// truncation in both directions keeps us within one unit
			assert.True(t, got.Sub(d(net)).Abs().LessThanOrEqual(d(1)), "net %d bps %d got %s", net, bp, got)
		}
	}

	_, err := GrossUp(d(100), 10000)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}
