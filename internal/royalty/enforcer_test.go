package royalty

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
)

func TestCalculateMinimumPriceRoundTrip(t *testing.T) {
	d, _, _, _ := newDistributor(t)
	e := NewEnforcer(d)
	ctx := context.Background()
	require.NoError(t, d.SetRoyaltyInfo(ctx, punks, 1, creator, 500, creator))

	price, err := e.CalculateMinimumPrice(ctx, punks, 1, dec(9500))
	require.NoError(t, err)
	assert.True(t, dec(10000).Equal(price), price.String())

	royalty, err := mathutil.Percentage(price, 500)
	require.NoError(t, err)
	assert.True(t, dec(9500).Equal(price.Sub(royalty)))

	_, err = e.CalculateMinimumPrice(ctx, punks, 99, dec(9500))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEnforceRoyaltyPayment(t *testing.T) {
	d, _, _, _ := newDistributor(t)
	e := NewEnforcer(d)
	ctx := context.Background()
	require.NoError(t, d.SetRoyaltyInfo(ctx, punks, 1, creator, 5000, creator))

	require.NoError(t, e.EnforceRoyaltyPayment(ctx, punks, 1, dec(100), usdc))
	assert.ErrorIs(t, e.EnforceRoyaltyPayment(ctx, punks, 2, dec(100), usdc), apperrors.ErrNotFound)
}

func TestVerifyRoyaltyPayment(t *testing.T) {
	d, releaser, _, _ := newDistributor(t)
	e := NewEnforcer(d)
	ctx := context.Background()
	require.NoError(t, d.SetRoyaltyInfo(ctx, punks, 1, creator, 500, creator))
	dist, err := d.CalculateRoyalties(ctx, punks, 1, dec(10000))
	require.NoError(t, err)

	ok, err := e.VerifyRoyaltyPayment(ctx, 1, dist)
	require.NoError(t, err)
	assert.False(t, ok, "nothing distributed yet")

	_, err = d.DistributeRoyalties(ctx, 1, dist, usdc)
	require.NoError(t, err)
	ok, err = e.VerifyRoyaltyPayment(ctx, 1, dist)
	require.NoError(t, err)
	assert.True(t, ok)

	releaser.failFor[creator] = apperrors.InsufficientFunds("short")
	_, err = d.DistributeRoyalties(ctx, 2, dist, usdc)
	require.NoError(t, err)
	ok, err = e.VerifyRoyaltyPayment(ctx, 2, dist)
	require.NoError(t, err)
	assert.False(t, ok)
}
