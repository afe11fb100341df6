package royalty

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

// Enforcer checks that sales can pay, and did pay, their royalties.
type Enforcer struct {
	distributor *Distributor
}

func NewEnforcer(distributor *Distributor) *Enforcer {
	return &Enforcer{distributor: distributor}
}

// EnforceRoyaltyPayment fails when price cannot cover the creator royalty.
func (e *Enforcer) EnforceRoyaltyPayment(ctx context.Context, nft model.Address, tokenID uint64, price decimal.Decimal, asset model.Asset) error {
	if asset.Contract.IsZero() {
		return apperrors.InvalidAmount("royalty payment needs an asset")
	}
	dist, err := e.distributor.CalculateRoyalties(ctx, nft, tokenID, price)
	if err != nil {
		return err
	}
	royalty := dist.Amounts[dist.CreatorAddress]
	if price.LessThan(royalty) {
		return apperrors.InsufficientFunds("price %s does not cover royalty %s", price, royalty)
	}
	return nil
}

// VerifyRoyaltyPayment reports whether the stored receipt of txID paid
// every expected recipient in full.
func (e *Enforcer) VerifyRoyaltyPayment(ctx context.Context, txID uint64, expected *model.RoyaltyDistribution) (bool, error) {
	receipt, err := e.distributor.GetDistributionReceipt(ctx, txID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	paid := make(map[model.Address]decimal.Decimal, len(receipt.Legs))
	for _, leg := range receipt.Legs {
		if leg.Success {
			paid[leg.Recipient] = paid[leg.Recipient].Add(leg.Amount)
		}
	}
	for recipient, amount := range expected.Amounts {
		if !paid[recipient].Equal(amount) {
			return false, nil
		}
	}
	return true, nil
}

// CalculateMinimumPrice returns the price that leaves net to the seller
// after the token's royalty.
func (e *Enforcer) CalculateMinimumPrice(ctx context.Context, nft model.Address, tokenID uint64, net decimal.Decimal) (decimal.Decimal, error) {
	info, err := e.distributor.GetRoyaltyInfo(ctx, nft, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := mathutil.ValidateNonNegative(net); err != nil {
		return decimal.Zero, err
	}
	return mathutil.GrossUp(net, info.RoyaltyPercentage)
}
