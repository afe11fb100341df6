package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/escrow"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/royalty"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

// CreateBundle lists several NFTs for one price. The whole payment is
// retained on execution and paid out by the bundle's distribution, so the
// seller, every creator and the platform are paid leg by leg.
func (c *Core) CreateBundle(
	ctx context.Context,
	seller model.Address,
	items []model.NFTItem,
	price decimal.Decimal,
	currency model.Asset,
	duration uint64,
) (uint64, error) {
	if err := validateItems(items); err != nil {
		return 0, err
	}
	if err := validateListing(items[0].Contract, price, currency); err != nil {
		return 0, err
	}
	return run(ctx, c, seller, "create_bundle", func(ctx context.Context) (uint64, error) {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return 0, err
		}
		if err := checkDuration(cfg, duration); err != nil {
			return 0, err
		}
		if err := c.checkOwnership(ctx, seller, items); err != nil {
			return 0, err
		}
		dist, err := c.royalties.CalculateComplexRoyalties(ctx, items, price, seller, c.custody)
		if err != nil {
			return 0, err
		}
		if err := royalty.ValidateRoyaltyDistribution(dist); err != nil {
			return 0, err
		}

		now, err := c.now(ctx)
		if err != nil {
			return 0, err
		}
		id, err := c.nextTransactionID(ctx)
		if err != nil {
			return 0, err
		}
		bundle := &model.BundleTransaction{
			ID:          id,
			Seller:      seller,
			Items:       items,
			TotalPrice:  price,
			Currency:    currency,
			State:       model.TransactionPending,
			CreatedAt:   now,
			ExpiresAt:   now + duration,
			Royalty:     dist,
			PlatformFee: dist.Amounts[c.custody],
		}
		if err := c.save(ctx, bundleKey(id), bundle, "bundle"); err != nil {
			return 0, err
		}
		if _, err := c.escrow.Open(ctx, id, escrow.SwapTerms{
			Seller:    seller,
			SellerLeg: nftLegs(items),
			BuyerLeg:  []model.LegItem{model.TokenLeg(currency, price)},
			Retained:  price,
		}); err != nil {
			return 0, err
		}
		if err := c.depositAll(ctx, id, seller, items); err != nil {
			return 0, err
		}
		c.events.Emit(ctx, messaging.MsgBundleCreated, id, messaging.StateChangeEvent{
			Kind: string(model.KindBundle), Actor: string(seller), State: string(bundle.State),
			Detail: fmt.Sprintf("%d items for %s", len(items), price),
		})
		return id, nil
	})
}

// ExecuteBundle buys a bundle. payment must equal the bundle price.
func (c *Core) ExecuteBundle(ctx context.Context, id uint64, buyer model.Address, payment decimal.Decimal) (*model.ExecutionResult, error) {
	return run(ctx, c, buyer, "execute_bundle", func(ctx context.Context) (*model.ExecutionResult, error) {
		bundle, err := c.GetBundle(ctx, id)
		if err != nil {
			return nil, err
		}
		if bundle.State != model.TransactionPending {
			return nil, apperrors.InvalidState("bundle %d is %s", id, bundle.State)
		}
		now, err := c.now(ctx)
		if err != nil {
			return nil, err
		}
		if expired(now, bundle.ExpiresAt) {
			return nil, apperrors.Expired("bundle %d expired at %d", id, bundle.ExpiresAt)
		}
		if !payment.Equal(bundle.TotalPrice) {
			return nil, apperrors.InvalidAmount("payment %s does not match price %s", payment, bundle.TotalPrice)
		}
		if buyer == bundle.Seller {
			return nil, apperrors.Unauthorized("seller cannot buy bundle %d", id)
		}

		if err := c.escrow.AssignCounterparty(ctx, id, buyer); err != nil {
			return nil, err
		}
		if err := c.escrow.DepositToEscrow(ctx, id, buyer, model.TokenLeg(bundle.Currency, bundle.TotalPrice)); err != nil {
			return nil, err
		}
		bundle.Buyer = buyer
		bundle.State = model.TransactionFunded
		if err := c.save(ctx, bundleKey(id), bundle, "bundle"); err != nil {
			return nil, err
		}

		result, err := c.settle(ctx, settlement{
			txID:     id,
			buyer:    buyer,
			seller:   bundle.Seller,
			currency: bundle.Currency,
			price:    bundle.TotalPrice,
			royalty:  bundle.Royalty,
			fee:      bundle.PlatformFee,
		})
		if err != nil {
			return nil, err
		}
		bundle.State = model.TransactionExecuted
		if err := c.save(ctx, bundleKey(id), bundle, "bundle"); err != nil {
			return nil, err
		}
		c.events.Emit(ctx, messaging.MsgBundleExecuted, id, messaging.StateChangeEvent{
			Kind: string(model.KindBundle), Actor: string(buyer), State: string(bundle.State), Detail: bundle.TotalPrice.String(),
		})
		return result, nil
	})
}
