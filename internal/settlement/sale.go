package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/escrow"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/transaction"
)

func validateListing(nft model.Address, price decimal.Decimal, currency model.Asset) error {
	if nft.IsZero() {
		return apperrors.InvalidAmount("nft contract is required")
	}
	if currency.Contract.IsZero() {
		return apperrors.InvalidAmount("payment asset is required")
	}
	return mathutil.ValidateAmount(price)
}

// CreateSale lists one NFT at a fixed price. The NFT moves into custody
// and the royalty and platform fee are fixed at listing time.
func (c *Core) CreateSale(
	ctx context.Context,
	seller model.Address,
	nft model.Address,
	tokenID uint64,
	price decimal.Decimal,
	currency model.Asset,
	duration uint64,
) (uint64, error) {
	if err := validateListing(nft, price, currency); err != nil {
		return 0, err
	}
	return run(ctx, c, seller, "create_sale", func(ctx context.Context) (uint64, error) {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return 0, err
		}
		if err := checkDuration(cfg, duration); err != nil {
			return 0, err
		}
		if err := c.ledger.CheckNFTOwnership(ctx, nft, tokenID, seller); err != nil {
			return 0, err
		}

		dist, err := c.royalties.CalculateRoyalties(ctx, nft, tokenID, price)
		if err != nil {
			return 0, err
		}
		if err := c.enforcer.EnforceRoyaltyPayment(ctx, nft, tokenID, price, currency); err != nil {
			return 0, err
		}
		fee, err := c.fees.CalculateFee(ctx, price, seller)
		if err != nil {
			return 0, err
		}
		retained, err := mathutil.SafeAdd(dist.CreatorTotal(), fee)
		if err != nil {
			return 0, err
		}
		if retained.GreaterThan(price) {
			return 0, apperrors.InvalidAmount("royalty and fee %s exceed price %s", retained, price)
		}

		now, err := c.now(ctx)
		if err != nil {
			return 0, err
		}
		id, err := c.nextTransactionID(ctx)
		if err != nil {
			return 0, err
		}
		sale := &model.SaleTransaction{
			ID:            id,
			Seller:        seller,
			NFTContract:   nft,
			TokenID:       tokenID,
			Price:         price,
			Currency:      currency,
			State:         model.TransactionPending,
			CreatedAt:     now,
			ExpiresAt:     now + duration,
			EscrowAddress: c.custody,
			Royalty:       dist,
			PlatformFee:   fee,
		}
		if err := c.save(ctx, saleKey(id), sale, "sale"); err != nil {
			return 0, err
		}
		if _, err := c.escrow.Open(ctx, id, escrow.SwapTerms{
			Seller:    seller,
			SellerLeg: []model.LegItem{model.NFTLeg(nft, tokenID)},
			BuyerLeg:  []model.LegItem{model.TokenLeg(currency, price)},
			Retained:  retained,
		}); err != nil {
			return 0, err
		}
		if err := c.escrow.DepositToEscrow(ctx, id, seller, model.NFTLeg(nft, tokenID)); err != nil {
			return 0, err
		}
		c.events.Emit(ctx, messaging.MsgSaleCreated, id, messaging.StateChangeEvent{
			Kind: string(model.KindSale), Actor: string(seller), State: string(sale.State), Detail: price.String(),
		})
		transaction.OnCommit(ctx, func() {
			c.logger.Info("Sale created",
				zap.Uint64("transaction_id", id),
				zap.String("seller", string(seller)),
				zap.String("price", price.String()))
		})
		return id, nil
	})
}

// ExecuteSale buys a listed NFT. payment must equal the listed price.
func (c *Core) ExecuteSale(ctx context.Context, id uint64, buyer model.Address, payment decimal.Decimal) (*model.ExecutionResult, error) {
	return run(ctx, c, buyer, "execute_sale", func(ctx context.Context) (*model.ExecutionResult, error) {
		sale, err := c.GetSale(ctx, id)
		if err != nil {
			return nil, err
		}
		if sale.State != model.TransactionPending {
			return nil, apperrors.InvalidState("sale %d is %s", id, sale.State)
		}
		now, err := c.now(ctx)
		if err != nil {
			return nil, err
		}
		if expired(now, sale.ExpiresAt) {
			return nil, apperrors.Expired("sale %d expired at %d", id, sale.ExpiresAt)
		}
		if !payment.Equal(sale.Price) {
			return nil, apperrors.InvalidAmount("payment %s does not match price %s", payment, sale.Price)
		}
		if buyer == sale.Seller {
			return nil, apperrors.Unauthorized("seller cannot buy sale %d", id)
		}

		if err := c.escrow.AssignCounterparty(ctx, id, buyer); err != nil {
			return nil, err
		}
		if err := c.escrow.DepositToEscrow(ctx, id, buyer, model.TokenLeg(sale.Currency, sale.Price)); err != nil {
			return nil, err
		}
		sale.Buyer = buyer
		sale.State = model.TransactionFunded
		if err := c.save(ctx, saleKey(id), sale, "sale"); err != nil {
			return nil, err
		}

		result, err := c.settle(ctx, settlement{
			txID:     id,
			buyer:    buyer,
			seller:   sale.Seller,
			currency: sale.Currency,
			price:    sale.Price,
			royalty:  sale.Royalty,
			fee:      sale.PlatformFee,
		})
		if err != nil {
			return nil, err
		}
		sale.State = model.TransactionExecuted
		if err := c.save(ctx, saleKey(id), sale, "sale"); err != nil {
			return nil, err
		}
		c.events.Emit(ctx, messaging.MsgSaleExecuted, id, messaging.StateChangeEvent{
			Kind: string(model.KindSale), Actor: string(buyer), State: string(sale.State), Detail: sale.Price.String(),
		})
		transaction.OnCommit(ctx, func() {
			c.logger.Info("Sale executed",
				zap.Uint64("transaction_id", id),
				zap.String("buyer", string(buyer)),
				zap.Bool("royalties_distributed", result.DistributedRoyalties))
		})
		return result, nil
	})
}

// settlement is one funded swap ready to pay out.
type settlement struct {
	txID     uint64
	buyer    model.Address
	seller   model.Address
	currency model.Asset
	price    decimal.Decimal
	royalty  *model.RoyaltyDistribution
	fee      decimal.Decimal
}

// settle executes the swap, pays royalties out of the retained payment and
// books the platform fee. A distribution that carries a custody leg has
// already released the fee; otherwise it is released here.
func (c *Core) settle(ctx context.Context, s settlement) (*model.ExecutionResult, error) {
	result, err := c.escrow.ExecuteSwap(ctx, s.txID, s.buyer)
	if err != nil {
		return nil, err
	}
	dist, err := c.royalties.DistributeRoyalties(ctx, s.txID, s.royalty, s.currency)
	if err != nil {
		return nil, err
	}
	result.Distribution = dist
	result.DistributedRoyalties = dist.DistributionSuccess

	if s.fee.IsPositive() {
		booked := false
		if _, viaDistribution := s.royalty.Amounts[c.custody]; viaDistribution {
			booked = legSucceeded(dist, c.custody)
		} else {
			if err := c.escrow.ReleaseEscrow(ctx, s.txID, s.currency, c.custody, s.fee); err != nil {
				return nil, err
			}
			booked = true
		}
		if booked {
			if err := c.fees.CollectPlatformFee(ctx, s.fee, s.currency, s.seller); err != nil {
				return nil, err
			}
			result.CollectedPlatformFee = true
		}
	}

	for _, party := range []model.Address{s.seller, s.buyer} {
		if err := c.fees.RecordVolume(ctx, party, s.price); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func legSucceeded(dist *model.DistributionResult, recipient model.Address) bool {
	for _, leg := range dist.Legs {
		if leg.Recipient == recipient {
			return leg.Success
		}
	}
	return false
}
