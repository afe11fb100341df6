package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/transaction"
)

// checkRoyaltySetter allows the creator itself, the admin or the current
// owner of the token to configure a royalty. Changes to an existing
// configuration are further restricted to its creator.
func (c *Core) checkRoyaltySetter(ctx context.Context, cfg *model.AdminConfig, nft model.Address, tokenID uint64, creator, setter model.Address) error {
	if setter == creator || setter == cfg.Admin {
		return nil
	}
	if err := c.ledger.CheckNFTOwnership(ctx, nft, tokenID, setter); err != nil {
		return apperrors.Unauthorized("%s may not configure royalties of %s #%d", setter, nft, tokenID).Wrap(err)
	}
	return nil
}

func checkRoyaltyCap(cfg *model.AdminConfig, bps uint64) error {
	if bps > cfg.MaxRoyaltyPercentage {
		return apperrors.InvalidRoyaltyPercentage("royalty %d bps exceeds the %d bps cap", bps, cfg.MaxRoyaltyPercentage)
	}
	return nil
}

// SetRoyaltyInfo configures the royalty of one token.
func (c *Core) SetRoyaltyInfo(ctx context.Context, nft model.Address, tokenID uint64, creator model.Address, bps uint64, setter model.Address) error {
	return exec(ctx, c, setter, "set_royalty_info", func(ctx context.Context) error {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return err
		}
		if err := checkRoyaltyCap(cfg, bps); err != nil {
			return err
		}
		if err := c.checkRoyaltySetter(ctx, cfg, nft, tokenID, creator, setter); err != nil {
			return err
		}
		return c.royalties.SetRoyaltyInfo(ctx, nft, tokenID, creator, bps, setter)
	})
}

// BulkSetRoyalties configures many tokens of a collection at once.
func (c *Core) BulkSetRoyalties(ctx context.Context, nft model.Address, tokenIDs []uint64, creator model.Address, bps uint64, setter model.Address) error {
	return exec(ctx, c, setter, "bulk_set_royalties", func(ctx context.Context) error {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return err
		}
		if err := checkRoyaltyCap(cfg, bps); err != nil {
			return err
		}
		for _, tokenID := range tokenIDs {
			if err := c.checkRoyaltySetter(ctx, cfg, nft, tokenID, creator, setter); err != nil {
				return err
			}
		}
		return c.royalties.BulkSetRoyalties(ctx, nft, tokenIDs, creator, bps, setter)
	})
}

// UpdateRoyaltyPercentage changes a token's royalty rate. Creator only.
func (c *Core) UpdateRoyaltyPercentage(ctx context.Context, nft model.Address, tokenID uint64, bps uint64, updater model.Address) error {
	return exec(ctx, c, updater, "update_royalty_percentage", func(ctx context.Context) error {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return err
		}
		if err := checkRoyaltyCap(cfg, bps); err != nil {
			return err
		}
		return c.royalties.UpdateRoyaltyPercentage(ctx, nft, tokenID, bps, updater)
	})
}

func (c *Core) GetRoyaltyInfo(ctx context.Context, nft model.Address, tokenID uint64) (*model.RoyaltyInfo, error) {
	return c.royalties.GetRoyaltyInfo(ctx, nft, tokenID)
}

func (c *Core) GetRoyaltyHistory(ctx context.Context, nft model.Address, tokenID uint64) ([]model.RoyaltyInfo, error) {
	return c.royalties.GetRoyaltyHistory(ctx, nft, tokenID)
}

// CalculateRoyalties quotes the royalty split of a single token sale.
func (c *Core) CalculateRoyalties(ctx context.Context, nft model.Address, tokenID uint64, price decimal.Decimal) (*model.RoyaltyDistribution, error) {
	return c.royalties.CalculateRoyalties(ctx, nft, tokenID, price)
}

// CalculateComplexRoyalties quotes the split of a bundle sold by seller.
func (c *Core) CalculateComplexRoyalties(ctx context.Context, items []model.NFTItem, price decimal.Decimal, seller model.Address) (*model.RoyaltyDistribution, error) {
	return c.royalties.CalculateComplexRoyalties(ctx, items, price, seller, c.custody)
}

// CalculateMinimumPrice returns the listing price that nets net to the seller.
func (c *Core) CalculateMinimumPrice(ctx context.Context, nft model.Address, tokenID uint64, net decimal.Decimal) (decimal.Decimal, error) {
	return c.enforcer.CalculateMinimumPrice(ctx, nft, tokenID, net)
}

// GetDistributionReceipt returns the royalty payout record of a transaction.
func (c *Core) GetDistributionReceipt(ctx context.Context, txID uint64) (*model.DistributionResult, error) {
	return c.royalties.GetDistributionReceipt(ctx, txID)
}

// payout recovers the terms a sale, bundle or auction settled under,
// with its current state.
func (c *Core) payout(ctx context.Context, txID uint64) (settlement, model.TransactionState, error) {
	kind, err := c.kindOf(ctx, txID)
	if err != nil {
		return settlement{}, "", err
	}
	switch kind {
	case model.KindSale:
		sale, err := c.GetSale(ctx, txID)
		if err != nil {
			return settlement{}, "", err
		}
		return settlement{
			txID: txID, buyer: sale.Buyer, seller: sale.Seller, currency: sale.Currency,
			price: sale.Price, royalty: sale.Royalty, fee: sale.PlatformFee,
		}, sale.State, nil
	case model.KindBundle:
		bundle, err := c.GetBundle(ctx, txID)
		if err != nil {
			return settlement{}, "", err
		}
		return settlement{
			txID: txID, buyer: bundle.Buyer, seller: bundle.Seller, currency: bundle.Currency,
			price: bundle.TotalPrice, royalty: bundle.Royalty, fee: bundle.PlatformFee,
		}, bundle.State, nil
	case model.KindAuction:
		a, err := c.auctions.GetAuction(ctx, txID)
		if err != nil {
			return settlement{}, "", err
		}
		return settlement{
			txID: txID, buyer: a.Winner, seller: a.Seller, currency: a.Currency,
			price: a.FinalPrice, royalty: a.Royalty, fee: a.PlatformFee,
		}, a.State, nil
	default:
		return settlement{}, "", apperrors.InvalidState("%s transactions carry no royalties", kind)
	}
}

// VerifyRoyaltyPayment reports whether every royalty owed by a settled
// sale, bundle or auction was paid in full.
func (c *Core) VerifyRoyaltyPayment(ctx context.Context, txID uint64) (bool, error) {
	s, _, err := c.payout(ctx, txID)
	if err != nil {
		return false, err
	}
	if s.royalty == nil {
		return false, nil
	}
	return c.enforcer.VerifyRoyaltyPayment(ctx, txID, s.royalty)
}

// RetryRoyaltyDistribution pays the legs that failed when an executed sale,
// bundle or auction distributed its royalties. The seller, the admin or
// any recipient of an unpaid leg may retry. A platform leg paid by the
// retry books the fee it carries.
func (c *Core) RetryRoyaltyDistribution(ctx context.Context, txID uint64, caller model.Address) (*model.DistributionResult, error) {
	return run(ctx, c, caller, "retry_royalty_distribution", func(ctx context.Context) (*model.DistributionResult, error) {
		s, state, err := c.payout(ctx, txID)
		if err != nil {
			return nil, err
		}
		if state != model.TransactionExecuted || s.royalty == nil {
			return nil, apperrors.InvalidState("transaction %d is %s, not EXECUTED", txID, state)
		}
		receipt, err := c.royalties.GetDistributionReceipt(ctx, txID)
		if err != nil {
			return nil, err
		}
		if err := c.checkRetrier(ctx, s, receipt, caller); err != nil {
			return nil, err
		}

		_, viaDistribution := s.royalty.Amounts[c.custody]
		feePending := viaDistribution && !legSucceeded(receipt, c.custody)
		result, err := c.royalties.RetryFailedLegs(ctx, txID, s.royalty, s.currency)
		if err != nil {
			return nil, err
		}
		if feePending && s.fee.IsPositive() && legSucceeded(result, c.custody) {
			if err := c.fees.CollectPlatformFee(ctx, s.fee, s.currency, s.seller); err != nil {
				return nil, err
			}
		}
		transaction.OnCommit(ctx, func() {
			c.logger.Info("Royalty distribution retried",
				zap.Uint64("transaction_id", txID),
				zap.String("caller", string(caller)),
				zap.Bool("distribution_success", result.DistributionSuccess))
		})
		return result, nil
	})
}

func (c *Core) checkRetrier(ctx context.Context, s settlement, receipt *model.DistributionResult, caller model.Address) error {
	if caller == s.seller {
		return nil
	}
	for _, leg := range receipt.Legs {
		if !leg.Success && leg.Recipient == caller {
			return nil
		}
	}
	cfg, err := c.GetAdminConfig(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return apperrors.Unauthorized("%s may not retry royalties of transaction %d", caller, s.txID)
	}
	return nil
}
