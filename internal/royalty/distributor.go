// Package royalty keeps per-token royalty configuration and pays creators
// out of the payment retained by an executed swap.
package royalty

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
	"github.com/Aidin1998/nftsettle/internal/transaction"
	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

const (
	// MaxRoyaltyBps caps a creator royalty at 50%.
	MaxRoyaltyBps uint64 = 5000

	// Nominal split of the price outside the royalty.
	SellerBps   uint64 = 9500
	PlatformBps uint64 = 500
)

// Releaser pays retained swap funds out of custody.
type Releaser interface {
	ReleaseEscrow(ctx context.Context, txID uint64, asset model.Asset, recipient model.Address, amount decimal.Decimal) error
}

// Distributor owns RoyaltyInfo records, their history and distribution
// receipts.
type Distributor struct {
	logger  *zap.Logger
	store   *storage.BadgerStore
	uow     *transaction.UnitOfWork
	release Releaser
	clock   model.Clock
	events  *messaging.Bus
}

func NewDistributor(
	logger *zap.Logger,
	store *storage.BadgerStore,
	uow *transaction.UnitOfWork,
	release Releaser,
	clock model.Clock,
	events *messaging.Bus,
) *Distributor {
	return &Distributor{
		logger:  logger.Named("royalty"),
		store:   store,
		uow:     uow,
		release: release,
		clock:   clock,
		events:  events,
	}
}

func infoKey(nft model.Address, tokenID uint64) string {
	return storage.TokenKey(storage.PrefixRoyalty, string(nft), tokenID)
}

func historyPrefix(nft model.Address, tokenID uint64) string {
	return storage.TokenKey(storage.PrefixRoyaltyHistory, string(nft), tokenID) + ":"
}

func receiptKey(txID uint64) string {
	return storage.ID(storage.PrefixRoyaltyReceipt, txID)
}

// GetRoyaltyInfo returns the royalty configuration of a token.
func (d *Distributor) GetRoyaltyInfo(ctx context.Context, nft model.Address, tokenID uint64) (*model.RoyaltyInfo, error) {
	var info model.RoyaltyInfo
	if err := d.store.Get(ctx, infoKey(nft, tokenID), &info); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("no royalty configured for %s #%d", nft, tokenID)
		}
		return nil, fmt.Errorf("load royalty info: %w", err)
	}
	return &info, nil
}

func validatePercentage(bps uint64) error {
	if bps > MaxRoyaltyBps {
		return apperrors.InvalidRoyaltyPercentage("%d bps exceeds the %d bps cap", bps, MaxRoyaltyBps)
	}
	return nil
}

// put writes info and appends it to the token's history.
func (d *Distributor) put(ctx context.Context, info *model.RoyaltyInfo) error {
	if err := d.store.Put(ctx, infoKey(info.NFTContract, info.TokenID), info); err != nil {
		return fmt.Errorf("save royalty info: %w", err)
	}
	rev, err := d.store.NextID(ctx, storage.CounterRoyaltyRev)
	if err != nil {
		return err
	}
	if err := d.store.Put(ctx, storage.ID(historyPrefix(info.NFTContract, info.TokenID), rev), info); err != nil {
		return fmt.Errorf("append royalty history: %w", err)
	}
	return nil
}

func (d *Distributor) set(ctx context.Context, nft model.Address, tokenID uint64, creator model.Address, bps uint64, setter model.Address) error {
	existing, err := d.GetRoyaltyInfo(ctx, nft, tokenID)
	switch {
	case err == nil:
		if existing.Creator != setter {
			return apperrors.Unauthorized("only creator %s may change royalties of %s #%d", existing.Creator, nft, tokenID)
		}
	case !errors.Is(err, apperrors.ErrNotFound):
		return err
	}
	now, err := d.clock.Now(ctx)
	if err != nil {
		return err
	}
	return d.put(ctx, &model.RoyaltyInfo{
		NFTContract:       nft,
		TokenID:           tokenID,
		Creator:           creator,
		RoyaltyPercentage: bps,
		LastUpdated:       now,
	})
}

// SetRoyaltyInfo configures the royalty of a token. Once configured, only
// the recorded creator may replace it.
func (d *Distributor) SetRoyaltyInfo(ctx context.Context, nft model.Address, tokenID uint64, creator model.Address, bps uint64, setter model.Address) error {
	if err := validatePercentage(bps); err != nil {
		return err
	}
	if creator.IsZero() || nft.IsZero() {
		return apperrors.InvalidAmount("royalty needs a collection and a creator")
	}
	return d.uow.Run(ctx, "set_royalty_info", func(ctx context.Context) error {
		return d.set(ctx, nft, tokenID, creator, bps, setter)
	})
}

// BulkSetRoyalties applies one configuration to many tokens of a
// collection. Either every token is updated or none is.
func (d *Distributor) BulkSetRoyalties(ctx context.Context, nft model.Address, tokenIDs []uint64, creator model.Address, bps uint64, setter model.Address) error {
	if err := validatePercentage(bps); err != nil {
		return err
	}
	if creator.IsZero() || nft.IsZero() || len(tokenIDs) == 0 {
		return apperrors.InvalidAmount("bulk royalty needs a collection, a creator and tokens")
	}
	return d.uow.Run(ctx, "bulk_set_royalties", func(ctx context.Context) error {
		for _, tokenID := range tokenIDs {
			if err := d.set(ctx, nft, tokenID, creator, bps, setter); err != nil {
				return fmt.Errorf("token %d: %w", tokenID, err)
			}
		}
		return nil
	})
}

// UpdateRoyaltyPercentage changes the rate of a configured token. Creator only.
func (d *Distributor) UpdateRoyaltyPercentage(ctx context.Context, nft model.Address, tokenID uint64, bps uint64, updater model.Address) error {
	return d.uow.Run(ctx, "update_royalty_percentage", func(ctx context.Context) error {
		info, err := d.GetRoyaltyInfo(ctx, nft, tokenID)
		if err != nil {
			return err
		}
		if info.Creator != updater {
			return apperrors.Unauthorized("only creator %s may update royalties of %s #%d", info.Creator, nft, tokenID)
		}
		if err := validatePercentage(bps); err != nil {
			return err
		}
		now, err := d.clock.Now(ctx)
		if err != nil {
			return err
		}
		info.RoyaltyPercentage = bps
		info.LastUpdated = now
		return d.put(ctx, info)
	})
}

// GetRoyaltyHistory lists every configuration a token has had, oldest first.
func (d *Distributor) GetRoyaltyHistory(ctx context.Context, nft model.Address, tokenID uint64) ([]model.RoyaltyInfo, error) {
	var history []model.RoyaltyInfo
	err := d.store.Iterate(ctx, historyPrefix(nft, tokenID), func(_ string, decode func(v interface{}) error) error {
		var info model.RoyaltyInfo
		if err := decode(&info); err != nil {
			return err
		}
		history = append(history, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read royalty history: %w", err)
	}
	return history, nil
}

// CalculateRoyalties splits price for a single token sale. Only the
// creator's royalty is an owed amount; the seller and platform shares are
// nominal percentages.
func (d *Distributor) CalculateRoyalties(ctx context.Context, nft model.Address, tokenID uint64, price decimal.Decimal) (*model.RoyaltyDistribution, error) {
	info, err := d.GetRoyaltyInfo(ctx, nft, tokenID)
	if err != nil {
		return nil, err
	}
	royalty, err := mathutil.Percentage(price, info.RoyaltyPercentage)
	if err != nil {
		return nil, err
	}
	return &model.RoyaltyDistribution{
		NFTContract:        nft,
		TokenID:            tokenID,
		CreatorAddress:     info.Creator,
		CreatorPercentage:  info.RoyaltyPercentage,
		SellerPercentage:   SellerBps,
		PlatformPercentage: PlatformBps,
		TotalAmount:        price,
		Amounts:            map[model.Address]decimal.Decimal{info.Creator: royalty},
	}, nil
}

func credit(amounts map[model.Address]decimal.Decimal, to model.Address, amount decimal.Decimal) error {
	sum, err := mathutil.SafeAdd(amounts[to], amount)
	if err != nil {
		return err
	}
	amounts[to] = sum
	return nil
}

// CalculateComplexRoyalties splits a bundle price evenly over items, sums
// the royalty owed to each creator, and gives the remainder to seller and
// platform (PlatformBps of it to the platform).
func (d *Distributor) CalculateComplexRoyalties(
	ctx context.Context,
	items []model.NFTItem,
	price decimal.Decimal,
	seller, platform model.Address,
) (*model.RoyaltyDistribution, error) {
	if len(items) == 0 {
		return nil, apperrors.InvalidAmount("no items to split royalties over")
	}
	if seller.IsZero() || platform.IsZero() {
		return nil, apperrors.InvalidAmount("complex royalties need seller and platform recipients")
	}
	if err := mathutil.ValidateAmount(price); err != nil {
		return nil, err
	}
	share, err := mathutil.SafeDiv(price, decimal.NewFromInt(int64(len(items))))
	if err != nil {
		return nil, err
	}

	amounts := make(map[model.Address]decimal.Decimal)
	royalties := decimal.Zero
	for _, item := range items {
		info, err := d.GetRoyaltyInfo(ctx, item.Contract, item.TokenID)
		if err != nil {
			return nil, err
		}
		royalty, err := mathutil.Percentage(share, info.RoyaltyPercentage)
		if err != nil {
			return nil, err
		}
		if err := credit(amounts, info.Creator, royalty); err != nil {
			return nil, err
		}
		if royalties, err = mathutil.SafeAdd(royalties, royalty); err != nil {
			return nil, err
		}
	}

	remainder, err := mathutil.SafeSub(price, royalties)
	if err != nil {
		return nil, err
	}
	platformAmount, err := mathutil.Percentage(remainder, PlatformBps)
	if err != nil {
		return nil, err
	}
	sellerAmount, err := mathutil.SafeSub(remainder, platformAmount)
	if err != nil {
		return nil, err
	}
	if err := credit(amounts, seller, sellerAmount); err != nil {
		return nil, err
	}
	if err := credit(amounts, platform, platformAmount); err != nil {
		return nil, err
	}

	return &model.RoyaltyDistribution{
		SellerAddress:      seller,
		PlatformAddress:    platform,
		SellerPercentage:   SellerBps,
		PlatformPercentage: PlatformBps,
		TotalAmount:        price,
		Amounts:            amounts,
	}, nil
}

// ValidateRoyaltyDistribution checks that the recipient amounts account
// for the total exactly.
func ValidateRoyaltyDistribution(dist *model.RoyaltyDistribution) error {
	total := decimal.Zero
	for recipient, amount := range dist.Amounts {
		if amount.IsNegative() {
			return apperrors.InvalidAmount("negative amount %s for %s", amount, recipient)
		}
		var err error
		if total, err = mathutil.SafeAdd(total, amount); err != nil {
			return err
		}
	}
	if !total.Equal(dist.TotalAmount) {
		return apperrors.InvalidAmount("distribution sums to %s, expected %s", total, dist.TotalAmount)
	}
	return nil
}

// ValidateRoyaltyDistribution is the method form used by the settlement core.
func (d *Distributor) ValidateRoyaltyDistribution(dist *model.RoyaltyDistribution) error {
	return ValidateRoyaltyDistribution(dist)
}

func (d *Distributor) shares(dist *model.RoyaltyDistribution) (creator, seller, platform decimal.Decimal, err error) {
	creator = dist.CreatorTotal()
	if !dist.SellerAddress.IsZero() {
		seller = dist.Amounts[dist.SellerAddress]
	} else if seller, err = mathutil.Percentage(dist.TotalAmount, dist.SellerPercentage); err != nil {
		return
	}
	if !dist.PlatformAddress.IsZero() {
		platform = dist.Amounts[dist.PlatformAddress]
	} else {
		platform, err = mathutil.Percentage(dist.TotalAmount, dist.PlatformPercentage)
	}
	return
}

// DistributeRoyalties pays every recipient of dist from the retained
// payment of txID. Legs are independent: a failed leg is recorded and the
// rest still pay out. Only infrastructure failures are returned as errors.
func (d *Distributor) DistributeRoyalties(ctx context.Context, txID uint64, dist *model.RoyaltyDistribution, asset model.Asset) (*model.DistributionResult, error) {
	creatorAmount, sellerAmount, platformAmount, err := d.shares(dist)
	if err != nil {
		return nil, err
	}

	var result *model.DistributionResult
	err = d.uow.Run(ctx, "distribute_royalties", func(ctx context.Context) error {
		now, err := d.clock.Now(ctx)
		if err != nil {
			return err
		}
		result = &model.DistributionResult{
			TransactionID:       txID,
			TotalAmount:         dist.TotalAmount,
			CreatorAmount:       creatorAmount,
			SellerAmount:        sellerAmount,
			PlatformAmount:      platformAmount,
			TotalDistributed:    decimal.Zero,
			DistributionSuccess: true,
			Timestamp:           now,
		}

		recipients := slices.SortedFunc(maps.Keys(dist.Amounts), func(a, b model.Address) int {
			return strings.Compare(string(a), string(b))
		})
		for _, recipient := range recipients {
			amount := dist.Amounts[recipient]
			leg := model.DistributionLeg{Recipient: recipient, Amount: amount, Success: true}
			if amount.IsPositive() {
				if err := d.release.ReleaseEscrow(ctx, txID, asset, recipient, amount); err != nil {
					leg.Success = false
					leg.Error = err.Error()
					result.DistributionSuccess = false
					metrics.RoyaltyLegFailures.Inc()
					d.logger.Warn("royalty leg failed",
						zap.Uint64("transaction_id", txID),
						zap.String("recipient", string(recipient)),
						zap.String("amount", amount.String()),
						zap.Error(err))
				} else {
					result.TotalDistributed = result.TotalDistributed.Add(amount)
				}
			}
			result.Legs = append(result.Legs, leg)
		}

		if err := d.store.Put(ctx, receiptKey(txID), result); err != nil {
			return fmt.Errorf("save royalty receipt: %w", err)
		}
		d.events.Emit(ctx, messaging.MsgRoyaltiesDistributed, txID, messaging.RoyaltiesDistributedEvent{
			NFTContract:      string(dist.NFTContract),
			TokenID:          dist.TokenID,
			TotalDistributed: result.TotalDistributed,
			Success:          result.DistributionSuccess,
			Recipients:       len(result.Legs),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetDistributionReceipt returns the stored result of a distribution.
func (d *Distributor) GetDistributionReceipt(ctx context.Context, txID uint64) (*model.DistributionResult, error) {
	var result model.DistributionResult
	if err := d.store.Get(ctx, receiptKey(txID), &result); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("no royalty distribution for transaction %d", txID)
		}
		return nil, fmt.Errorf("load royalty receipt: %w", err)
	}
	return &result, nil
}

// RetryFailedLegs re-attempts the unpaid legs of a stored receipt. Legs
// already paid are left alone, so retrying is safe to repeat.
func (d *Distributor) RetryFailedLegs(ctx context.Context, txID uint64, dist *model.RoyaltyDistribution, asset model.Asset) (*model.DistributionResult, error) {
	var result *model.DistributionResult
	err := d.uow.Run(ctx, "retry_royalty_distribution", func(ctx context.Context) error {
		receipt, err := d.GetDistributionReceipt(ctx, txID)
		if err != nil {
			return err
		}
		if receipt.DistributionSuccess {
			return apperrors.InvalidState("royalties of transaction %d are fully paid", txID)
		}
		now, err := d.clock.Now(ctx)
		if err != nil {
			return err
		}

		receipt.DistributionSuccess = true
		for i := range receipt.Legs {
			leg := &receipt.Legs[i]
			if leg.Success {
				continue
			}
			if err := d.release.ReleaseEscrow(ctx, txID, asset, leg.Recipient, leg.Amount); err != nil {
				leg.Error = err.Error()
				receipt.DistributionSuccess = false
				metrics.RoyaltyLegFailures.Inc()
				d.logger.Warn("royalty leg retry failed",
					zap.Uint64("transaction_id", txID),
					zap.String("recipient", string(leg.Recipient)),
					zap.Error(err))
				continue
			}
			leg.Success = true
			leg.Error = ""
			if receipt.TotalDistributed, err = mathutil.SafeAdd(receipt.TotalDistributed, leg.Amount); err != nil {
				return err
			}
		}
		receipt.Timestamp = now

		if err := d.store.Put(ctx, receiptKey(txID), receipt); err != nil {
			return fmt.Errorf("save royalty receipt: %w", err)
		}
		d.events.Emit(ctx, messaging.MsgRoyaltiesDistributed, txID, messaging.RoyaltiesDistributedEvent{
			NFTContract:      string(dist.NFTContract),
			TokenID:          dist.TokenID,
			TotalDistributed: receipt.TotalDistributed,
			Success:          receipt.DistributionSuccess,
			Recipients:       len(receipt.Legs),
		})
		result = receipt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
