// Package fees calculates, books and withdraws platform fees.
package fees

import (
	"context"
	"errors"
	"fmt"

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

// Accumulated is the fee balance of one asset held in custody.
type Accumulated struct {
	Asset  model.Asset     `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Calculation explains how a fee was derived.
type Calculation struct {
	Price        decimal.Decimal `json:"price"`
	BaseBps      uint64          `json:"base_bps"`
	DiscountBps  uint64          `json:"discount_bps"`
	EffectiveBps uint64          `json:"effective_bps"`
	Fee          decimal.Decimal `json:"fee"`
	Exempt       bool            `json:"exempt"`
}

// Manager owns the fee config, per-asset fee balances and per-user volume.
type Manager struct {
	logger  *zap.Logger
	store   *storage.BadgerStore
	uow     *transaction.UnitOfWork
	ledger  model.AssetTransfer
	events  *messaging.Bus
	custody model.Address
}

func NewManager(
	logger *zap.Logger,
	store *storage.BadgerStore,
	uow *transaction.UnitOfWork,
	ledger model.AssetTransfer,
	events *messaging.Bus,
	custody model.Address,
) *Manager {
	return &Manager{
		logger:  logger.Named("fees"),
		store:   store,
		uow:     uow,
		ledger:  ledger,
		events:  events,
		custody: custody,
	}
}

// ValidateConfig checks a fee config before it is stored.
func ValidateConfig(cfg *model.FeeConfig) error {
	if cfg.PlatformFeeBps > mathutil.BasisPoints {
		return apperrors.InvalidAmount("platform fee %d bps exceeds 100%%", cfg.PlatformFeeBps)
	}
	if cfg.FeeRecipient.IsZero() {
		return apperrors.InvalidAmount("fee recipient is required")
	}
	if err := mathutil.ValidateNonNegative(cfg.MinimumFee); err != nil {
		return err
	}
	if err := mathutil.ValidateNonNegative(cfg.MaximumFee); err != nil {
		return err
	}
	if cfg.MaximumFee.IsPositive() && cfg.MinimumFee.GreaterThan(cfg.MaximumFee) {
		return apperrors.InvalidAmount("minimum fee %s exceeds maximum fee %s", cfg.MinimumFee, cfg.MaximumFee)
	}
	for _, tier := range cfg.VolumeDiscounts {
		if tier.FeeDiscountBps > mathutil.BasisPoints {
			return apperrors.InvalidAmount("volume discount %d bps exceeds 100%%", tier.FeeDiscountBps)
		}
		if err := mathutil.ValidateNonNegative(tier.MinVolume); err != nil {
			return err
		}
	}
	return nil
}

// GetFeeConfig loads the fee config. Absence means the engine was never
// initialized.
func (m *Manager) GetFeeConfig(ctx context.Context) (*model.FeeConfig, error) {
	var cfg model.FeeConfig
	if err := m.store.Get(ctx, storage.KeyFeeConfig, &cfg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("fee config is not initialized")
		}
		return nil, fmt.Errorf("load fee config: %w", err)
	}
	return &cfg, nil
}

// UpdateFeeConfig replaces the fee config. The caller has already been
// verified as admin.
func (m *Manager) UpdateFeeConfig(ctx context.Context, cfg *model.FeeConfig, admin model.Address) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	return m.uow.Run(ctx, "update_fee_config", func(ctx context.Context) error {
		if err := m.store.Put(ctx, storage.KeyFeeConfig, cfg); err != nil {
			return fmt.Errorf("save fee config: %w", err)
		}
		m.logger.Info("Fee config updated",
			zap.String("admin", string(admin)),
			zap.Uint64("platform_fee_bps", cfg.PlatformFeeBps),
			zap.String("fee_recipient", string(cfg.FeeRecipient)))
		return nil
	})
}

// tierDiscount returns the discount of the highest volume tier reached.
func tierDiscount(cfg *model.FeeConfig, volume decimal.Decimal) uint64 {
	var discount uint64
	best := decimal.NewFromInt(-1)
	for _, tier := range cfg.VolumeDiscounts {
		if volume.GreaterThanOrEqual(tier.MinVolume) && tier.MinVolume.GreaterThan(best) {
			best = tier.MinVolume
			discount = tier.FeeDiscountBps
		}
	}
	return discount
}

func applyFeeLimits(cfg *model.FeeConfig, fee, price decimal.Decimal) decimal.Decimal {
	if fee.LessThan(cfg.MinimumFee) {
		fee = cfg.MinimumFee
	}
	if cfg.MaximumFee.IsPositive() && fee.GreaterThan(cfg.MaximumFee) {
		fee = cfg.MaximumFee
	}
	// a fee never exceeds what is being paid
	if fee.GreaterThan(price) {
		fee = price
	}
	return fee
}

// Explain computes the platform fee payer owes on price and how it was derived.
func (m *Manager) Explain(ctx context.Context, price decimal.Decimal, payer model.Address) (*Calculation, error) {
	if err := mathutil.ValidateNonNegative(price); err != nil {
		return nil, err
	}
	cfg, err := m.GetFeeConfig(ctx)
	if err != nil {
		return nil, err
	}
	calc := &Calculation{Price: price, BaseBps: cfg.PlatformFeeBps, Fee: decimal.Zero}
	if cfg.IsVIP(payer) || price.IsZero() {
		calc.Exempt = cfg.IsVIP(payer)
		return calc, nil
	}

	if cfg.DynamicFeeEnabled {
		volume, err := m.GetUserVolume(ctx, payer)
		if err != nil {
			return nil, err
		}
		calc.DiscountBps = tierDiscount(cfg, volume)
	}
	calc.EffectiveBps = mathutil.SaturatingSubBps(cfg.PlatformFeeBps, calc.DiscountBps)
	fee, err := mathutil.Percentage(price, calc.EffectiveBps)
	if err != nil {
		return nil, err
	}
	calc.Fee = applyFeeLimits(cfg, fee, price)

	m.logger.Debug("Fee calculated",
		zap.String("payer", string(payer)),
		zap.String("price", price.String()),
		zap.Uint64("effective_bps", calc.EffectiveBps),
		zap.String("fee", calc.Fee.String()))
	return calc, nil
}

// CalculateFee returns the platform fee payer owes on price.
func (m *Manager) CalculateFee(ctx context.Context, price decimal.Decimal, payer model.Address) (decimal.Decimal, error) {
	calc, err := m.Explain(ctx, price, payer)
	if err != nil {
		return decimal.Zero, err
	}
	return calc.Fee, nil
}

func feeKey(asset model.Asset) string {
	return storage.AddressKey(storage.PrefixFees, string(asset.Contract))
}

func volumeKey(user model.Address) string {
	return storage.AddressKey(storage.PrefixVolume, string(user))
}

// GetAccumulatedFees returns the custody-held fee balance of asset.
func (m *Manager) GetAccumulatedFees(ctx context.Context, asset model.Asset) (decimal.Decimal, error) {
	var acc Accumulated
	err := m.store.Get(ctx, feeKey(asset), &acc)
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, nil
	} else if err != nil {
		return decimal.Zero, fmt.Errorf("load accumulated fees: %w", err)
	}
	return acc.Amount, nil
}

// CollectPlatformFee books amount of asset, already held in custody, as
// platform fee paid by payer.
func (m *Manager) CollectPlatformFee(ctx context.Context, amount decimal.Decimal, asset model.Asset, payer model.Address) error {
	if err := mathutil.ValidateNonNegative(amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	return m.uow.Run(ctx, "collect_platform_fee", func(ctx context.Context) error {
		current, err := m.GetAccumulatedFees(ctx, asset)
		if err != nil {
			return err
		}
		total, err := mathutil.SafeAdd(current, amount)
		if err != nil {
			return err
		}
		if err := m.store.Put(ctx, feeKey(asset), &Accumulated{Asset: asset, Amount: total}); err != nil {
			return fmt.Errorf("save accumulated fees: %w", err)
		}
		transaction.OnCommit(ctx, func() {
			metrics.FeesCollected.WithLabelValues(asset.Symbol).Add(amount.InexactFloat64())
			m.logger.Debug("Platform fee collected",
				zap.String("payer", string(payer)),
				zap.String("asset", asset.Symbol),
				zap.String("amount", amount.String()))
		})
		return nil
	})
}

// ChargePlatformFee pulls amount from payer into custody and books it.
func (m *Manager) ChargePlatformFee(ctx context.Context, amount decimal.Decimal, asset model.Asset, payer model.Address) error {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return err
	}
	return m.uow.Run(ctx, "charge_platform_fee", func(ctx context.Context) error {
		if err := m.ledger.TransferTokens(ctx, asset, payer, m.custody, amount); err != nil {
			return err
		}
		return m.CollectPlatformFee(ctx, amount, asset, payer)
	})
}

// GetUserVolume returns the settled purchase volume of user.
func (m *Manager) GetUserVolume(ctx context.Context, user model.Address) (decimal.Decimal, error) {
	var volume decimal.Decimal
	err := m.store.Get(ctx, volumeKey(user), &volume)
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, nil
	} else if err != nil {
		return decimal.Zero, fmt.Errorf("load user volume: %w", err)
	}
	return volume, nil
}

// RecordVolume adds a settled amount to user's volume. Volume saturates
// rather than failing a settlement.
func (m *Manager) RecordVolume(ctx context.Context, user model.Address, amount decimal.Decimal) error {
	if err := mathutil.ValidateNonNegative(amount); err != nil {
		return err
	}
	return m.uow.Run(ctx, "record_volume", func(ctx context.Context) error {
		volume, err := m.GetUserVolume(ctx, user)
		if err != nil {
			return err
		}
		if err := m.store.Put(ctx, volumeKey(user), mathutil.SaturatingAdd(volume, amount)); err != nil {
			return fmt.Errorf("save user volume: %w", err)
		}
		return nil
	})
}

// WithdrawPlatformFees pays the whole fee balance of asset out of custody.
// A zero recipient means the configured fee recipient.
func (m *Manager) WithdrawPlatformFees(ctx context.Context, asset model.Asset, recipient, admin model.Address) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := m.uow.Run(ctx, "withdraw_platform_fees", func(ctx context.Context) error {
		if recipient.IsZero() {
			cfg, err := m.GetFeeConfig(ctx)
			if err != nil {
				return err
			}
			recipient = cfg.FeeRecipient
		}
		if recipient == m.custody {
			return apperrors.InvalidAmount("cannot withdraw fees to the custody account")
		}
		var err error
		amount, err = m.GetAccumulatedFees(ctx, asset)
		if err != nil {
			return err
		}
		if !amount.IsPositive() {
			return apperrors.InvalidAmount("no %s fees to withdraw", asset.Symbol)
		}
		if err := m.ledger.TransferTokens(ctx, asset, m.custody, recipient, amount); err != nil {
			return err
		}
		if err := m.store.Put(ctx, feeKey(asset), &Accumulated{Asset: asset, Amount: decimal.Zero}); err != nil {
			return fmt.Errorf("reset accumulated fees: %w", err)
		}
		m.events.Emit(ctx, messaging.MsgFeesWithdrawn, 0, messaging.FeesWithdrawnEvent{
			Asset:     asset.Symbol,
			Amount:    amount,
			Recipient: string(recipient),
			Admin:     string(admin),
		})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	m.logger.Info("Platform fees withdrawn",
		zap.String("asset", asset.Symbol),
		zap.String("amount", amount.String()),
		zap.String("recipient", string(recipient)),
		zap.String("admin", string(admin)))
	return amount, nil
}
