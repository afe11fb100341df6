package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/auction"
	"github.com/Aidin1998/nftsettle/internal/dispute"
	"github.com/Aidin1998/nftsettle/internal/royalty"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
)

// InitOptions seed the configs written by Initialize. A zero FeeRecipient
// means the admin.
type InitOptions struct {
	FeeRecipient model.Address
	Arbitrators  []model.Address
}

// Initialize writes the admin, fee, auction and dispute configs. It can
// run only once.
func (c *Core) Initialize(ctx context.Context, admin model.Address, opts InitOptions) error {
	return exec(ctx, c, admin, "initialize", func(ctx context.Context) error {
		exists, err := c.store.Has(ctx, storage.KeyAdminConfig)
		if err != nil {
			return err
		}
		if exists {
			return apperrors.InvalidState("settlement engine is already initialized")
		}

		adminCfg := model.DefaultAdminConfig(admin)
		if err := c.save(ctx, storage.KeyAdminConfig, &adminCfg, "admin config"); err != nil {
			return err
		}
		recipient := opts.FeeRecipient
		if recipient.IsZero() {
			recipient = admin
		}
		feeCfg := model.DefaultFeeConfig(recipient)
		if err := c.fees.UpdateFeeConfig(ctx, &feeCfg, admin); err != nil {
			return err
		}
		auctionCfg := auction.DefaultConfig()
		auctionCfg.MaxDuration = adminCfg.MaxAuctionDuration
		auctionCfg.MinBidIncrementBps = adminCfg.MinBidIncrementBps
		if err := c.auctions.UpdateConfig(ctx, &auctionCfg); err != nil {
			return err
		}
		disputeCfg := dispute.DefaultConfig(adminCfg.DisputeCoolingPeriod, adminCfg.ArbitrationQuorum)
		if len(opts.Arbitrators) > 0 {
			disputeCfg.Arbitrators = opts.Arbitrators
		}
		if err := c.disputes.UpdateConfig(ctx, &disputeCfg); err != nil {
			return err
		}
		c.logger.Info("Settlement engine initialized",
			zap.String("admin", string(admin)),
			zap.String("fee_recipient", string(recipient)),
			zap.Int("arbitrators", len(disputeCfg.Arbitrators)))
		return nil
	})
}

// GetAdminConfig loads the admin config. NotFound before Initialize.
func (c *Core) GetAdminConfig(ctx context.Context) (*model.AdminConfig, error) {
	var cfg model.AdminConfig
	if err := c.load(ctx, storage.KeyAdminConfig, &cfg, "admin config"); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// requireAdmin fails closed: without an admin config nobody is admin.
func (c *Core) requireAdmin(ctx context.Context, caller model.Address) (*model.AdminConfig, error) {
	cfg, err := c.GetAdminConfig(ctx)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, apperrors.Unauthorized("no admin is configured")
		}
		return nil, err
	}
	if caller.IsZero() || caller != cfg.Admin {
		return nil, apperrors.Unauthorized("%s is not the admin", caller)
	}
	return cfg, nil
}

func validateAdminConfig(cfg *model.AdminConfig) error {
	if cfg.Admin.IsZero() {
		return apperrors.InvalidAmount("admin address is required")
	}
	if cfg.MaxTransactionDuration == 0 || cfg.MaxAuctionDuration == 0 {
		return apperrors.InvalidAmount("maximum durations must be positive")
	}
	if cfg.MinBidIncrementBps > mathutil.BasisPoints {
		return apperrors.InvalidAmount("bid increment %d bps exceeds 100%%", cfg.MinBidIncrementBps)
	}
	if cfg.MaxRoyaltyPercentage > royalty.MaxRoyaltyBps {
		return apperrors.InvalidRoyaltyPercentage("royalty cap %d exceeds %d bps", cfg.MaxRoyaltyPercentage, royalty.MaxRoyaltyBps)
	}
	if cfg.ArbitrationQuorum == 0 {
		return apperrors.InvalidAmount("arbitration quorum must be positive")
	}
	return nil
}

// UpdateAdminConfig replaces the admin config. Handing over the admin role
// is done by changing Admin.
func (c *Core) UpdateAdminConfig(ctx context.Context, cfg *model.AdminConfig, admin model.Address) error {
	if err := validateAdminConfig(cfg); err != nil {
		return err
	}
	return exec(ctx, c, admin, "update_admin_config", func(ctx context.Context) error {
		if _, err := c.requireAdmin(ctx, admin); err != nil {
			return err
		}
		if err := c.save(ctx, storage.KeyAdminConfig, cfg, "admin config"); err != nil {
			return err
		}
		c.logger.Info("Admin config updated", zap.String("admin", string(admin)), zap.String("new_admin", string(cfg.Admin)))
		return nil
	})
}

// UpdateFeeConfig replaces the fee config. Admin only.
func (c *Core) UpdateFeeConfig(ctx context.Context, cfg *model.FeeConfig, admin model.Address) error {
	return exec(ctx, c, admin, "update_fee_config", func(ctx context.Context) error {
		if _, err := c.requireAdmin(ctx, admin); err != nil {
			return err
		}
		return c.fees.UpdateFeeConfig(ctx, cfg, admin)
	})
}

// GetFeeConfig returns the current fee config.
func (c *Core) GetFeeConfig(ctx context.Context) (*model.FeeConfig, error) {
	return c.fees.GetFeeConfig(ctx)
}

// WithdrawPlatformFees pays out the accumulated fees of asset. Admin only.
func (c *Core) WithdrawPlatformFees(ctx context.Context, asset model.Asset, recipient, admin model.Address) (decimal.Decimal, error) {
	return run(ctx, c, admin, "withdraw_platform_fees", func(ctx context.Context) (decimal.Decimal, error) {
		if _, err := c.requireAdmin(ctx, admin); err != nil {
			return decimal.Zero, err
		}
		return c.fees.WithdrawPlatformFees(ctx, asset, recipient, admin)
	})
}

// GetAuctionConfig returns the auction config.
func (c *Core) GetAuctionConfig(ctx context.Context) (*auction.Config, error) {
	return c.auctions.GetConfig(ctx)
}

// UpdateAuctionConfig replaces the auction config. Admin only.
func (c *Core) UpdateAuctionConfig(ctx context.Context, cfg *auction.Config, admin model.Address) error {
	return exec(ctx, c, admin, "update_auction_config", func(ctx context.Context) error {
		if _, err := c.requireAdmin(ctx, admin); err != nil {
			return err
		}
		return c.auctions.UpdateConfig(ctx, cfg)
	})
}

// GetDisputeConfig returns the dispute config.
func (c *Core) GetDisputeConfig(ctx context.Context) (*dispute.Config, error) {
	return c.disputes.GetConfig(ctx)
}

// UpdateDisputeConfig replaces the dispute config. Admin only.
func (c *Core) UpdateDisputeConfig(ctx context.Context, cfg *dispute.Config, admin model.Address) error {
	return exec(ctx, c, admin, "update_dispute_config", func(ctx context.Context) error {
		if _, err := c.requireAdmin(ctx, admin); err != nil {
			return err
		}
		return c.disputes.UpdateConfig(ctx, cfg)
	})
}

// EmergencyWithdraw returns every unreleased deposit of a transaction to its
// depositor and cancels the transaction if it had not executed. Admin only,
// and only while emergency withdrawal is enabled.
func (c *Core) EmergencyWithdraw(ctx context.Context, txID uint64, admin model.Address, reason string) (int, error) {
	return run(ctx, c, admin, "emergency_withdraw", func(ctx context.Context) (int, error) {
		cfg, err := c.requireAdmin(ctx, admin)
		if err != nil {
			return 0, err
		}
		if !cfg.EmergencyWithdrawalEnabled {
			return 0, apperrors.InvalidState("emergency withdrawal is disabled")
		}
		kind, err := c.kindOf(ctx, txID)
		if err != nil {
			return 0, err
		}
		refunded, err := c.escrow.EmergencyWithdraw(ctx, txID, admin, reason)
		if err != nil {
			return 0, err
		}
		if _, err := c.void(ctx, kind, txID); err != nil {
			return 0, err
		}
		return refunded, nil
	})
}
