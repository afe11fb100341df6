package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/dispute"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
)

func saleKey(id uint64) string   { return storage.ID(storage.PrefixSale, id) }
func tradeKey(id uint64) string  { return storage.ID(storage.PrefixTrade, id) }
func bundleKey(id uint64) string { return storage.ID(storage.PrefixBundle, id) }

func (c *Core) GetSale(ctx context.Context, id uint64) (*model.SaleTransaction, error) {
	var sale model.SaleTransaction
	if err := c.load(ctx, saleKey(id), &sale, "sale"); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (c *Core) GetTrade(ctx context.Context, id uint64) (*model.TradeTransaction, error) {
	var trade model.TradeTransaction
	if err := c.load(ctx, tradeKey(id), &trade, "trade"); err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *Core) GetBundle(ctx context.Context, id uint64) (*model.BundleTransaction, error) {
	var bundle model.BundleTransaction
	if err := c.load(ctx, bundleKey(id), &bundle, "bundle"); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (c *Core) GetAuction(ctx context.Context, id uint64) (*model.AuctionTransaction, error) {
	return c.auctions.GetAuction(ctx, id)
}

func (c *Core) GetSwap(ctx context.Context, txID uint64) (*model.AtomicSwap, error) {
	return c.escrow.GetSwap(ctx, txID)
}

func (c *Core) GetEscrowHoldings(ctx context.Context, txID uint64) ([]model.EscrowHolding, error) {
	return c.escrow.GetEscrowHoldings(ctx, txID)
}

func (c *Core) GetDispute(ctx context.Context, id uint64) (*dispute.Dispute, error) {
	return c.disputes.GetDispute(ctx, id)
}

func (c *Core) GetAccumulatedFees(ctx context.Context, asset model.Asset) (decimal.Decimal, error) {
	return c.fees.GetAccumulatedFees(ctx, asset)
}

func (c *Core) GetUserVolume(ctx context.Context, user model.Address) (decimal.Decimal, error) {
	return c.fees.GetUserVolume(ctx, user)
}

// CalculateFee quotes the platform fee payer would be charged on price.
func (c *Core) CalculateFee(ctx context.Context, price decimal.Decimal, payer model.Address) (decimal.Decimal, error) {
	return c.fees.CalculateFee(ctx, price, payer)
}

// kindOf resolves which record map holds txID. Ids come from one shared
// sequence, so at most one map matches.
func (c *Core) kindOf(ctx context.Context, txID uint64) (model.TransactionKind, error) {
	candidates := []struct {
		kind model.TransactionKind
		key  string
	}{
		{model.KindSale, saleKey(txID)},
		{model.KindTrade, tradeKey(txID)},
		{model.KindBundle, bundleKey(txID)},
		{model.KindAuction, storage.ID(storage.PrefixAuction, txID)},
	}
	for _, cand := range candidates {
		ok, err := c.store.Has(ctx, cand.key)
		if err != nil {
			return "", err
		}
		if ok {
			return cand.kind, nil
		}
	}
	return "", apperrors.NotFound("transaction %d not found", txID)
}

// parties lists the addresses that may dispute a transaction, and its state.
func (c *Core) parties(ctx context.Context, kind model.TransactionKind, txID uint64) ([]model.Address, model.TransactionState, error) {
	switch kind {
	case model.KindSale:
		sale, err := c.GetSale(ctx, txID)
		if err != nil {
			return nil, "", err
		}
		return []model.Address{sale.Seller, sale.Buyer}, sale.State, nil
	case model.KindTrade:
		trade, err := c.GetTrade(ctx, txID)
		if err != nil {
			return nil, "", err
		}
		return []model.Address{trade.Initiator, trade.Counterparty}, trade.State, nil
	case model.KindBundle:
		bundle, err := c.GetBundle(ctx, txID)
		if err != nil {
			return nil, "", err
		}
		return []model.Address{bundle.Seller, bundle.Buyer}, bundle.State, nil
	case model.KindAuction:
		a, err := c.auctions.GetAuction(ctx, txID)
		if err != nil {
			return nil, "", err
		}
		return []model.Address{a.Seller, a.Winner, a.HighestBidder}, a.State, nil
	default:
		return nil, "", apperrors.InvalidAmount("unknown transaction kind %q", kind)
	}
}

// void marks a transaction whose escrow has been refunded as cancelled. It
// reports false when the transaction had already executed or been
// cancelled.
func (c *Core) void(ctx context.Context, kind model.TransactionKind, txID uint64) (bool, error) {
	settled := func(s model.TransactionState) bool {
		return s == model.TransactionExecuted || s == model.TransactionCancelled
	}
	switch kind {
	case model.KindSale:
		sale, err := c.GetSale(ctx, txID)
		if err != nil || settled(sale.State) {
			return false, err
		}
		sale.State = model.TransactionCancelled
		return true, c.save(ctx, saleKey(txID), sale, "sale")
	case model.KindTrade:
		trade, err := c.GetTrade(ctx, txID)
		if err != nil || settled(trade.State) {
			return false, err
		}
		trade.State = model.TransactionCancelled
		return true, c.save(ctx, tradeKey(txID), trade, "trade")
	case model.KindBundle:
		bundle, err := c.GetBundle(ctx, txID)
		if err != nil || settled(bundle.State) {
			return false, err
		}
		bundle.State = model.TransactionCancelled
		return true, c.save(ctx, bundleKey(txID), bundle, "bundle")
	case model.KindAuction:
		a, err := c.auctions.GetAuction(ctx, txID)
		if err != nil || a.State != model.TransactionPending {
			return false, err
		}
		if _, err := c.auctions.Void(ctx, txID); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, apperrors.InvalidAmount("unknown transaction kind %q", kind)
	}
}

// nextTransactionID allocates from the sequence shared by all kinds.
func (c *Core) nextTransactionID(ctx context.Context) (uint64, error) {
	return c.store.NextID(ctx, storage.CounterTransaction)
}

// checkDuration bounds a listing duration by the admin config.
func checkDuration(cfg *model.AdminConfig, duration uint64) error {
	if duration == 0 || duration > cfg.MaxTransactionDuration {
		return apperrors.InvalidAmount("duration %d is outside (0, %d]", duration, cfg.MaxTransactionDuration)
	}
	return nil
}

func expired(now, expiresAt uint64) bool {
	return expiresAt != 0 && now >= expiresAt
}
