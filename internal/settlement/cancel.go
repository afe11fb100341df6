package settlement

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/transaction"
)

// CancelTransaction withdraws a transaction that has not executed and
// refunds its escrow. Sales, bundles and auctions are cancelled by the
// seller while pending and unbid. A pending trade is cancelled by its
// initiator; a funded trade by either party once it has expired.
func (c *Core) CancelTransaction(ctx context.Context, id uint64, kind model.TransactionKind, caller model.Address) error {
	switch kind {
	case model.KindSale, model.KindTrade, model.KindBundle, model.KindAuction:
	default:
		return apperrors.InvalidAmount("unknown transaction kind %q", kind)
	}
	return exec(ctx, c, caller, "cancel_transaction", func(ctx context.Context) error {
		actual, err := c.kindOf(ctx, id)
		if err != nil {
			return err
		}
		if actual != kind {
			return apperrors.NotFound("transaction %d is not a %s", id, kind)
		}

		switch kind {
		case model.KindSale:
			err = c.cancelSale(ctx, id, caller)
		case model.KindTrade:
			err = c.cancelTrade(ctx, id, caller)
		case model.KindBundle:
			err = c.cancelBundle(ctx, id, caller)
		case model.KindAuction:
			err = c.cancelAuction(ctx, id, caller)
		}
		if err != nil {
			return err
		}
		c.events.Emit(ctx, messaging.MsgTransactionVoid, id, messaging.StateChangeEvent{
			Kind: string(kind), Actor: string(caller), State: string(model.TransactionCancelled),
		})
		transaction.OnCommit(ctx, func() {
			c.logger.Info("Transaction cancelled",
				zap.Uint64("transaction_id", id),
				zap.String("kind", string(kind)),
				zap.String("caller", string(caller)))
		})
		return nil
	})
}

func (c *Core) cancelSale(ctx context.Context, id uint64, caller model.Address) error {
	sale, err := c.GetSale(ctx, id)
	if err != nil {
		return err
	}
	if caller != sale.Seller {
		return apperrors.Unauthorized("only the seller may cancel sale %d", id)
	}
	if sale.State != model.TransactionPending {
		return apperrors.InvalidState("sale %d is %s", id, sale.State)
	}
	if err := c.escrow.CancelSwap(ctx, id, caller); err != nil {
		return err
	}
	sale.State = model.TransactionCancelled
	return c.save(ctx, saleKey(id), sale, "sale")
}

func (c *Core) cancelTrade(ctx context.Context, id uint64, caller model.Address) error {
	trade, err := c.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	switch trade.State {
	case model.TransactionPending:
		if caller != trade.Initiator {
			return apperrors.Unauthorized("only the initiator may cancel trade %d", id)
		}
	case model.TransactionFunded:
		if caller != trade.Initiator && caller != trade.Counterparty {
			return apperrors.Unauthorized("%s is not a party to trade %d", caller, id)
		}
		now, err := c.now(ctx)
		if err != nil {
			return err
		}
		if !expired(now, trade.ExpiresAt) {
			return apperrors.InvalidState("funded trade %d can be cancelled once it expires at %d", id, trade.ExpiresAt)
		}
	default:
		return apperrors.InvalidState("trade %d is %s", id, trade.State)
	}
	if err := c.escrow.CancelSwap(ctx, id, caller); err != nil {
		return err
	}
	trade.State = model.TransactionCancelled
	return c.save(ctx, tradeKey(id), trade, "trade")
}

func (c *Core) cancelBundle(ctx context.Context, id uint64, caller model.Address) error {
	bundle, err := c.GetBundle(ctx, id)
	if err != nil {
		return err
	}
	if caller != bundle.Seller {
		return apperrors.Unauthorized("only the seller may cancel bundle %d", id)
	}
	if bundle.State != model.TransactionPending {
		return apperrors.InvalidState("bundle %d is %s", id, bundle.State)
	}
	if err := c.escrow.CancelSwap(ctx, id, caller); err != nil {
		return err
	}
	bundle.State = model.TransactionCancelled
	return c.save(ctx, bundleKey(id), bundle, "bundle")
}

func (c *Core) cancelAuction(ctx context.Context, id uint64, caller model.Address) error {
	if err := c.auctions.Cancel(ctx, id, caller); err != nil {
		return err
	}
	return c.escrow.CancelSwap(ctx, id, caller)
}
