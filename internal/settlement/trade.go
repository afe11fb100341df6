package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/escrow"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

// validateItems rejects empty and repeated item lists. Items repeated
// across lists are rejected too.
func validateItems(lists ...[]model.NFTItem) error {
	seen := make(map[model.NFTItem]bool)
	for _, items := range lists {
		if len(items) == 0 {
			return apperrors.InvalidAmount("at least one NFT is required")
		}
		for _, item := range items {
			if item.Contract.IsZero() {
				return apperrors.InvalidAmount("nft contract is required")
			}
			if seen[item] {
				return apperrors.InvalidAmount("%s #%d is listed twice", item.Contract, item.TokenID)
			}
			seen[item] = true
		}
	}
	return nil
}

func nftLegs(items []model.NFTItem) []model.LegItem {
	legs := make([]model.LegItem, 0, len(items))
	for _, item := range items {
		legs = append(legs, model.NFTLeg(item.Contract, item.TokenID))
	}
	return legs
}

func (c *Core) checkOwnership(ctx context.Context, owner model.Address, items []model.NFTItem) error {
	for _, item := range items {
		if err := c.ledger.CheckNFTOwnership(ctx, item.Contract, item.TokenID, owner); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) depositAll(ctx context.Context, txID uint64, depositor model.Address, items []model.NFTItem) error {
	for _, leg := range nftLegs(items) {
		if err := c.escrow.DepositToEscrow(ctx, txID, depositor, leg); err != nil {
			return err
		}
	}
	return nil
}

// CreateTrade proposes an NFT for NFT exchange and escrows the initiator's
// side. A zero counterparty leaves the trade open to anyone holding the
// requested NFTs.
func (c *Core) CreateTrade(
	ctx context.Context,
	initiator, counterparty model.Address,
	offered, requested []model.NFTItem,
	duration uint64,
) (uint64, error) {
	if err := validateItems(offered, requested); err != nil {
		return 0, err
	}
	if counterparty == initiator {
		return 0, apperrors.InvalidAmount("cannot trade with yourself")
	}
	return run(ctx, c, initiator, "create_trade", func(ctx context.Context) (uint64, error) {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return 0, err
		}
		if err := checkDuration(cfg, duration); err != nil {
			return 0, err
		}
		if err := c.checkOwnership(ctx, initiator, offered); err != nil {
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
		trade := &model.TradeTransaction{
			ID:               id,
			Initiator:        initiator,
			Counterparty:     counterparty,
			InitiatorNFTs:    offered,
			CounterpartyNFTs: requested,
			State:            model.TransactionPending,
			CreatedAt:        now,
			ExpiresAt:        now + duration,
			PlatformFee:      decimal.Zero,
		}
		if err := c.save(ctx, tradeKey(id), trade, "trade"); err != nil {
			return 0, err
		}
		if _, err := c.escrow.Open(ctx, id, escrow.SwapTerms{
			Seller:    initiator,
			Buyer:     counterparty,
			SellerLeg: nftLegs(offered),
			BuyerLeg:  nftLegs(requested),
		}); err != nil {
			return 0, err
		}
		if err := c.depositAll(ctx, id, initiator, offered); err != nil {
			return 0, err
		}
		c.events.Emit(ctx, messaging.MsgTradeCreated, id, messaging.StateChangeEvent{
			Kind: string(model.KindTrade), Actor: string(initiator), State: string(trade.State),
			Detail: fmt.Sprintf("%d for %d", len(offered), len(requested)),
		})
		return id, nil
	})
}

// AcceptTrade escrows the counterparty's side, funding the trade.
func (c *Core) AcceptTrade(ctx context.Context, id uint64, acceptor model.Address) error {
	return exec(ctx, c, acceptor, "accept_trade", func(ctx context.Context) error {
		trade, err := c.GetTrade(ctx, id)
		if err != nil {
			return err
		}
		if trade.State != model.TransactionPending {
			return apperrors.InvalidState("trade %d is %s", id, trade.State)
		}
		now, err := c.now(ctx)
		if err != nil {
			return err
		}
		if expired(now, trade.ExpiresAt) {
			return apperrors.Expired("trade %d expired at %d", id, trade.ExpiresAt)
		}
		if acceptor == trade.Initiator {
			return apperrors.Unauthorized("initiator cannot accept trade %d", id)
		}
		if !trade.Counterparty.IsZero() && trade.Counterparty != acceptor {
			return apperrors.Unauthorized("trade %d is reserved for %s", id, trade.Counterparty)
		}
		if err := c.checkOwnership(ctx, acceptor, trade.CounterpartyNFTs); err != nil {
			return err
		}
		if err := c.escrow.AssignCounterparty(ctx, id, acceptor); err != nil {
			return err
		}
		if err := c.depositAll(ctx, id, acceptor, trade.CounterpartyNFTs); err != nil {
			return err
		}
		trade.Counterparty = acceptor
		trade.State = model.TransactionFunded
		if err := c.save(ctx, tradeKey(id), trade, "trade"); err != nil {
			return err
		}
		c.events.Emit(ctx, messaging.MsgTradeAccepted, id, messaging.StateChangeEvent{
			Kind: string(model.KindTrade), Actor: string(acceptor), State: string(trade.State),
		})
		return nil
	})
}

// ExecuteTrade swaps both sides of a funded trade. Either party may execute
// until the trade expires; after that it can only be cancelled.
func (c *Core) ExecuteTrade(ctx context.Context, id uint64, executor model.Address) (*model.ExecutionResult, error) {
	return run(ctx, c, executor, "execute_trade", func(ctx context.Context) (*model.ExecutionResult, error) {
		trade, err := c.GetTrade(ctx, id)
		if err != nil {
			return nil, err
		}
		if trade.State != model.TransactionFunded {
			return nil, apperrors.InvalidState("trade %d is %s, not FUNDED", id, trade.State)
		}
		if executor != trade.Initiator && executor != trade.Counterparty {
			return nil, apperrors.Unauthorized("%s is not a party to trade %d", executor, id)
		}
		now, err := c.now(ctx)
		if err != nil {
			return nil, err
		}
		if expired(now, trade.ExpiresAt) {
			return nil, apperrors.Expired("trade %d expired at %d", id, trade.ExpiresAt)
		}
		result, err := c.escrow.ExecuteSwap(ctx, id, executor)
		if err != nil {
			return nil, err
		}
		trade.State = model.TransactionExecuted
		if err := c.save(ctx, tradeKey(id), trade, "trade"); err != nil {
			return nil, err
		}
		c.events.Emit(ctx, messaging.MsgTradeExecuted, id, messaging.StateChangeEvent{
			Kind: string(model.KindTrade), Actor: string(executor), State: string(trade.State),
		})
		return result, nil
	})
}
