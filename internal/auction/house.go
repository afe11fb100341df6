// Package auction runs English, Dutch and sealed-bid auctions. Bids and
// sealed-bid deposits are locked in custody until the auction is
// finalized; settling the sale itself is left to the caller.
package auction

import (
	"bytes"
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
)

// Params describe a new auction. A zero StartTime starts it immediately.
type Params struct {
	Type          model.AuctionType
	Seller        model.Address
	NFTContract   model.Address
	TokenID       uint64
	StartingPrice decimal.Decimal
	ReservePrice  decimal.Decimal
	BidIncrement  decimal.Decimal
	Currency      model.Asset
	StartTime     uint64
	Duration      uint64
}

// House owns auction records and the bids locked for them.
type House struct {
	logger  *zap.Logger
	store   *storage.BadgerStore
	uow     *transaction.UnitOfWork
	ledger  model.AssetTransfer
	clock   model.Clock
	events  *messaging.Bus
	custody model.Address
}

func NewHouse(
	logger *zap.Logger,
	store *storage.BadgerStore,
	uow *transaction.UnitOfWork,
	ledger model.AssetTransfer,
	clock model.Clock,
	events *messaging.Bus,
	custody model.Address,
) *House {
	return &House{
		logger:  logger.Named("auction"),
		store:   store,
		uow:     uow,
		ledger:  ledger,
		clock:   clock,
		events:  events,
		custody: custody,
	}
}

func auctionKey(id uint64) string { return storage.ID(storage.PrefixAuction, id) }

// GetConfig loads the auction config.
func (h *House) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := h.store.Get(ctx, storage.KeyAuctionConfig, &cfg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("auction config is not initialized")
		}
		return nil, fmt.Errorf("load auction config: %w", err)
	}
	return &cfg, nil
}

// UpdateConfig replaces the auction config. Admin authorization is the
// caller's job.
func (h *House) UpdateConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return h.uow.Run(ctx, "update_auction_config", func(ctx context.Context) error {
		return h.store.Put(ctx, storage.KeyAuctionConfig, cfg)
	})
}

// GetAuction loads an auction.
func (h *House) GetAuction(ctx context.Context, id uint64) (*model.AuctionTransaction, error) {
	var a model.AuctionTransaction
	if err := h.store.Get(ctx, auctionKey(id), &a); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("auction %d not found", id)
		}
		return nil, fmt.Errorf("load auction %d: %w", id, err)
	}
	return &a, nil
}

func (h *House) save(ctx context.Context, a *model.AuctionTransaction) error {
	if err := h.store.Put(ctx, auctionKey(a.ID), a); err != nil {
		return fmt.Errorf("save auction %d: %w", a.ID, err)
	}
	return nil
}

func validateParams(p *Params, cfg *Config) error {
	switch p.Type {
	case model.AuctionEnglish, model.AuctionDutch, model.AuctionSealedBid:
	default:
		return apperrors.InvalidAmount("unknown auction type %q", p.Type)
	}
	if p.Seller.IsZero() || p.NFTContract.IsZero() || p.Currency.Contract.IsZero() {
		return apperrors.InvalidAmount("auction needs a seller, a collection and a currency")
	}
	if err := mathutil.ValidateAmount(p.StartingPrice); err != nil {
		return err
	}
	if err := mathutil.ValidateNonNegative(p.ReservePrice); err != nil {
		return err
	}
	if err := mathutil.ValidateNonNegative(p.BidIncrement); err != nil {
		return err
	}
	if p.Type == model.AuctionDutch && !p.ReservePrice.LessThan(p.StartingPrice) {
		return apperrors.InvalidAmount("dutch reserve %s must be below the starting price %s", p.ReservePrice, p.StartingPrice)
	}
	if p.Duration < cfg.MinDuration || p.Duration > cfg.MaxDuration {
		return apperrors.InvalidAmount("duration %d outside [%d, %d]", p.Duration, cfg.MinDuration, cfg.MaxDuration)
	}
	return nil
}

// Create records a new Pending auction under id.
func (h *House) Create(ctx context.Context, id uint64, p Params) (*model.AuctionTransaction, error) {
	var a *model.AuctionTransaction
	err := h.uow.Run(ctx, "create_auction", func(ctx context.Context) error {
		cfg, err := h.GetConfig(ctx)
		if err != nil {
			return err
		}
		if err := validateParams(&p, cfg); err != nil {
			return err
		}
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		start := p.StartTime
		if start == 0 {
			start = now
		} else if start < now {
			return apperrors.InvalidState("auction cannot start in the past")
		}
		a = &model.AuctionTransaction{
			ID:            id,
			Type:          p.Type,
			Seller:        p.Seller,
			NFTContract:   p.NFTContract,
			TokenID:       p.TokenID,
			StartingPrice: p.StartingPrice,
			ReservePrice:  p.ReservePrice,
			BidIncrement:  p.BidIncrement,
			Currency:      p.Currency,
			State:         model.TransactionPending,
			CreatedAt:     now,
			StartTime:     start,
			EndTime:       start + p.Duration,
			HighestBid:    decimal.Zero,
			FinalPrice:    decimal.Zero,
			PlatformFee:   decimal.Zero,
		}
		if p.Type == model.AuctionSealedBid {
			a.RevealDeadline = a.EndTime + cfg.RevealPeriod
		}
		if err := h.save(ctx, a); err != nil {
			return err
		}
		h.events.Emit(ctx, messaging.MsgAuctionCreated, id, messaging.StateChangeEvent{
			Kind: string(model.KindAuction), Actor: string(p.Seller), State: string(a.State), Detail: string(p.Type),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (h *House) biddable(a *model.AuctionTransaction, bidder model.Address, now uint64) error {
	if a.State != model.TransactionPending || !a.Winner.IsZero() {
		return apperrors.InvalidState("auction %d is %s", a.ID, a.State)
	}
	if now < a.StartTime {
		return apperrors.InvalidState("auction %d has not started", a.ID)
	}
	if now >= a.EndTime {
		return apperrors.Expired("auction %d ended at %d", a.ID, a.EndTime)
	}
	if bidder.IsZero() || bidder == a.Seller {
		return apperrors.Unauthorized("%q cannot bid on auction %d", bidder, a.ID)
	}
	return nil
}

// MinimumBid is the smallest acceptable next English bid.
func MinimumBid(a *model.AuctionTransaction, cfg *Config) (decimal.Decimal, error) {
	if a.HighestBidder.IsZero() {
		return a.StartingPrice, nil
	}
	step, err := mathutil.Percentage(a.HighestBid, cfg.MinBidIncrementBps)
	if err != nil {
		return decimal.Zero, err
	}
	if a.BidIncrement.GreaterThan(step) {
		step = a.BidIncrement
	}
	if step.IsZero() {
		step = decimal.NewFromInt(1)
	}
	return mathutil.SafeAdd(a.HighestBid, step)
}

// DutchPrice decays linearly from the starting price at StartTime to the
// reserve price at EndTime.
func DutchPrice(a *model.AuctionTransaction, now uint64) decimal.Decimal {
	if now <= a.StartTime {
		return a.StartingPrice
	}
	if now >= a.EndTime {
		return a.ReservePrice
	}
	span := a.StartingPrice.Sub(a.ReservePrice)
	elapsed := decimal.NewFromInt(int64(now - a.StartTime))
	total := decimal.NewFromInt(int64(a.EndTime - a.StartTime))
	drop, _ := span.Mul(elapsed).QuoRem(total, 0)
	return a.StartingPrice.Sub(drop)
}

// GetDutchAuctionPrice returns the current price of a Dutch auction.
func (h *House) GetDutchAuctionPrice(ctx context.Context, id uint64) (decimal.Decimal, error) {
	a, err := h.GetAuction(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if a.Type != model.AuctionDutch {
		return decimal.Zero, apperrors.InvalidState("auction %d is not a dutch auction", id)
	}
	now, err := h.clock.Now(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return DutchPrice(a, now), nil
}

func (h *House) lock(ctx context.Context, a *model.AuctionTransaction, from model.Address, amount decimal.Decimal) error {
	return h.ledger.TransferTokens(ctx, a.Currency, from, h.custody, amount)
}

func (h *House) unlock(ctx context.Context, a *model.AuctionTransaction, to model.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := h.ledger.TransferTokens(ctx, a.Currency, h.custody, to, amount); err != nil {
		return fmt.Errorf("refund %s on auction %d: %w", to, a.ID, err)
	}
	return nil
}

// PlaceBid places an open bid on an English or Dutch auction. The bid
// amount is locked in custody. A Dutch bid at or above the current price
// wins at the current price; the returned auction then has a Winner and is
// ready to finalize.
func (h *House) PlaceBid(ctx context.Context, id uint64, bidder model.Address, amount decimal.Decimal) (*model.AuctionTransaction, error) {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return nil, err
	}
	var a *model.AuctionTransaction
	err := h.uow.Run(ctx, "place_bid", func(ctx context.Context) error {
		var err error
		if a, err = h.GetAuction(ctx, id); err != nil {
			return err
		}
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		if err := h.biddable(a, bidder, now); err != nil {
			return err
		}

		switch a.Type {
		case model.AuctionEnglish:
			err = h.placeEnglishBid(ctx, a, bidder, amount, now)
		case model.AuctionDutch:
			err = h.placeDutchBid(ctx, a, bidder, amount, now)
		default:
			err = apperrors.InvalidState("auction %d takes sealed bids only", id)
		}
		if err != nil {
			return err
		}
		if err := h.save(ctx, a); err != nil {
			return err
		}
		h.events.Emit(ctx, messaging.MsgBidPlaced, id, messaging.StateChangeEvent{
			Kind: string(model.KindAuction), Actor: string(bidder), State: string(a.State), Detail: a.HighestBid.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (h *House) placeEnglishBid(ctx context.Context, a *model.AuctionTransaction, bidder model.Address, amount decimal.Decimal, now uint64) error {
	cfg, err := h.GetConfig(ctx)
	if err != nil {
		return err
	}
	minimum, err := MinimumBid(a, cfg)
	if err != nil {
		return err
	}
	if amount.LessThan(minimum) {
		return apperrors.InvalidAmount("bid %s is below the minimum %s", amount, minimum)
	}
	if err := h.lock(ctx, a, bidder, amount); err != nil {
		return err
	}
	if !a.HighestBidder.IsZero() {
		if err := h.unlock(ctx, a, a.HighestBidder, a.HighestBid); err != nil {
			return err
		}
		for i := range a.Bids {
			if a.Bids[i].Bidder == a.HighestBidder && !a.Bids[i].Refunded {
				a.Bids[i].Refunded = true
			}
		}
	}
	a.Bids = append(a.Bids, model.Bid{Bidder: bidder, Amount: amount, Timestamp: now})
	a.HighestBid = amount
	a.HighestBidder = bidder
	if cfg.ExtensionWindow > 0 && a.EndTime-now < cfg.ExtensionWindow {
		a.EndTime = now + cfg.ExtensionWindow
		h.logger.Debug("auction extended", zap.Uint64("auction_id", a.ID), zap.Uint64("end_time", a.EndTime))
	}
	return nil
}

func (h *House) placeDutchBid(ctx context.Context, a *model.AuctionTransaction, bidder model.Address, amount decimal.Decimal, now uint64) error {
	price := DutchPrice(a, now)
	if amount.LessThan(price) {
		return apperrors.InvalidAmount("bid %s is below the current price %s", amount, price)
	}
	if err := mathutil.ValidateAmount(price); err != nil {
		return err
	}
	if err := h.lock(ctx, a, bidder, price); err != nil {
		return err
	}
	a.Bids = append(a.Bids, model.Bid{Bidder: bidder, Amount: price, Timestamp: now})
	a.HighestBid = price
	a.HighestBidder = bidder
	a.Winner = bidder
	a.FinalPrice = price
	return nil
}

func findCommitment(a *model.AuctionTransaction, bidder model.Address) *model.BidCommitment {
	for i := range a.Commitments {
		if a.Commitments[i].Bidder == bidder {
			return &a.Commitments[i]
		}
	}
	return nil
}

// CommitBid records a sealed bid and locks its deposit. The deposit must
// cover the bid that will be revealed.
func (h *House) CommitBid(ctx context.Context, id uint64, bidder model.Address, hash []byte, deposit decimal.Decimal) error {
	if len(hash) != 32 {
		return apperrors.InvalidAmount("commitment must be a 32 byte hash")
	}
	if err := mathutil.ValidateAmount(deposit); err != nil {
		return err
	}
	return h.uow.Run(ctx, "commit_bid", func(ctx context.Context) error {
		a, err := h.GetAuction(ctx, id)
		if err != nil {
			return err
		}
		if a.Type != model.AuctionSealedBid {
			return apperrors.InvalidState("auction %d takes open bids", id)
		}
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		if err := h.biddable(a, bidder, now); err != nil {
			return err
		}
		if findCommitment(a, bidder) != nil {
			return apperrors.InvalidState("%s already committed to auction %d", bidder, id)
		}
		if err := h.lock(ctx, a, bidder, deposit); err != nil {
			return err
		}
		a.Commitments = append(a.Commitments, model.BidCommitment{
			Bidder:         bidder,
			CommitmentHash: hash,
			Deposit:        deposit,
			Timestamp:      now,
			RevealedAmount: decimal.Zero,
		})
		if err := h.save(ctx, a); err != nil {
			return err
		}
		h.events.Emit(ctx, messaging.MsgBidPlaced, id, messaging.StateChangeEvent{
			Kind: string(model.KindAuction), Actor: string(bidder), State: string(a.State), Detail: "sealed",
		})
		return nil
	})
}

// RevealBid opens a sealed bid after bidding has closed and before the
// reveal deadline.
func (h *House) RevealBid(ctx context.Context, id uint64, bidder model.Address, amount decimal.Decimal, salt []byte) error {
	hash, err := CommitmentHash(bidder, amount, salt)
	if err != nil {
		return err
	}
	return h.uow.Run(ctx, "reveal_bid", func(ctx context.Context) error {
		a, err := h.GetAuction(ctx, id)
		if err != nil {
			return err
		}
		if a.Type != model.AuctionSealedBid || a.State != model.TransactionPending {
			return apperrors.InvalidState("auction %d has no open reveal phase", id)
		}
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		if now < a.EndTime {
			return apperrors.InvalidState("bidding on auction %d is still open", id)
		}
		if now >= a.RevealDeadline {
			return apperrors.Expired("reveal phase of auction %d ended at %d", id, a.RevealDeadline)
		}
		c := findCommitment(a, bidder)
		if c == nil {
			return apperrors.NotFound("%s has no commitment on auction %d", bidder, id)
		}
		if c.Revealed {
			return apperrors.InvalidState("%s already revealed", bidder)
		}
		if !bytes.Equal(c.CommitmentHash, hash) {
			return apperrors.Unauthorized("reveal does not match the commitment of %s", bidder)
		}
		if amount.GreaterThan(c.Deposit) {
			return apperrors.InsufficientFunds("bid %s exceeds deposit %s", amount, c.Deposit)
		}
		c.Revealed = true
		c.RevealedAmount = amount
		if amount.GreaterThan(a.HighestBid) {
			a.HighestBid = amount
			a.HighestBidder = bidder
		}
		if err := h.save(ctx, a); err != nil {
			return err
		}
		h.events.Emit(ctx, messaging.MsgBidRevealed, id, messaging.StateChangeEvent{
			Kind: string(model.KindAuction), Actor: string(bidder), State: string(a.State), Detail: amount.String(),
		})
		return nil
	})
}

// CleanupExpiredCommitments refunds deposits of sealed bids never revealed
// before the reveal deadline.
func (h *House) CleanupExpiredCommitments(ctx context.Context, id uint64) (int, error) {
	refunded := 0
	err := h.uow.Run(ctx, "cleanup_expired_commitments", func(ctx context.Context) error {
		a, err := h.GetAuction(ctx, id)
		if err != nil {
			return err
		}
		if a.Type != model.AuctionSealedBid {
			return apperrors.InvalidState("auction %d has no commitments", id)
		}
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		if now < a.RevealDeadline {
			return apperrors.InvalidState("reveal phase of auction %d is still open", id)
		}
		for i := range a.Commitments {
			c := &a.Commitments[i]
			if c.Revealed || c.Refunded {
				continue
			}
			if err := h.unlock(ctx, a, c.Bidder, c.Deposit); err != nil {
				return err
			}
			c.Refunded = true
			refunded++
		}
		return h.save(ctx, a)
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

// ended reports whether a can be finalized at now.
func ended(a *model.AuctionTransaction, now uint64) bool {
	switch a.Type {
	case model.AuctionDutch:
		return !a.Winner.IsZero() || now >= a.EndTime
	case model.AuctionSealedBid:
		return now >= a.RevealDeadline
	default:
		return now >= a.EndTime
	}
}

// Finalize closes bidding, picks the winner and returns every locked bid
// and deposit, the winner's included. The caller settles with the winner
// in the same unit of work and then concludes the auction. A zero Winner
// means the auction did not sell.
func (h *House) Finalize(ctx context.Context, id uint64) (*model.AuctionTransaction, error) {
	var a *model.AuctionTransaction
	err := h.uow.Run(ctx, "finalize_auction", func(ctx context.Context) error {
		var err error
		if a, err = h.GetAuction(ctx, id); err != nil {
			return err
		}
		if a.State != model.TransactionPending {
			return apperrors.InvalidState("auction %d is %s", id, a.State)
		}
		now, err := h.clock.Now(ctx)
		if err != nil {
			return err
		}
		if !ended(a, now) {
			return apperrors.InvalidState("auction %d has not ended", id)
		}

		switch a.Type {
		case model.AuctionEnglish:
			if !a.HighestBidder.IsZero() {
				if err := h.unlock(ctx, a, a.HighestBidder, a.HighestBid); err != nil {
					return err
				}
				for i := range a.Bids {
					a.Bids[i].Refunded = true
				}
				if a.HighestBid.GreaterThanOrEqual(a.ReservePrice) {
					a.Winner = a.HighestBidder
					a.FinalPrice = a.HighestBid
				}
			}
		case model.AuctionDutch:
			if !a.Winner.IsZero() {
				if err := h.unlock(ctx, a, a.Winner, a.FinalPrice); err != nil {
					return err
				}
				for i := range a.Bids {
					a.Bids[i].Refunded = true
				}
			}
		case model.AuctionSealedBid:
			h.pickSealedWinner(a)
			for i := range a.Commitments {
				c := &a.Commitments[i]
				if c.Refunded {
					continue
				}
				if err := h.unlock(ctx, a, c.Bidder, c.Deposit); err != nil {
					return err
				}
				c.Refunded = true
			}
		}
		return h.save(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// pickSealedWinner takes the highest revealed bid at or above the starting
// price and the reserve.
// Ties go to the earliest commitment.
func (h *House) pickSealedWinner(a *model.AuctionTransaction) {
	if best, ok := rankSealedBids(a).best(); ok {
		a.Winner = best.Bidder
		a.FinalPrice = best.RevealedAmount
	}
}

// Conclude records the final state of a finalized or cancelled auction,
// with the royalty split and fee it settled under, if any.
func (h *House) Conclude(ctx context.Context, id uint64, state model.TransactionState, royalty *model.RoyaltyDistribution, fee decimal.Decimal) (*model.AuctionTransaction, error) {
	var a *model.AuctionTransaction
	err := h.uow.Run(ctx, "conclude_auction", func(ctx context.Context) error {
		var err error
		if a, err = h.GetAuction(ctx, id); err != nil {
			return err
		}
		if a.State != model.TransactionPending && a.State != model.TransactionFunded {
			return apperrors.InvalidState("auction %d is already %s", id, a.State)
		}
		a.State = state
		a.Royalty = royalty
		a.PlatformFee = fee
		if err := h.save(ctx, a); err != nil {
			return err
		}
		h.events.Emit(ctx, messaging.MsgAuctionEnded, id, messaging.StateChangeEvent{
			Kind: string(model.KindAuction), Actor: string(a.Winner), State: string(state), Detail: a.FinalPrice.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel withdraws an auction nobody has bid on. Seller only.
func (h *House) Cancel(ctx context.Context, id uint64, caller model.Address) error {
	return h.uow.Run(ctx, "cancel_auction", func(ctx context.Context) error {
		a, err := h.GetAuction(ctx, id)
		if err != nil {
			return err
		}
		if a.Seller != caller {
			return apperrors.Unauthorized("only the seller may cancel auction %d", id)
		}
		if a.State != model.TransactionPending {
			return apperrors.InvalidState("auction %d is %s", id, a.State)
		}
		if len(a.Bids) > 0 || len(a.Commitments) > 0 {
			return apperrors.InvalidState("auction %d already has bids", id)
		}
		a.State = model.TransactionCancelled
		return h.save(ctx, a)
	})
}

// Void returns every lock still held for a pending auction and cancels it.
// Used after an upheld dispute or an emergency withdrawal; authorization is
// the caller's.
func (h *House) Void(ctx context.Context, id uint64) (*model.AuctionTransaction, error) {
	var a *model.AuctionTransaction
	err := h.uow.Run(ctx, "void_auction", func(ctx context.Context) error {
		var err error
		if a, err = h.GetAuction(ctx, id); err != nil {
			return err
		}
		if a.State != model.TransactionPending {
			return apperrors.InvalidState("auction %d is %s", id, a.State)
		}
		for i := range a.Bids {
			b := &a.Bids[i]
			if b.Refunded {
				continue
			}
			if err := h.unlock(ctx, a, b.Bidder, b.Amount); err != nil {
				return err
			}
			b.Refunded = true
		}
		for i := range a.Commitments {
			c := &a.Commitments[i]
			if c.Refunded {
				continue
			}
			if err := h.unlock(ctx, a, c.Bidder, c.Deposit); err != nil {
				return err
			}
			c.Refunded = true
		}
		a.State = model.TransactionCancelled
		if err := h.save(ctx, a); err != nil {
			return err
		}
		h.events.Emit(ctx, messaging.MsgAuctionEnded, id, messaging.StateChangeEvent{
			Kind: string(model.KindAuction), State: string(a.State), Detail: "void",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.logger.Warn("auction voided", zap.Uint64("auction_id", id))
	return a, nil
}
