package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/auction"
	"github.com/Aidin1998/nftsettle/internal/escrow"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/transaction"
)

// AuctionOutcome is the result of ending an auction. Execution is nil when
// the auction closed without a sale.
type AuctionOutcome struct {
	Auction   *model.AuctionTransaction `json:"auction"`
	Execution *model.ExecutionResult    `json:"execution,omitempty"`
}

// CreateAuction lists an NFT for auction and moves it into custody.
func (c *Core) CreateAuction(ctx context.Context, p auction.Params) (uint64, error) {
	if err := validateListing(p.NFTContract, p.StartingPrice, p.Currency); err != nil {
		return 0, err
	}
	return run(ctx, c, p.Seller, "create_auction", func(ctx context.Context) (uint64, error) {
		cfg, err := c.GetAdminConfig(ctx)
		if err != nil {
			return 0, err
		}
		if p.Duration > cfg.MaxAuctionDuration {
			return 0, apperrors.InvalidAmount("auction duration %d exceeds %d", p.Duration, cfg.MaxAuctionDuration)
		}
		if err := c.ledger.CheckNFTOwnership(ctx, p.NFTContract, p.TokenID, p.Seller); err != nil {
			return 0, err
		}
		// royalties are computed at settlement and must be configured by then
		if _, err := c.royalties.GetRoyaltyInfo(ctx, p.NFTContract, p.TokenID); err != nil {
			return 0, err
		}

		id, err := c.nextTransactionID(ctx)
		if err != nil {
			return 0, err
		}
		if _, err := c.auctions.Create(ctx, id, p); err != nil {
			return 0, err
		}
		nft := model.NFTLeg(p.NFTContract, p.TokenID)
		if _, err := c.escrow.Open(ctx, id, escrow.SwapTerms{
			Seller:    p.Seller,
			SellerLeg: []model.LegItem{nft},
			BuyerLeg:  []model.LegItem{model.TokenLeg(p.Currency, p.StartingPrice)},
		}); err != nil {
			return 0, err
		}
		if err := c.escrow.DepositToEscrow(ctx, id, p.Seller, nft); err != nil {
			return 0, err
		}
		return id, nil
	})
}

// PlaceBid places an open bid. A Dutch bid at the current price settles the
// auction at once.
func (c *Core) PlaceBid(ctx context.Context, id uint64, bidder model.Address, amount decimal.Decimal) (*AuctionOutcome, error) {
	return run(ctx, c, bidder, "place_bid", func(ctx context.Context) (*AuctionOutcome, error) {
		a, err := c.auctions.PlaceBid(ctx, id, bidder, amount)
		if err != nil {
			return nil, err
		}
		if a.Type == model.AuctionDutch && !a.Winner.IsZero() {
			return c.closeAuction(ctx, id)
		}
		return &AuctionOutcome{Auction: a}, nil
	})
}

// CommitBid places a sealed bid: a commitment hash and a deposit covering
// the bid.
func (c *Core) CommitBid(ctx context.Context, id uint64, bidder model.Address, commitment []byte, deposit decimal.Decimal) error {
	return exec(ctx, c, bidder, "commit_bid", func(ctx context.Context) error {
		return c.auctions.CommitBid(ctx, id, bidder, commitment, deposit)
	})
}

// RevealBid opens a sealed bid during the reveal phase.
func (c *Core) RevealBid(ctx context.Context, id uint64, bidder model.Address, amount decimal.Decimal, salt []byte) error {
	return exec(ctx, c, bidder, "reveal_bid", func(ctx context.Context) error {
		return c.auctions.RevealBid(ctx, id, bidder, amount, salt)
	})
}

// EndAuction closes an auction that has run its course. Anyone may end it.
func (c *Core) EndAuction(ctx context.Context, id uint64, caller model.Address) (*AuctionOutcome, error) {
	return run(ctx, c, caller, "end_auction", func(ctx context.Context) (*AuctionOutcome, error) {
		return c.closeAuction(ctx, id)
	})
}

// closeAuction finalizes bidding and either settles with the winner or
// returns the NFT to the seller. Finalize has refunded every lock, so the
// winner pays the final price into the swap here.
func (c *Core) closeAuction(ctx context.Context, id uint64) (*AuctionOutcome, error) {
	a, err := c.auctions.Finalize(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Winner.IsZero() {
		if err := c.escrow.CancelSwap(ctx, id, a.Seller); err != nil {
			return nil, err
		}
		if a, err = c.auctions.Conclude(ctx, id, model.TransactionCancelled, nil, decimal.Zero); err != nil {
			return nil, err
		}
		transaction.OnCommit(ctx, func() {
			c.logger.Info("Auction closed without a sale", zap.Uint64("transaction_id", id))
		})
		return &AuctionOutcome{Auction: a}, nil
	}

	dist, err := c.royalties.CalculateRoyalties(ctx, a.NFTContract, a.TokenID, a.FinalPrice)
	if err != nil {
		return nil, err
	}
	fee, err := c.fees.CalculateFee(ctx, a.FinalPrice, a.Seller)
	if err != nil {
		return nil, err
	}
	royalty := dist.CreatorTotal()
	room, err := mathutil.SafeSub(a.FinalPrice, royalty)
	if err != nil {
		return nil, err
	}
	// the hammer price is final, so the fee yields to the royalty
	if fee.GreaterThan(room) {
		fee = room
	}
	retained, err := mathutil.SafeAdd(royalty, fee)
	if err != nil {
		return nil, err
	}

	payment := model.TokenLeg(a.Currency, a.FinalPrice)
	if err := c.escrow.SetPaymentTerms(ctx, id, a.FinalPrice, retained); err != nil {
		return nil, err
	}
	if err := c.escrow.AssignCounterparty(ctx, id, a.Winner); err != nil {
		return nil, err
	}
	if err := c.escrow.DepositToEscrow(ctx, id, a.Winner, payment); err != nil {
		return nil, err
	}
	result, err := c.settle(ctx, settlement{
		txID:     id,
		buyer:    a.Winner,
		seller:   a.Seller,
		currency: a.Currency,
		price:    a.FinalPrice,
		royalty:  dist,
		fee:      fee,
	})
	if err != nil {
		return nil, err
	}
	if a, err = c.auctions.Conclude(ctx, id, model.TransactionExecuted, dist, fee); err != nil {
		return nil, err
	}
	transaction.OnCommit(ctx, func() {
		c.logger.Info("Auction settled",
			zap.Uint64("transaction_id", id),
			zap.String("winner", string(a.Winner)),
			zap.String("final_price", a.FinalPrice.String()))
	})
	return &AuctionOutcome{Auction: a, Execution: result}, nil
}

// GetDutchAuctionPrice returns the current price of a Dutch auction.
func (c *Core) GetDutchAuctionPrice(ctx context.Context, id uint64) (decimal.Decimal, error) {
	return c.auctions.GetDutchAuctionPrice(ctx, id)
}

// CleanupExpiredCommitments refunds sealed bids never revealed.
func (c *Core) CleanupExpiredCommitments(ctx context.Context, id uint64, caller model.Address) (int, error) {
	return run(ctx, c, caller, "cleanup_expired_commitments", func(ctx context.Context) (int, error) {
		return c.auctions.CleanupExpiredCommitments(ctx, id)
	})
}
