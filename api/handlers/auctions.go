package handlers

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/nftsettle/api/responses"
	"github.com/Aidin1998/nftsettle/internal/auction"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type createAuctionRequest struct {
	Type          model.AuctionType `json:"type" validate:"required,oneof=english dutch sealed_bid"`
	NFTContract   model.Address     `json:"nft_contract" validate:"required"`
	TokenID       uint64            `json:"token_id"`
	StartingPrice decimal.Decimal   `json:"starting_price"`
	ReservePrice  decimal.Decimal   `json:"reserve_price"`
	BidIncrement  decimal.Decimal   `json:"bid_increment"`
	Currency      model.Asset       `json:"currency"`
	StartTime     uint64            `json:"start_time"`
	Duration      uint64            `json:"duration" validate:"required"`
}

type bidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Commitment and salt are 0x-prefixed hex.
type commitRequest struct {
	Commitment hexutil.Bytes   `json:"commitment" validate:"required,len=32"`
	Deposit    decimal.Decimal `json:"deposit"`
}

type revealRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Salt   hexutil.Bytes   `json:"salt" validate:"required"`
}

func (h *Handler) CreateAuction(c *gin.Context) {
	var req createAuctionRequest
	if !h.bind(c, &req) {
		return
	}
	id, err := h.core.CreateAuction(c.Request.Context(), auction.Params{
		Type:          req.Type,
		Seller:        caller(c),
		NFTContract:   req.NFTContract,
		TokenID:       req.TokenID,
		StartingPrice: req.StartingPrice,
		ReservePrice:  req.ReservePrice,
		BidIncrement:  req.BidIncrement,
		Currency:      req.Currency,
		StartTime:     req.StartTime,
		Duration:      req.Duration,
	})
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"transaction_id": id})
}

func (h *Handler) GetAuction(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	a, err := h.core.GetAuction(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, a)
}

// GetStandings lists the revealed sealed bids in winning order.
func (h *Handler) GetStandings(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	a, err := h.core.GetAuction(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, auction.Standings(a))
}

func (h *Handler) GetDutchAuctionPrice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	price, err := h.core.GetDutchAuctionPrice(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"price": price})
}

func (h *Handler) PlaceBid(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req bidRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.core.PlaceBid(c.Request.Context(), id, caller(c), req.Amount)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, out)
}

func (h *Handler) CommitBid(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req commitRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.CommitBid(c.Request.Context(), id, caller(c), req.Commitment, req.Deposit); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"transaction_id": id}, "Bid committed")
}

func (h *Handler) RevealBid(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req revealRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.RevealBid(c.Request.Context(), id, caller(c), req.Amount, req.Salt); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"transaction_id": id}, "Bid revealed")
}

func (h *Handler) EndAuction(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	out, err := h.core.EndAuction(c.Request.Context(), id, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, out)
}

func (h *Handler) CleanupExpiredCommitments(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	refunded, err := h.core.CleanupExpiredCommitments(c.Request.Context(), id, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"refunded": refunded})
}
