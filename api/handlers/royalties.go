package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/nftsettle/api/responses"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type setRoyaltyRequest struct {
	Creator    model.Address `json:"creator" validate:"required"`
	Percentage uint64        `json:"percentage" validate:"lte=10000"`
}

type bulkRoyaltyRequest struct {
	TokenIDs   []uint64      `json:"token_ids" validate:"required,min=1"`
	Creator    model.Address `json:"creator" validate:"required"`
	Percentage uint64        `json:"percentage" validate:"lte=10000"`
}

type updateRoyaltyRequest struct {
	Percentage uint64 `json:"percentage" validate:"lte=10000"`
}

type bundleQuoteRequest struct {
	Items  []model.NFTItem `json:"items" validate:"required,min=1,dive"`
	Price  decimal.Decimal `json:"price"`
	Seller model.Address   `json:"seller" validate:"required"`
}

func token(c *gin.Context) (model.Address, uint64, bool) {
	tokenID, ok := uintParam(c, "token")
	return model.Address(c.Param("contract")), tokenID, ok
}

func (h *Handler) SetRoyaltyInfo(c *gin.Context) {
	nft, tokenID, ok := token(c)
	if !ok {
		return
	}
	var req setRoyaltyRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.SetRoyaltyInfo(c.Request.Context(), nft, tokenID, req.Creator, req.Percentage, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, nil, "Royalty configured")
}

func (h *Handler) BulkSetRoyalties(c *gin.Context) {
	nft := model.Address(c.Param("contract"))
	var req bulkRoyaltyRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.BulkSetRoyalties(c.Request.Context(), nft, req.TokenIDs, req.Creator, req.Percentage, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"tokens": len(req.TokenIDs)}, "Royalties configured")
}

func (h *Handler) UpdateRoyaltyPercentage(c *gin.Context) {
	nft, tokenID, ok := token(c)
	if !ok {
		return
	}
	var req updateRoyaltyRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.UpdateRoyaltyPercentage(c.Request.Context(), nft, tokenID, req.Percentage, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, nil, "Royalty updated")
}

func (h *Handler) GetRoyaltyInfo(c *gin.Context) {
	nft, tokenID, ok := token(c)
	if !ok {
		return
	}
	info, err := h.core.GetRoyaltyInfo(c.Request.Context(), nft, tokenID)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, info)
}

func (h *Handler) GetRoyaltyHistory(c *gin.Context) {
	nft, tokenID, ok := token(c)
	if !ok {
		return
	}
	history, err := h.core.GetRoyaltyHistory(c.Request.Context(), nft, tokenID)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, history)
}

// QuoteRoyalties splits ?price= for one token.
func (h *Handler) QuoteRoyalties(c *gin.Context) {
	nft, tokenID, ok := token(c)
	if !ok {
		return
	}
	price, ok := decimalQuery(c, "price")
	if !ok {
		return
	}
	dist, err := h.core.CalculateRoyalties(c.Request.Context(), nft, tokenID, price)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, dist)
}

// MinimumPrice returns the list price that nets ?net= to the seller.
func (h *Handler) MinimumPrice(c *gin.Context) {
	nft, tokenID, ok := token(c)
	if !ok {
		return
	}
	net, ok := decimalQuery(c, "net")
	if !ok {
		return
	}
	price, err := h.core.CalculateMinimumPrice(c.Request.Context(), nft, tokenID, net)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"price": price})
}

func (h *Handler) QuoteBundleRoyalties(c *gin.Context) {
	var req bundleQuoteRequest
	if !h.bind(c, &req) {
		return
	}
	dist, err := h.core.CalculateComplexRoyalties(c.Request.Context(), req.Items, req.Price, req.Seller)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, dist)
}

func (h *Handler) GetDistributionReceipt(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	receipt, err := h.core.GetDistributionReceipt(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, receipt)
}

func (h *Handler) VerifyRoyaltyPayment(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	paid, err := h.core.VerifyRoyaltyPayment(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"transaction_id": id, "paid": paid})
}

func (h *Handler) RetryRoyaltyDistribution(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	receipt, err := h.core.RetryRoyaltyDistribution(c.Request.Context(), id, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, receipt, "Royalty distribution retried")
}
