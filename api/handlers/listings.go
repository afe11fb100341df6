package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/nftsettle/api/responses"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type createSaleRequest struct {
	NFTContract model.Address   `json:"nft_contract" validate:"required"`
	TokenID     uint64          `json:"token_id"`
	Price       decimal.Decimal `json:"price"`
	Currency    model.Asset     `json:"currency"`
	Duration    uint64          `json:"duration" validate:"required"`
}

type paymentRequest struct {
	Payment decimal.Decimal `json:"payment"`
}

type createTradeRequest struct {
	Counterparty model.Address   `json:"counterparty"`
	Offered      []model.NFTItem `json:"offered" validate:"required,min=1,dive"`
	Requested    []model.NFTItem `json:"requested" validate:"required,min=1,dive"`
	Duration     uint64          `json:"duration" validate:"required"`
}

type createBundleRequest struct {
	Items    []model.NFTItem `json:"items" validate:"required,min=1,dive"`
	Price    decimal.Decimal `json:"price"`
	Currency model.Asset     `json:"currency"`
	Duration uint64          `json:"duration" validate:"required"`
}

type cancelRequest struct {
	Kind model.TransactionKind `json:"kind" validate:"required,oneof=sale trade bundle auction"`
}

func (h *Handler) CreateSale(c *gin.Context) {
	var req createSaleRequest
	if !h.bind(c, &req) {
		return
	}
	id, err := h.core.CreateSale(c.Request.Context(), caller(c), req.NFTContract, req.TokenID, req.Price, req.Currency, req.Duration)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"transaction_id": id})
}

func (h *Handler) ExecuteSale(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.bind(c, &req) {
		return
	}
	result, err := h.core.ExecuteSale(c.Request.Context(), id, caller(c), req.Payment)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, result)
}

func (h *Handler) GetSale(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	sale, err := h.core.GetSale(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, sale)
}

func (h *Handler) CreateTrade(c *gin.Context) {
	var req createTradeRequest
	if !h.bind(c, &req) {
		return
	}
	id, err := h.core.CreateTrade(c.Request.Context(), caller(c), req.Counterparty, req.Offered, req.Requested, req.Duration)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"transaction_id": id})
}

func (h *Handler) AcceptTrade(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.core.AcceptTrade(c.Request.Context(), id, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"transaction_id": id}, "Trade accepted")
}

func (h *Handler) ExecuteTrade(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	result, err := h.core.ExecuteTrade(c.Request.Context(), id, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, result)
}

func (h *Handler) GetTrade(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	trade, err := h.core.GetTrade(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, trade)
}

func (h *Handler) CreateBundle(c *gin.Context) {
	var req createBundleRequest
	if !h.bind(c, &req) {
		return
	}
	id, err := h.core.CreateBundle(c.Request.Context(), caller(c), req.Items, req.Price, req.Currency, req.Duration)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"transaction_id": id})
}

func (h *Handler) ExecuteBundle(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.bind(c, &req) {
		return
	}
	result, err := h.core.ExecuteBundle(c.Request.Context(), id, caller(c), req.Payment)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, result)
}

func (h *Handler) GetBundle(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	bundle, err := h.core.GetBundle(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, bundle)
}

func (h *Handler) CancelTransaction(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.CancelTransaction(c.Request.Context(), id, req.Kind, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"transaction_id": id}, "Transaction cancelled")
}

func (h *Handler) GetSwap(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	swap, err := h.core.GetSwap(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, swap)
}

func (h *Handler) GetEscrowHoldings(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	holdings, err := h.core.GetEscrowHoldings(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, holdings)
}
