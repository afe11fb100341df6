package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/api/responses"
	"github.com/Aidin1998/nftsettle/internal/auction"
	"github.com/Aidin1998/nftsettle/internal/dispute"
	"github.com/Aidin1998/nftsettle/internal/settlement"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type initializeRequest struct {
	FeeRecipient model.Address   `json:"fee_recipient"`
	Arbitrators  []model.Address `json:"arbitrators" validate:"dive,required"`
}

type withdrawFeesRequest struct {
	Currency  model.Asset   `json:"currency"`
	Recipient model.Address `json:"recipient" validate:"required"`
}

type emergencyWithdrawRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Initialize makes the caller the admin of an uninitialized engine.
func (h *Handler) Initialize(c *gin.Context) {
	var req initializeRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.core.Initialize(c.Request.Context(), caller(c), settlement.InitOptions{
		FeeRecipient: req.FeeRecipient,
		Arbitrators:  req.Arbitrators,
	})
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, gin.H{"admin": caller(c)}, "Engine initialized")
}

func (h *Handler) GetAdminConfig(c *gin.Context) {
	cfg, err := h.core.GetAdminConfig(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg)
}

func (h *Handler) UpdateAdminConfig(c *gin.Context) {
	var cfg model.AdminConfig
	if !h.bind(c, &cfg) {
		return
	}
	if err := h.core.UpdateAdminConfig(c.Request.Context(), &cfg, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg, "Admin configuration updated")
}

func (h *Handler) GetFeeConfig(c *gin.Context) {
	cfg, err := h.core.GetFeeConfig(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg)
}

func (h *Handler) UpdateFeeConfig(c *gin.Context) {
	var cfg model.FeeConfig
	if !h.bind(c, &cfg) {
		return
	}
	if err := h.core.UpdateFeeConfig(c.Request.Context(), &cfg, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg, "Fee configuration updated")
}

func (h *Handler) GetAuctionConfig(c *gin.Context) {
	cfg, err := h.core.GetAuctionConfig(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg)
}

func (h *Handler) UpdateAuctionConfig(c *gin.Context) {
	var cfg auction.Config
	if !h.bind(c, &cfg) {
		return
	}
	if err := h.core.UpdateAuctionConfig(c.Request.Context(), &cfg, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg, "Auction configuration updated")
}

func (h *Handler) GetDisputeConfig(c *gin.Context) {
	cfg, err := h.core.GetDisputeConfig(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg)
}

func (h *Handler) UpdateDisputeConfig(c *gin.Context) {
	var cfg dispute.Config
	if !h.bind(c, &cfg) {
		return
	}
	if err := h.core.UpdateDisputeConfig(c.Request.Context(), &cfg, caller(c)); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, cfg, "Dispute configuration updated")
}

func (h *Handler) WithdrawPlatformFees(c *gin.Context) {
	var req withdrawFeesRequest
	if !h.bind(c, &req) {
		return
	}
	amount, err := h.core.WithdrawPlatformFees(c.Request.Context(), req.Currency, req.Recipient, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"amount": amount, "recipient": req.Recipient})
}

func (h *Handler) EmergencyWithdraw(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req emergencyWithdrawRequest
	if !h.bind(c, &req) {
		return
	}
	refunded, err := h.core.EmergencyWithdraw(c.Request.Context(), id, caller(c), req.Reason)
	if err != nil {
		responses.Error(c, err)
		return
	}
	h.logger.Warn("Emergency withdrawal requested", zap.Uint64("transaction_id", id), zap.String("admin", string(caller(c))))
	responses.Success(c, gin.H{"transaction_id": id, "refunded": refunded})
}

// GetAccumulatedFees reads ?contract=&symbol=.
func (h *Handler) GetAccumulatedFees(c *gin.Context) {
	asset, ok := assetQuery(c)
	if !ok {
		return
	}
	fees, err := h.core.GetAccumulatedFees(c.Request.Context(), asset)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"currency": asset, "amount": fees})
}

// QuoteFee computes the fee ?payer= owes on ?price=.
func (h *Handler) QuoteFee(c *gin.Context) {
	price, ok := decimalQuery(c, "price")
	if !ok {
		return
	}
	payer := model.Address(c.Query("payer"))
	fee, err := h.core.CalculateFee(c.Request.Context(), price, payer)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"price": price, "fee": fee})
}

func (h *Handler) GetUserVolume(c *gin.Context) {
	user := model.Address(c.Param("address"))
	volume, err := h.core.GetUserVolume(c.Request.Context(), user)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"user": user, "volume": volume})
}
