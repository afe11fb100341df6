// Package handlers contains the HTTP handlers of the settlement API,
// organized by business domain. Every mutating handler acts as the caller
// bound to the request by the auth middleware.
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/api/responses"
	"github.com/Aidin1998/nftsettle/common/auth"
	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type Handler struct {
	core     *settlement.Core
	logger   *zap.Logger
	validate *validator.Validate
}

func New(core *settlement.Core, logger *zap.Logger) *Handler {
	return &Handler{core: core, logger: logger.Named("handlers"), validate: validator.New()}
}

// caller returns the authenticated address. Routes without the auth
// middleware get a zero address, which the core rejects.
func caller(c *gin.Context) model.Address {
	addr, _ := auth.CallerFrom(c.Request.Context())
	return addr
}

// bind decodes and validates a JSON body, answering 400 on failure.
func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		responses.BadRequest(c, err)
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		responses.BadRequest(c, err)
		return false
	}
	return true
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		responses.Problem(c, apperrors.NewValidationError(name+" must be an unsigned integer", c.Request.URL.Path))
		return 0, false
	}
	return v, true
}

func decimalQuery(c *gin.Context, name string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(c.Query(name))
	if err != nil {
		responses.Problem(c, apperrors.NewValidationError(name+" must be a decimal amount", c.Request.URL.Path))
		return decimal.Zero, false
	}
	return v, true
}

// assetQuery reads a currency from the contract and symbol query parameters.
func assetQuery(c *gin.Context) (model.Asset, bool) {
	asset := model.Asset{Contract: model.Address(c.Query("contract")), Symbol: c.Query("symbol")}
	if asset.Contract.IsZero() {
		responses.Problem(c, apperrors.NewValidationError("contract is required", c.Request.URL.Path))
		return asset, false
	}
	return asset, true
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	responses.Success(c, gin.H{"status": "ok", "custody": h.core.Custody()})
}
