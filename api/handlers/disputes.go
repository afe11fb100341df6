package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/nftsettle/api/responses"
)

type initiateDisputeRequest struct {
	TransactionID uint64 `json:"transaction_id" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
	EvidenceURI   string `json:"evidence_uri"`
}

type voteRequest struct {
	Vote *uint32 `json:"vote" validate:"required,oneof=0 1"`
}

func (h *Handler) InitiateDispute(c *gin.Context) {
	var req initiateDisputeRequest
	if !h.bind(c, &req) {
		return
	}
	d, err := h.core.InitiateDispute(c.Request.Context(), req.TransactionID, req.Reason, req.EvidenceURI, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, d)
}

func (h *Handler) VoteOnDispute(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req voteRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.core.VoteOnDispute(c.Request.Context(), id, caller(c), *req.Vote); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"dispute_id": id}, "Vote recorded")
}

func (h *Handler) ExecuteDisputeResolution(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	d, err := h.core.ExecuteDisputeResolution(c.Request.Context(), id, caller(c))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, d)
}

func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	d, err := h.core.GetDispute(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, d)
}
