package handler

import (
	"affiliateledger/internal/repository"
	"affiliateledger/internal/service"
	"affiliateledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// SubmitAdjustment POST /api/v1/adjustments
func (h *Handler) SubmitAdjustment(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req service.SubmitAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	adj, err := h.svc.Adjustments.SubmitAdjustment(c.Request.Context(), &req, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, adj)
}

// GetAdjustment GET /api/v1/adjustments/:no
func (h *Handler) GetAdjustment(c *gin.Context) {
	adj, err := h.svc.Adjustments.Get(c.Request.Context(), c.Param("no"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, adj)
}

// ListAdjustments GET /api/v1/adjustments?status=&requester_type=&subject_id=
func (h *Handler) ListAdjustments(c *gin.Context) {
	subjectID, ok := queryInt64(c, "subject_id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.svc.Adjustments.ListAdjustments(c.Request.Context(), repository.AdjustmentFilter{
		RequesterType: c.Query("requester_type"),
		SubjectID:     subjectID,
		Status:        c.Query("status"),
	}, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

type ProcessAdjustmentRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

// ProcessAdjustment POST /api/v1/admin/adjustments/:no/process
func (h *Handler) ProcessAdjustment(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req ProcessAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	adj, err := h.svc.Adjustments.Process(c.Request.Context(), c.Param("no"), actor, req.Status, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, adj)
}
