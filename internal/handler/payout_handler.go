package handler

import (
	"affiliateledger/internal/model"
	"affiliateledger/internal/repository"
	"affiliateledger/internal/service"
	"affiliateledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// RequestPayout POST /api/v1/payouts
//
// request_id is optional; when present a retried request returns the payout
// created by the first attempt.
func (h *Handler) RequestPayout(c *gin.Context) {
	var req service.PayoutRequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("Idempotency-Key")
	}

	payout, err := h.svc.Payouts.RequestPayout(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, payout)
}

// GetPayout GET /api/v1/payouts/:no
func (h *Handler) GetPayout(c *gin.Context) {
	detail, err := h.svc.Payouts.GetPayout(c.Request.Context(), c.Param("no"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, detail)
}

// ListPayouts GET /api/v1/payouts?affiliate_id=&status=&currency=
func (h *Handler) ListPayouts(c *gin.Context) {
	affiliateID, ok := queryInt64(c, "affiliate_id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.svc.Payouts.ListPayouts(c.Request.Context(), repository.PayoutFilter{
		AffiliateID: affiliateID,
		Status:      c.Query("status"),
		Currency:    c.Query("currency"),
	}, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// MarkPayoutProcessing POST /api/v1/admin/payouts/:no/processing
//
// Dispatches a pending payout immediately instead of waiting for the
// dispatcher job.
func (h *Handler) MarkPayoutProcessing(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	if err := h.svc.Guard.Require(c.Request.Context(), actor); err != nil {
		writeError(c, err)
		return
	}

	payout, err := h.svc.Payouts.MarkProcessing(c.Request.Context(), c.Param("no"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, payout)
}

type PayoutCallbackRequest struct {
	Status string `json:"status" binding:"required,oneof=completed failed"`
	Reason string `json:"reason"`
}

// PayoutCallback POST /api/v1/payouts/:no/callback
//
// Called by the payment rail. Callbacks may arrive late or more than once;
// anything that does not follow from the current status is refused.
func (h *Handler) PayoutCallback(c *gin.Context) {
	var req PayoutCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	var (
		payout *model.PayoutRequest
		err    error
	)
	if req.Status == model.PayoutStatusCompleted {
		payout, err = h.svc.Payouts.MarkCompleted(c.Request.Context(), c.Param("no"), service.SystemActorID)
	} else {
		payout, err = h.svc.Payouts.MarkFailed(c.Request.Context(), c.Param("no"), req.Reason, service.SystemActorID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, payout)
}
