package handler

import (
	"affiliateledger/internal/repository"
	"affiliateledger/internal/service"
	"affiliateledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// IngestEvent POST /api/v1/events
//
// Replays of the same idempotency_key return the entries recorded the first
// time with code 0; the event source never has to treat them as failures.
func (h *Handler) IngestEvent(c *gin.Context) {
	var ev service.QualifyingEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.ParamError(c, "invalid event: "+err.Error())
		return
	}

	entries, err := h.svc.Commissions.OnQualifyingEvent(c.Request.Context(), &ev)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"idempotency_key": ev.IdempotencyKey,
		"entries":         entries,
	})
}

// ListCommissions GET /api/v1/commissions?affiliate_id=&status=&event_type=&currency=&from=&to=
func (h *Handler) ListCommissions(c *gin.Context) {
	affiliateID, ok := queryInt64(c, "affiliate_id")
	if !ok {
		return
	}
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.svc.Commissions.ListEntries(c.Request.Context(), repository.EntryFilter{
		AffiliateID: affiliateID,
		Status:      c.Query("status"),
		EventType:   c.Query("event_type"),
		Currency:    c.Query("currency"),
		ClaimedBy:   c.Query("payout_no"),
		From:        from,
		To:          to,
	}, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// GetCommission GET /api/v1/commissions/:no
func (h *Handler) GetCommission(c *gin.Context) {
	entry, err := h.svc.Commissions.GetEntry(c.Request.Context(), c.Param("no"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, entry)
}

type ApproveEntriesRequest struct {
	EntryNos []string `json:"entry_nos" binding:"required,min=1"`
}

// ApproveCommissions POST /api/v1/admin/commissions/approve
func (h *Handler) ApproveCommissions(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req ApproveEntriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	approved, err := h.svc.Commissions.ApproveEntries(c.Request.Context(), req.EntryNos, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"requested": len(req.EntryNos),
		"approved":  approved,
	})
}

type CancelEntryRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelCommission POST /api/v1/admin/commissions/:no/cancel
func (h *Handler) CancelCommission(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req CancelEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	entry, err := h.svc.Commissions.CancelEntry(c.Request.Context(), c.Param("no"), actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, entry)
}

type CorrectEntryRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required"`
}

// CorrectCommission POST /api/v1/admin/commissions/:no/correct
func (h *Handler) CorrectCommission(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req CorrectEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	correction, err := h.svc.Commissions.CorrectEntry(c.Request.Context(), c.Param("no"), req.Amount, actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, correction)
}
