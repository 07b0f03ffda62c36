package handler

import (
	"affiliateledger/internal/repository"
	"affiliateledger/internal/service"
	"affiliateledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type AttributeByCodeRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Code   string `json:"code" binding:"required"`
}

// AttributeByCode POST /api/v1/referrals/code
func (h *Handler) AttributeByCode(c *gin.Context) {
	var req AttributeByCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	referral, err := h.svc.Referrals.AttributeByCode(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, referral)
}

type ManualLinkRequest struct {
	UserID      int64  `json:"user_id" binding:"required,gt=0"`
	AffiliateID int64  `json:"affiliate_id" binding:"required,gt=0"`
	SearchTerm  string `json:"search_term"`
}

// RequestManualLink POST /api/v1/referrals/manual
func (h *Handler) RequestManualLink(c *gin.Context) {
	var req ManualLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	referral, err := h.svc.Referrals.RequestManualLink(c.Request.Context(), req.UserID, req.AffiliateID, req.SearchTerm)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, referral)
}

type ReviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes"`
}

// ReviewManualLink POST /api/v1/admin/referrals/:no/review
func (h *Handler) ReviewManualLink(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	referral, err := h.svc.Referrals.ReviewManualLink(c.Request.Context(), c.Param("no"), actor, req.Approve, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, referral)
}

// OverrideAttribution POST /api/v1/admin/referrals/override
func (h *Handler) OverrideAttribution(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req service.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	referral, err := h.svc.Referrals.OverrideAttribution(c.Request.Context(), &req, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, referral)
}

// ListReferrals GET /api/v1/referrals?affiliate_id=&user_id=&status=
func (h *Handler) ListReferrals(c *gin.Context) {
	affiliateID, ok := queryInt64(c, "affiliate_id")
	if !ok {
		return
	}
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.svc.Referrals.ListReferrals(c.Request.Context(), repository.ReferralFilter{
		AffiliateID:    affiliateID,
		ReferredUserID: userID,
		Status:         c.Query("status"),
	}, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// GetReferral GET /api/v1/referrals/:no
func (h *Handler) GetReferral(c *gin.Context) {
	referral, err := h.svc.Referrals.Get(c.Request.Context(), c.Param("no"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, referral)
}

// GetAffiliateOf GET /api/v1/users/:id/affiliate
func (h *Handler) GetAffiliateOf(c *gin.Context) {
	userID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	affiliate, err := h.svc.Referrals.GetAffiliateOf(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, affiliate)
}
