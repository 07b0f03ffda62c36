package handler

import (
	"errors"
	"strconv"
	"time"

	"affiliateledger/internal/model"
	"affiliateledger/internal/service"
	"affiliateledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ActorHeader carries the authenticated user id, set by the gateway in front
// of this service.
const ActorHeader = "X-Actor-ID"

// Handler exposes the ledger services over HTTP.
type Handler struct {
	svc *service.Services
}

func NewHandler(svc *service.Services) *Handler {
	return &Handler{svc: svc}
}

// actorID reads the caller from ActorHeader and answers the request itself
// when the header is missing or malformed.
func actorID(c *gin.Context) (int64, bool) {
	raw := c.GetHeader(ActorHeader)
	id, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || id <= 0 {
		response.Unauthorized(c, ActorHeader+" header is required")
		return 0, false
	}
	return id, true
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		response.ParamError(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.ParamError(c, name+" must be RFC3339")
		return nil, false
	}
	t = t.UTC()
	return &t, true
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

var errorCodes = []struct {
	err  error
	code int
}{
	{service.ErrInvalidArgument, response.CodeParamError},
	{service.ErrForbidden, response.CodeForbidden},
	{service.ErrNotFound, response.CodeNotFound},
	{service.ErrUnknownCode, response.CodeUnknownCode},
	{service.ErrAffiliateInactive, response.CodeAffiliateInactive},
	{service.ErrAlreadyAttributed, response.CodeAlreadyAttributed},
	{service.ErrLinkWindowExpired, response.CodeLinkWindowExpired},
	{service.ErrSelfReferral, response.CodeSelfReferral},
	{service.ErrAlreadyEnrolled, response.CodeAlreadyEnrolled},
	{service.ErrCodeTaken, response.CodeCodeTaken},
	{service.ErrInvalidEvent, response.CodeInvalidEvent},
	{service.ErrDuplicateEvent, response.CodeDuplicateEvent},
	{service.ErrInsufficientBalance, response.CodeInsufficientBalance},
	{service.ErrBelowMinimum, response.CodeBelowMinimum},
	{service.ErrAboveMaximum, response.CodeAboveMaximum},
	{service.ErrConcurrentClaimConflict, response.CodeConcurrentClaimConflict},
	{service.ErrInvalidPayoutMethod, response.CodeInvalidPayoutMethod},
	{service.ErrInvalidStateTransition, response.CodeInvalidStateTransition},
	{service.ErrNotesRequired, response.CodeNotesRequired},
}

// writeError maps a service error to its business code. Unknown errors are
// logged and surface as a generic server error.
func writeError(c *gin.Context, err error) {
	var notSettleable *service.NotSettleableError
	if errors.As(err, &notSettleable) {
		response.ErrorWithData(c, response.CodeAmountNotSettleable, err.Error(), gin.H{
			"requested": notSettleable.Requested.String(),
			"below":     notSettleable.Below.String(),
			"above":     notSettleable.Above.String(),
		})
		return
	}

	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			if m.code == response.CodeInvalidStateTransition {
				zap.L().Error("rejected state transition",
					zap.Bool("alert", true),
					zap.String("method", c.Request.Method),
					zap.String("path", c.FullPath()),
					zap.String("request_id", c.GetString(requestIDKey)))
			}
			response.BusinessError(c, m.code, err.Error())
			return
		}
	}

	zap.L().Error("request failed",
		zap.Error(err),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("request_id", c.GetString(requestIDKey)))
	response.ServerError(c, "internal error")
}

// ============================================================
// Affiliates
// ============================================================

type EnrollRequest struct {
	UserID     int64  `json:"user_id" binding:"required,gt=0"`
	Code       string `json:"code"`
	Tier       string `json:"tier"`
	ParentCode string `json:"parent_code"`
}

// Enroll POST /api/v1/affiliates
func (h *Handler) Enroll(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	affiliate, err := h.svc.Affiliates.Enroll(c.Request.Context(), &service.EnrollRequest{
		UserID:     req.UserID,
		Code:       req.Code,
		Tier:       req.Tier,
		ParentCode: req.ParentCode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, affiliate)
}

// GetAffiliateSummary GET /api/v1/affiliates/:id/summary
func (h *Handler) GetAffiliateSummary(c *gin.Context) {
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	summary, err := h.svc.Affiliates.Summary(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// ListAffiliates GET /api/v1/admin/affiliates?status=
func (h *Handler) ListAffiliates(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	if err := h.svc.Guard.Require(c.Request.Context(), actor); err != nil {
		writeError(c, err)
		return
	}
	page, pageSize := pagination(c)
	list, total, err := h.svc.Affiliates.List(c.Request.Context(), c.Query("status"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

type SetStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active suspended"`
	Notes  string `json:"notes"`
}

// SetAffiliateStatus POST /api/v1/admin/affiliates/:id/status
func (h *Handler) SetAffiliateStatus(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	affiliate, err := h.svc.Affiliates.SetStatus(c.Request.Context(), id, req.Status, actor, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, affiliate)
}

// SetAffiliateTier POST /api/v1/admin/affiliates/:id/tier
func (h *Handler) SetAffiliateTier(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	var req service.SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	affiliate, err := h.svc.Tiers.SetTier(c.Request.Context(), id, &req, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, affiliate)
}

// SetRate POST /api/v1/admin/rates
func (h *Handler) SetRate(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req service.SetRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	rate, err := h.svc.Tiers.SetRate(c.Request.Context(), &req, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rate)
}

// ListRates GET /api/v1/admin/rates?affiliate_id=&tier=
func (h *Handler) ListRates(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	if err := h.svc.Guard.Require(c.Request.Context(), actor); err != nil {
		writeError(c, err)
		return
	}
	affiliateID, ok := queryInt64(c, "affiliate_id")
	if !ok {
		return
	}
	var scope *int64
	if affiliateID > 0 {
		scope = &affiliateID
	}

	rates, err := h.svc.Tiers.ListRates(c.Request.Context(), scope, c.Query("tier"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rates)
}

// GetEffectiveRate GET /api/v1/affiliates/:id/rate?event_type=&tier_level=&at=
func (h *Handler) GetEffectiveRate(c *gin.Context) {
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	at, ok := queryTime(c, "at")
	if !ok {
		return
	}
	occurredAt := time.Now().UTC()
	if at != nil {
		occurredAt = *at
	}
	level, err := strconv.Atoi(c.DefaultQuery("tier_level", "1"))
	if err != nil || level < model.PrimaryTierLevel {
		response.ParamError(c, "invalid tier_level")
		return
	}
	eventType := c.DefaultQuery("event_type", model.EventTypeDeposit)

	rate, err := h.svc.Tiers.EffectiveRate(c.Request.Context(), id, eventType, occurredAt, level)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"affiliate_id": id,
		"event_type":   eventType,
		"tier_level":   level,
		"at":           occurredAt,
		"rate":         rate.String(),
	})
}
