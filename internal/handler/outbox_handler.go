package handler

import (
	"strconv"

	"affiliateledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// ListFailedOutbox GET /api/v1/admin/outbox/failed?limit=
func (h *Handler) ListFailedOutbox(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.svc.Outbox.ListFailed(c.Request.Context(), actor, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, messages)
}

// RequeueOutbox POST /api/v1/admin/outbox/:id/requeue
func (h *Handler) RequeueOutbox(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathInt64(c, "id")
	if !ok {
		return
	}

	if err := h.svc.Outbox.Requeue(c.Request.Context(), actor, id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "requeued": true})
}
