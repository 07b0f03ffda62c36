package handler

import (
	"net/http"

	"affiliateledger/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter wires every ledger endpoint under /api/v1.
func SetupRouter(db *gorm.DB, svc *service.Services) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(svc)

	api := r.Group("/api/v1")
	{
		affiliates := api.Group("/affiliates")
		{
			affiliates.POST("", h.Enroll)
			affiliates.GET("/:id/summary", h.GetAffiliateSummary)
			affiliates.GET("/:id/rate", h.GetEffectiveRate)
		}

		referrals := api.Group("/referrals")
		{
			referrals.POST("/code", h.AttributeByCode)
			referrals.POST("/manual", h.RequestManualLink)
			referrals.GET("", h.ListReferrals)
			referrals.GET("/:no", h.GetReferral)
		}
		api.GET("/users/:id/affiliate", h.GetAffiliateOf)

		api.POST("/events", h.IngestEvent)
		commissions := api.Group("/commissions")
		{
			commissions.GET("", h.ListCommissions)
			commissions.GET("/:no", h.GetCommission)
		}

		payouts := api.Group("/payouts")
		{
			payouts.POST("", h.RequestPayout)
			payouts.GET("", h.ListPayouts)
			payouts.GET("/:no", h.GetPayout)
			payouts.POST("/:no/callback", h.PayoutCallback)
		}

		adjustments := api.Group("/adjustments")
		{
			adjustments.POST("", h.SubmitAdjustment)
			adjustments.GET("", h.ListAdjustments)
			adjustments.GET("/:no", h.GetAdjustment)
		}

		admin := api.Group("/admin")
		{
			admin.GET("/affiliates", h.ListAffiliates)
			admin.POST("/affiliates/:id/status", h.SetAffiliateStatus)
			admin.POST("/affiliates/:id/tier", h.SetAffiliateTier)
			admin.POST("/rates", h.SetRate)
			admin.GET("/rates", h.ListRates)
			admin.POST("/referrals/:no/review", h.ReviewManualLink)
			admin.POST("/referrals/override", h.OverrideAttribution)
			admin.POST("/commissions/approve", h.ApproveCommissions)
			admin.POST("/commissions/:no/cancel", h.CancelCommission)
			admin.POST("/commissions/:no/correct", h.CorrectCommission)
			admin.POST("/payouts/:no/processing", h.MarkPayoutProcessing)
			admin.POST("/adjustments/:no/process", h.ProcessAdjustment)
			admin.GET("/outbox/failed", h.ListFailedOutbox)
			admin.POST("/outbox/:id/requeue", h.RequeueOutbox)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
