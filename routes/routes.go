package routes

import (
	"net/http"

	"reconciliation-service/controllers"
	"reconciliation-service/middleware"

	"github.com/gin-gonic/gin"
)

type Controllers struct {
	Checkout *controllers.CheckoutController
	Webhooks *controllers.WebhookController
	Admin    *controllers.AdminController
}

// RegisterRoutes sets up every route the service exposes. finalizeLimiter
// throttles the polled finalize endpoint per client.
func RegisterRoutes(r *gin.Engine, ctl Controllers, finalizeLimiter *middleware.RateLimiter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "reconciliation-service"})
	})

	checkout := r.Group("/checkout")
	checkout.POST("/sessions", ctl.Checkout.StartCheckout)
	checkout.POST("/orders", ctl.Checkout.CreateOrder)
	checkout.POST("/finalize", middleware.RateLimit(finalizeLimiter), ctl.Checkout.Finalize)

	// Webhooks authenticate by signature, not gateway headers.
	webhooks := r.Group("/webhooks/stripe")
	webhooks.POST("/platform", ctl.Webhooks.Platform)
	webhooks.POST("/connect", ctl.Webhooks.Connect)

	admin := r.Group("/admin")
	admin.Use(middleware.AuthMiddleware(), middleware.AdminOnly())
	{
		admin.GET("/orders/:id", ctl.Admin.GetOrder)
		admin.GET("/orders/:id/notifications", ctl.Admin.ListNotifications)
		admin.POST("/orders/:id/notifications/:kind/resend", ctl.Admin.Resend)
		admin.POST("/orders/:id/cancel", ctl.Admin.Cancel)
	}
}
