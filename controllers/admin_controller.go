package controllers

import (
	"context"
	"net/http"

	"reconciliation-service/apperrors"
	"reconciliation-service/middleware"
	"reconciliation-service/models"
	"reconciliation-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OrderAdmin interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListNotifications(ctx context.Context, orderID uuid.UUID) ([]models.NotificationRecord, error)
	Resend(ctx context.Context, order *models.Order, kind string) (*services.ResendResult, error)
	Cancel(ctx context.Context, order *models.Order, req services.CancelRequest, actor string) (*services.CancelResult, error)
}

type AdminController struct {
	admin  OrderAdmin
	logger *zap.Logger
}

func NewAdminController(admin OrderAdmin, logger *zap.Logger) *AdminController {
	return &AdminController{admin: admin, logger: logger}
}

// scopedOrder loads the :id order and hides orders of other stores.
func (ac *AdminController) scopedOrder(c *gin.Context) (*models.Order, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return nil, false
	}
	order, err := ac.admin.GetOrder(c.Request.Context(), id)
	if err != nil {
		apperrors.Respond(c, err)
		return nil, false
	}
	if !middleware.CanAccessStore(c, order.StoreID) {
		apperrors.Respond(c, apperrors.NotFound("order not found"))
		return nil, false
	}
	return order, true
}

// GetOrder handles GET /admin/orders/:id
func (ac *AdminController) GetOrder(c *gin.Context) {
	order, ok := ac.scopedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListNotifications handles GET /admin/orders/:id/notifications
func (ac *AdminController) ListNotifications(c *gin.Context) {
	order, ok := ac.scopedOrder(c)
	if !ok {
		return
	}
	records, err := ac.admin.ListNotifications(c.Request.Context(), order.ID)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

// Resend handles POST /admin/orders/:id/notifications/:kind/resend
func (ac *AdminController) Resend(c *gin.Context) {
	kind := c.Param("kind")
	if !models.IsNotificationKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown notification kind"})
		return
	}
	order, ok := ac.scopedOrder(c)
	if !ok {
		return
	}

	res, err := ac.admin.Resend(c.Request.Context(), order, kind)
	if err != nil {
		ac.logger.Warn("manual resend failed",
			zap.String("order_id", order.ID.String()),
			zap.String("kind", kind),
			zap.String("user_id", middleware.GetUserID(c)),
			zap.Error(err))
		apperrors.Respond(c, err)
		return
	}
	ac.logger.Info("notification resent",
		zap.String("order_id", order.ID.String()),
		zap.String("kind", kind),
		zap.String("user_id", middleware.GetUserID(c)))
	c.JSON(http.StatusOK, res)
}

// Cancel handles POST /admin/orders/:id/cancel
func (ac *AdminController) Cancel(c *gin.Context) {
	var req services.CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
			return
		}
	}
	order, ok := ac.scopedOrder(c)
	if !ok {
		return
	}

	res, err := ac.admin.Cancel(c.Request.Context(), order, req, middleware.GetUserID(c))
	if err != nil {
		ac.logger.Warn("cancel failed", zap.String("order_id", order.ID.String()), zap.Error(err))
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
