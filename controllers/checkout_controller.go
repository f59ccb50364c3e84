package controllers

import (
	"context"
	"net/http"

	"reconciliation-service/apperrors"
	"reconciliation-service/models"
	"reconciliation-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Checkout interface {
	StartCheckout(ctx context.Context, req services.CheckoutRequest) (*services.CheckoutStartResult, error)
	CreateOrder(ctx context.Context, in models.OrderIntake) (*models.Order, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, req services.FinalizeRequest) (*services.ConfirmationResult, error)
}

// CheckoutController serves the storefront checkout endpoints.
type CheckoutController struct {
	checkout  Checkout
	finalizer Finalizer
	logger    *zap.Logger
}

func NewCheckoutController(checkout Checkout, finalizer Finalizer, logger *zap.Logger) *CheckoutController {
	return &CheckoutController{checkout: checkout, finalizer: finalizer, logger: logger}
}

// StartCheckout handles POST /checkout/sessions
func (cc *CheckoutController) StartCheckout(c *gin.Context) {
	var req services.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	res, err := cc.checkout.StartCheckout(c.Request.Context(), req)
	if err != nil {
		cc.logFailure("start checkout failed", err, zap.String("store_id", req.StoreID.String()))
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// CreateOrder handles POST /checkout/orders for callers that already hold a
// payment reference.
func (cc *CheckoutController) CreateOrder(c *gin.Context) {
	var req services.IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	flow := req.PaymentFlow
	if flow == "" {
		flow = services.PaymentFlowFor(req.PaymentMethod)
	}
	in, err := req.ToIntake(req.PaymentReference, req.PaymentIntentID, flow, req.PaymentMethod)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	order, err := cc.checkout.CreateOrder(c.Request.Context(), in)
	if err != nil {
		cc.logFailure("create order failed", err, zap.String("reference", req.PaymentReference))
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// Finalize handles POST /checkout/finalize. Clients poll it after returning
// from the hosted checkout.
func (cc *CheckoutController) Finalize(c *gin.Context) {
	var req services.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	res, err := cc.finalizer.Finalize(c.Request.Context(), req)
	if err != nil {
		cc.logFailure("finalize failed", err, zap.String("session_id", req.SessionID))
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (cc *CheckoutController) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if apperrors.StatusCode(err) >= http.StatusInternalServerError {
		cc.logger.Error(msg, fields...)
		return
	}
	cc.logger.Info(msg, fields...)
}
