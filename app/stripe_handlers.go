package app

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/blueflame567/SyllabTrack/app/billing"
	"github.com/blueflame567/SyllabTrack/app/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBytes = int64(65536)

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

// CreateCheckoutSession starts a Stripe Checkout Session for the authenticated user.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	u, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	if s.processor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing not configured"})
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil || !s.cfg.Stripe.AllowedPrice(req.PriceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}

	ctx := c.Request.Context()
	customerID, err := s.ensureStripeCustomer(ctx, u, false)
	if err != nil {
		s.log.Error("ensure stripe customer failed", zap.String("user_id", u.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to prepare billing"})
		return
	}

	in := billing.CheckoutInput{
		CustomerID: customerID,
		PriceID:    req.PriceID,
		UserID:     u.ID,
		SuccessURL: s.cfg.Stripe.FrontendURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.cfg.Stripe.FrontendURL + "/billing/cancel",
	}
	url, err := s.processor.CreateCheckoutSession(ctx, in)
	if billing.IsMissingResource(err) {
		// The stored customer was deleted on the processor side.
		s.log.Warn("stripe customer missing, recreating", zap.String("user_id", u.ID), zap.String("customer_id", customerID))
		if in.CustomerID, err = s.ensureStripeCustomer(ctx, u, true); err == nil {
			url, err = s.processor.CreateCheckoutSession(ctx, in)
		}
	}
	if err != nil {
		s.log.Error("stripe checkout session failed", zap.String("user_id", u.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// ensureStripeCustomer returns the user's customer id, creating one when
// absent or when fresh is set.
func (s *Server) ensureStripeCustomer(ctx context.Context, u models.User, fresh bool) (string, error) {
	if !fresh && u.StripeCustomerID != nil && *u.StripeCustomerID != "" {
		return *u.StripeCustomerID, nil
	}
	id, err := s.processor.CreateCustomer(ctx, u.ID, u.Email)
	if err != nil {
		return "", err
	}
	if err := s.store.SetCustomerID(ctx, u.ID, id); err != nil {
		return "", err
	}
	return id, nil
}

// CreatePortalSession creates a Stripe Customer Portal session for the authenticated user.
func (s *Server) CreatePortalSession(c *gin.Context) {
	u, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	if s.processor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing not configured"})
		return
	}
	if u.StripeCustomerID == nil || *u.StripeCustomerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no billing account for this user"})
		return
	}

	url, err := s.processor.CreatePortalSession(c.Request.Context(), *u.StripeCustomerID, s.cfg.Stripe.FrontendURL+"/settings/billing")
	if err != nil {
		s.log.Error("stripe portal session failed", zap.String("user_id", u.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create portal session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// StripeWebhook verifies and reconciles one Stripe notification. Deliveries
// that cannot be applied are stored for replay and still acknowledged.
func (s *Server) StripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	outcome, err := s.reconciler.Handle(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		var verr *billing.WebhookVerificationError
		if errors.As(err, &verr) {
			s.respondError(c, err)
			return
		}
		// The dead letter could not be stored; let Stripe redeliver.
		s.log.Error("stripe webhook could not be recorded", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// IdentityWebhook applies identity-provider account lifecycle notifications.
func (s *Server) IdentityWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	res, err := s.users.HandleNotification(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
