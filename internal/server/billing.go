package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	"go.uber.org/zap"
)

const (
	userIDHeader   = "X-User-Id"
	userRoleHeader = "X-User-Role"
)

// UserRequired gates the client-facing API on the identity headers set by
// the upstream app gateway.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(userIDHeader))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set("user_id", userID)
		c.Set("is_admin", strings.EqualFold(strings.TrimSpace(c.GetHeader(userRoleHeader)), "admin"))
		c.Next()
	}
}

// SessionRateLimit throttles provider session creation per user. Redis
// being down fails open: session creation is not worth an outage.
func (s *Server) SessionRateLimit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := "billing:" + scope + ":" + c.GetString("user_id")
		result, err := s.limiter.Allow(c.Request.Context(), key, 0.2, 5)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			retryAfter := int(result.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}

type subscriptionResponse struct {
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

func (s *Server) GetSubscription(c *gin.Context) {
	record, err := s.subscriptionSvc.LoadSubscription(c.Request.Context(), subscriptiondomain.LoadSubscriptionRequest{
		UserID: c.GetString("user_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, subscriptionResponse{
		Tier:              string(record.Tier),
		Status:            string(record.Status),
		StartDate:         record.StartDate,
		EndDate:           record.EndDate,
		CancelAtPeriodEnd: record.CancelAtPeriodEnd,
	})
}

func (s *Server) CheckAccess(c *gin.Context) {
	feature := strings.TrimSpace(c.Query("feature"))
	if feature == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	allowed, err := s.subscriptionSvc.CheckAccess(c.Request.Context(), subscriptiondomain.CheckAccessRequest{
		UserID:  c.GetString("user_id"),
		Feature: feature,
		IsAdmin: c.GetBool("is_admin"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordEntitlementCheck(c.Request.Context(), feature, allowed)
	}
	c.JSON(http.StatusOK, gin.H{"feature": feature, "allowed": allowed})
}

type createCheckoutRequest struct {
	PriceID string `json:"price_id"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.subscriptionSvc.CreateCheckoutSession(c.Request.Context(), subscriptiondomain.CreateCheckoutSessionRequest{
		UserID:  c.GetString("user_id"),
		PriceID: req.PriceID,
	})
	if err != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordCheckoutSession(c.Request.Context(), "error")
		}
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCheckoutSession(c.Request.Context(), "created")
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	resp, err := s.subscriptionSvc.CreatePortalSession(c.Request.Context(), subscriptiondomain.CreatePortalSessionRequest{
		UserID: c.GetString("user_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	err := s.subscriptionSvc.CancelSubscription(c.Request.Context(), subscriptiondomain.CancelSubscriptionRequest{
		UserID: c.GetString("user_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancellation_scheduled"})
}
