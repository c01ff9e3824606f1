package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type registerProfileRequest struct {
	BillingKey string `json:"billing_key"`
}

// RegisterPaymentProfile stores the member's issued billing key. The
// key itself never appears in responses.
func (s *Server) RegisterPaymentProfile(c *gin.Context) {
	member, ok := memberID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req registerProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.BillingKey) == "" {
		AbortWithError(c, newValidationError("billing_key", "invalid_billing_key", "billing key is required"))
		return
	}

	profile, err := s.billingSvc.RegisterPaymentProfile(c.Request.Context(), member, req.BillingKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, profile)
}
