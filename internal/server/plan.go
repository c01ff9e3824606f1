package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
)

func (s *Server) ListPlans(c *gin.Context) {
	activeOnly := true
	if raw := strings.TrimSpace(c.Query("include_inactive")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil && parsed {
			activeOnly = false
		}
	}

	plans, err := s.planSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) CreatePlan(c *gin.Context) {
	var req plandomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.planSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, plan)
}
