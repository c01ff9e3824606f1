package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rebill/internal/authorization"
	"github.com/smallbiznis/rebill/internal/billing"
)

type startSubscriptionRequest struct {
	PlanCode string `json:"plan_code"`
}

type changePlanRequest struct {
	PlanCode string `json:"plan_code"`
}

// StartSubscription opens the subscription and answers 202: the first
// charge runs on the worker pool and settles asynchronously.
func (s *Server) StartSubscription(c *gin.Context) {
	member, ok := memberID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req startSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PlanCode) == "" {
		AbortWithError(c, newValidationError("plan_code", "invalid_plan_code", "plan code is required"))
		return
	}

	if err := s.authorizeMember(c, member, authorization.ObjectSubscription, authorization.ActionSubscriptionCreate); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.billingSvc.StartSubscription(c.Request.Context(), member, req.PlanCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) GetSubscription(c *gin.Context) {
	member, subID, ok := s.memberAndSubscription(c, authorization.ActionSubscriptionView)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), subID, member)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) ListSubscriptionInvoices(c *gin.Context) {
	member, subID, ok := s.memberAndSubscription(c, authorization.ActionSubscriptionView)
	if !ok {
		return
	}

	if err := s.authorizeMember(c, member, authorization.ObjectInvoice, authorization.ActionInvoiceView); err != nil {
		AbortWithError(c, err)
		return
	}

	// Ownership check before exposing the ledger.
	if _, err := s.subscriptionSvc.Get(c.Request.Context(), subID, member); err != nil {
		AbortWithError(c, err)
		return
	}

	invoices, err := s.invoiceSvc.ListBySubscription(c.Request.Context(), subID, 0)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

// ChargeSubscription is the synchronous charge path. A TIMEOUT outcome
// answers 202: the invoice stays pending and settles via webhook or
// the reconciliation sweep.
func (s *Server) ChargeSubscription(c *gin.Context) {
	member, subID, ok := s.memberAndSubscription(c, authorization.ActionSubscriptionCharge)
	if !ok {
		return
	}

	outcome, err := s.billingSvc.ChargeAndConfirm(c.Request.Context(), member, subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if outcome.Result == billing.ChargeTimeout {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	member, subID, ok := s.memberAndSubscription(c, authorization.ActionSubscriptionCancel)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.ScheduleCancelAtPeriodEnd(c.Request.Context(), subID, member)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) RevertCancelSubscription(c *gin.Context) {
	member, subID, ok := s.memberAndSubscription(c, authorization.ActionSubscriptionCancelRevert)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.RevertCancelAtPeriodEnd(c.Request.Context(), subID, member)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

// ChangeSubscriptionPlan stages the new plan; it takes effect on the
// next period rollover, never mid-term.
func (s *Server) ChangeSubscriptionPlan(c *gin.Context) {
	member, subID, ok := s.memberAndSubscription(c, authorization.ActionSubscriptionPlanChange)
	if !ok {
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PlanCode) == "" {
		AbortWithError(c, newValidationError("plan_code", "invalid_plan_code", "plan code is required"))
		return
	}

	sub, err := s.subscriptionSvc.StagePlanChange(c.Request.Context(), subID, member, req.PlanCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

// memberAndSubscription resolves the acting member, the :id path
// segment, and the RBAC check shared by the subscription handlers.
func (s *Server) memberAndSubscription(c *gin.Context, action string) (int64, int64, bool) {
	member, ok := memberID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return 0, 0, false
	}

	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("id", "invalid_subscription_id", "invalid subscription id"))
		return 0, 0, false
	}

	if err := s.authorizeMember(c, member, authorization.ObjectSubscription, action); err != nil {
		AbortWithError(c, err)
		return 0, 0, false
	}

	return member, int64(id), true
}
