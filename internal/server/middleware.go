package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rebill/internal/memberctx"
)

// HeaderMember carries the authenticated member identity set by the
// edge gateway. The service trusts it; credential checks happen
// upstream.
const HeaderMember = "X-Member-Id"

func (s *Server) MemberRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderMember))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := memberctx.WithMemberID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func memberID(c *gin.Context) (int64, bool) {
	id, ok := memberctx.MemberIDFromContext(c.Request.Context())
	return int64(id), ok
}

// authorizeMember checks the acting member against the RBAC policy.
func (s *Server) authorizeMember(c *gin.Context, id int64, object, action string) error {
	actor := "member:" + snowflake.ID(id).String()
	return s.authzSvc.Authorize(c.Request.Context(), actor, object, action)
}

// WebhookRateLimit throttles provider callbacks per source address.
// A rejected delivery is retried by the provider, so shedding here
// loses nothing. Limiter trouble fails open; the durable dedup layer
// still protects the ledger.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := s.webhookLimiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.Next()
			return
		}
		if !decision.Allowed {
			if decision.RetryAfter > 0 {
				seconds := int(decision.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
