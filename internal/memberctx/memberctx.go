// Package memberctx carries the authenticated member identity through
// request contexts. Authentication itself happens upstream; handlers
// trust the identity placed here by the auth middleware.
package memberctx

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type memberKey struct{}

// WithMemberID stores the acting member's ID in the context.
func WithMemberID(ctx context.Context, memberID snowflake.ID) context.Context {
	return context.WithValue(ctx, memberKey{}, memberID)
}

// MemberIDFromContext returns the acting member's ID, if set.
func MemberIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	value := ctx.Value(memberKey{})
	switch typed := value.(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, parsed != 0
		}
	}
	return 0, false
}
