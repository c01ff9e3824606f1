package ratelimit

import (
	"context"

	"github.com/smallbiznis/rebill/internal/config"
)

const webhookIngestKeyPrefix = "rebill:webhook:ingest:ip:"

// WebhookLimiter throttles the provider callback endpoint per source
// address. Providers retry rejected deliveries, so a 429 here sheds a
// replay storm without losing events.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookLimiter(cfg config.Config, bucket *TokenBucket) *WebhookLimiter {
	if !cfg.RateLimitEnabled || bucket == nil {
		return nil
	}
	return &WebhookLimiter{
		bucket: bucket,
		rate:   cfg.WebhookIngestRate,
		burst:  cfg.WebhookIngestBurst,
	}
}

// Allow admits one delivery from sourceIP. A nil limiter admits
// everything.
func (l *WebhookLimiter) Allow(ctx context.Context, sourceIP string) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, webhookIngestKeyPrefix+sourceIP, l.rate, l.burst)
}
