package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recon/internal/config"
	"go.uber.org/zap"
)

const keyUsageIngestOrg = "recon:usage:ingest:org:%s"

// UsageIngestLimiter throttles usage ingestion per organization. A nil
// limiter allows everything.
type UsageIngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewUsageIngestLimiter shares the lock Redis client. It returns nil when
// Redis or the limit is not configured.
func NewUsageIngestLimiter(client *redis.Client, cfg config.Config, log *zap.Logger) *UsageIngestLimiter {
	if client == nil || cfg.UsageIngestRate <= 0 || cfg.UsageIngestBurst <= 0 {
		log.Info("usage ingest rate limit disabled")
		return nil
	}
	return &UsageIngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.UsageIngestRate,
		burst:  cfg.UsageIngestBurst,
	}
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowOrg(ctx context.Context, orgID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestOrg, strings.TrimSpace(orgID)), l.rate, l.burst)
}
