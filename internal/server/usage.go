package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/recon/internal/observability/context"
	obslogger "github.com/smallbiznis/recon/internal/observability/logger"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
	"go.uber.org/zap"
)

type ingestUsageRequest struct {
	OrgID          snowflake.ID   `json:"org_id"`
	Feature        string         `json:"feature"`
	Quantity       int64          `json:"quantity"`
	Timestamp      time.Time      `json:"timestamp"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type usageEventResponse struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	Feature        string    `json:"feature"`
	Quantity       int64     `json:"quantity"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
}

// IngestUsage records one usage event. The Idempotency-Key header is used
// when the body carries no key.
func (s *Server) IngestUsage(c *gin.Context) {
	var req ingestUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	feature, err := usagedomain.ParseFeature(req.Feature)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if req.IdempotencyKey == nil {
		if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
			req.IdempotencyKey = &key
		}
	}

	ctx := c.Request.Context()
	if req.OrgID != 0 {
		ctx = obscontext.WithOrgID(ctx, req.OrgID.String())
	}
	log := obslogger.WithContext(ctx, s.log)
	if req.OrgID != 0 && s.limiter.Enabled() {
		res, err := s.limiter.AllowOrg(ctx, req.OrgID.String())
		if err != nil {
			log.Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			log.Warn("usage ingest rate limit exceeded",
				zap.String("org_id", req.OrgID.String()),
			)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	event, err := s.usage.Record(ctx, usagedomain.RecordRequest{
		OrgID:          req.OrgID,
		Feature:        feature,
		Quantity:       req.Quantity,
		Timestamp:      req.Timestamp,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": usageEventResponse{
		ID:             event.ID.String(),
		OrgID:          event.OrgID.String(),
		Feature:        string(event.Feature),
		Quantity:       event.Quantity,
		Timestamp:      event.Timestamp,
		IdempotencyKey: event.IdempotencyKey,
	}})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
