package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	dunningdomain "github.com/smallbiznis/recon/internal/dunning/domain"
	"go.uber.org/zap"
)

type dunningResponse struct {
	SubscriptionID string         `json:"subscription_id"`
	OrgID          string         `json:"org_id"`
	State          string         `json:"state"`
	FailedAt       time.Time      `json:"failed_at"`
	RetryCount     int            `json:"retry_count"`
	LastError      *string        `json:"last_error,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	SuspendedAt    *time.Time     `json:"suspended_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Version        int64          `json:"version"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type dunningActionRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

func toDunningResponse(d dunningdomain.DunningState, _ int) dunningResponse {
	return dunningResponse{
		SubscriptionID: d.SubscriptionID.String(),
		OrgID:          d.OrgID.String(),
		State:          string(d.State),
		FailedAt:       d.FailedAt,
		RetryCount:     d.RetryCount,
		LastError:      d.LastError,
		NextRetryAt:    d.NextRetryAt,
		ResolvedAt:     d.ResolvedAt,
		SuspendedAt:    d.SuspendedAt,
		Metadata:       d.Metadata,
		Version:        d.Version,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (s *Server) ListDunning(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var states []dunningdomain.State
	for _, raw := range splitCSV(c.QueryArray("state")) {
		state, ok := dunningdomain.ParseState(raw)
		if !ok {
			AbortWithError(c, newValidationError("state", "invalid_state", "unknown dunning state "+raw))
			return
		}
		states = append(states, state)
	}

	rows, err := s.dunning.List(c.Request.Context(), limit, lo.Uniq(states)...)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": lo.Map(rows, toDunningResponse)})
}

func (s *Server) GetDunning(c *gin.Context) {
	subID, err := parseSnowflakeID(c.Param("subscription_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	state, err := s.dunning.Get(c.Request.Context(), subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toDunningResponse(*state, 0)})
}

func (s *Server) ResolveDunning(c *gin.Context) {
	s.dunningAction(c, func(c *gin.Context, req dunningActionRequest) (*dunningdomain.DunningState, error) {
		subID, _ := parseSnowflakeID(c.Param("subscription_id"))
		return s.dunning.ManualResolve(c.Request.Context(), subID, actorFrom(c), req.Note)
	})
}

func (s *Server) SuspendDunning(c *gin.Context) {
	s.dunningAction(c, func(c *gin.Context, req dunningActionRequest) (*dunningdomain.DunningState, error) {
		subID, _ := parseSnowflakeID(c.Param("subscription_id"))
		return s.dunning.ManualSuspend(c.Request.Context(), subID, actorFrom(c), req.Reason)
	})
}

func (s *Server) RetryDunning(c *gin.Context) {
	s.dunningAction(c, func(c *gin.Context, _ dunningActionRequest) (*dunningdomain.DunningState, error) {
		subID, _ := parseSnowflakeID(c.Param("subscription_id"))
		return s.dunning.ManualRetry(c.Request.Context(), subID, actorFrom(c))
	})
}

// dunningAction validates the path and the optional JSON body before running
// a manual override.
func (s *Server) dunningAction(c *gin.Context, act func(*gin.Context, dunningActionRequest) (*dunningdomain.DunningState, error)) {
	if _, err := parseSnowflakeID(c.Param("subscription_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	var req dunningActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	state, err := act(c, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("manual dunning override",
		zap.String("route", c.FullPath()),
		zap.String("subscription_id", state.SubscriptionID.String()),
		zap.String("actor", actorFrom(c)),
		zap.String("state", string(state.State)),
	)
	c.JSON(http.StatusOK, gin.H{"data": toDunningResponse(*state, 0)})
}
