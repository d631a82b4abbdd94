package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/smallbiznis/recon/internal/jobqueue"
)

type deadJobResponse struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Attempts  int       `json:"attempts"`
	LastError *string   `json:"last_error,omitempty"`
	RunAt     time.Time `json:"run_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) ListDeadJobs(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	jobs, err := s.jobs.ListDead(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": lo.Map(jobs, func(j jobqueue.ScheduledJob, _ int) deadJobResponse {
			return deadJobResponse{
				Key:       j.JobKey,
				Kind:      j.Kind,
				Attempts:  j.Attempts,
				LastError: j.LastError,
				RunAt:     j.RunAt,
				UpdatedAt: j.UpdatedAt,
			}
		}),
	})
}
