package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
)

type reportAttemptResponse struct {
	ID                string     `json:"id"`
	OrgID             string     `json:"org_id"`
	Feature           string     `json:"feature"`
	PeriodStart       time.Time  `json:"period_start"`
	PeriodEnd         time.Time  `json:"period_end"`
	IdempotencyKey    string     `json:"idempotency_key"`
	Quantity          int64      `json:"quantity"`
	Status            string     `json:"status"`
	ErrorKind         *string    `json:"error_kind,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	RetryCount        int        `json:"retry_count"`
	ProcessorRecordID *string    `json:"processor_record_id,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

var reportStatuses = []usagedomain.ReportStatus{
	usagedomain.ReportStatusPending,
	usagedomain.ReportStatusSucceeded,
	usagedomain.ReportStatusFailed,
	usagedomain.ReportStatusRequiresAction,
	usagedomain.ReportStatusAbandoned,
}

func (s *Server) ListReportAttempts(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var statuses []usagedomain.ReportStatus
	for _, raw := range splitCSV(c.QueryArray("status")) {
		status := usagedomain.ReportStatus(raw)
		if !lo.Contains(reportStatuses, status) {
			AbortWithError(c, newValidationError("status", "invalid_status", "unknown report status "+raw))
			return
		}
		statuses = append(statuses, status)
	}

	attempts, err := s.reports.ListAttempts(c.Request.Context(), limit, lo.Uniq(statuses)...)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": lo.Map(attempts, toReportAttemptResponse)})
}

func toReportAttemptResponse(a usagedomain.ReportAttempt, _ int) reportAttemptResponse {
	resp := reportAttemptResponse{
		ID:                a.ID.String(),
		OrgID:             a.OrgID.String(),
		Feature:           string(a.Feature),
		PeriodStart:       a.PeriodStart,
		PeriodEnd:         a.PeriodEnd,
		IdempotencyKey:    a.IdempotencyKey,
		Quantity:          a.Quantity,
		Status:            string(a.Status),
		ErrorMessage:      a.ErrorMessage,
		RetryCount:        a.RetryCount,
		ProcessorRecordID: a.ProcessorRecordID,
		LastAttemptAt:     a.LastAttemptAt,
		CreatedAt:         a.CreatedAt,
	}
	if a.ErrorKind != nil {
		resp.ErrorKind = lo.ToPtr(string(*a.ErrorKind))
	}
	return resp
}
