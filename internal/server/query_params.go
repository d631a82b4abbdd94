package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseLimit reads ?limit=, defaulting when absent and rejecting values
// outside 1..maxListLimit.
func parseLimit(value string) (int, error) {
	limit, err := parseOptionalInt64(value)
	if err != nil {
		return 0, newValidationError("limit", "invalid_limit", "limit must be an integer")
	}
	if limit == nil {
		return defaultListLimit, nil
	}
	if *limit <= 0 || *limit > maxListLimit {
		return 0, newValidationError("limit", "invalid_limit", "limit must be between 1 and 500")
	}
	return int(*limit), nil
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, newValidationError("id", "invalid_id", "invalid identifier")
	}
	return parsed, nil
}

// splitCSV accepts both ?status=A,B and repeated ?status=A&status=B.
func splitCSV(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, strings.ToUpper(trimmed))
			}
		}
	}
	return out
}
