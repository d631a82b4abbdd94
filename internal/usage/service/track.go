package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	usagedomain "github.com/smallbiznis/recon/internal/usage/domain"
)

// maxClockSkew bounds how far in the future a caller supplied timestamp may be.
const maxClockSkew = 5 * time.Minute

var ErrTrackRecord = errors.New("usage_track_record_failed")

// Track runs fn and, when it succeeds, records req as usage. The recording
// error is returned wrapped in ErrTrackRecord so callers can tell a failed
// business call from a failed recording. Give req an idempotency key when
// the call site may be retried.
func Track(ctx context.Context, svc usagedomain.Service, req usagedomain.RecordRequest, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	if _, err := svc.Record(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", ErrTrackRecord, err)
	}
	return nil
}
