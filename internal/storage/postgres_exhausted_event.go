package storage

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// SaveExhaustedEvent stores a job the DLQ worker gave up on. Scan jobs have
// no client, so the tenant is not required here.
func (r *PostgresRepo) SaveExhaustedEvent(ctx context.Context, event model.ExhaustedEvent) error {
	operation := func() error {
		return r.db.WithContext(ctx).Create(&event).Error
	}

	err := observedOperation(ctx, commitRetryMaxElapsedTime, "SaveExhaustedEvent", "save", "exhausted_event", event.ClientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save exhausted event after retries",
			zap.String("source_subject", event.SourceSubject),
			zap.String("client_id", event.ClientID),
			zap.Error(err),
		)
		return checkConstraintViolation(err)
	}

	logger.FromContext(ctx).Info("Saved exhausted event",
		zap.String("source_subject", event.SourceSubject),
		zap.Int("retry_count", event.RetryCount),
	)
	return nil
}
