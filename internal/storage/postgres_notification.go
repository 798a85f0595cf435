package storage

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// SaveNotification inserts a notification for a user of the context client.
func (r *PostgresRepo) SaveNotification(ctx context.Context, notification model.Notification) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}
	notification.ClientID = clientID

	operation := func() error {
		return r.db.WithContext(ctx).Create(&notification).Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "SaveNotification", "save", "notification", clientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save notification",
			zap.String("user_id", notification.UserID),
			zap.String("type", notification.Type),
			zap.Error(err),
		)
		return checkConstraintViolation(err)
	}
	return nil
}
