package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// SaveMessage appends a message to a lead conversation.
func (r *PostgresRepo) SaveMessage(ctx context.Context, message model.Message) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}
	if message.ClientID != clientID {
		return fmt.Errorf("%w: message client %q does not match context client %q",
			apperrors.ErrUnauthorized, message.ClientID, clientID)
	}

	operation := func() error {
		return r.db.WithContext(ctx).Create(&message).Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "SaveMessage", "save", "message", clientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save message",
			zap.String("lead_id", message.LeadID),
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		return checkConstraintViolation(err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a lead in chronological order.
func (r *PostgresRepo) RecentMessages(ctx context.Context, leadID string, limit int) ([]model.Message, error) {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []model.Message{}, nil
	}

	var messages []model.Message
	operation := func() error {
		messages = messages[:0]
		return r.db.WithContext(ctx).
			Where("client_id = ? AND lead_id = ?", clientID, leadID).
			Order("created_at DESC").
			Limit(limit).
			Find(&messages).Error
	}

	err = observedOperation(ctx, readRetryMaxElapsedTime, "RecentMessages", "find_recent", "message", clientID, operation)
	if err != nil {
		return nil, checkConstraintViolation(err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
