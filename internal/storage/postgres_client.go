package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// FindClientByID fetches a tenant by id.
func (r *PostgresRepo) FindClientByID(ctx context.Context, clientID string) (*model.Client, error) {
	return r.findClient(ctx, "FindClientByID", "id = ?", clientID)
}

// FindClientByPhoneNumberID resolves the tenant owning a WhatsApp phone number id.
func (r *PostgresRepo) FindClientByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Client, error) {
	return r.findClient(ctx, "FindClientByPhoneNumberID", "whatsapp_phone_number_id = ?", phoneNumberID)
}

func (r *PostgresRepo) findClient(ctx context.Context, opName, condition, value string) (*model.Client, error) {
	var client model.Client
	operation := func() error {
		return r.db.WithContext(ctx).Where(condition, value).First(&client).Error
	}

	err := observedOperation(ctx, readRetryMaxElapsedTime, opName, "find", "client", "", operation)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: client %s", apperrors.ErrNotFound, value)
		}
		return nil, checkConstraintViolation(err)
	}
	return &client, nil
}
