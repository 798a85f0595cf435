package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// FindCampaignByID fetches a campaign of the context client.
func (r *PostgresRepo) FindCampaignByID(ctx context.Context, campaignID string) (*model.Campaign, error) {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var campaign model.Campaign
	operation := func() error {
		return r.db.WithContext(ctx).
			Where("client_id = ? AND id = ?", clientID, campaignID).
			First(&campaign).Error
	}

	err = observedOperation(ctx, readRetryMaxElapsedTime, "FindCampaignByID", "find", "campaign", clientID, operation)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", apperrors.ErrNotFound, campaignID)
		}
		return nil, checkConstraintViolation(err)
	}
	return &campaign, nil
}

// UpdateCampaignStatus sets the campaign status; COMPLETED also stamps completed_at.
func (r *PostgresRepo) UpdateCampaignStatus(ctx context.Context, campaignID string, status model.CampaignStatus, at time.Time) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}

	values := map[string]interface{}{"status": status}
	if status == model.CampaignStatusCompleted {
		values["completed_at"] = at.UTC()
	}

	var rows int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Campaign{}).
			Where("client_id = ? AND id = ?", clientID, campaignID).
			Updates(values)
		rows = result.RowsAffected
		return result.Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "UpdateCampaignStatus", "update_status", "campaign", clientID, operation)
	if err != nil {
		return checkConstraintViolation(err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: campaign %s", apperrors.ErrNotFound, campaignID)
	}
	return nil
}
