package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const defaultScanLimit = 500

// FindLeadByID fetches a lead of the context client.
func (r *PostgresRepo) FindLeadByID(ctx context.Context, leadID string) (*model.Lead, error) {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var lead model.Lead
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("client_id = ? AND id = ?", clientID, leadID).
			First(&lead)
		return result.Error
	}

	err = observedOperation(ctx, readRetryMaxElapsedTime, "FindLeadByID", "find", "lead", clientID, operation)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, leadID)
		}
		logger.FromContext(ctx).Error("Failed to find lead", zap.String("lead_id", leadID), zap.Error(err))
		return nil, checkConstraintViolation(err)
	}
	return &lead, nil
}

// FindLeadByPhone fetches the lead of the context client with the given phone.
func (r *PostgresRepo) FindLeadByPhone(ctx context.Context, phone string) (*model.Lead, error) {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var lead model.Lead
	operation := func() error {
		return r.db.WithContext(ctx).
			Where("client_id = ? AND phone = ?", clientID, phone).
			Order("created_at ASC").
			First(&lead).Error
	}

	err = observedOperation(ctx, readRetryMaxElapsedTime, "FindLeadByPhone", "find_by_phone", "lead", clientID, operation)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: lead with phone %s", apperrors.ErrNotFound, phone)
		}
		return nil, checkConstraintViolation(err)
	}
	return &lead, nil
}

// TouchLastIncoming moves last_incoming_message_at forward to at. Older
// timestamps are ignored so out-of-order deliveries never rewind it.
func (r *PostgresRepo) TouchLastIncoming(ctx context.Context, leadID string, at time.Time) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}
	at = at.UTC().Truncate(time.Microsecond)

	operation := func() error {
		return r.db.WithContext(ctx).Model(&model.Lead{}).
			Where("client_id = ? AND id = ?", clientID, leadID).
			Where("last_incoming_message_at IS NULL OR last_incoming_message_at < ?", at).
			Update("last_incoming_message_at", at).Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "TouchLastIncoming", "touch_incoming", "lead", clientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to touch last incoming", zap.String("lead_id", leadID), zap.Error(err))
		return checkConstraintViolation(err)
	}
	return nil
}

// RecordOutgoing stores the effect of an outbound send. The update only
// applies when last_outgoing_message_at still equals expected (NULL when
// expected is nil) and, if update.ExpectedStep is set, when the nudge step
// still matches. Otherwise apperrors.ErrConflict is returned.
func (r *PostgresRepo) RecordOutgoing(ctx context.Context, leadID string, expected *time.Time, update OutgoingUpdate) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"last_outgoing_message_at": update.At.UTC().Truncate(time.Microsecond),
	}
	if update.NudgeStep != nil {
		values["nudge_sequence_step"] = *update.NudgeStep
	}
	if update.MarkReactivated {
		values["status"] = gorm.Expr("CASE WHEN status IN (?, ?) THEN ? ELSE status END",
			model.LeadStatusNew, model.LeadStatusContacted, model.LeadStatusReactivationSent)
	}

	var rows int64
	operation := func() error {
		q := r.db.WithContext(ctx).Model(&model.Lead{}).
			Where("client_id = ? AND id = ?", clientID, leadID)
		if expected == nil {
			q = q.Where("last_outgoing_message_at IS NULL")
		} else {
			q = q.Where("last_outgoing_message_at = ?", expected.UTC())
		}
		if update.ExpectedStep != nil {
			q = q.Where("nudge_sequence_step = ?", *update.ExpectedStep)
		}
		result := q.Updates(values)
		rows = result.RowsAffected
		return result.Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "RecordOutgoing", "record_outgoing", "lead", clientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to record outgoing message", zap.String("lead_id", leadID), zap.Error(err))
		return checkConstraintViolation(err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: lead %s changed since it was read", apperrors.ErrConflict, leadID)
	}
	return nil
}

// UpdateLead applies the pipeline fields of update. With FromStatus set the
// update only lands while the lead is still in that status.
func (r *PostgresRepo) UpdateLead(ctx context.Context, leadID string, update LeadUpdate) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}

	values := map[string]interface{}{}
	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("%w: unknown lead status %q", apperrors.ErrValidation, *update.Status)
		}
		values["status"] = *update.Status
	}
	if update.ConsultantID != nil {
		values["consultant_id"] = *update.ConsultantID
	}
	if update.AIStatus != nil {
		values["ai_status"] = *update.AIStatus
	}
	if len(values) == 0 {
		return nil
	}

	var rows int64
	operation := func() error {
		q := r.db.WithContext(ctx).Model(&model.Lead{}).
			Where("client_id = ? AND id = ?", clientID, leadID)
		if update.FromStatus != nil {
			q = q.Where("status = ?", *update.FromStatus)
		}
		result := q.Updates(values)
		rows = result.RowsAffected
		return result.Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "UpdateLead", "update", "lead", clientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update lead", zap.String("lead_id", leadID), zap.Error(err))
		return checkConstraintViolation(err)
	}
	if rows == 0 {
		if update.FromStatus != nil {
			return fmt.Errorf("%w: lead %s is no longer %s", apperrors.ErrConflict, leadID, *update.FromStatus)
		}
		return fmt.Errorf("%w: lead %s", apperrors.ErrNotFound, leadID)
	}
	return nil
}

func reminderColumn(reminder model.ReminderType) (string, error) {
	switch reminder {
	case model.ReminderToday:
		return "daily_reminder_sent", nil
	case model.ReminderOneHour:
		return "meeting_reminder_sent", nil
	}
	return "", fmt.Errorf("%w: reminder type %q", apperrors.ErrUnsupported, reminder)
}

// SetReminderFlag flips the flag of reminder to value. It fails with
// apperrors.ErrConflict when the flag already had that value, which makes
// claiming a reminder (false to true) safe under concurrent scans.
func (r *PostgresRepo) SetReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType, value bool) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}
	column, err := reminderColumn(reminder)
	if err != nil {
		return err
	}

	var rows int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Lead{}).
			Where("client_id = ? AND id = ?", clientID, leadID).
			Where(column+" = ?", !value).
			Update(column, value)
		rows = result.RowsAffected
		return result.Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "SetReminderFlag", "set_reminder_flag", "lead", clientID, operation)
	if err != nil {
		return checkConstraintViolation(err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s already %t for lead %s", apperrors.ErrConflict, column, value, leadID)
	}
	return nil
}

// ResetReminderFlags clears both reminder flags of every lead in one statement.
func (r *PostgresRepo) ResetReminderFlags(ctx context.Context) (int64, error) {
	var rows int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Lead{}).
			Where("daily_reminder_sent = ? OR meeting_reminder_sent = ?", true, true).
			Updates(map[string]interface{}{
				"daily_reminder_sent":   false,
				"meeting_reminder_sent": false,
			})
		rows = result.RowsAffected
		return result.Error
	}

	err := observedOperation(ctx, commitRetryMaxElapsedTime, "ResetReminderFlags", "reset_reminder_flags", "lead", "", operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to reset reminder flags", zap.Error(err))
		return 0, checkConstraintViolation(err)
	}
	return rows, nil
}

const candidateColumns = `id AS lead_id, client_id, name, phone,
	CAST(FLOOR(EXTRACT(EPOCH FROM (CAST(? AS timestamptz) - last_outgoing_message_at)) / 60) AS integer) AS minutes_since_last_message,
	nudge_sequence_step AS nudge_step, last_outgoing_message_at`

const awaitingReplyPredicate = `ai_status = ?
	AND last_outgoing_message_at IS NOT NULL
	AND (last_incoming_message_at IS NULL OR last_incoming_message_at < last_outgoing_message_at)
	AND phone <> ''
	AND COALESCE(last_incoming_message_at, last_outgoing_message_at) > ?`

// windowStart is the oldest last message that still allows free-form text.
func windowStart(now time.Time) time.Time {
	return now.UTC().Add(-model.ServiceWindow)
}

// FindNudgeCandidates returns active leads, across all clients, whose last
// outbound message is unanswered and whose service window is still open.
// Cadence eligibility is decided by the caller.
func (r *PostgresRepo) FindNudgeCandidates(ctx context.Context, now time.Time, limit int) ([]model.ReengagementCandidate, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY last_outgoing_message_at ASC LIMIT ?`,
		candidateColumns, r.table("leads"), awaitingReplyPredicate)

	var candidates []model.ReengagementCandidate
	operation := func() error {
		candidates = candidates[:0]
		return r.db.WithContext(ctx).Raw(query, now.UTC(), model.AIStatusActive, windowStart(now), limit).Scan(&candidates).Error
	}

	err := observedOperation(ctx, readRetryMaxElapsedTime, "FindNudgeCandidates", "find_nudge_candidates", "lead", "", operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to query nudge candidates", zap.Error(err))
		return nil, checkConstraintViolation(err)
	}
	return candidates, nil
}

// FindMorningSweepCandidates returns active leads whose unanswered outbound
// message was sent at or after since.
func (r *PostgresRepo) FindMorningSweepCandidates(ctx context.Context, since, now time.Time, limit int) ([]model.ReengagementCandidate, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND last_outgoing_message_at >= ? ORDER BY last_outgoing_message_at ASC LIMIT ?`,
		candidateColumns, r.table("leads"), awaitingReplyPredicate)

	var candidates []model.ReengagementCandidate
	operation := func() error {
		candidates = candidates[:0]
		return r.db.WithContext(ctx).Raw(query, now.UTC(), model.AIStatusActive, windowStart(now), since.UTC(), limit).Scan(&candidates).Error
	}

	err := observedOperation(ctx, readRetryMaxElapsedTime, "FindMorningSweepCandidates", "find_sweep_candidates", "lead", "", operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to query morning sweep candidates", zap.Error(err))
		return nil, checkConstraintViolation(err)
	}
	return candidates, nil
}

// FindNewLeadsByCampaign lists the NEW leads of a campaign of the context client.
func (r *PostgresRepo) FindNewLeadsByCampaign(ctx context.Context, campaignID string) ([]model.Lead, error) {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var leads []model.Lead
	operation := func() error {
		leads = leads[:0]
		return r.db.WithContext(ctx).
			Where("client_id = ? AND campaign_id = ? AND status = ?", clientID, campaignID, model.LeadStatusNew).
			Order("created_at ASC").
			Find(&leads).Error
	}

	err = observedOperation(ctx, readRetryMaxElapsedTime, "FindNewLeadsByCampaign", "find_by_campaign", "lead", clientID, operation)
	if err != nil {
		return nil, checkConstraintViolation(err)
	}
	return leads, nil
}
