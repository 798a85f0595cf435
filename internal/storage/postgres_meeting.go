package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// SaveMeeting inserts a meeting booked for a lead of the context client.
func (r *PostgresRepo) SaveMeeting(ctx context.Context, meeting model.Meeting) error {
	clientID, err := clientFromContext(ctx)
	if err != nil {
		return err
	}
	if meeting.ClientID != clientID {
		return fmt.Errorf("%w: meeting client %q does not match context client %q",
			apperrors.ErrUnauthorized, meeting.ClientID, clientID)
	}

	operation := func() error {
		return r.db.WithContext(ctx).Create(&meeting).Error
	}

	err = observedOperation(ctx, commitRetryMaxElapsedTime, "SaveMeeting", "save", "meeting", clientID, operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save meeting",
			zap.String("lead_id", meeting.LeadID),
			zap.Time("scheduled_at", meeting.ScheduledAt),
			zap.Error(err),
		)
		return checkConstraintViolation(err)
	}
	return nil
}

// FindDueMeetingReminders aggregates scheduled meetings, across all clients,
// that owe a reminder. A meeting inside the horizon owes lembrete_1h; one
// later the same day owes reuniao_hoje. Each row carries exactly one type.
func (r *PostgresRepo) FindDueMeetingReminders(ctx context.Context, window ReminderWindow) ([]model.MeetingReminder, error) {
	query := fmt.Sprintf(`SELECT m.id AS meeting_id, m.lead_id, m.client_id,
	l.name AS lead_name, l.phone AS lead_phone,
	COALESCE(m.consultant_id, l.consultant_id) AS consultant_id,
	m.scheduled_at,
	CASE WHEN m.scheduled_at <= ? THEN '%s' ELSE '%s' END AS reminder_type
FROM %s m
JOIN %s l ON l.id = m.lead_id AND l.client_id = m.client_id
WHERE m.status = ?
	AND m.scheduled_at > ?
	AND (
		(m.scheduled_at <= ? AND l.meeting_reminder_sent = false)
		OR (m.scheduled_at > ? AND m.scheduled_at < ? AND l.daily_reminder_sent = false)
	)
ORDER BY m.scheduled_at ASC`,
		model.ReminderOneHour, model.ReminderToday, r.table("meetings"), r.table("leads"))

	now, horizon, dayEnd := window.Now.UTC(), window.Horizon.UTC(), window.DayEnd.UTC()

	var reminders []model.MeetingReminder
	operation := func() error {
		reminders = reminders[:0]
		return r.db.WithContext(ctx).
			Raw(query, horizon, model.MeetingStatusScheduled, now, horizon, horizon, dayEnd).
			Scan(&reminders).Error
	}

	err := observedOperation(ctx, readRetryMaxElapsedTime, "FindDueMeetingReminders", "find_due_reminders", "meeting", "", operation)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to query due meeting reminders", zap.Error(err))
		return nil, checkConstraintViolation(err)
	}
	return reminders, nil
}
