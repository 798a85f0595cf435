package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

func TestSaveMeeting(t *testing.T) {
	repo, mock := newTestRepo(t)
	meeting := model.NewMeeting(testLeadID, testClientID, time.Now().Add(48*time.Hour))

	mock.ExpectExec(`INSERT INTO "meetings"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveMeeting(tenantCtx(), *meeting))
}

func TestFindDueMeetingReminders(t *testing.T) {
	repo, mock := newTestRepo(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	window := ReminderWindow{Now: now, Horizon: now.Add(time.Hour), DayEnd: now.Add(12 * time.Hour)}
	consultant := "consultant-1"

	mock.ExpectQuery(`(?s)CASE WHEN m.scheduled_at <= \$1 THEN 'lembrete_1h' ELSE 'reuniao_hoje' END.*FROM meetings m.*JOIN leads l.*l.meeting_reminder_sent = false.*l.daily_reminder_sent = false`).
		WithArgs(AnyTime{}, string(model.MeetingStatusScheduled), AnyTime{}, AnyTime{}, AnyTime{}, AnyTime{}).
		WillReturnRows(sqlmock.NewRows([]string{
			"meeting_id", "lead_id", "client_id", "lead_name", "lead_phone", "consultant_id", "scheduled_at", "reminder_type",
		}).
			AddRow("mt1", testLeadID, testClientID, "Ana", "5511999990000", consultant, now.Add(40*time.Minute), "lembrete_1h").
			AddRow("mt2", "lead-2", testClientID, "Bia", "5511999990001", nil, now.Add(5*time.Hour), "reuniao_hoje"))

	reminders, err := repo.FindDueMeetingReminders(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, reminders, 2)
	assert.Equal(t, model.ReminderOneHour, reminders[0].ReminderType)
	assert.Equal(t, consultant, *reminders[0].ConsultantID)
	assert.Equal(t, model.ReminderToday, reminders[1].ReminderType)
	assert.Nil(t, reminders[1].ConsultantID)
}
