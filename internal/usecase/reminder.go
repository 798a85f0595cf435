package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

const scanReminder = "reminder"

// ReminderResult is the per-meeting line of a ReminderReport.
type ReminderResult struct {
	MeetingID     string
	LeadID        string
	ReminderType  model.ReminderType
	Outcome       string
	Notifications int
	Error         error
}

// ReminderReport summarizes one reminder scan.
type ReminderReport struct {
	Due           int
	Sent          int
	Skipped       int
	Failed        int
	Notifications int
	Results       []ReminderResult
}

// ReminderConfig holds the reminder texts. Templates use {{name}} and {{time}}.
type ReminderConfig struct {
	LeadWindow    time.Duration
	TodayTemplate string
	HourTemplate  string
	Location      *time.Location
}

// ReminderScanner sends at most one reminder of each type per lead per day.
type ReminderScanner struct {
	leads         storage.LeadRepo
	meetings      storage.MeetingRepo
	notifications storage.NotificationRepo
	messages      storage.MessageRepo
	clients       storage.ClientRepo
	sender        whatsapp.Sender
	cfg           ReminderConfig
	now           func() time.Time
}

// NewReminderScanner wires a ReminderScanner.
func NewReminderScanner(
	leads storage.LeadRepo,
	meetings storage.MeetingRepo,
	notifications storage.NotificationRepo,
	messages storage.MessageRepo,
	clients storage.ClientRepo,
	sender whatsapp.Sender,
	cfg ReminderConfig,
	now func() time.Time,
) *ReminderScanner {
	if cfg.LeadWindow <= 0 {
		cfg.LeadWindow = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TodayTemplate == "" {
		cfg.TodayTemplate = "Hi {{name}}! Just a reminder that our meeting is today at {{time}}."
	}
	if cfg.HourTemplate == "" {
		cfg.HourTemplate = "Hi {{name}}! Our meeting starts in about an hour, at {{time}}."
	}
	return &ReminderScanner{
		leads:         leads,
		meetings:      meetings,
		notifications: notifications,
		messages:      messages,
		clients:       clients,
		sender:        sender,
		cfg:           cfg,
		now:           defaultNow(now),
	}
}

// Window returns the reminder window for now: the lead window horizon and the
// next local midnight.
func (s *ReminderScanner) Window(now time.Time) storage.ReminderWindow {
	return storage.ReminderWindow{
		Now:     now,
		Horizon: now.Add(s.cfg.LeadWindow),
		DayEnd:  utils.StartOfDay(now, s.cfg.Location).AddDate(0, 0, 1),
	}
}

// Render fills a reminder template.
func (s *ReminderScanner) Render(r model.MeetingReminder) string {
	tmpl := s.cfg.TodayTemplate
	if r.ReminderType == model.ReminderOneHour {
		tmpl = s.cfg.HourTemplate
	}
	name := r.LeadName
	if name == "" {
		name = "there"
	}
	return strings.NewReplacer(
		"{{name}}", name,
		"{{time}}", utils.ClockHHMM(r.ScheduledAt, s.cfg.Location),
	).Replace(tmpl)
}

// Scan sends every due reminder. Meetings are isolated from each other; the
// error is only set when the due list could not be loaded.
func (s *ReminderScanner) Scan(ctx context.Context) (ReminderReport, error) {
	var report ReminderReport
	window := s.Window(s.now())

	due, err := s.meetings.FindDueReminders(ctx, window)
	if err != nil {
		return report, fmt.Errorf("load due reminders: %w", err)
	}
	report.Due = len(due)

	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := s.remind(ctx, r)
		report.Results = append(report.Results, res)
		report.Notifications += res.Notifications
		switch res.Outcome {
		case OutcomeSent:
			report.Sent++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
		observer.IncScanLeads(scanReminder, res.Outcome)
	}

	logger.FromContext(ctx).Info("Reminder scan finished",
		zap.Int("due", report.Due),
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// remind claims the flag first so concurrent scans cannot both send, and
// releases it again when the send fails.
func (s *ReminderScanner) remind(ctx context.Context, r model.MeetingReminder) (res ReminderResult) {
	res = ReminderResult{MeetingID: r.MeetingID, LeadID: r.LeadID, ReminderType: r.ReminderType}
	ctx = tenant.WithClientID(ctx, r.ClientID)
	log := logger.FromContext(ctx).With(
		zap.String("meeting_id", r.MeetingID),
		zap.String("lead_id", r.LeadID),
		zap.String("reminder_type", string(r.ReminderType)),
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("[panic] Recovered from panic while sending reminder", zap.Any("panic", p), zap.Stack("stack"))
			res.Outcome = OutcomeFailed
			res.Error = fmt.Errorf("panic: %v", p)
		}
	}()

	if err := s.leads.ClaimReminderFlag(ctx, r.LeadID, r.ReminderType); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			res.Outcome = OutcomeSkipped
			log.Debug("Reminder already sent")
			return res
		}
		res.Outcome, res.Error = OutcomeFailed, fmt.Errorf("claim reminder flag: %w", err)
		log.Error("Failed to claim reminder flag", zap.Error(err))
		return res
	}

	client, err := s.clients.FindByID(ctx, r.ClientID)
	if err != nil {
		s.release(ctx, log, r)
		res.Outcome, res.Error = OutcomeFailed, fmt.Errorf("load client: %w", err)
		log.Error("Failed to load client for reminder", zap.Error(err))
		return res
	}

	text := s.Render(r)
	if r.LeadPhone != "" {
		id, err := s.sender.SendText(ctx, accountOf(client), r.LeadPhone, text)
		if err != nil {
			s.release(ctx, log, r)
			res.Outcome, res.Error = OutcomeFailed, fmt.Errorf("send reminder: %w", err)
			log.Error("Failed to send reminder", zap.Error(err))
			return res
		}
		to := recipient{LeadID: r.LeadID, ClientID: r.ClientID, Phone: r.LeadPhone}
		if err := s.messages.Save(ctx, outboundMessage(to, text, model.MessageTypeReminder, []string{id}, s.now())); err != nil {
			log.Warn("Failed to persist reminder message", zap.Error(err))
		}
	} else {
		log.Info("Lead has no phone, reminder goes to notifications only")
	}

	note := fmt.Sprintf("Meeting with %s at %s (%s)", nameOr(r.LeadName), utils.ClockHHMM(r.ScheduledAt, s.cfg.Location), r.ReminderType)
	res.Notifications += s.notify(ctx, log, client.OwnerUserID, note, r.LeadID)
	if r.ConsultantID != nil && *r.ConsultantID != "" && *r.ConsultantID != client.OwnerUserID {
		res.Notifications += s.notify(ctx, log, *r.ConsultantID, note, r.LeadID)
	}

	res.Outcome = OutcomeSent
	log.Info("Reminder sent", zap.Int("notifications", res.Notifications))
	return res
}

func (s *ReminderScanner) release(ctx context.Context, log *zap.Logger, r model.MeetingReminder) {
	if err := s.leads.ReleaseReminderFlag(ctx, r.LeadID, r.ReminderType); err != nil {
		log.Error("Failed to release reminder flag", zap.Error(err))
	}
}

func (s *ReminderScanner) notify(ctx context.Context, log *zap.Logger, userID, message, leadID string) int {
	if userID == "" {
		return 0
	}
	err := s.notifications.Save(ctx, model.Notification{
		ID:            uuid.NewString(),
		UserID:        userID,
		Message:       message,
		Type:          model.NotificationMeetingReminder,
		RelatedLeadID: &leadID,
		CreatedAt:     s.now(),
	})
	if err != nil {
		log.Error("Failed to save reminder notification", zap.String("user_id", userID), zap.Error(err))
		return 0
	}
	return 1
}

// Reset clears both reminder flags for every lead.
func (s *ReminderScanner) Reset(ctx context.Context) (int64, error) {
	rows, err := s.leads.ResetReminderFlags(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset reminder flags: %w", err)
	}
	logger.FromContext(ctx).Info("Reminder flags reset", zap.Int64("leads", rows))
	return rows, nil
}

func nameOr(name string) string {
	if name == "" {
		return "a lead"
	}
	return name
}
