package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// OutgoingUpdate is applied to a lead after an outbound message was sent.
// The write only lands if the lead still carries the expected
// last_outgoing_message_at (and, when set, the expected nudge step).
type OutgoingUpdate struct {
	At           time.Time
	NudgeStep    *int // new step; nil leaves it untouched
	ExpectedStep *int // step the caller read; nil skips the check
	// MarkReactivated moves NEW/CONTACTED leads to REACTIVATION_SENT.
	MarkReactivated bool
}

// LeadUpdate changes pipeline fields of a lead. Nil fields are left untouched.
type LeadUpdate struct {
	Status       *model.LeadStatus
	FromStatus   *model.LeadStatus // only update when the current status matches
	ConsultantID *string
	AIStatus     *model.AIStatus
}

// LeadRepo defines lead storage operations. Single-lead methods are scoped to
// the client in the context; the candidate queries span every client.
type LeadRepo interface {
	FindByID(ctx context.Context, leadID string) (*model.Lead, error)
	FindByPhone(ctx context.Context, phone string) (*model.Lead, error)
	TouchLastIncoming(ctx context.Context, leadID string, at time.Time) error
	RecordOutgoing(ctx context.Context, leadID string, expected *time.Time, update OutgoingUpdate) error
	Update(ctx context.Context, leadID string, update LeadUpdate) error
	ClaimReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType) error
	ReleaseReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType) error
	ResetReminderFlags(ctx context.Context) (int64, error)
	FindNudgeCandidates(ctx context.Context, now time.Time, limit int) ([]model.ReengagementCandidate, error)
	FindMorningSweepCandidates(ctx context.Context, since, now time.Time, limit int) ([]model.ReengagementCandidate, error)
	FindNewByCampaign(ctx context.Context, campaignID string) ([]model.Lead, error)
}

// MessageRepo defines message storage operations
type MessageRepo interface {
	Save(ctx context.Context, message model.Message) error
	// Recent returns up to limit messages of a lead, oldest first.
	Recent(ctx context.Context, leadID string, limit int) ([]model.Message, error)
}

// MeetingRepo defines meeting storage operations
type MeetingRepo interface {
	Save(ctx context.Context, meeting model.Meeting) error
	FindDueReminders(ctx context.Context, window ReminderWindow) ([]model.MeetingReminder, error)
}

// ReminderWindow bounds the reminder aggregation.
type ReminderWindow struct {
	Now     time.Time
	Horizon time.Time // lembrete_1h: meetings starting before this instant
	DayEnd  time.Time // reuniao_hoje: meetings starting before local midnight
}

// NotificationRepo defines notification storage operations
type NotificationRepo interface {
	Save(ctx context.Context, notification model.Notification) error
}

// CampaignRepo defines campaign storage operations
type CampaignRepo interface {
	FindByID(ctx context.Context, campaignID string) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID string, status model.CampaignStatus, at time.Time) error
}

// ClientRepo resolves tenants. It does not require a client in the context.
type ClientRepo interface {
	FindByID(ctx context.Context, clientID string) (*model.Client, error)
	FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Client, error)
}

// ExhaustedEventRepo defines exhausted event storage operations
type ExhaustedEventRepo interface {
	Save(ctx context.Context, event model.ExhaustedEvent) error
}
