package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// LeadRepoAdapter adapts the PostgresRepo to the LeadRepo interface
type LeadRepoAdapter struct {
	postgres *PostgresRepo
}

func NewLeadRepoAdapter(postgres *PostgresRepo) LeadRepo {
	return &LeadRepoAdapter{postgres: postgres}
}

func (a *LeadRepoAdapter) FindByID(ctx context.Context, leadID string) (*model.Lead, error) {
	return a.postgres.FindLeadByID(ctx, leadID)
}

func (a *LeadRepoAdapter) FindByPhone(ctx context.Context, phone string) (*model.Lead, error) {
	return a.postgres.FindLeadByPhone(ctx, phone)
}

func (a *LeadRepoAdapter) TouchLastIncoming(ctx context.Context, leadID string, at time.Time) error {
	return a.postgres.TouchLastIncoming(ctx, leadID, at)
}

func (a *LeadRepoAdapter) RecordOutgoing(ctx context.Context, leadID string, expected *time.Time, update OutgoingUpdate) error {
	return a.postgres.RecordOutgoing(ctx, leadID, expected, update)
}

func (a *LeadRepoAdapter) Update(ctx context.Context, leadID string, update LeadUpdate) error {
	return a.postgres.UpdateLead(ctx, leadID, update)
}

func (a *LeadRepoAdapter) ClaimReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType) error {
	return a.postgres.SetReminderFlag(ctx, leadID, reminder, true)
}

func (a *LeadRepoAdapter) ReleaseReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType) error {
	return a.postgres.SetReminderFlag(ctx, leadID, reminder, false)
}

func (a *LeadRepoAdapter) ResetReminderFlags(ctx context.Context) (int64, error) {
	return a.postgres.ResetReminderFlags(ctx)
}

func (a *LeadRepoAdapter) FindNudgeCandidates(ctx context.Context, now time.Time, limit int) ([]model.ReengagementCandidate, error) {
	return a.postgres.FindNudgeCandidates(ctx, now, limit)
}

func (a *LeadRepoAdapter) FindMorningSweepCandidates(ctx context.Context, since, now time.Time, limit int) ([]model.ReengagementCandidate, error) {
	return a.postgres.FindMorningSweepCandidates(ctx, since, now, limit)
}

func (a *LeadRepoAdapter) FindNewByCampaign(ctx context.Context, campaignID string) ([]model.Lead, error) {
	return a.postgres.FindNewLeadsByCampaign(ctx, campaignID)
}

// MessageRepoAdapter adapts the PostgresRepo to the MessageRepo interface
type MessageRepoAdapter struct {
	postgres *PostgresRepo
}

func NewMessageRepoAdapter(postgres *PostgresRepo) MessageRepo {
	return &MessageRepoAdapter{postgres: postgres}
}

func (a *MessageRepoAdapter) Save(ctx context.Context, message model.Message) error {
	return a.postgres.SaveMessage(ctx, message)
}

func (a *MessageRepoAdapter) Recent(ctx context.Context, leadID string, limit int) ([]model.Message, error) {
	return a.postgres.RecentMessages(ctx, leadID, limit)
}

// MeetingRepoAdapter adapts the PostgresRepo to the MeetingRepo interface
type MeetingRepoAdapter struct {
	postgres *PostgresRepo
}

func NewMeetingRepoAdapter(postgres *PostgresRepo) MeetingRepo {
	return &MeetingRepoAdapter{postgres: postgres}
}

func (a *MeetingRepoAdapter) Save(ctx context.Context, meeting model.Meeting) error {
	return a.postgres.SaveMeeting(ctx, meeting)
}

func (a *MeetingRepoAdapter) FindDueReminders(ctx context.Context, window ReminderWindow) ([]model.MeetingReminder, error) {
	return a.postgres.FindDueMeetingReminders(ctx, window)
}

// NotificationRepoAdapter adapts the PostgresRepo to the NotificationRepo interface
type NotificationRepoAdapter struct {
	postgres *PostgresRepo
}

func NewNotificationRepoAdapter(postgres *PostgresRepo) NotificationRepo {
	return &NotificationRepoAdapter{postgres: postgres}
}

func (a *NotificationRepoAdapter) Save(ctx context.Context, notification model.Notification) error {
	return a.postgres.SaveNotification(ctx, notification)
}

// CampaignRepoAdapter adapts the PostgresRepo to the CampaignRepo interface
type CampaignRepoAdapter struct {
	postgres *PostgresRepo
}

func NewCampaignRepoAdapter(postgres *PostgresRepo) CampaignRepo {
	return &CampaignRepoAdapter{postgres: postgres}
}

func (a *CampaignRepoAdapter) FindByID(ctx context.Context, campaignID string) (*model.Campaign, error) {
	return a.postgres.FindCampaignByID(ctx, campaignID)
}

func (a *CampaignRepoAdapter) UpdateStatus(ctx context.Context, campaignID string, status model.CampaignStatus, at time.Time) error {
	return a.postgres.UpdateCampaignStatus(ctx, campaignID, status, at)
}

// ClientRepoAdapter adapts the PostgresRepo to the ClientRepo interface
type ClientRepoAdapter struct {
	postgres *PostgresRepo
}

func NewClientRepoAdapter(postgres *PostgresRepo) ClientRepo {
	return &ClientRepoAdapter{postgres: postgres}
}

func (a *ClientRepoAdapter) FindByID(ctx context.Context, clientID string) (*model.Client, error) {
	return a.postgres.FindClientByID(ctx, clientID)
}

func (a *ClientRepoAdapter) FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Client, error) {
	return a.postgres.FindClientByPhoneNumberID(ctx, phoneNumberID)
}

// ExhaustedEventRepoAdapter adapts the PostgresRepo to the ExhaustedEventRepo interface
type ExhaustedEventRepoAdapter struct {
	postgres *PostgresRepo
}

func NewExhaustedEventRepoAdapter(postgres *PostgresRepo) ExhaustedEventRepo {
	return &ExhaustedEventRepoAdapter{postgres: postgres}
}

func (a *ExhaustedEventRepoAdapter) Save(ctx context.Context, event model.ExhaustedEvent) error {
	return a.postgres.SaveExhaustedEvent(ctx, event)
}
