package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
)

// --- LeadRepo Mock ---

// LeadRepoMock mocks the LeadRepo interface
type LeadRepoMock struct {
	mock.Mock
}

func (m *LeadRepoMock) FindByID(ctx context.Context, leadID string) (*model.Lead, error) {
	args := m.Called(ctx, leadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Lead), args.Error(1)
}

func (m *LeadRepoMock) FindByPhone(ctx context.Context, phone string) (*model.Lead, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Lead), args.Error(1)
}

func (m *LeadRepoMock) TouchLastIncoming(ctx context.Context, leadID string, at time.Time) error {
	args := m.Called(ctx, leadID, at)
	return args.Error(0)
}

func (m *LeadRepoMock) RecordOutgoing(ctx context.Context, leadID string, expected *time.Time, update storage.OutgoingUpdate) error {
	args := m.Called(ctx, leadID, expected, update)
	return args.Error(0)
}

func (m *LeadRepoMock) Update(ctx context.Context, leadID string, update storage.LeadUpdate) error {
	args := m.Called(ctx, leadID, update)
	return args.Error(0)
}

func (m *LeadRepoMock) ClaimReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType) error {
	args := m.Called(ctx, leadID, reminder)
	return args.Error(0)
}

func (m *LeadRepoMock) ReleaseReminderFlag(ctx context.Context, leadID string, reminder model.ReminderType) error {
	args := m.Called(ctx, leadID, reminder)
	return args.Error(0)
}

func (m *LeadRepoMock) ResetReminderFlags(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *LeadRepoMock) FindNudgeCandidates(ctx context.Context, now time.Time, limit int) ([]model.ReengagementCandidate, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ReengagementCandidate), args.Error(1)
}

func (m *LeadRepoMock) FindMorningSweepCandidates(ctx context.Context, since, now time.Time, limit int) ([]model.ReengagementCandidate, error) {
	args := m.Called(ctx, since, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ReengagementCandidate), args.Error(1)
}

func (m *LeadRepoMock) FindNewByCampaign(ctx context.Context, campaignID string) ([]model.Lead, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Lead), args.Error(1)
}

// --- MessageRepo Mock ---

// MessageRepoMock mocks the MessageRepo interface
type MessageRepoMock struct {
	mock.Mock
}

func (m *MessageRepoMock) Save(ctx context.Context, message model.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MessageRepoMock) Recent(ctx context.Context, leadID string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, leadID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

// --- MeetingRepo Mock ---

// MeetingRepoMock mocks the MeetingRepo interface
type MeetingRepoMock struct {
	mock.Mock
}

func (m *MeetingRepoMock) Save(ctx context.Context, meeting model.Meeting) error {
	args := m.Called(ctx, meeting)
	return args.Error(0)
}

func (m *MeetingRepoMock) FindDueReminders(ctx context.Context, window storage.ReminderWindow) ([]model.MeetingReminder, error) {
	args := m.Called(ctx, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.MeetingReminder), args.Error(1)
}

// --- NotificationRepo Mock ---

// NotificationRepoMock mocks the NotificationRepo interface
type NotificationRepoMock struct {
	mock.Mock
}

func (m *NotificationRepoMock) Save(ctx context.Context, notification model.Notification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

// --- CampaignRepo Mock ---

// CampaignRepoMock mocks the CampaignRepo interface
type CampaignRepoMock struct {
	mock.Mock
}

func (m *CampaignRepoMock) FindByID(ctx context.Context, campaignID string) (*model.Campaign, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

func (m *CampaignRepoMock) UpdateStatus(ctx context.Context, campaignID string, status model.CampaignStatus, at time.Time) error {
	args := m.Called(ctx, campaignID, status, at)
	return args.Error(0)
}

// --- ClientRepo Mock ---

// ClientRepoMock mocks the ClientRepo interface
type ClientRepoMock struct {
	mock.Mock
}

func (m *ClientRepoMock) FindByID(ctx context.Context, clientID string) (*model.Client, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Client), args.Error(1)
}

func (m *ClientRepoMock) FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Client, error) {
	args := m.Called(ctx, phoneNumberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Client), args.Error(1)
}

// --- ExhaustedEventRepo Mock ---

// ExhaustedEventRepoMock mocks the ExhaustedEventRepo interface
type ExhaustedEventRepoMock struct {
	mock.Mock
}

func (m *ExhaustedEventRepoMock) Save(ctx context.Context, event model.ExhaustedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

var (
	_ storage.LeadRepo           = (*LeadRepoMock)(nil)
	_ storage.MessageRepo        = (*MessageRepoMock)(nil)
	_ storage.MeetingRepo        = (*MeetingRepoMock)(nil)
	_ storage.NotificationRepo   = (*NotificationRepoMock)(nil)
	_ storage.CampaignRepo       = (*CampaignRepoMock)(nil)
	_ storage.ClientRepo         = (*ClientRepoMock)(nil)
	_ storage.ExhaustedEventRepo = (*ExhaustedEventRepoMock)(nil)
)
