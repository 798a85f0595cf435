package integration_test

import (
	"time"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
)

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(i int) *int              { return &i }

func (s *IntegrationSuite) TestRecordOutgoing_CompareAndSet() {
	client := s.createClient()
	sent := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Microsecond)
	lead := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777", LastOutgoingMessageAt: &sent})
	ctx := s.tenantCtx(client.ID)

	now := time.Now().UTC().Truncate(time.Microsecond)
	err := s.Repo.RecordOutgoing(ctx, lead.ID, &sent, storage.OutgoingUpdate{
		At: now, NudgeStep: ptrInt(1), ExpectedStep: ptrInt(0),
	})
	s.Require().NoError(err)

	got := s.reloadLead(client.ID, lead.ID)
	s.Equal(1, got.NudgeSequenceStep)
	s.Require().NotNil(got.LastOutgoingMessageAt)
	s.True(now.Equal(*got.LastOutgoingMessageAt))

	// A second writer holding the old token loses.
	err = s.Repo.RecordOutgoing(ctx, lead.ID, &sent, storage.OutgoingUpdate{At: now.Add(time.Minute)})
	s.ErrorIs(err, apperrors.ErrConflict)

	// So does one whose step read is stale.
	err = s.Repo.RecordOutgoing(ctx, lead.ID, &now, storage.OutgoingUpdate{
		At: now.Add(time.Minute), NudgeStep: ptrInt(2), ExpectedStep: ptrInt(0),
	})
	s.ErrorIs(err, apperrors.ErrConflict)
	s.Equal(1, s.reloadLead(client.ID, lead.ID).NudgeSequenceStep)
}

func (s *IntegrationSuite) TestRecordOutgoing_FirstSendAndReactivation() {
	client := s.createClient()
	lead := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777", Status: model.LeadStatusContacted})
	ctx := s.tenantCtx(client.ID)
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := s.Repo.RecordOutgoing(ctx, lead.ID, nil, storage.OutgoingUpdate{At: now, MarkReactivated: true})
	s.Require().NoError(err)

	got := s.reloadLead(client.ID, lead.ID)
	s.Equal(model.LeadStatusReactivationSent, got.Status)

	err = s.Repo.RecordOutgoing(ctx, lead.ID, nil, storage.OutgoingUpdate{At: now})
	s.ErrorIs(err, apperrors.ErrConflict)
}

func (s *IntegrationSuite) TestTouchLastIncoming_OnlyMovesForward() {
	client := s.createClient()
	lead := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})
	ctx := s.tenantCtx(client.ID)
	later := time.Now().UTC().Truncate(time.Microsecond)
	earlier := later.Add(-time.Hour)

	s.Require().NoError(s.Repo.TouchLastIncoming(ctx, lead.ID, later))
	s.Require().NoError(s.Repo.TouchLastIncoming(ctx, lead.ID, earlier))

	got := s.reloadLead(client.ID, lead.ID)
	s.Require().NotNil(got.LastIncomingMessageAt)
	s.True(later.Equal(*got.LastIncomingMessageAt))
}

func (s *IntegrationSuite) TestTenantScoping() {
	owner := s.createClient()
	other := s.createClient()
	lead := s.createLead(&model.Lead{ClientID: owner.ID, Phone: "5511988887777"})

	_, err := s.Repo.FindLeadByID(s.tenantCtx(other.ID), lead.ID)
	s.ErrorIs(err, apperrors.ErrNotFound)

	found, err := s.Repo.FindLeadByPhone(s.tenantCtx(owner.ID), "5511988887777")
	s.Require().NoError(err)
	s.Equal(lead.ID, found.ID)

	_, err = s.Repo.FindLeadByID(s.Ctx, lead.ID)
	s.Error(err, "a context without client must be rejected")
}

func (s *IntegrationSuite) TestFindNudgeCandidates() {
	client := s.createClient()
	now := time.Now().UTC()
	out := now.Add(-90 * time.Minute)
	waiting := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000001", LastOutgoingMessageAt: &out, NudgeSequenceStep: 2})
	s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000002", LastOutgoingMessageAt: &out,
		LastIncomingMessageAt: ptrTime(now.Add(-time.Minute))})
	s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000003", LastOutgoingMessageAt: &out, AIStatus: model.AIStatusPaused})
	s.createLead(&model.Lead{ClientID: client.ID, LastOutgoingMessageAt: &out})
	s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000004"})

	candidates, err := s.Repo.FindNudgeCandidates(s.Ctx, now, 10)

	s.Require().NoError(err)
	s.Require().Len(candidates, 1)
	s.Equal(waiting.ID, candidates[0].LeadID)
	s.Equal(client.ID, candidates[0].ClientID)
	s.Equal(2, candidates[0].NudgeStep)
	s.InDelta(90, candidates[0].MinutesSinceLastMessage, 1)
}

func (s *IntegrationSuite) TestFindNudgeCandidates_ClosedServiceWindow() {
	client := s.createClient()
	now := time.Now().UTC()
	open := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000001",
		LastIncomingMessageAt: ptrTime(now.Add(-20 * time.Hour)), LastOutgoingMessageAt: ptrTime(now.Add(-3 * time.Hour))})
	// Last reply was 30h ago; WhatsApp would reject free-form text.
	s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000002",
		LastIncomingMessageAt: ptrTime(now.Add(-30 * time.Hour)), LastOutgoingMessageAt: ptrTime(now.Add(-3 * time.Hour))})
	// Never replied and the last outbound is older than the window.
	s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000003",
		LastOutgoingMessageAt: ptrTime(now.Add(-26 * time.Hour))})

	candidates, err := s.Repo.FindNudgeCandidates(s.Ctx, now, 10)

	s.Require().NoError(err)
	s.Require().Len(candidates, 1)
	s.Equal(open.ID, candidates[0].LeadID)
}

func (s *IntegrationSuite) TestFindMorningSweepCandidates() {
	client := s.createClient()
	now := time.Now().UTC()
	since := now.Add(-12 * time.Hour)
	overnight := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000001",
		LastOutgoingMessageAt: ptrTime(now.Add(-10 * time.Hour))})
	s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000002",
		LastOutgoingMessageAt: ptrTime(now.Add(-30 * time.Hour))})

	candidates, err := s.Repo.FindMorningSweepCandidates(s.Ctx, since, now, 0)

	s.Require().NoError(err)
	s.Require().Len(candidates, 1)
	s.Equal(overnight.ID, candidates[0].LeadID)
}

func (s *IntegrationSuite) TestReminderClaimIsIdempotent() {
	client := s.createClient()
	lead := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})
	ctx := s.tenantCtx(client.ID)

	s.Require().NoError(s.Repo.SetReminderFlag(ctx, lead.ID, model.ReminderOneHour, true))
	s.ErrorIs(s.Repo.SetReminderFlag(ctx, lead.ID, model.ReminderOneHour, true), apperrors.ErrConflict)

	got := s.reloadLead(client.ID, lead.ID)
	s.True(got.MeetingReminderSent)
	s.False(got.DailyReminderSent)

	reset, err := s.Repo.ResetReminderFlags(s.Ctx)
	s.Require().NoError(err)
	s.EqualValues(1, reset)
	s.False(s.reloadLead(client.ID, lead.ID).MeetingReminderSent)
}

func (s *IntegrationSuite) TestFindDueMeetingReminders() {
	client := s.createClient()
	consultant := "consultant-1"
	soon := s.createLead(&model.Lead{ClientID: client.ID, Name: "Ana", Phone: "5511900000001", ConsultantID: &consultant})
	later := s.createLead(&model.Lead{ClientID: client.ID, Name: "Bia", Phone: "5511900000002"})
	claimed := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000003", MeetingReminderSent: true})
	tomorrow := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511900000004"})

	now := time.Now().UTC().Truncate(time.Second)
	window := storage.ReminderWindow{Now: now, Horizon: now.Add(time.Hour), DayEnd: now.Add(6 * time.Hour)}
	for _, m := range []*model.Meeting{
		model.NewMeeting(soon.ID, client.ID, now.Add(40*time.Minute)),
		model.NewMeeting(later.ID, client.ID, now.Add(3*time.Hour)),
		model.NewMeeting(claimed.ID, client.ID, now.Add(30*time.Minute)),
		model.NewMeeting(tomorrow.ID, client.ID, now.Add(20*time.Hour)),
	} {
		s.Require().NoError(s.Repo.SaveMeeting(s.tenantCtx(client.ID), *m))
	}

	reminders, err := s.Repo.FindDueMeetingReminders(s.Ctx, window)

	s.Require().NoError(err)
	s.Require().Len(reminders, 2)
	s.Equal(soon.ID, reminders[0].LeadID)
	s.Equal(model.ReminderOneHour, reminders[0].ReminderType)
	s.Equal("Ana", reminders[0].LeadName)
	s.Require().NotNil(reminders[0].ConsultantID)
	s.Equal(consultant, *reminders[0].ConsultantID)
	s.Equal(later.ID, reminders[1].LeadID)
	s.Equal(model.ReminderToday, reminders[1].ReminderType)
}

func (s *IntegrationSuite) TestUpdateLead_FromStatusGuard() {
	client := s.createClient()
	lead := s.createLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})
	ctx := s.tenantCtx(client.ID)
	contacted, qualified, fresh := model.LeadStatusContacted, model.LeadStatusQualified, model.LeadStatusNew

	s.Require().NoError(s.Repo.UpdateLead(ctx, lead.ID, storage.LeadUpdate{Status: &contacted, FromStatus: &fresh}))
	err := s.Repo.UpdateLead(ctx, lead.ID, storage.LeadUpdate{Status: &qualified, FromStatus: &fresh})

	s.ErrorIs(err, apperrors.ErrConflict)
	s.Equal(model.LeadStatusContacted, s.reloadLead(client.ID, lead.ID).Status)
}
