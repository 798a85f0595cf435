package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

func fakePhone() string {
	return "55" + gofakeit.Numerify("11#########")
}

// NewClient creates a Client with fake data; a non-nil override replaces it entirely.
func NewClient(override ...*Client) *Client {
	if len(override) > 0 && override[0] != nil {
		return override[0]
	}
	return &Client{
		ID:                    "client_" + gofakeit.LetterN(8),
		Name:                  gofakeit.Company(),
		WhatsAppPhoneNumberID: gofakeit.Numerify("1##############"),
		SystemPrompt:          gofakeit.Sentence(12),
		OwnerUserID:           uuid.NewString(),
		CreatedAt:             utils.Now().Add(-24 * time.Hour),
		UpdatedAt:             utils.Now(),
	}
}

// NewLead creates an active NEW lead with a phone number. Fields set on the
// override win over the fake defaults.
func NewLead(override ...*Lead) *Lead {
	base := &Lead{
		ID:        uuid.NewString(),
		ClientID:  "client_" + gofakeit.LetterN(8),
		Name:      gofakeit.FirstName(),
		Phone:     fakePhone(),
		AIStatus:  AIStatusActive,
		Status:    LeadStatusNew,
		CreatedAt: utils.Now().Add(-time.Duration(gofakeit.Number(1, 72)) * time.Hour),
		UpdatedAt: utils.Now(),
	}
	if len(override) == 0 || override[0] == nil {
		return base
	}
	o := override[0]
	if o.ID != "" {
		base.ID = o.ID
	}
	if o.ClientID != "" {
		base.ClientID = o.ClientID
	}
	if o.Name != "" {
		base.Name = o.Name
	}
	if o.AIStatus != "" {
		base.AIStatus = o.AIStatus
	}
	if o.Status != "" {
		base.Status = o.Status
	}
	// Phone is always taken from the override so tests can build phoneless leads.
	base.Phone = o.Phone
	base.LastIncomingMessageAt = o.LastIncomingMessageAt
	base.LastOutgoingMessageAt = o.LastOutgoingMessageAt
	base.NudgeSequenceStep = o.NudgeSequenceStep
	base.DailyReminderSent = o.DailyReminderSent
	base.MeetingReminderSent = o.MeetingReminderSent
	base.ConsultantID = o.ConsultantID
	base.CampaignID = o.CampaignID
	return base
}

// NewMessage creates an inbound user text message for leadID.
func NewMessage(leadID, clientID string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		ClientID:    clientID,
		Direction:   DirectionInbound,
		Role:        RoleUser,
		Content:     gofakeit.Sentence(8),
		MessageType: MessageTypeText,
		CreatedAt:   utils.Now(),
	}
}

// NewInboundMessage creates a text webhook message from phone.
func NewInboundMessage(phoneNumberID, from string) InboundMessage {
	now := utils.Now()
	return InboundMessage{
		PhoneNumberID:     phoneNumberID,
		From:              from,
		ContactName:       gofakeit.Name(),
		ProviderMessageID: "wamid." + gofakeit.LetterN(24),
		Type:              MessageTypeText,
		Text:              gofakeit.Sentence(6),
		Timestamp:         now,
		ReceivedAt:        now,
	}
}

// NewMeeting creates a scheduled meeting for leadID at the given time.
func NewMeeting(leadID, clientID string, at time.Time) *Meeting {
	return &Meeting{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		ClientID:    clientID,
		ScheduledAt: at,
		Status:      MeetingStatusScheduled,
	}
}

// NewCampaign creates a DRAFT campaign for clientID.
func NewCampaign(clientID string) *Campaign {
	return &Campaign{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		Name:             gofakeit.BuzzWord() + " " + gofakeit.HipsterWord(),
		TemplateName:     "welcome_" + gofakeit.LetterN(4),
		TemplateLanguage: "pt_BR",
		Status:           CampaignStatusDraft,
	}
}
