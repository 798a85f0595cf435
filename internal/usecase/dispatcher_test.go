package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	aimock "gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai/mock"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	storagemock "gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage/mock"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	whatsappmock "gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp/mock"
)

var fixedNow = time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// fixture holds every collaborator mock used by the usecase tests.
type fixture struct {
	leads         *storagemock.LeadRepoMock
	messages      *storagemock.MessageRepoMock
	meetings      *storagemock.MeetingRepoMock
	notifications *storagemock.NotificationRepoMock
	campaigns     *storagemock.CampaignRepoMock
	clients       *storagemock.ClientRepoMock
	brain         *aimock.DecisionMakerMock
	media         *aimock.MediaMock
	sender        *whatsappmock.SenderMock
}

func newFixture(t *testing.T) *fixture {
	withTestLogger(t)
	f := &fixture{
		leads:         new(storagemock.LeadRepoMock),
		messages:      new(storagemock.MessageRepoMock),
		meetings:      new(storagemock.MeetingRepoMock),
		notifications: new(storagemock.NotificationRepoMock),
		campaigns:     new(storagemock.CampaignRepoMock),
		clients:       new(storagemock.ClientRepoMock),
		brain:         new(aimock.DecisionMakerMock),
		media:         new(aimock.MediaMock),
		sender:        new(whatsappmock.SenderMock),
	}
	t.Cleanup(func() {
		f.leads.AssertExpectations(t)
		f.messages.AssertExpectations(t)
		f.meetings.AssertExpectations(t)
		f.notifications.AssertExpectations(t)
		f.campaigns.AssertExpectations(t)
		f.clients.AssertExpectations(t)
		f.brain.AssertExpectations(t)
		f.media.AssertExpectations(t)
		f.sender.AssertExpectations(t)
	})
	return f
}

func (f *fixture) toolTable() *ToolTable {
	return NewToolTable(ToolDeps{
		Leads:         f.leads,
		Messages:      f.messages,
		Meetings:      f.meetings,
		Notifications: f.notifications,
		Sender:        f.sender,
		Location:      saoPaulo(),
		Now:           clockAt(fixedNow),
	})
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(f.leads, f.messages, f.clients, f.brain, f.media, f.media, f.sender,
		f.toolTable(), DispatcherConfig{HistoryLimit: 10, DefaultPrompt: "default prompt"}, clockAt(fixedNow))
}

func saoPaulo() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}

func accountFor(client *model.Client) whatsapp.Account {
	return whatsapp.Account{PhoneNumberID: client.WhatsAppPhoneNumberID, AccessToken: client.WhatsAppAccessToken}
}

func textMessage(clientID, body string) model.InboundMessage {
	msg := model.NewInboundMessage("pnid", "5511999990000")
	msg.ClientID = clientID
	msg.Text = body
	return msg
}

func TestDispatcher_TextReply(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lastOut := fixedNow.Add(-time.Hour)
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777", LastOutgoingMessageAt: &lastOut})
	msg := textMessage(client.ID, "Hi, tell me more")
	history := []model.Message{*model.NewMessage(lead.ID, client.ID)}

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.MatchedBy(func(m model.Message) bool {
		return m.Direction == model.DirectionInbound && m.Content == "Hi, tell me more" &&
			m.ProviderMessageID != nil && *m.ProviderMessageID == msg.ProviderMessageID
	})).Return(nil).Once()
	f.messages.On("Recent", mock.Anything, lead.ID, 10).Return(history, nil)
	f.brain.On("Decide", mock.Anything, history, client.SystemPrompt).
		Return(ai.Decision{Type: ai.DecisionText, Segments: []string{"Sure!", "What is your budget?"}}, nil)
	f.sender.On("SendSequential", mock.Anything, accountFor(client), lead.Phone, []string{"Sure!", "What is your budget?"}, time.Duration(0)).
		Return([]string{"wamid.1", "wamid.2"}, nil)
	f.messages.On("Save", mock.Anything, mock.MatchedBy(func(m model.Message) bool {
		return m.Direction == model.DirectionOutbound && m.Content == "Sure!\n\nWhat is your budget?"
	})).Return(nil).Once()
	f.leads.On("RecordOutgoing", mock.Anything, lead.ID, &lastOut, mock.Anything).Return(nil)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, msg)

	assert.Equal(t, DispatchCompleted, result.Status)
	assert.Equal(t, ActionText, result.Action)
	assert.Empty(t, result.Reason)
	assert.NoError(t, result.Error)
}

func TestDispatcher_PausedLeadIsSkipped(t *testing.T) {
	f := newFixture(t)
	lead := model.NewLead(&model.Lead{AIStatus: model.AIStatusPaused, Phone: "5511988887777"})
	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(lead.ClientID, "hello?"))

	assert.Equal(t, DispatchSkipped, result.Status)
	assert.Equal(t, ReasonAIPaused, result.Reason)
	f.messages.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.brain.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_RedeliveredWamidIsSkipped(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: constraint idx_messages_client_provider", apperrors.ErrDuplicate)).Once()

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "hi again"))

	assert.Equal(t, DispatchSkipped, result.Status)
	assert.Equal(t, ReasonDuplicate, result.Reason)
	assert.NoError(t, result.Error)
	f.brain.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything, mock.Anything)
	f.sender.AssertNotCalled(t, "SendSequential", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_StaleStateAfterSend(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
	f.brain.On("Decide", mock.Anything, mock.Anything, mock.Anything).
		Return(ai.Decision{Type: ai.DecisionText, Segments: []string{"Hello"}}, nil)
	f.sender.On("SendSequential", mock.Anything, mock.Anything, lead.Phone, []string{"Hello"}, mock.Anything).
		Return([]string{"wamid.1"}, nil)
	f.leads.On("RecordOutgoing", mock.Anything, lead.ID, mock.Anything, mock.Anything).Return(apperrors.ErrConflict)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "hi"))

	assert.Equal(t, DispatchCompleted, result.Status)
	assert.Equal(t, ReasonStaleState, result.Reason)
	assert.Equal(t, ActionText, result.Action)
}

func TestDispatcher_EmptyReply(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
	f.brain.On("Decide", mock.Anything, mock.Anything, mock.Anything).Return(ai.Decision{Type: ai.DecisionText}, nil)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "ok"))

	assert.Equal(t, DispatchCompleted, result.Status)
	assert.Equal(t, ReasonEmptyReply, result.Reason)
	f.sender.AssertNotCalled(t, "SendSequential", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_UnknownToolCompletes(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
	f.brain.On("Decide", mock.Anything, mock.Anything, mock.Anything).Return(ai.Decision{
		Type:     ai.DecisionToolCall,
		ToolCall: &ai.ToolCall{Name: "send_invoice", Arguments: json.RawMessage(`{}`)},
	}, nil)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "invoice me"))

	assert.Equal(t, DispatchCompleted, result.Status)
	assert.Equal(t, ReasonUnknownTool, result.Reason)
	assert.Equal(t, ActionToolCall, result.Action)
}

func TestDispatcher_ToolCallHandoff(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
	f.brain.On("Decide", mock.Anything, mock.Anything, mock.Anything).Return(ai.Decision{
		Type:     ai.DecisionToolCall,
		ToolCall: &ai.ToolCall{Name: string(ToolHandoffToHuman), Arguments: json.RawMessage(`{"reason":"wants a discount"}`)},
	}, nil)
	f.leads.On("Update", mock.Anything, lead.ID, mock.Anything).Return(nil)
	f.notifications.On("Save", mock.Anything, mock.Anything).Return(nil)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "can I talk to someone?"))

	assert.Equal(t, DispatchCompleted, result.Status)
	assert.Equal(t, ActionToolCall, result.Action)
	require.NotNil(t, result.Tool)
	assert.True(t, result.Tool.AIPaused)
	assert.Equal(t, 1, result.Tool.Notifications)
}

func TestDispatcher_UnsupportedType(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})
	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)

	msg := textMessage(client.ID, "")
	msg.Type = "sticker"
	result := f.dispatcher().Dispatch(context.Background(), lead.ID, msg)

	assert.Equal(t, DispatchSkipped, result.Status)
	assert.Equal(t, ReasonUnsupportedType, result.Reason)
	f.messages.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestDispatcher_NormalizesMedia(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		mime    string
		caption string
		setup   func(f *fixture)
		content string
	}{
		{
			name:    "audio is transcribed",
			msgType: model.MessageTypeAudio,
			mime:    "audio/ogg",
			setup: func(f *fixture) {
				f.media.On("Transcribe", mock.Anything, []byte("media"), "audio/ogg").Return("I would like a demo", nil)
			},
			content: "I would like a demo",
		},
		{
			name:    "image is captioned",
			msgType: model.MessageTypeImage,
			mime:    "image/jpeg",
			caption: " my storefront ",
			setup: func(f *fixture) {
				f.media.On("Caption", mock.Anything, []byte("media"), "image/jpeg").Return("a shop front with a red door", nil)
			},
			content: "[image] a shop front with a red door\nmy storefront",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			client := model.NewClient()
			lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})
			msg := textMessage(client.ID, "")
			msg.Type = tt.msgType
			msg.MediaID = "media-1"
			msg.Caption = tt.caption

			f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
			f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
			f.sender.On("DownloadMedia", mock.Anything, accountFor(client), "media-1").
				Return(&whatsapp.Media{Data: []byte("media"), MimeType: tt.mime}, nil)
			tt.setup(f)
			f.messages.On("Save", mock.Anything, mock.MatchedBy(func(m model.Message) bool {
				return m.Content == tt.content && m.MessageType == tt.msgType && strings.Contains(string(m.Metadata), "media-1")
			})).Return(nil).Once()
			f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
			f.brain.On("Decide", mock.Anything, mock.Anything, mock.Anything).Return(ai.Decision{Type: ai.DecisionText}, nil)

			result := f.dispatcher().Dispatch(context.Background(), lead.ID, msg)

			assert.Equal(t, DispatchCompleted, result.Status)
		})
	}
}

func TestDispatcher_FailuresLandInResult(t *testing.T) {
	t.Run("lead lookup", func(t *testing.T) {
		f := newFixture(t)
		f.leads.On("FindByID", mock.Anything, "lead-1").Return(nil, apperrors.ErrNotFound)

		result := f.dispatcher().Dispatch(context.Background(), "lead-1", textMessage("client-1", "hi"))

		assert.Equal(t, DispatchFailed, result.Status)
		assert.ErrorIs(t, result.Error, apperrors.ErrNotFound)
	})

	t.Run("ai decision", func(t *testing.T) {
		f := newFixture(t)
		client := model.NewClient()
		lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})
		f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
		f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
		f.messages.On("Save", mock.Anything, mock.Anything).Return(nil)
		f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
		f.brain.On("Decide", mock.Anything, mock.Anything, mock.Anything).Return(ai.Decision{}, errors.New("model overloaded"))

		result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "hi"))

		assert.Equal(t, DispatchFailed, result.Status)
		assert.Contains(t, result.Error.Error(), "model overloaded")
	})

	t.Run("panic", func(t *testing.T) {
		f := newFixture(t)
		f.leads.On("FindByID", mock.Anything, "lead-1").Run(func(mock.Arguments) {
			panic("boom")
		}).Return(nil, nil)

		result := f.dispatcher().Dispatch(context.Background(), "lead-1", textMessage("client-1", "hi"))

		assert.Equal(t, DispatchFailed, result.Status)
		assert.Contains(t, result.Error.Error(), "panic in dispatch")
	})
}

func TestDispatcher_FallsBackToDefaultPrompt(t *testing.T) {
	f := newFixture(t)
	client := model.NewClient()
	client.SystemPrompt = "  "
	lead := model.NewLead(&model.Lead{ClientID: client.ID, Phone: "5511988887777"})

	f.leads.On("FindByID", mock.Anything, lead.ID).Return(lead, nil)
	f.clients.On("FindByID", mock.Anything, client.ID).Return(client, nil)
	f.messages.On("Save", mock.Anything, mock.Anything).Return(nil)
	f.messages.On("Recent", mock.Anything, lead.ID, 10).Return([]model.Message{}, nil)
	f.brain.On("Decide", mock.Anything, mock.Anything, "default prompt").Return(ai.Decision{Type: ai.DecisionText}, nil)

	result := f.dispatcher().Dispatch(context.Background(), lead.ID, textMessage(client.ID, "hi"))

	assert.Equal(t, DispatchCompleted, result.Status)
}
