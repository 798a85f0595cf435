package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

// recipient identifies who an outbound message goes to.
type recipient struct {
	LeadID   string
	ClientID string
	Phone    string
}

func recipientOf(lead *model.Lead) recipient {
	return recipient{LeadID: lead.ID, ClientID: lead.ClientID, Phone: lead.Phone}
}

// accountOf returns the WhatsApp sending identity of a tenant. An empty token
// makes the client fall back to the configured default.
func accountOf(client *model.Client) whatsapp.Account {
	return whatsapp.Account{PhoneNumberID: client.WhatsAppPhoneNumberID, AccessToken: client.WhatsAppAccessToken}
}

func promptOf(client *model.Client, fallback string) string {
	if strings.TrimSpace(client.SystemPrompt) != "" {
		return client.SystemPrompt
	}
	return fallback
}

// replier sends segments to a lead, appends the outbound message to the
// history and moves last_outgoing_message_at with a conditional update.
type replier struct {
	sender       whatsapp.Sender
	messages     storage.MessageRepo
	leads        storage.LeadRepo
	segmentDelay time.Duration
	now          func() time.Time
}

// deliver returns whether anything reached the lead. When the send fails
// half-way the delivered part is still persisted and recorded and the send
// error wins. After a clean send a lost conditional update is returned as
// apperrors.ErrConflict.
func (r *replier) deliver(
	ctx context.Context,
	to recipient,
	account whatsapp.Account,
	segments []string,
	expected *time.Time,
	update storage.OutgoingUpdate,
) (bool, error) {
	ids, sendErr := r.sender.SendSequential(ctx, account, to.Phone, segments, r.segmentDelay)
	if len(ids) == 0 {
		return false, sendErr
	}

	at := r.now()
	delivered := segments[:len(ids)]
	if err := r.messages.Save(ctx, outboundMessage(to, strings.Join(delivered, "\n\n"), model.MessageTypeText, ids, at)); err != nil {
		logger.FromContext(ctx).Error("Failed to persist outbound message",
			zap.String("lead_id", to.LeadID),
			zap.Error(err),
		)
	}

	update.At = at
	if err := r.leads.RecordOutgoing(ctx, to.LeadID, expected, update); err != nil {
		if sendErr == nil {
			return true, err
		}
		logger.FromContext(ctx).Warn("Failed to record partial delivery",
			zap.String("lead_id", to.LeadID),
			zap.Error(err),
		)
	}
	return true, sendErr
}

// outboundMessage builds an assistant message row. Provider ids go to metadata.
func outboundMessage(to recipient, content, messageType string, providerIDs []string, at time.Time) model.Message {
	msg := model.Message{
		ID:          uuid.NewString(),
		LeadID:      to.LeadID,
		ClientID:    to.ClientID,
		Direction:   model.DirectionOutbound,
		Role:        model.RoleAssistant,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   at,
	}
	if len(providerIDs) > 0 {
		first := providerIDs[0]
		msg.ProviderMessageID = &first
		if raw, err := json.Marshal(map[string]any{"provider_message_ids": providerIDs}); err == nil {
			msg.Metadata = datatypes.JSON(raw)
		}
	}
	return msg
}

func defaultNow(now func() time.Time) func() time.Time {
	if now == nil {
		return utils.Now
	}
	return now
}
