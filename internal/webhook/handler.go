package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventReceived   = "EVENT_RECEIVED"
	maxBodyBytes    = 1 << 20
)

// Handler serves the WhatsApp Cloud API webhook.
type Handler struct {
	publisher   ingestion.Publisher
	verifyToken string
	appSecret   string
	now         func() time.Time
}

// NewHandler publishes extracted messages through publisher. An empty
// appSecret disables signature checks.
func NewHandler(publisher ingestion.Publisher, verifyToken, appSecret string) *Handler {
	return &Handler{
		publisher:   publisher,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		now:         utils.Now,
	}
}

// Verify answers the subscription handshake.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && h.verifyToken != "" && q.Get("hub.verify_token") == h.verifyToken {
		logger.FromContext(r.Context()).Info("Webhook verified")
		utils.WriteTextResponse(w, http.StatusOK, q.Get("hub.challenge"))
		return
	}
	logger.FromContext(r.Context()).Warn("Webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
	utils.WriteTextResponse(w, http.StatusForbidden, "forbidden")
}

// Receive always acknowledges with 200 so WhatsApp does not redeliver;
// problems are logged and the delivery is dropped.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	defer utils.WriteTextResponse(w, http.StatusOK, eventReceived)
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("Failed to read webhook body", zap.Error(err))
		observer.IncWebhookDeliveries("failed")
		return
	}

	if h.appSecret != "" && !validSignature(h.appSecret, body, r.Header.Get(signatureHeader)) {
		log.Warn("Webhook signature mismatch, dropping delivery")
		observer.IncWebhookDeliveries("rejected")
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Warn("Failed to unmarshal webhook body", zap.Error(err))
		observer.IncWebhookDeliveries("failed")
		return
	}

	msg, ok := Extract(env)
	if !ok {
		log.Debug("Webhook delivery carries no message")
		observer.IncWebhookDeliveries("ignored")
		return
	}
	msg.ReceivedAt = h.now()

	log = log.With(
		zap.String("provider_message_id", msg.ProviderMessageID),
		zap.String("phone_number_id", msg.PhoneNumberID),
		zap.String("type", msg.Type),
	)
	if err := h.publisher.Publish(r.Context(), model.V1InboundMessage, "", msg, msg.ProviderMessageID); err != nil {
		log.Error("Failed to publish inbound message", zap.Error(err))
		observer.IncWebhookDeliveries("failed")
		return
	}
	log.Info("Inbound message published")
	observer.IncWebhookDeliveries("published")
}

// Extract returns the first message of the first change that has one.
// Status-only deliveries yield false.
func Extract(env Envelope) (model.InboundMessage, bool) {
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) == 0 {
				continue
			}
			return toInbound(change.Value, change.Value.Messages[0]), true
		}
	}
	return model.InboundMessage{}, false
}

func toInbound(v Value, m Message) model.InboundMessage {
	msg := model.InboundMessage{
		PhoneNumberID:     v.Metadata.PhoneNumberID,
		From:              m.From,
		ProviderMessageID: m.ID,
		Type:              m.Type,
		Timestamp:         utils.ParseUnixString(m.Timestamp),
	}
	for _, c := range v.Contacts {
		if c.WaID == m.From {
			msg.ContactName = c.Profile.Name
			break
		}
	}

	switch m.Type {
	case model.MessageTypeText:
		if m.Text != nil {
			msg.Text = m.Text.Body
		}
	case model.MessageTypeAudio:
		if m.Audio != nil {
			msg.MediaID, msg.MimeType = m.Audio.ID, m.Audio.MimeType
		}
	case model.MessageTypeImage:
		if m.Image != nil {
			msg.MediaID, msg.MimeType, msg.Caption = m.Image.ID, m.Image.MimeType, m.Image.Caption
		}
	}
	return msg
}

// validSignature checks header ("sha256=<hex>") against HMAC-SHA256 of body.
func validSignature(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
