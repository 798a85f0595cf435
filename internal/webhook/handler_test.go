package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	ingestionmock "gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion/mock"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const textDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "5511999990000", "phone_number_id": "pn-1"},
        "contacts": [{"wa_id": "5511988887777", "profile": {"name": "Ana"}}],
        "messages": [
          {"from": "5511988887777", "id": "wamid.1", "timestamp": "1767261600", "type": "text", "text": {"body": "oi"}},
          {"from": "5511988887777", "id": "wamid.2", "timestamp": "1767261601", "type": "text", "text": {"body": "tudo bem?"}}
        ]
      }
    }]
  }]
}`

const statusDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "waba-1", "changes": [{"field": "messages", "value": {
    "metadata": {"phone_number_id": "pn-1"},
    "statuses": [{"id": "wamid.9", "status": "delivered", "recipient_id": "5511988887777"}]
  }}]}]
}`

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(t *testing.T, secret string) (*Handler, *ingestionmock.PublisherMock) {
	logger.Log = zaptest.NewLogger(t)
	pub := new(ingestionmock.PublisherMock)
	h := NewHandler(pub, "verify-me", secret)
	h.now = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC) }
	return h, pub
}

func post(h *Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	return rec
}

func TestVerify(t *testing.T) {
	h, _ := newTestHandler(t, "")

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"matching token", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, "forbidden"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", http.StatusForbidden, "forbidden"},
		{"missing params", "", http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Verify(rec, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestReceive_PublishesFirstMessageOnly(t *testing.T) {
	h, pub := newTestHandler(t, "")

	pub.On("Publish", mock.Anything, model.V1InboundMessage, "", mock.MatchedBy(func(m model.InboundMessage) bool {
		return m.PhoneNumberID == "pn-1" &&
			m.From == "5511988887777" &&
			m.ContactName == "Ana" &&
			m.ProviderMessageID == "wamid.1" &&
			m.Text == "oi" &&
			m.Timestamp.Equal(time.Unix(1767261600, 0)) &&
			!m.ReceivedAt.IsZero()
	}), "wamid.1").Return(nil).Once()

	rec := post(h, textDelivery, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, eventReceived, rec.Body.String())
	pub.AssertExpectations(t)
}

func TestReceive_StatusOnlyIsIgnored(t *testing.T) {
	h, pub := newTestHandler(t, "")

	rec := post(h, statusDelivery, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReceive_SignatureChecks(t *testing.T) {
	t.Run("valid signature publishes", func(t *testing.T) {
		h, pub := newTestHandler(t, "app-secret")
		pub.On("Publish", mock.Anything, model.V1InboundMessage, "", mock.Anything, "wamid.1").Return(nil)

		rec := post(h, textDelivery, sign("app-secret", textDelivery))

		assert.Equal(t, http.StatusOK, rec.Code)
		pub.AssertExpectations(t)
	})

	t.Run("mismatch is dropped with 200", func(t *testing.T) {
		h, pub := newTestHandler(t, "app-secret")

		rec := post(h, textDelivery, sign("other-secret", textDelivery))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, eventReceived, rec.Body.String())
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing header is dropped", func(t *testing.T) {
		h, pub := newTestHandler(t, "app-secret")

		rec := post(h, textDelivery, "")

		assert.Equal(t, http.StatusOK, rec.Code)
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestReceive_BadJSONAndPublishErrorStill200(t *testing.T) {
	h, pub := newTestHandler(t, "")
	assert.Equal(t, http.StatusOK, post(h, "{not json", "").Code)

	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nats down"))
	assert.Equal(t, http.StatusOK, post(h, textDelivery, "").Code)
}

func TestExtract_MediaTypes(t *testing.T) {
	env := Envelope{Entry: []Entry{{Changes: []Change{
		{Value: Value{}},
		{Value: Value{
			Metadata: Metadata{PhoneNumberID: "pn-1"},
			Messages: []Message{{
				From: "5511", ID: "wamid.img", Type: model.MessageTypeImage,
				Image: &Media{ID: "media-1", MimeType: "image/jpeg", Caption: "meu carro"},
			}},
		}},
	}}}}

	msg, ok := Extract(env)
	assert.True(t, ok)
	assert.Equal(t, "media-1", msg.MediaID)
	assert.Equal(t, "image/jpeg", msg.MimeType)
	assert.Equal(t, "meu carro", msg.Caption)

	env.Entry[0].Changes[1].Value.Messages[0] = Message{
		From: "5511", ID: "wamid.aud", Type: model.MessageTypeAudio,
		Audio: &Media{ID: "media-2", MimeType: "audio/ogg"},
	}
	msg, ok = Extract(env)
	assert.True(t, ok)
	assert.Equal(t, "media-2", msg.MediaID)
	assert.Empty(t, msg.Caption)
}
