package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		APIVersion:   "v20.0",
		DefaultToken: "default-token",
		Timeout:      2 * time.Second,
		MaxRetries:   2,
	})
}

var account = Account{PhoneNumberID: "1234567890"}

func TestSendText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v20.0/1234567890/messages", r.URL.Path)
		assert.Equal(t, "Bearer default-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5511999990000", body["to"])
		assert.Equal(t, "text", body["type"])
		assert.Equal(t, "hello", body["text"].(map[string]any)["body"])

		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.1"}]}`)
	})

	id, err := client.SendText(context.Background(), account, "5511999990000", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
}

func TestSendText_AccountTokenWins(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tenant-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.2"}]}`)
	})

	_, err := client.SendText(context.Background(), Account{PhoneNumberID: "1", AccessToken: "tenant-token"}, "55", "hi")
	require.NoError(t, err)
}

func TestSendSequential_OrderAndBlankSkip(t *testing.T) {
	var bodies []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body.Text.Body)
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.`+body.Text.Body+`"}]}`)
	})

	ids, err := client.SendSequential(context.Background(), account, "55", []string{"first", "  ", "second"}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, bodies)
	assert.Equal(t, []string{"wamid.first", "wamid.second"}, ids)
}

func TestSendSequential_StopsAtFirstFailure(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 2 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"invalid recipient","code":131030}}`)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.ok"}]}`)
	})

	ids, err := client.SendSequential(context.Background(), account, "55", []string{"a", "b", "c"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.Equal(t, []string{"wamid.ok"}, ids)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestSendText_RetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.3"}]}`)
	})

	id, err := client.SendText(context.Background(), account, "55", "hi")
	require.NoError(t, err)
	assert.Equal(t, "wamid.3", id)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSendText_RateLimitedAfterRetries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.SendText(context.Background(), account, "55", "hi")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.True(t, apperrors.IsTransient(err))
}

func TestSendTemplate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type     string `json:"type"`
			Template struct {
				Name     string `json:"name"`
				Language struct {
					Code string `json:"code"`
				} `json:"language"`
				Components []TemplateComponent `json:"components"`
			} `json:"template"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "template", body.Type)
		assert.Equal(t, "welcome", body.Template.Name)
		assert.Equal(t, "pt_BR", body.Template.Language.Code)
		require.Len(t, body.Template.Components, 1)
		assert.Equal(t, "Ana", body.Template.Components[0].Parameters[0].Text)
		_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.t"}]}`)
	})

	id, err := client.SendTemplate(context.Background(), account, "55", "welcome", "pt_BR", []TemplateComponent{BodyText("Ana")})
	require.NoError(t, err)
	assert.Equal(t, "wamid.t", id)
}

func TestDownloadMedia(t *testing.T) {
	var srvURL string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v20.0/media-1":
			_, _ = io.WriteString(w, `{"url":"`+srvURL+`/files/media-1","mime_type":"audio/ogg"}`)
		case "/files/media-1":
			assert.Equal(t, "Bearer default-token", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte("OGGDATA"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srvURL = client.baseURL

	media, err := client.DownloadMedia(context.Background(), account, "media-1")
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", media.MimeType)
	assert.Equal(t, []byte("OGGDATA"), media.Data)
}

func TestDo_RequiresToken(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	client := NewClient(Config{BaseURL: "http://127.0.0.1:0"})

	_, err := client.SendText(context.Background(), account, "55", "hi")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}
