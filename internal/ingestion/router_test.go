package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

func forward(m *MockHandler) EventHandler {
	return func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
		return m.Handle(ctx, eventType, metadata, rawEvent)
	}
}

func testCtx(t *testing.T) context.Context {
	return logger.WithLogger(context.Background(), zaptest.NewLogger(t))
}

func TestRouter_Register(t *testing.T) {
	router := NewRouter()
	router.Register(model.V1JobNudgeScan, forward(new(MockHandler)))
	assert.NotNil(t, router.handlers[model.V1JobNudgeScan])
}

func TestRouter_Route_ExactMatch(t *testing.T) {
	router := NewRouter()
	handler := new(MockHandler)
	router.Register(model.V1JobNudgeScan, forward(handler))

	raw := []byte(`{"job":"v1.jobs.nudge_scan"}`)
	metadata := &model.MessageMetadata{MessageSubject: string(model.V1JobNudgeScan), MessageID: "msg-1"}
	handler.On("Handle", mock.Anything, model.V1JobNudgeScan, metadata, raw).Return(nil)

	assert.NoError(t, router.Route(testCtx(t), metadata, raw))
	handler.AssertExpectations(t)
}

func TestRouter_Route_ClientSuffix(t *testing.T) {
	router := NewRouter()
	handler := new(MockHandler)
	router.Register(model.V1JobCampaign, forward(handler))

	metadata := &model.MessageMetadata{
		MessageSubject: model.V1JobCampaign.Subject("client-9"),
		ClientID:       "client-9",
	}
	handler.On("Handle", mock.MatchedBy(func(ctx context.Context) bool {
		id, err := tenant.FromContext(ctx)
		return err == nil && id == "client-9"
	}), model.V1JobCampaign, metadata, mock.Anything).Return(nil)

	assert.NoError(t, router.Route(testCtx(t), metadata, []byte(`{}`)))
	handler.AssertExpectations(t)
}

func TestRouter_Route_DefaultHandler(t *testing.T) {
	router := NewRouter()
	handler := new(MockHandler)
	router.RegisterDefault(forward(handler))

	metadata := &model.MessageMetadata{MessageSubject: "v2.unknown.thing"}
	handler.On("Handle", mock.Anything, model.EventType(""), metadata, mock.Anything).Return(nil)

	assert.NoError(t, router.Route(testCtx(t), metadata, nil))
	handler.AssertExpectations(t)
}

func TestRouter_Route_NoHandler(t *testing.T) {
	router := NewRouter()
	metadata := &model.MessageMetadata{MessageSubject: string(model.V1JobReminderScan)}
	assert.NoError(t, router.Route(testCtx(t), metadata, nil))
}

func TestRouter_Route_HandlerError(t *testing.T) {
	router := NewRouter()
	handler := new(MockHandler)
	router.Register(model.V1InboundMessage, forward(handler))

	expected := errors.New("handler failed")
	metadata := &model.MessageMetadata{MessageSubject: string(model.V1InboundMessage)}
	handler.On("Handle", mock.Anything, model.V1InboundMessage, metadata, mock.Anything).Return(expected)

	assert.ErrorIs(t, router.Route(testCtx(t), metadata, nil), expected)
}

func TestClientFromSubject(t *testing.T) {
	tests := map[string]string{
		"v1.jobs.nudge_scan":                  "",
		"v1.jobs.campaign_dispatch.client-42": "client-42",
		"v1.inbound.message":                  "",
		"v1.inbound.message.abc":              "abc",
		"v9.nothing":                          "",
	}
	for subject, want := range tests {
		t.Run(subject, func(t *testing.T) {
			assert.Equal(t, want, ClientFromSubject(subject))
		})
	}
}
