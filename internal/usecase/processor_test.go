package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	ingestionmock "gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion/mock"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

type recordingHandler struct {
	mock.Mock
}

func (h *recordingHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	return h.Called(eventType, metadata.ClientID).Error(0)
}

func withTestLogger(t *testing.T) {
	original := logger.Log
	logger.Log = zaptest.NewLogger(t).Named(t.Name())
	t.Cleanup(func() { logger.Log = original })
}

func TestProcessor_SetupRoutesEveryJob(t *testing.T) {
	withTestLogger(t)
	handler := new(recordingHandler)
	router := ingestion.NewRouter()
	p := NewProcessor(handler, router, nil)

	require.NoError(t, p.Setup())

	subjects := map[string]model.EventType{
		"v1.inbound.message":                 model.V1InboundMessage,
		"v1.jobs.nudge_scan":                 model.V1JobNudgeScan,
		"v1.jobs.morning_sweep":              model.V1JobMorningSweep,
		"v1.jobs.reminder_scan":              model.V1JobReminderScan,
		"v1.jobs.reminder_reset":             model.V1JobReminderReset,
		"v1.jobs.campaign_dispatch.client-1": model.V1JobCampaign,
	}
	for subject, eventType := range subjects {
		handler.On("HandleEvent", eventType, mock.Anything).Return(nil).Once()
		meta := &model.MessageMetadata{MessageSubject: subject, ClientID: ingestion.ClientFromSubject(subject)}
		require.NoError(t, p.GetRouter().Route(context.Background(), meta, []byte(`{}`)), subject)
	}
	handler.AssertExpectations(t)
}

func TestProcessor_UnknownSubjectHitsDefault(t *testing.T) {
	withTestLogger(t)
	handler := new(recordingHandler)
	p := NewProcessor(handler, ingestion.NewRouter(), nil)
	require.NoError(t, p.Setup())

	err := p.GetRouter().Route(context.Background(), &model.MessageMetadata{MessageSubject: "v1.jobs.unknown"}, []byte(`{}`))

	assert.NoError(t, err)
	handler.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
}

func TestProcessor_ConsumerLifecycle(t *testing.T) {
	withTestLogger(t)
	consumer := new(ingestionmock.ConsumerMock)
	router := new(ingestionmock.RouterMock)
	router.On("Register", mock.Anything, mock.Anything).Return().Times(6)
	router.On("RegisterDefault", mock.Anything).Return()
	consumer.On("Setup").Return(nil)
	consumer.On("Start").Return(nil)
	consumer.On("Stop").Return()

	p := NewProcessor(new(recordingHandler), router, consumer)
	require.NoError(t, p.Setup())
	require.NoError(t, p.Start())
	p.Stop()

	router.AssertExpectations(t)
	consumer.AssertExpectations(t)
}

func TestProcessor_ConsumerErrors(t *testing.T) {
	withTestLogger(t)

	t.Run("setup", func(t *testing.T) {
		consumer := new(ingestionmock.ConsumerMock)
		consumer.On("Setup").Return(errors.New("stream setup failed"))

		err := NewProcessor(new(recordingHandler), ingestion.NewRouter(), consumer).Setup()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to setup job consumer")
		assert.Contains(t, err.Error(), "stream setup failed")
	})

	t.Run("start", func(t *testing.T) {
		consumer := new(ingestionmock.ConsumerMock)
		consumer.On("Start").Return(errors.New("subscribe failed"))

		err := NewProcessor(new(recordingHandler), ingestion.NewRouter(), consumer).Start()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start job consumer")
	})
}

func TestProcessor_InlineHasNoConsumer(t *testing.T) {
	withTestLogger(t)
	p := NewProcessor(new(recordingHandler), ingestion.NewRouter(), nil)

	assert.NoError(t, p.Start())
	assert.NotPanics(t, p.Stop)
}
