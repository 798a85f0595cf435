package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// DecisionMakerMock mocks ai.DecisionMaker
type DecisionMakerMock struct {
	mock.Mock
}

func (m *DecisionMakerMock) Decide(ctx context.Context, history []model.Message, systemPrompt string) (ai.Decision, error) {
	args := m.Called(ctx, history, systemPrompt)
	return args.Get(0).(ai.Decision), args.Error(1)
}

// MediaMock mocks ai.Transcriber and ai.Captioner
type MediaMock struct {
	mock.Mock
}

func (m *MediaMock) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	args := m.Called(ctx, audio, mimeType)
	return args.String(0), args.Error(1)
}

func (m *MediaMock) Caption(ctx context.Context, image []byte, mimeType string) (string, error) {
	args := m.Called(ctx, image, mimeType)
	return args.String(0), args.Error(1)
}

var (
	_ ai.DecisionMaker = (*DecisionMakerMock)(nil)
	_ ai.Transcriber   = (*MediaMock)(nil)
	_ ai.Captioner     = (*MediaMock)(nil)
)
