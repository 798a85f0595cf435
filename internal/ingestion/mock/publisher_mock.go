package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// PublisherMock is a mock implementation of ingestion.Publisher
type PublisherMock struct {
	mock.Mock
}

var _ ingestion.Publisher = (*PublisherMock)(nil)

func (m *PublisherMock) Publish(ctx context.Context, eventType model.EventType, clientID string, payload any, msgID string) error {
	args := m.Called(ctx, eventType, clientID, payload, msgID)
	return args.Error(0)
}
