package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
)

// SenderMock mocks the whatsapp.Sender interface
type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) SendText(ctx context.Context, account whatsapp.Account, to, body string) (string, error) {
	args := m.Called(ctx, account, to, body)
	return args.String(0), args.Error(1)
}

func (m *SenderMock) SendSequential(ctx context.Context, account whatsapp.Account, to string, segments []string, delay time.Duration) ([]string, error) {
	args := m.Called(ctx, account, to, segments, delay)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *SenderMock) SendTemplate(ctx context.Context, account whatsapp.Account, to, name, language string, components []whatsapp.TemplateComponent) (string, error) {
	args := m.Called(ctx, account, to, name, language, components)
	return args.String(0), args.Error(1)
}

func (m *SenderMock) DownloadMedia(ctx context.Context, account whatsapp.Account, mediaID string) (*whatsapp.Media, error) {
	args := m.Called(ctx, account, mediaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*whatsapp.Media), args.Error(1)
}

var _ whatsapp.Sender = (*SenderMock)(nil)
