package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/debounce"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/validator"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// InboundService resolves a webhook message to its tenant and lead and
// hands it to the debounce buffer.
type InboundService struct {
	clients storage.ClientRepo
	leads   storage.LeadRepo
	buffer  debounce.Buffer
	now     func() time.Time
}

// NewInboundService wires an InboundService.
func NewInboundService(clients storage.ClientRepo, leads storage.LeadRepo, buffer debounce.Buffer, now func() time.Time) *InboundService {
	return &InboundService{clients: clients, leads: leads, buffer: buffer, now: defaultNow(now)}
}

// Accept buffers msg. Unknown tenants and leads are logged and dropped.
// last_incoming_message_at is touched right away so scans running during the
// debounce window already see the reply.
func (s *InboundService) Accept(ctx context.Context, msg model.InboundMessage) error {
	if err := validator.Validate(msg); err != nil {
		return err
	}
	log := logger.FromContext(ctx).With(
		zap.String("phone_number_id", msg.PhoneNumberID),
		zap.String("provider_message_id", msg.ProviderMessageID),
	)

	client, err := s.clients.FindByPhoneNumberID(ctx, msg.PhoneNumberID)
	if errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("No client for phone number id, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve client: %w", err)
	}
	ctx = tenant.WithClientID(ctx, client.ID)

	phone := NormalizePhone(msg.From)
	lead, err := s.leads.FindByPhone(ctx, phone)
	if errors.Is(err, apperrors.ErrNotFound) {
		log.Info("Message from unknown lead, dropping", zap.String("client_id", client.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve lead: %w", err)
	}

	if err := s.leads.TouchLastIncoming(ctx, lead.ID, s.now()); err != nil {
		return fmt.Errorf("touch last incoming: %w", err)
	}

	msg.ClientID = client.ID
	msg.From = phone
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	s.buffer.Add(lead.ID, msg)
	log.Debug("Inbound message buffered",
		zap.String("client_id", client.ID),
		zap.String("lead_id", lead.ID),
		zap.Int("pending", s.buffer.Pending(lead.ID)),
	)
	return nil
}

// NormalizePhone keeps only the digits of a phone number.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}
