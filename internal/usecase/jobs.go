package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/validator"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// InboundAcceptor takes a webhook message off the bus.
type InboundAcceptor interface {
	Accept(ctx context.Context, msg model.InboundMessage) error
}

// NudgeScanner runs one nudge pass.
type NudgeScanner interface {
	Scan(ctx context.Context) (ScanReport, error)
}

// Sweeper runs one morning sweep.
type Sweeper interface {
	Run(ctx context.Context) (ScanReport, error)
}

// Reminders sends due reminders and clears the daily flags.
type Reminders interface {
	Scan(ctx context.Context) (ReminderReport, error)
	Reset(ctx context.Context) (int64, error)
}

// CampaignStarter runs one campaign for a client.
type CampaignStarter interface {
	Run(ctx context.Context, clientID, campaignID string) (CampaignReport, error)
}

var (
	_ InboundAcceptor = (*InboundService)(nil)
	_ NudgeScanner    = (*NudgeScheduler)(nil)
	_ Sweeper         = (*MorningSweep)(nil)
	_ Reminders       = (*ReminderScanner)(nil)
	_ CampaignStarter = (*CampaignRunner)(nil)
)

// JobService is the bus-facing entry point. HandleEvent has the router's
// handler signature so it can be registered for every job type.
type JobService struct {
	inbound   InboundAcceptor
	nudges    NudgeScanner
	sweep     Sweeper
	reminders Reminders
	campaigns CampaignStarter
	flight    singleflight.Group
}

// NewJobService wires a JobService.
func NewJobService(inbound InboundAcceptor, nudges NudgeScanner, sweep Sweeper, reminders Reminders, campaigns CampaignStarter) *JobService {
	return &JobService{
		inbound:   inbound,
		nudges:    nudges,
		sweep:     sweep,
		reminders: reminders,
		campaigns: campaigns,
	}
}

// HandleEvent runs the job named by eventType. Malformed payloads come back
// as fatal errors, everything else that failed as retryable.
func (s *JobService) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	ctx = tenant.WithRequestID(ctx, uuid.NewString())
	log := logger.FromContext(ctx)
	log.Info("Processing job", zap.String("type", string(eventType)))

	switch eventType {
	case model.V1InboundMessage:
		return s.handleInbound(ctx, rawEvent)
	case model.V1JobNudgeScan, model.V1JobMorningSweep, model.V1JobReminderScan, model.V1JobReminderReset:
		return s.handleScan(ctx, eventType, rawEvent)
	case model.V1JobCampaign:
		return s.handleCampaign(ctx, metadata, rawEvent)
	}
	log.Error("Unsupported job type", zap.String("event_type", string(eventType)))
	return apperrors.NewFatal(fmt.Errorf("unsupported job type: %s", eventType), "route job")
}

func (s *JobService) handleInbound(ctx context.Context, rawEvent []byte) error {
	var msg model.InboundMessage
	if err := json.Unmarshal(rawEvent, &msg); err != nil {
		return apperrors.NewFatal(err, "failed to unmarshal inbound message")
	}
	err := s.inbound.Accept(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrValidation):
		return apperrors.NewFatal(err, "invalid inbound message")
	default:
		return apperrors.NewRetryable(err, "failed to accept inbound message")
	}
}

// handleScan collapses overlapping runs of the same job into one.
func (s *JobService) handleScan(ctx context.Context, eventType model.EventType, rawEvent []byte) error {
	payload, err := decodeJob(rawEvent)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx).With(
		zap.String("job", string(eventType)),
		zap.Time("scheduled_for", payload.ScheduledFor),
	)
	ctx = logger.WithLogger(ctx, log)

	_, err, shared := s.flight.Do(string(eventType), func() (interface{}, error) {
		return nil, s.runScan(ctx, eventType)
	})
	if shared {
		log.Info("Job joined a run already in progress")
	}
	if err != nil {
		return apperrors.NewRetryable(err, "job %s failed", eventType)
	}
	return nil
}

func (s *JobService) runScan(ctx context.Context, eventType model.EventType) error {
	switch eventType {
	case model.V1JobNudgeScan:
		_, err := s.nudges.Scan(ctx)
		return err
	case model.V1JobMorningSweep:
		_, err := s.sweep.Run(ctx)
		return err
	case model.V1JobReminderScan:
		_, err := s.reminders.Scan(ctx)
		return err
	case model.V1JobReminderReset:
		_, err := s.reminders.Reset(ctx)
		return err
	}
	return nil
}

func (s *JobService) handleCampaign(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	payload, err := decodeJob(rawEvent)
	if err != nil {
		return err
	}
	if payload.ClientID == "" && metadata != nil {
		payload.ClientID = metadata.ClientID
	}
	if payload.ClientID == "" || payload.CampaignID == "" {
		return apperrors.NewFatal(apperrors.ErrValidation, "campaign job needs client_id and campaign_id")
	}

	_, err = s.campaigns.Run(ctx, payload.ClientID, payload.CampaignID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound):
		return apperrors.NewFatal(err, "campaign %s", payload.CampaignID)
	default:
		return apperrors.NewRetryable(err, "campaign %s", payload.CampaignID)
	}
}

func decodeJob(rawEvent []byte) (model.JobPayload, error) {
	var payload model.JobPayload
	if err := json.Unmarshal(rawEvent, &payload); err != nil {
		return payload, apperrors.NewFatal(err, "failed to unmarshal job payload")
	}
	if err := validator.Validate(payload); err != nil {
		return payload, apperrors.NewFatal(err, "invalid job payload")
	}
	return payload, nil
}
