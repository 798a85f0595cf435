package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// EventHandler handles one routed job.
type EventHandler interface {
	HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error
}

var _ EventHandler = (*JobService)(nil)

// Processor binds the job handlers to the router and owns the bus consumer.
// consumer is nil with the inline transport.
type Processor struct {
	handler  EventHandler
	router   ingestion.RouterInterface
	consumer ingestion.ConsumerInterface
}

// NewProcessor creates a processor. Pass a nil consumer when jobs are routed
// in process.
func NewProcessor(handler EventHandler, router ingestion.RouterInterface, consumer ingestion.ConsumerInterface) *Processor {
	return &Processor{handler: handler, router: router, consumer: consumer}
}

// GetRouter returns the processor's event router.
func (p *Processor) GetRouter() ingestion.RouterInterface {
	return p.router
}

// Setup registers every job type and prepares the consumer's stream.
func (p *Processor) Setup() error {
	for _, eventType := range []model.EventType{
		model.V1InboundMessage,
		model.V1JobNudgeScan,
		model.V1JobMorningSweep,
		model.V1JobReminderScan,
		model.V1JobReminderReset,
		model.V1JobCampaign,
	} {
		p.router.Register(eventType, p.handler.HandleEvent)
	}

	p.router.RegisterDefault(func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
		logger.FromContext(ctx).Warn("Unhandled event type",
			zap.String("type", string(eventType)),
			zap.String("subject", metadata.MessageSubject),
		)
		return nil
	})

	if p.consumer == nil {
		logger.Log.Info("Processor setup complete, jobs are routed inline")
		return nil
	}
	if err := p.consumer.Setup(); err != nil {
		return fmt.Errorf("failed to setup job consumer: %w", err)
	}
	logger.Log.Info("Processor setup complete")
	return nil
}

// Start subscribes the consumer.
func (p *Processor) Start() error {
	if p.consumer == nil {
		return nil
	}
	if err := p.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start job consumer: %w", err)
	}
	logger.Log.Info("Job consumer started")
	return nil
}

// Stop drains the consumer.
func (p *Processor) Stop() {
	if p.consumer == nil {
		return
	}
	p.consumer.Stop()
	logger.Log.Info("Job consumer stopped")
}
