package ingestion

import (
	"context"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// RouterInterface defines the interface for a job router
type RouterInterface interface {
	// Register registers a handler for an event type
	Register(eventType model.EventType, handler EventHandler)

	// RegisterDefault registers a default handler for unknown event types
	RegisterDefault(handler EventHandler)

	// Route routes a job to the appropriate handler
	Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error
}

// ConsumerInterface defines the basic methods for a job consumer
type ConsumerInterface interface {
	// Setup creates the stream and durable consumer
	Setup() error

	// Start subscribes and begins delivering jobs
	Start() error

	// Stop drains the subscription
	Stop()
}

// Publisher puts a job on the bus. msgID, when set, deduplicates repeated
// publishes of the same job.
type Publisher interface {
	Publish(ctx context.Context, eventType model.EventType, clientID string, payload any, msgID string) error
}

var (
	_ RouterInterface   = (*Router)(nil)
	_ ConsumerInterface = (*JobConsumer)(nil)
	_ Publisher         = (*JetStreamPublisher)(nil)
	_ Publisher         = (*InlinePublisher)(nil)
)
