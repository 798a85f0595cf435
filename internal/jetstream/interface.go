package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the slice of JetStream the job runner and DLQ worker use.
type ClientInterface interface {
	// SetupStream creates the stream or updates it when its core config drifted.
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// SetupConsumer creates the durable consumer or recreates it when its config drifted.
	SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error

	// SubscribePush binds a queue subscription to an existing push consumer.
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)

	// SubscribePull binds a pull subscription to an existing consumer.
	SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error)

	// Publish sends data with optional headers. A Nats-Msg-Id header enables
	// stream-side deduplication within the stream's duplicate window.
	Publish(subject string, data []byte, headers map[string]string) error

	// IsConnected reports the state of the underlying connection.
	IsConnected() bool

	Close()
}
