package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"go.uber.org/zap"
)

// Client wraps NATS JetStream functionality
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ ClientInterface = (*Client)(nil)

// NewClient connects to NATS with unlimited reconnects and opens a JetStream context.
func NewClient(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("sdr-lifecycle-engine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js}, nil
}

func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamConfig.Name))

	stream, err := c.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	}

	switch {
	case stream == nil:
		if _, err = c.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Created stream", zap.Strings("subjects", streamConfig.Subjects))
	case !streamConfigEqual(stream.Config, *streamConfig):
		if _, err = c.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Updated stream", zap.Strings("subjects", streamConfig.Subjects))
	default:
		log.Debug("Stream up to date")
	}
	return nil
}

func (c *Client) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamName), zap.String("consumer", consumerConfig.Durable))

	consumer, err := c.js.ConsumerInfo(streamName, consumerConfig.Durable)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for stream '%s', consumer '%s': %w", streamName, consumerConfig.Durable, err)
	}

	if consumer != nil {
		if consumerConfigEqual(consumer.Config, *consumerConfig) {
			log.Debug("Consumer up to date")
			return nil
		}
		// Push consumer settings cannot be edited in place; recreate it.
		log.Warn("Consumer config mismatch, recreating",
			zap.String("provided_cfg", fmt.Sprintf("%+v", consumerConfig)),
			zap.String("current_cfg", fmt.Sprintf("%+v", consumer.Config)),
		)
		if err = c.js.DeleteConsumer(streamName, consumerConfig.Durable); err != nil {
			return fmt.Errorf("failed to delete consumer '%s' from stream '%s': %w", consumerConfig.Durable, streamName, err)
		}
	}

	if _, err = c.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to add consumer '%s' to stream '%s': %w", consumerConfig.Durable, streamName, err)
	}
	log.Info("Consumer ready",
		zap.String("deliver_subject", consumerConfig.DeliverSubject),
		zap.String("queue_group", consumerConfig.DeliverGroup),
		zap.Strings("filter_subjects", consumerConfig.FilterSubjects),
	)
	return nil
}

func (c *Client) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(
		subject,
		group,
		handler,
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

func (c *Client) SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(
		subject,
		consumer,
		nats.Bind(streamName, consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription for stream '%s', consumer '%s': %w", streamName, consumer, err)
	}
	return sub, nil
}

func (c *Client) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	ack, err := c.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if ack != nil && ack.Duplicate {
		logger.Log.Debug("Duplicate publish dropped by stream",
			zap.String("subject", subject),
			zap.String("msg_id", headers[nats.MsgIdHdr]),
		)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
