package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/jetstream"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

// AckNakAction represents the decision made after processing a message
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // Message processed successfully, ACK it
	ActionNak                          // DLQ publish failed, NAK immediately
	ActionNakDelay                     // Retryable error, NAK with calculated delay
	ActionDLQ                          // Max retries reached or fatal error, publish to DLQ then ACK
)

const (
	inboundFilterSubject = "v1.inbound.>"
	jobsFilterSubject    = "v1.jobs.>"
	defaultAckWait       = 2 * time.Minute
	defaultMaxAckPend    = 256
	defaultJobWorkers    = 4
	duplicateWindow      = 2 * time.Minute
	poolReleaseTimeout   = 30 * time.Second
	originalMsgIDHeader  = "Original-Nats-Msg-Id"
	systemDLQToken       = "system"
)

// acker is the part of *nats.Msg the consumer settles messages with.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

// progressor resets the server's ack timer for a message still being worked on.
type progressor interface {
	InProgress(opts ...nats.AckOpt) error
}

// lane is one durable on the jobs stream. Inbound intake and scheduled jobs
// get their own durables so a long scan never holds up a lead's reply.
type lane struct {
	name   string
	filter string
	// async lanes run handlers on the worker pool and heartbeat the message.
	async bool
}

var lanes = []lane{
	{name: "inbound", filter: inboundFilterSubject},
	{name: "jobs", filter: jobsFilterSubject, async: true},
}

// JobConsumer takes inbound messages and scheduled jobs off one stream and
// routes them. Every replica joins the same queue groups so each job runs once.
type JobConsumer struct {
	client     jetstream.ClientInterface
	router     RouterInterface
	cfg        config.ConsumerNatsConfig
	dlqSubject string
	ctx        context.Context
	cancel     context.CancelFunc
	pool       *ants.Pool
	subs       map[string]*nats.Subscription
}

// NewJobConsumer creates the consumer. dlqSubject is the base DLQ subject; the
// client id of the failed job is appended when it has one.
func NewJobConsumer(client jetstream.ClientInterface, router RouterInterface, cfg config.ConsumerNatsConfig, dlqSubject string) *JobConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Log.With(zap.String("consumer", cfg.Consumer)))
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.JobWorkers <= 0 {
		cfg.JobWorkers = defaultJobWorkers
	}
	return &JobConsumer{
		client:     client,
		router:     router,
		cfg:        cfg,
		dlqSubject: dlqSubject,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*nats.Subscription, len(lanes)),
	}
}

func (c *JobConsumer) durableFor(l lane) string { return c.cfg.Consumer + "-" + l.name }
func (c *JobConsumer) groupFor(l lane) string   { return c.cfg.QueueGroup + "-" + l.name }

func (c *JobConsumer) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   c.cfg.SubjectList,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     time.Duration(c.cfg.MaxAge*24) * time.Hour,
		Duplicates: duplicateWindow,
	}
}

func (c *JobConsumer) consumerConfig(l lane) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:        c.durableFor(l),
		DeliverGroup:   c.groupFor(l),
		FilterSubjects: []string{l.filter},
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        c.cfg.AckWait,
		MaxAckPending:  defaultMaxAckPend,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverAllPolicy,
	}
}

// Setup creates or reconciles the jobs stream and one durable push consumer per lane.
func (c *JobConsumer) Setup() error {
	log := logger.FromContext(c.ctx)
	log.Info("Setting up job consumer...", zap.String("stream", c.cfg.Stream), zap.Strings("subjects", c.cfg.SubjectList))

	if err := c.client.SetupStream(c.ctx, c.streamConfig()); err != nil {
		log.Error("Failed to setup jobs stream", zap.Error(err), zap.String("stream", c.cfg.Stream))
		return fmt.Errorf("failed to setup jobs stream '%s': %w", c.cfg.Stream, err)
	}

	for _, l := range lanes {
		if err := c.client.SetupConsumer(c.ctx, c.cfg.Stream, c.consumerConfig(l)); err != nil {
			log.Error("Failed to setup job consumer", zap.Error(err),
				zap.String("stream", c.cfg.Stream),
				zap.String("lane", l.name),
			)
			return fmt.Errorf("failed to setup job consumer '%s' for stream '%s': %w", c.durableFor(l), c.cfg.Stream, err)
		}
	}

	log.Info("Job consumer setup complete")
	return nil
}

// Start creates the job worker pool and binds one queue subscription per lane.
func (c *JobConsumer) Start() error {
	log := logger.FromContext(c.ctx)

	pool, err := ants.NewPool(c.cfg.JobWorkers,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("Panic recovered in job worker", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create job worker pool: %w", err)
	}
	c.pool = pool

	for _, l := range lanes {
		handler := c.handleMessage
		if l.async {
			handler = c.handleAsync
		}
		sub, err := c.client.SubscribePush(l.filter, c.durableFor(l), c.groupFor(l), c.cfg.Stream, handler)
		if err != nil {
			log.Error("Failed to subscribe job consumer", zap.Error(err),
				zap.String("stream", c.cfg.Stream),
				zap.String("lane", l.name),
			)
			return fmt.Errorf("failed to subscribe job consumer '%s': %w", c.durableFor(l), err)
		}
		c.subs[l.name] = sub
		log.Info("Job consumer subscribed", zap.String("lane", l.name), zap.String("group", c.groupFor(l)))
	}
	return nil
}

// Stop drains every lane so in-flight messages finish and get settled, then
// waits for running jobs.
func (c *JobConsumer) Stop() {
	log := logger.FromContext(c.ctx)
	for name, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Error("Error draining job subscription", zap.String("lane", name), zap.Error(err))
		}
	}
	if c.pool != nil {
		if err := c.pool.ReleaseTimeout(poolReleaseTimeout); err != nil {
			log.Warn("Job workers still running at shutdown", zap.Error(err))
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	log.Info("Job consumer stopped")
}

// handleAsync hands a job to the worker pool so the subscription keeps
// delivering. A pool that cannot take the job NAKs it for later.
func (c *JobConsumer) handleAsync(msg *nats.Msg) {
	err := c.pool.Submit(func() {
		stop := c.heartbeat(msg)
		defer stop()
		c.handleMessage(msg)
	})
	if err != nil {
		logger.FromContext(c.ctx).Warn("Job pool rejected message, NAKing", zap.String("subject", msg.Subject), zap.Error(err))
		if nakErr := msg.NakWithDelay(c.cfg.NakBaseDelay); nakErr != nil {
			logger.FromContext(c.ctx).Error("Failed to NAK rejected job", zap.Error(nakErr))
		}
	}
}

// heartbeat calls InProgress every third of AckWait until stop is called, so
// the server does not redeliver a job that is still running.
func (c *JobConsumer) heartbeat(msg progressor) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	every := c.cfg.AckWait / 3

	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					logger.FromContext(c.ctx).Warn("Failed to extend job ack deadline", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// determineAckNakAction decides the fate of a message from the processing
// result and the delivery count.
func determineAckNakAction(
	processingErr error,
	metadata *nats.MsgMetadata,
	maxDeliver int,
	nakBaseDelay time.Duration,
	nakMaxDelay time.Duration,
) (action AckNakAction, delay time.Duration) {
	if processingErr == nil {
		return ActionAck, 0
	}

	numDelivered := metadata.NumDelivered
	if numDelivered >= uint64(maxDeliver) || !apperrors.IsRetryable(processingErr) {
		return ActionDLQ, 0
	}

	delay = nakBaseDelay
	if numDelivered > 1 {
		delay = nakBaseDelay * (1 << (numDelivered - 1))
	}
	if delay > nakMaxDelay {
		delay = nakMaxDelay
	}
	return ActionNakDelay, delay
}

func (c *JobConsumer) handleMessage(msg *nats.Msg) {
	start := utils.Now()
	log := logger.FromContext(c.ctx)
	eventType, found := model.MapToBaseEventType(msg.Subject)
	clientID := ClientFromSubject(msg.Subject)

	defer func() {
		observer.ObserveJobProcessingDuration(string(eventType), clientID, time.Since(start))
		if r := recover(); r != nil {
			log.Error("[panic] Recovered from panic in job handler",
				zap.Any("panic", r),
				zap.String("subject", msg.Subject),
				zap.Stack("stack"),
			)
			observer.IncJobsFailed(string(eventType), clientID)
			observer.IncJobAction(string(eventType), clientID, "panic_nak", "panic")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error("Failed to NAK message after panic", zap.Error(nakErr))
			}
		}
	}()

	if !found {
		log.Warn("Unknown job subject", zap.String("subject", msg.Subject))
		observer.IncJobAction("unknown", clientID, "nak_unknown_type", "unknown_event_type")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message for unknown subject", zap.Error(nakErr))
		}
		return
	}

	meta, err := msg.Metadata()
	if err != nil {
		log.Error("Failed to read message metadata", zap.Error(err))
		observer.IncJobAction(string(eventType), clientID, "nak_metadata_error", "metadata")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		return
	}

	msgID := ""
	if msg.Header != nil {
		msgID = msg.Header.Get(nats.MsgIdHdr)
	}
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", meta.Sequence.Stream)
	}

	metadata := &model.MessageMetadata{
		StreamSequence:   meta.Sequence.Stream,
		ConsumerSequence: meta.Sequence.Consumer,
		NumDelivered:     meta.NumDelivered,
		NumPending:       meta.NumPending,
		Timestamp:        meta.Timestamp,
		Stream:           meta.Stream,
		Consumer:         meta.Consumer,
		Domain:           meta.Domain,
		MessageID:        msgID,
		MessageSubject:   msg.Subject,
		ClientID:         clientID,
	}
	observer.IncJobsReceived(string(eventType), clientID)

	msgCtx := logger.WithLogger(c.ctx, log.With(
		zap.String("nats_message_id", msgID),
		zap.Uint64("stream_sequence", meta.Sequence.Stream),
		zap.Uint64("num_delivered", meta.NumDelivered),
		zap.String("subject", msg.Subject),
	))

	processingErr := c.router.Route(msgCtx, metadata, msg.Data)
	c.settle(msgCtx, msg, eventType, metadata, msg.Data, processingErr, meta)
}

// settle ACKs, NAKs or dead-letters one message.
func (c *JobConsumer) settle(
	ctx context.Context,
	msg acker,
	eventType model.EventType,
	metadata *model.MessageMetadata,
	data []byte,
	processingErr error,
	meta *nats.MsgMetadata,
) {
	log := logger.FromContext(ctx)
	et, clientID := string(eventType), metadata.ClientID
	action, nakDelay := determineAckNakAction(processingErr, meta, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)

	errorType := "none"
	if processingErr != nil {
		errorType = observer.SanitizeErrorType(processingErr.Error())
	}

	switch action {
	case ActionAck:
		log.Info("Job processed")
		observer.IncJobsProcessed(et, clientID)
		observer.IncJobAction(et, clientID, "ack_success", errorType)
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("Failed to ACK message after successful processing", zap.Error(ackErr))
		}

	case ActionNakDelay:
		log.Info("NAKing job with delay for redelivery",
			zap.Error(processingErr),
			zap.Int("max_deliver", c.cfg.MaxDeliver),
			zap.Duration("nak_delay", nakDelay),
		)
		observer.IncJobsFailed(et, clientID)
		observer.IncJobAction(et, clientID, "nak_retry", errorType)
		if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
			log.Error("Failed to NAK message with delay", zap.Error(nakErr))
		}

	case ActionDLQ:
		observer.IncJobsFailed(et, clientID)
		dlqSubject := c.dlqSubjectFor(clientID)
		if err := c.publishDLQ(dlqSubject, metadata, data, processingErr, meta.NumDelivered); err != nil {
			log.Error("Failed to publish job to DLQ, NAKing", zap.Error(err), zap.String("dlq_subject", dlqSubject))
			observer.IncJobAction(et, clientID, "nak_dlq_publish_fail", "dlq_publish_fail")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error("Failed to NAK message after DLQ publish error", zap.Error(nakErr))
			}
			return
		}
		log.Warn("Job sent to DLQ",
			zap.Error(processingErr),
			zap.Bool("is_retryable", apperrors.IsRetryable(processingErr)),
			zap.String("dlq_subject", dlqSubject),
		)
		observer.IncJobAction(et, clientID, "dlq_published_ack_success", errorType)
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("Failed to ACK message after DLQ publish", zap.Error(ackErr))
		}
	}
}

// dlqSubjectFor keeps every DLQ subject one token below the base so a single
// "<base>.>" filter covers them.
func (c *JobConsumer) dlqSubjectFor(clientID string) string {
	if clientID == "" {
		return c.dlqSubject + "." + systemDLQToken
	}
	return c.dlqSubject + "." + clientID
}

func (c *JobConsumer) publishDLQ(subject string, metadata *model.MessageMetadata, data []byte, processingErr error, numDelivered uint64) error {
	errorType := "fatal"
	if apperrors.IsRetryable(processingErr) {
		errorType = "retryable"
	}
	payload := model.DLQPayload{
		SourceSubject:   metadata.MessageSubject,
		ClientID:        metadata.ClientID,
		OriginalPayload: json.RawMessage(data),
		Error:           processingErr.Error(),
		ErrorType:       errorType,
		RetryCount:      numDelivered,
		MaxRetry:        c.cfg.MaxDeliver,
		Timestamp:       utils.Now(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal DLQ payload: %w", err)
	}
	headers := map[string]string{}
	if metadata.MessageID != "" {
		headers[originalMsgIDHeader] = metadata.MessageID
	}
	return c.client.Publish(subject, raw, headers)
}
