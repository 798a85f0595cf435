package dlqworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	internal_js "gitlab.com/timkado/api/sdr-lifecycle-engine/internal/jetstream"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const (
	maxRetries        = 5
	defaultMsgChanCap = 100
	fetchBatchSize    = 10
	fetchMaxWait      = 5 * time.Second
	taskTimeout       = 2 * time.Minute
)

// dlqMessage is the part of *nats.Msg a DLQ task needs.
type dlqMessage interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Worker re-runs jobs that the job consumer dead-lettered. Jobs that keep
// failing are persisted as exhausted events and terminated.
type Worker struct {
	cfg    *config.Config
	logger *zap.Logger
	js     internal_js.ClientInterface
	pool   *ants.Pool
	router ingestion.RouterInterface
	store  storage.ExhaustedEventRepo
	msgCh  chan *nats.Msg
	stopWg sync.WaitGroup
	cancel context.CancelFunc
}

func durableName(dlqSubject string) string {
	return fmt.Sprintf("%s_worker_consumer", strings.ReplaceAll(dlqSubject, ".", "_"))
}

// NewWorker creates the pool and the DLQ stream and pull consumer.
func NewWorker(cfg *config.Config, logger *zap.Logger, jsClient internal_js.ClientInterface, router ingestion.RouterInterface, exhaustedRepo storage.ExhaustedEventRepo) (*Worker, error) {
	pool, err := ants.NewPool(cfg.NATS.DLQWorkers,
		ants.WithLogger(newAntsLoggerAdapter(logger.Named("ants_pool"))),
		ants.WithPanicHandler(func(err interface{}) {
			logger.Error("DLQ worker panic caught", zap.Any("error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	setupCtx := context.Background()
	dlqSubject := cfg.NATS.DLQSubject + ".>"
	durable := durableName(cfg.NATS.DLQSubject)

	streamCfg := &nats.StreamConfig{
		Name:      cfg.NATS.DLQStream,
		Subjects:  []string{dlqSubject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(cfg.NATS.DLQMaxAgeDays) * 24 * time.Hour,
	}
	if err := jsClient.SetupStream(setupCtx, streamCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup DLQ stream '%s': %w", cfg.NATS.DLQStream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: dlqSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.NATS.DLQMaxDeliver,
		AckWait:       cfg.NATS.DLQAckWait,
		MaxAckPending: cfg.NATS.DLQMaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if err := jsClient.SetupConsumer(setupCtx, cfg.NATS.DLQStream, consumerCfg); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to setup DLQ consumer '%s' for stream '%s': %w", durable, cfg.NATS.DLQStream, err)
	}

	w := &Worker{
		cfg:    cfg,
		logger: logger.Named("dlq_worker"),
		js:     jsClient,
		pool:   pool,
		router: router,
		store:  exhaustedRepo,
		msgCh:  make(chan *nats.Msg, defaultMsgChanCap),
	}
	w.logger.Info("DLQ worker initialized", zap.Int("pool_size", cfg.NATS.DLQWorkers), zap.String("stream", cfg.NATS.DLQStream))
	return w, nil
}

// Start runs the fetch and dispatch loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	derivedCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	subject := w.cfg.NATS.DLQSubject + ".>"
	sub, err := w.js.SubscribePull(w.cfg.NATS.DLQStream, subject, durableName(w.cfg.NATS.DLQSubject))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create DLQ pull subscription: %w", err)
	}

	w.stopWg.Add(2)
	go w.fetchMessages(derivedCtx, sub)
	go w.dispatchMessages(derivedCtx)
	w.logger.Info("DLQ worker started", zap.String("subject", subject))

	<-derivedCtx.Done()
	return nil
}

// Stop waits for both loops and releases the pool.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.stopWg.Wait()
	close(w.msgCh)
	w.pool.Release()
	w.logger.Info("DLQ worker stopped")
}

func (w *Worker) fetchMessages(ctx context.Context, sub *nats.Subscription) {
	defer w.stopWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		observer.IncDlqFetchRequest()
		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrConnectionClosed) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			observer.IncDlqFetchError()
			w.logger.Error("Fetcher loop error retrieving messages", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			select {
			case w.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) dispatchMessages(ctx context.Context) {
	defer w.stopWg.Done()

	for {
		observer.SetDlqQueueLength(len(w.msgCh))
		observer.SetDlqWorkersActive(w.pool.Running())

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.msgCh:
			if !ok {
				return
			}
			current := msg
			clientID := peekClientID(current.Data)
			err := w.pool.Submit(func() {
				taskCtx, taskCancel := context.WithTimeout(context.Background(), taskTimeout)
				defer taskCancel()
				w.handleMessage(taskCtx, current)
			})
			if err != nil {
				w.logger.Error("Failed to submit DLQ task to pool", zap.Error(err))
				if nakErr := current.NakWithDelay(5 * time.Second); nakErr != nil {
					w.logger.Error("Failed to NAK message after pool submission error", zap.Error(nakErr))
					observer.IncDlqAckFailure(clientID)
				}
				continue
			}
			observer.IncDlqTasksSubmitted(clientID)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		w.logger.Error("Failed to get DLQ message metadata", zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate message after metadata error", zap.Error(termErr))
		}
		observer.IncDlqAckFailure("")
		return
	}
	w.process(ctx, msg, msg.Data, meta)
}

// process replays one dead-lettered job through the router and settles it.
func (w *Worker) process(ctx context.Context, msg dlqMessage, data []byte, meta *nats.MsgMetadata) {
	start := time.Now()
	var payload model.DLQPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		w.logger.Error("Failed to unmarshal DLQ payload", zap.Error(err), zap.Uint64("sequence", meta.Sequence.Stream))
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate message after unmarshal error", zap.Error(termErr))
		}
		observer.IncDlqAckFailure("")
		return
	}
	clientID := payload.ClientID
	defer func() {
		observer.ObserveDlqProcessingDuration(clientID, time.Since(start))
	}()

	log := w.logger.With(
		zap.String("source_subject", payload.SourceSubject),
		zap.String("client_id", clientID),
		zap.Uint64("num_delivered", meta.NumDelivered),
		zap.Uint64("payload_retry_count", payload.RetryCount),
	)

	metadata := &model.MessageMetadata{
		MessageSubject:   payload.SourceSubject,
		ClientID:         clientID,
		StreamSequence:   meta.Sequence.Stream,
		ConsumerSequence: meta.Sequence.Consumer,
		Timestamp:        meta.Timestamp,
		NumDelivered:     meta.NumDelivered,
		Stream:           meta.Stream,
	}
	handlerCtx := logger.WithLogger(ctx, log)
	if clientID != "" {
		handlerCtx = tenant.WithClientID(handlerCtx, clientID)
	}

	processingErr := w.router.Route(handlerCtx, metadata, payload.OriginalPayload)
	if processingErr == nil {
		log.Info("Replayed job from DLQ")
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("Failed to ACK replayed DLQ message", zap.Error(ackErr))
			observer.IncDlqAckFailure(clientID)
			return
		}
		observer.IncDlqAckSuccess(clientID)
		return
	}

	log.Warn("DLQ replay failed", zap.Error(processingErr))
	attempts := payload.RetryCount + meta.NumDelivered
	if meta.NumDelivered >= maxRetries {
		w.exhaust(ctx, log, msg, payload, data, processingErr, attempts)
		return
	}

	delay := calculateBackoffDelay(int(meta.NumDelivered), w.cfg.NATS.DLQBaseDelayMinutes, w.cfg.NATS.DLQMaxDelayMinutes)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		log.Error("Failed to NAK DLQ message with delay", zap.Error(nakErr))
		observer.IncDlqAckFailure(clientID)
		return
	}
	observer.IncDlqTaskRetry(clientID)
	log.Info("DLQ message scheduled for another attempt", zap.Duration("delay", delay))
}

func (w *Worker) exhaust(ctx context.Context, log *zap.Logger, msg dlqMessage, payload model.DLQPayload, data []byte, processingErr error, attempts uint64) {
	event := model.ExhaustedEvent{
		ClientID:        payload.ClientID,
		SourceSubject:   payload.SourceSubject,
		LastError:       processingErr.Error(),
		RetryCount:      int(attempts),
		EventTimestamp:  payload.Timestamp,
		DLQPayload:      datatypes.JSON(data),
		OriginalPayload: datatypes.JSON(payload.OriginalPayload),
	}
	if err := w.store.Save(ctx, event); err != nil {
		log.Error("Failed to save exhausted event, terminating message anyway", zap.Error(err))
		observer.IncDlqAckFailure(payload.ClientID)
	} else {
		log.Warn("Job exhausted its retries and was persisted")
	}
	if termErr := msg.Term(); termErr != nil {
		log.Error("Failed to terminate exhausted message", zap.Error(termErr))
	}
	observer.IncDlqTasksDropped(payload.ClientID)
}

// calculateBackoffDelay doubles the base delay per attempt up to the max.
func calculateBackoffDelay(retryCount int, baseDelayMinutes, maxDelayMinutes int) time.Duration {
	baseDelay := time.Duration(baseDelayMinutes) * time.Minute
	maxDelay := time.Duration(maxDelayMinutes) * time.Minute

	if retryCount <= 0 {
		return baseDelay
	}
	delay := baseDelay * time.Duration(1<<uint(retryCount-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func peekClientID(data []byte) string {
	var p struct {
		ClientID string `json:"client_id"`
	}
	_ = json.Unmarshal(data, &p)
	return p.ClientID
}

type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}
