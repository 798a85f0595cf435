package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// FlushTask is one expired debounce entry.
type FlushTask struct {
	LeadID   string
	Messages []model.InboundMessage
}

// IFlushWorker runs flushed buffers off the timer goroutine.
type IFlushWorker interface {
	Submit(task FlushTask) error
	Flush(leadID string, messages []model.InboundMessage)
	Stop()
}

// FlushWorker dispatches flushed buffers on a bounded ants pool. Each task
// dispatches its messages in arrival order.
type FlushWorker struct {
	pool       *ants.PoolWithFunc
	dispatcher MessageDispatcher
	merge      bool
	baseLogger *zap.Logger
}

var _ IFlushWorker = (*FlushWorker)(nil)

// NewFlushWorker creates the pool. With merge set, consecutive text messages
// of a flush become one turn.
func NewFlushWorker(cfg config.WorkerPoolConfig, dispatcher MessageDispatcher, merge bool, baseLogger *zap.Logger) (*FlushWorker, error) {
	w := &FlushWorker{
		dispatcher: dispatcher,
		merge:      merge,
		baseLogger: baseLogger.Named("flush_worker"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(FlushTask)
		if !ok {
			w.baseLogger.Error("Invalid flush task type received", zap.Any("data", i))
			return
		}
		w.process(task)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(p interface{}) {
			w.baseLogger.Error("Panic recovered in flush worker", zap.Any("panic_error", p), zap.Stack("stack"))
			observer.IncFlushTasks("panic")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flush worker pool: %w", err)
	}
	w.pool = pool
	w.baseLogger.Info("Flush worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
		zap.Bool("merge_messages", merge),
	)
	return w, nil
}

// Flush is the debounce.FlushFunc. A task the pool cannot take is logged
// and dropped; last_incoming_message_at is already set so scans stay quiet.
func (w *FlushWorker) Flush(leadID string, messages []model.InboundMessage) {
	if err := w.Submit(FlushTask{LeadID: leadID, Messages: messages}); err != nil {
		w.baseLogger.Error("Dropping flushed buffer",
			zap.String("lead_id", leadID),
			zap.Int("messages", len(messages)),
			zap.Error(err),
		)
	}
}

// Submit queues a task, blocking while the queue has room.
func (w *FlushWorker) Submit(task FlushTask) error {
	if err := w.pool.Invoke(task); err != nil {
		observer.IncFlushTasks("submit_error")
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("flush pool overload: %w", err)
		}
		return fmt.Errorf("failed to invoke flush task: %w", err)
	}
	return nil
}

func (w *FlushWorker) process(task FlushTask) {
	start := time.Now()
	ctx := context.Background()
	if len(task.Messages) > 0 && task.Messages[0].ClientID != "" {
		ctx = tenant.WithClientID(ctx, task.Messages[0].ClientID)
	}
	log := logger.FromContextOr(ctx, w.baseLogger).With(
		zap.String("lead_id", task.LeadID),
		zap.Int("messages", len(task.Messages)),
	)
	ctx = logger.WithLogger(ctx, log)

	turns := task.Messages
	if w.merge {
		turns = MergeTextTurns(task.Messages)
	}

	status := "success"
	for _, msg := range turns {
		res := w.dispatcher.Dispatch(ctx, task.LeadID, msg)
		if res.Status == DispatchFailed {
			status = "partial_failure"
		}
	}
	observer.IncFlushTasks(status)
	observer.ObserveFlushProcessingDuration(time.Since(start))
	log.Debug("Flush task finished", zap.String("status", status), zap.Duration("duration", time.Since(start)))
}

// MergeTextTurns joins runs of consecutive text messages into one message,
// keeping the first message's identity. Media messages stay on their own.
func MergeTextTurns(messages []model.InboundMessage) []model.InboundMessage {
	var (
		out   []model.InboundMessage
		texts []string
	)
	flush := func() {
		if len(texts) > 1 {
			out[len(out)-1].Text = strings.Join(texts, "\n")
		}
		texts = nil
	}
	for _, m := range messages {
		if m.Type != model.MessageTypeText {
			flush()
			out = append(out, m)
			continue
		}
		if len(texts) == 0 {
			out = append(out, m)
		}
		texts = append(texts, m.Text)
	}
	flush()
	return out
}

// Stop releases the pool, waiting briefly for running tasks.
func (w *FlushWorker) Stop() {
	if w.pool == nil {
		return
	}
	if err := w.pool.ReleaseTimeout(10 * time.Second); err != nil {
		w.baseLogger.Warn("Flush pool did not drain in time", zap.Error(err))
	}
	w.baseLogger.Info("Flush worker pool stopped")
}
