package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/jetstream"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

// JetStreamPublisher publishes jobs to the jobs stream.
type JetStreamPublisher struct {
	client jetstream.ClientInterface
}

// NewJetStreamPublisher wraps client.
func NewJetStreamPublisher(client jetstream.ClientInterface) *JetStreamPublisher {
	return &JetStreamPublisher{client: client}
}

// Publish marshals payload to JSON and sends it to the job's subject. msgID
// becomes the Nats-Msg-Id so the stream drops repeats inside its duplicate
// window.
func (p *JetStreamPublisher) Publish(ctx context.Context, eventType model.EventType, clientID string, payload any, msgID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	headers := map[string]string{}
	if msgID != "" {
		headers[nats.MsgIdHdr] = msgID
	}
	subject := eventType.Subject(clientID)
	if err := p.client.Publish(subject, data, headers); err != nil {
		return fmt.Errorf("%w: publish %s: %v", apperrors.ErrNATS, subject, err)
	}
	logger.FromContext(ctx).Debug("Job published", zap.String("subject", subject), zap.String("msg_id", msgID))
	return nil
}

// InlinePublisher routes jobs in process, for single-replica deployments
// without NATS. Jobs run synchronously on the caller's goroutine and are not
// retried; repeated msgIDs inside the window are dropped.
type InlinePublisher struct {
	router RouterInterface
	seen   *dedupWindow
}

// NewInlinePublisher routes through router.
func NewInlinePublisher(router RouterInterface) *InlinePublisher {
	return &InlinePublisher{router: router, seen: newDedupWindow(duplicateWindow)}
}

func (p *InlinePublisher) Publish(ctx context.Context, eventType model.EventType, clientID string, payload any, msgID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if msgID != "" && !p.seen.add(msgID, utils.Now()) {
		logger.FromContext(ctx).Debug("Duplicate inline job dropped", zap.String("msg_id", msgID))
		return nil
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}

	et := string(eventType)
	start := utils.Now()
	metadata := &model.MessageMetadata{
		MessageID:      msgID,
		MessageSubject: eventType.Subject(clientID),
		ClientID:       clientID,
		NumDelivered:   1,
		Timestamp:      start,
		Stream:         "inline",
	}
	observer.IncJobsReceived(et, clientID)
	err = p.router.Route(ctx, metadata, data)
	observer.ObserveJobProcessingDuration(et, clientID, time.Since(start))
	if err != nil {
		observer.IncJobsFailed(et, clientID)
		return err
	}
	observer.IncJobsProcessed(et, clientID)
	return nil
}
