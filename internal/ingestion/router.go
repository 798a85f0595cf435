package ingestion

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// EventHandler processes one job taken off the bus.
type EventHandler func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error

// Router dispatches jobs to handlers by base event type.
type Router struct {
	handlers       map[model.EventType]EventHandler
	defaultHandler EventHandler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[model.EventType]EventHandler),
	}
}

// Register binds handler to eventType. A later call for the same type wins.
func (r *Router) Register(eventType model.EventType, handler EventHandler) {
	r.handlers[eventType] = handler
}

// RegisterDefault sets the handler for subjects no registered type matches.
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route resolves the subject in metadata and calls its handler. The client id
// from metadata, when set, becomes the tenant of the handler's context.
func (r *Router) Route(ctx context.Context, metadata *model.MessageMetadata, rawEvent []byte) error {
	log := logger.FromContext(ctx).With(
		zap.String("event_type", metadata.MessageSubject),
		zap.String("event_id", metadata.MessageID),
		zap.String("client_id", metadata.ClientID),
	)
	ctx = logger.WithLogger(ctx, log)

	if metadata.ClientID != "" {
		ctx = tenant.WithClientID(ctx, metadata.ClientID)
	}

	eventType, found := model.MapToBaseEventType(metadata.MessageSubject)
	if !found {
		log.Warn("Could not map subject to a known event type", zap.String("subject", metadata.MessageSubject))
	}

	log.Debug("Event received",
		zap.Int("payload_bytes", len(rawEvent)),
		zap.String("base_type", string(eventType)),
	)

	handler, ok := r.handlers[eventType]
	if !ok && r.defaultHandler != nil {
		log.Warn("No specific handler for event type, using default")
		return r.defaultHandler(ctx, eventType, metadata, rawEvent)
	} else if !ok {
		log.Error("No handler registered for event type")
		return nil
	}

	return handler(ctx, eventType, metadata, rawEvent)
}

// ClientFromSubject returns the client id suffix of a job subject, or "" for
// cross-tenant jobs published on the bare event type.
func ClientFromSubject(subject string) string {
	base, ok := model.MapToBaseEventType(subject)
	if !ok || string(base) == subject {
		return ""
	}
	return subject[len(base)+1:]
}
