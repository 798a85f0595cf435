package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// DispatchStatus is the outcome of one dispatched message.
type DispatchStatus string

const (
	DispatchCompleted DispatchStatus = "completed"
	DispatchSkipped   DispatchStatus = "skipped"
	DispatchFailed    DispatchStatus = "failed"
)

// DispatchAction is what the assistant did in response.
type DispatchAction string

const (
	ActionText     DispatchAction = "text"
	ActionToolCall DispatchAction = "tool_call"
	ActionNone     DispatchAction = "none"
)

// Reasons attached to skipped or special-cased results.
const (
	ReasonAIPaused        = "ai_paused"
	ReasonUnsupportedType = "unsupported_type"
	ReasonUnknownTool     = "unknown_tool"
	ReasonEmptyReply      = "empty_reply"
	ReasonStaleState      = "stale_state"
	ReasonDuplicate       = "duplicate"
)

// DispatchResult reports what happened to one inbound message.
type DispatchResult struct {
	Status DispatchStatus
	Reason string
	Action DispatchAction
	Tool   *SideEffectResult
	Error  error
}

// MessageDispatcher processes one buffered inbound message for a lead.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, leadID string, msg model.InboundMessage) DispatchResult
}

// DispatcherConfig tunes the conversation turn.
type DispatcherConfig struct {
	HistoryLimit  int
	SegmentDelay  time.Duration
	DefaultPrompt string
}

// Dispatcher runs one conversation turn: normalize, persist, decide, act.
type Dispatcher struct {
	leads       storage.LeadRepo
	messages    storage.MessageRepo
	clients     storage.ClientRepo
	brain       ai.DecisionMaker
	transcriber ai.Transcriber
	captioner   ai.Captioner
	sender      whatsapp.Sender
	tools       *ToolTable
	reply       *replier
	cfg         DispatcherConfig
	now         func() time.Time
}

var _ MessageDispatcher = (*Dispatcher)(nil)

// NewDispatcher wires a Dispatcher. transcriber and captioner may be nil, in
// which case audio and image messages are skipped as unsupported.
func NewDispatcher(
	leads storage.LeadRepo,
	messages storage.MessageRepo,
	clients storage.ClientRepo,
	brain ai.DecisionMaker,
	transcriber ai.Transcriber,
	captioner ai.Captioner,
	sender whatsapp.Sender,
	tools *ToolTable,
	cfg DispatcherConfig,
	now func() time.Time,
) *Dispatcher {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	now = defaultNow(now)
	return &Dispatcher{
		leads:       leads,
		messages:    messages,
		clients:     clients,
		brain:       brain,
		transcriber: transcriber,
		captioner:   captioner,
		sender:      sender,
		tools:       tools,
		reply: &replier{
			sender:       sender,
			messages:     messages,
			leads:        leads,
			segmentDelay: cfg.SegmentDelay,
			now:          now,
		},
		cfg: cfg,
		now: now,
	}
}

// Dispatch never returns an error: failures, including panics, land in the
// result. Nothing is retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, leadID string, msg model.InboundMessage) (result DispatchResult) {
	if msg.ClientID != "" {
		ctx = tenant.WithClientID(ctx, msg.ClientID)
	}
	log := logger.FromContext(ctx).With(
		zap.String("lead_id", leadID),
		zap.String("provider_message_id", msg.ProviderMessageID),
	)
	ctx = logger.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("[panic] Recovered from panic in dispatcher", zap.Any("panic", r), zap.Stack("stack"))
			result = failed(fmt.Errorf("panic in dispatch: %v", r))
		}
		observer.IncDispatchResult(string(result.Status), result.Reason)
		if result.Status == DispatchFailed {
			log.Error("Dispatch failed", zap.Error(result.Error))
		} else {
			log.Info("Dispatch finished",
				zap.String("status", string(result.Status)),
				zap.String("reason", result.Reason),
				zap.String("action", string(result.Action)),
			)
		}
	}()

	lead, err := d.leads.FindByID(ctx, leadID)
	if err != nil {
		return failed(fmt.Errorf("load lead: %w", err))
	}
	if lead.IsPaused() {
		return DispatchResult{Status: DispatchSkipped, Reason: ReasonAIPaused, Action: ActionNone}
	}

	client, err := d.clients.FindByID(ctx, lead.ClientID)
	if err != nil {
		return failed(fmt.Errorf("load client: %w", err))
	}
	account := accountOf(client)

	content, err := d.normalize(ctx, account, msg)
	if errors.Is(err, apperrors.ErrUnsupported) {
		log.Info("Skipping unsupported inbound message", zap.String("type", msg.Type))
		return DispatchResult{Status: DispatchSkipped, Reason: ReasonUnsupportedType, Action: ActionNone}
	}
	if err != nil {
		return failed(fmt.Errorf("normalize %s message: %w", msg.Type, err))
	}

	err = d.messages.Save(ctx, d.inboundRow(lead, msg, content))
	if errors.Is(err, apperrors.ErrDuplicate) {
		// The wamid was already answered by an earlier delivery.
		return DispatchResult{Status: DispatchSkipped, Reason: ReasonDuplicate, Action: ActionNone}
	}
	if err != nil {
		return failed(fmt.Errorf("persist inbound message: %w", err))
	}

	history, err := d.messages.Recent(ctx, lead.ID, d.cfg.HistoryLimit)
	if err != nil {
		return failed(fmt.Errorf("load history: %w", err))
	}

	decision, err := d.brain.Decide(ctx, history, promptOf(client, d.cfg.DefaultPrompt))
	if err != nil {
		return failed(fmt.Errorf("ai decision: %w", err))
	}

	switch decision.Type {
	case ai.DecisionToolCall:
		return d.runTool(ctx, lead, client, decision.ToolCall)
	default:
		return d.replyText(ctx, lead, account, decision.Segments)
	}
}

func (d *Dispatcher) replyText(ctx context.Context, lead *model.Lead, account whatsapp.Account, segments []string) DispatchResult {
	if len(segments) == 0 {
		return DispatchResult{Status: DispatchCompleted, Reason: ReasonEmptyReply, Action: ActionNone}
	}
	if !lead.HasPhone() {
		return failed(fmt.Errorf("%w: lead has no phone", apperrors.ErrBadRequest))
	}

	_, err := d.reply.deliver(ctx, recipientOf(lead), account, segments, lead.LastOutgoingMessageAt, storage.OutgoingUpdate{})
	switch {
	case err == nil:
		return DispatchResult{Status: DispatchCompleted, Action: ActionText}
	case errors.Is(err, apperrors.ErrConflict):
		// The reply went out; a scan moved last_outgoing first.
		logger.FromContext(ctx).Warn("Lead changed while replying", zap.Error(err))
		return DispatchResult{Status: DispatchCompleted, Reason: ReasonStaleState, Action: ActionText}
	default:
		return DispatchResult{Status: DispatchFailed, Action: ActionText, Error: fmt.Errorf("send reply: %w", err)}
	}
}

func (d *Dispatcher) runTool(ctx context.Context, lead *model.Lead, client *model.Client, call *ai.ToolCall) DispatchResult {
	if call == nil {
		return DispatchResult{Status: DispatchCompleted, Reason: ReasonUnknownTool, Action: ActionToolCall}
	}
	tool, ok := d.tools.Lookup(call.Name)
	if !ok {
		logger.FromContext(ctx).Warn("Model called an unknown tool", zap.String("tool", call.Name))
		return DispatchResult{Status: DispatchCompleted, Reason: ReasonUnknownTool, Action: ActionToolCall}
	}

	effect, err := tool.Execute(ctx, ToolEnv{Lead: lead, Client: client}, call.Arguments)
	if err != nil {
		return DispatchResult{
			Status: DispatchFailed,
			Reason: string(tool.Name()),
			Action: ActionToolCall,
			Tool:   &effect,
			Error:  fmt.Errorf("tool %s: %w", tool.Name(), err),
		}
	}
	return DispatchResult{Status: DispatchCompleted, Reason: string(tool.Name()), Action: ActionToolCall, Tool: &effect}
}

// normalize turns an inbound message into the text the model sees.
func (d *Dispatcher) normalize(ctx context.Context, account whatsapp.Account, msg model.InboundMessage) (string, error) {
	switch msg.Type {
	case model.MessageTypeText:
		return msg.Text, nil

	case model.MessageTypeAudio:
		if d.transcriber == nil || msg.MediaID == "" {
			return "", apperrors.ErrUnsupported
		}
		media, err := d.sender.DownloadMedia(ctx, account, msg.MediaID)
		if err != nil {
			return "", err
		}
		return d.transcriber.Transcribe(ctx, media.Data, media.MimeType)

	case model.MessageTypeImage:
		if d.captioner == nil || msg.MediaID == "" {
			return "", apperrors.ErrUnsupported
		}
		media, err := d.sender.DownloadMedia(ctx, account, msg.MediaID)
		if err != nil {
			return "", err
		}
		description, err := d.captioner.Caption(ctx, media.Data, media.MimeType)
		if err != nil {
			return "", err
		}
		text := "[image] " + description
		if caption := strings.TrimSpace(msg.Caption); caption != "" {
			text += "\n" + caption
		}
		return text, nil
	}
	return "", apperrors.ErrUnsupported
}

func (d *Dispatcher) inboundRow(lead *model.Lead, msg model.InboundMessage, content string) model.Message {
	row := model.Message{
		ID:          uuid.NewString(),
		LeadID:      lead.ID,
		ClientID:    lead.ClientID,
		Direction:   model.DirectionInbound,
		Role:        model.RoleUser,
		Content:     content,
		MessageType: msg.Type,
		CreatedAt:   d.now(),
	}
	if msg.ProviderMessageID != "" {
		id := msg.ProviderMessageID
		row.ProviderMessageID = &id
	}
	meta := map[string]any{}
	if !msg.Timestamp.IsZero() {
		meta["sent_at"] = msg.Timestamp
	}
	if msg.MediaID != "" {
		meta["media_id"] = msg.MediaID
		meta["mime_type"] = msg.MimeType
	}
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			row.Metadata = datatypes.JSON(raw)
		}
	}
	return row
}

func failed(err error) DispatchResult {
	return DispatchResult{Status: DispatchFailed, Action: ActionNone, Error: err}
}
