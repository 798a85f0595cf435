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

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/validator"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

// ToolName is the closed set of tools the model may call.
type ToolName string

const (
	ToolProposeMeeting  ToolName = "propose_meeting"
	ToolScheduleMeeting ToolName = "schedule_meeting"
	ToolHandoffToHuman  ToolName = "handoff_to_human"
)

// ToolEnv is what a tool acts on.
type ToolEnv struct {
	Lead   *model.Lead
	Client *model.Client
}

// SideEffectResult summarizes what a tool changed.
type SideEffectResult struct {
	Tool          ToolName
	Status        *model.LeadStatus
	AIPaused      bool
	MeetingID     string
	MessageSent   bool
	Notifications int
}

// Tool is one entry of the tool table.
type Tool interface {
	Name() ToolName
	Spec() ai.ToolSpec
	Execute(ctx context.Context, env ToolEnv, args json.RawMessage) (SideEffectResult, error)
}

// ToolDeps are the collaborators shared by all tools.
type ToolDeps struct {
	Leads         storage.LeadRepo
	Messages      storage.MessageRepo
	Meetings      storage.MeetingRepo
	Notifications storage.NotificationRepo
	Sender        whatsapp.Sender
	SegmentDelay  time.Duration
	Location      *time.Location
	Now           func() time.Time
}

// ToolTable dispatches tool calls by name.
type ToolTable struct {
	tools map[ToolName]Tool
	order []ToolName
}

// NewToolTable registers the built-in tools.
func NewToolTable(deps ToolDeps) *ToolTable {
	deps.Now = defaultNow(deps.Now)
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	base := toolBase{
		deps: deps,
		reply: &replier{
			sender:       deps.Sender,
			messages:     deps.Messages,
			leads:        deps.Leads,
			segmentDelay: deps.SegmentDelay,
			now:          deps.Now,
		},
	}

	t := &ToolTable{tools: make(map[ToolName]Tool)}
	for _, tool := range []Tool{
		&proposeMeetingTool{base},
		&scheduleMeetingTool{base},
		&handoffTool{base},
	} {
		t.tools[tool.Name()] = tool
		t.order = append(t.order, tool.Name())
	}
	return t
}

// Lookup returns the tool registered under name.
func (t *ToolTable) Lookup(name string) (Tool, bool) {
	if t == nil {
		return nil, false
	}
	tool, ok := t.tools[ToolName(name)]
	return tool, ok
}

// Specs lists the tools for the model in registration order.
func (t *ToolTable) Specs() []ai.ToolSpec {
	specs := make([]ai.ToolSpec, 0, len(t.order))
	for _, name := range t.order {
		specs = append(specs, t.tools[name].Spec())
	}
	return specs
}

// decodeArgs unmarshals and validates tool arguments.
func decodeArgs(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: tool arguments: %v", apperrors.ErrValidation, err)
	}
	return validator.Validate(dst)
}

type toolBase struct {
	deps  ToolDeps
	reply *replier
}

// say sends text to the lead and records it as the latest outbound message.
// A lost conditional update only means another writer got there first.
func (b toolBase) say(ctx context.Context, env ToolEnv, text string) (bool, error) {
	segments := ai.SplitSegments(text)
	if len(segments) == 0 || !env.Lead.HasPhone() {
		return false, nil
	}
	sent, err := b.reply.deliver(ctx, recipientOf(env.Lead), accountOf(env.Client), segments,
		env.Lead.LastOutgoingMessageAt, storage.OutgoingUpdate{})
	if err != nil && sent && errors.Is(err, apperrors.ErrConflict) {
		logger.FromContext(ctx).Warn("Lead moved while the tool replied",
			zap.String("lead_id", env.Lead.ID))
		return true, nil
	}
	return sent, err
}

// notify writes a notification; failures are logged and reported as 0.
func (b toolBase) notify(ctx context.Context, userID, kind, message, leadID string) int {
	if userID == "" {
		return 0
	}
	n := model.Notification{
		ID:            uuid.NewString(),
		UserID:        userID,
		Message:       message,
		Type:          kind,
		RelatedLeadID: &leadID,
		CreatedAt:     b.deps.Now(),
	}
	if err := b.deps.Notifications.Save(ctx, n); err != nil {
		logger.FromContext(ctx).Error("Failed to save notification",
			zap.String("user_id", userID),
			zap.String("type", kind),
			zap.Error(err),
		)
		return 0
	}
	return 1
}

// --- propose_meeting ---

type proposeMeetingArgs struct {
	Slots   []string `json:"slots" validate:"required,min=1,dive,required"`
	Message string   `json:"message" validate:"required"`
}

type proposeMeetingTool struct{ toolBase }

func (t *proposeMeetingTool) Name() ToolName { return ToolProposeMeeting }

func (t *proposeMeetingTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        string(ToolProposeMeeting),
		Description: "Offer the lead a few meeting slots once they show interest.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"slots":{"type":"array","items":{"type":"string"},"description":"Human readable slot options"},` +
			`"message":{"type":"string","description":"Text introducing the slots"}},` +
			`"required":["slots","message"]}`),
	}
}

func (t *proposeMeetingTool) Execute(ctx context.Context, env ToolEnv, raw json.RawMessage) (SideEffectResult, error) {
	var args proposeMeetingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return SideEffectResult{}, err
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(args.Message))
	b.WriteString("\n")
	for _, slot := range args.Slots {
		b.WriteString("\n• ")
		b.WriteString(strings.TrimSpace(slot))
	}

	sent, err := t.say(ctx, env, b.String())
	if err != nil {
		return SideEffectResult{Tool: ToolProposeMeeting, MessageSent: sent}, err
	}

	// Only a forward move: a lead with a meeting or a closed deal keeps its status.
	from := env.Lead.Status
	if !from.Qualifiable() {
		return SideEffectResult{Tool: ToolProposeMeeting, MessageSent: sent}, nil
	}
	status := model.LeadStatusQualified
	err = t.deps.Leads.Update(ctx, env.Lead.ID, storage.LeadUpdate{Status: &status, FromStatus: &from})
	if errors.Is(err, apperrors.ErrConflict) {
		logger.FromContext(ctx).Info("Lead status moved before qualifying, leaving it", zap.String("lead_id", env.Lead.ID))
		return SideEffectResult{Tool: ToolProposeMeeting, MessageSent: sent}, nil
	}
	if err != nil {
		return SideEffectResult{Tool: ToolProposeMeeting, MessageSent: sent}, err
	}
	return SideEffectResult{Tool: ToolProposeMeeting, Status: &status, MessageSent: sent}, nil
}

// --- schedule_meeting ---

type scheduleMeetingArgs struct {
	ScheduledAt  string `json:"scheduled_at" validate:"required,rfc3339"`
	ConsultantID string `json:"consultant_id,omitempty"`
}

type scheduleMeetingTool struct{ toolBase }

func (t *scheduleMeetingTool) Name() ToolName { return ToolScheduleMeeting }

func (t *scheduleMeetingTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        string(ToolScheduleMeeting),
		Description: "Book a meeting once the lead has agreed to a specific date and time.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"scheduled_at":{"type":"string","description":"RFC3339 start time including the offset"},` +
			`"consultant_id":{"type":"string","description":"Consultant to assign, if known"}},` +
			`"required":["scheduled_at"]}`),
	}
}

func (t *scheduleMeetingTool) Execute(ctx context.Context, env ToolEnv, raw json.RawMessage) (SideEffectResult, error) {
	var args scheduleMeetingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return SideEffectResult{}, err
	}
	at, _ := time.Parse(time.RFC3339, args.ScheduledAt)
	if !at.After(t.deps.Now()) {
		return SideEffectResult{}, fmt.Errorf("%w: scheduled_at %s is in the past", apperrors.ErrValidation, args.ScheduledAt)
	}

	consultant := t.pickConsultant(env, args.ConsultantID)
	meeting := model.Meeting{
		ID:           uuid.NewString(),
		LeadID:       env.Lead.ID,
		ClientID:     env.Lead.ClientID,
		ConsultantID: consultant,
		ScheduledAt:  at.UTC(),
		Status:       model.MeetingStatusScheduled,
	}
	if err := t.deps.Meetings.Save(ctx, meeting); err != nil {
		return SideEffectResult{Tool: ToolScheduleMeeting}, err
	}
	result := SideEffectResult{Tool: ToolScheduleMeeting, MeetingID: meeting.ID}

	status := model.LeadStatusMeetingScheduled
	if err := t.deps.Leads.Update(ctx, env.Lead.ID, storage.LeadUpdate{Status: &status, ConsultantID: consultant}); err != nil {
		return result, err
	}
	result.Status = &status

	local := at.In(t.deps.Location)
	confirmation := fmt.Sprintf("Perfect, %s! Our meeting is booked for %s at %s. See you then!",
		env.Lead.DisplayName(), local.Format("02/01"), utils.ClockHHMM(at, t.deps.Location))
	sent, err := t.say(ctx, env, confirmation)
	result.MessageSent = sent
	if err != nil {
		// The meeting exists; a failed confirmation must not undo it.
		logger.FromContext(ctx).Error("Failed to send meeting confirmation",
			zap.String("lead_id", env.Lead.ID),
			zap.String("meeting_id", meeting.ID),
			zap.Error(err),
		)
	}

	note := fmt.Sprintf("Meeting booked with %s for %s %s", env.Lead.DisplayName(),
		local.Format("02/01"), utils.ClockHHMM(at, t.deps.Location))
	result.Notifications = t.notify(ctx, env.Client.OwnerUserID, model.NotificationMeetingScheduled, note, env.Lead.ID)
	return result, nil
}

// pickConsultant prefers the argument, then the lead's consultant, then the tenant default.
func (t *scheduleMeetingTool) pickConsultant(env ToolEnv, requested string) *string {
	switch {
	case requested != "":
		return &requested
	case env.Lead.ConsultantID != nil && *env.Lead.ConsultantID != "":
		return env.Lead.ConsultantID
	case env.Client.DefaultConsultantID != nil && *env.Client.DefaultConsultantID != "":
		return env.Client.DefaultConsultantID
	}
	return nil
}

// --- handoff_to_human ---

type handoffArgs struct {
	Reason string `json:"reason" validate:"required"`
}

type handoffTool struct{ toolBase }

func (t *handoffTool) Name() ToolName { return ToolHandoffToHuman }

func (t *handoffTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        string(ToolHandoffToHuman),
		Description: "Stop replying and hand the conversation to a human when the lead asks for one or the topic is out of scope.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"reason":{"type":"string","description":"Why a human should take over"}},` +
			`"required":["reason"]}`),
	}
}

func (t *handoffTool) Execute(ctx context.Context, env ToolEnv, raw json.RawMessage) (SideEffectResult, error) {
	var args handoffArgs
	if err := decodeArgs(raw, &args); err != nil {
		return SideEffectResult{}, err
	}

	paused := model.AIStatusPaused
	if err := t.deps.Leads.Update(ctx, env.Lead.ID, storage.LeadUpdate{AIStatus: &paused}); err != nil {
		return SideEffectResult{Tool: ToolHandoffToHuman}, err
	}

	note := fmt.Sprintf("%s needs a human: %s", env.Lead.DisplayName(), args.Reason)
	return SideEffectResult{
		Tool:          ToolHandoffToHuman,
		AIPaused:      true,
		Notifications: t.notify(ctx, env.Client.OwnerUserID, model.NotificationHandoff, note, env.Lead.ID),
	}, nil
}
