package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// Outcomes of one lead in a scan.
const (
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
	OutcomeSkipped  = "skipped"
)

// LeadResult is the per-lead line of a ScanReport.
type LeadResult struct {
	LeadID   string
	ClientID string
	Outcome  string
	Step     int
	Error    error
}

// ScanReport summarizes one nudge scan or morning sweep.
type ScanReport struct {
	Scan      string
	Scanned   int
	Eligible  int
	Sent      int
	Failed    int
	Conflicts int
	Skipped   string // why the whole scan did nothing, if it did not run
	Results   []LeadResult
}

func (r *ScanReport) add(res LeadResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeFailed:
		r.Failed++
	}
	observer.IncScanLeads(r.Scan, res.Outcome)
}

// ReengageConfig is shared by the nudge scan and the morning sweep.
type ReengageConfig struct {
	HistoryLimit  int
	SegmentDelay  time.Duration
	DefaultPrompt string
	BatchLimit    int
}

// reengager writes an unprompted message to a lead that went quiet.
type reengager struct {
	leads    storage.LeadRepo
	messages storage.MessageRepo
	clients  storage.ClientRepo
	brain    ai.DecisionMaker
	reply    *replier
	cfg      ReengageConfig
}

func newReengager(
	leads storage.LeadRepo,
	messages storage.MessageRepo,
	clients storage.ClientRepo,
	brain ai.DecisionMaker,
	sender whatsapp.Sender,
	cfg ReengageConfig,
	now func() time.Time,
) *reengager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &reengager{
		leads:    leads,
		messages: messages,
		clients:  clients,
		brain:    brain,
		reply: &replier{
			sender:       sender,
			messages:     messages,
			leads:        leads,
			segmentDelay: cfg.SegmentDelay,
			now:          now,
		},
		cfg: cfg,
	}
}

// reengageRequest describes one re-engagement attempt.
type reengageRequest struct {
	Scan        string
	Candidate   model.ReengagementCandidate
	Instruction model.Message
	Fallback    string
	Update      storage.OutgoingUpdate
}

// run handles one lead in isolation; a panic becomes a failed result.
func (g *reengager) run(ctx context.Context, req reengageRequest) (res LeadResult) {
	c := req.Candidate
	res = LeadResult{LeadID: c.LeadID, ClientID: c.ClientID, Step: c.NudgeStep}
	if req.Update.NudgeStep != nil {
		res.Step = *req.Update.NudgeStep
	}

	ctx = tenant.WithClientID(ctx, c.ClientID)
	log := logger.FromContext(ctx).With(zap.String("scan", req.Scan), zap.String("lead_id", c.LeadID))
	ctx = logger.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("[panic] Recovered from panic while re-engaging lead", zap.Any("panic", r), zap.Stack("stack"))
			res.Outcome = OutcomeFailed
			res.Error = fmt.Errorf("panic: %v", r)
		}
	}()

	err := g.attempt(ctx, req)
	switch {
	case err == nil:
		res.Outcome = OutcomeSent
		log.Info("Lead re-engaged", zap.Int("step", res.Step))
	case errors.Is(err, apperrors.ErrConflict):
		res.Outcome = OutcomeConflict
		res.Error = err
		log.Info("Lead changed during scan", zap.Error(err))
	default:
		res.Outcome = OutcomeFailed
		res.Error = err
		log.Error("Failed to re-engage lead", zap.Error(err))
	}
	return res
}

func (g *reengager) attempt(ctx context.Context, req reengageRequest) error {
	c := req.Candidate

	client, err := g.clients.FindByID(ctx, c.ClientID)
	if err != nil {
		return fmt.Errorf("load client: %w", err)
	}

	history, err := g.messages.Recent(ctx, c.LeadID, g.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history = append(history, req.Instruction)

	decision, err := g.brain.Decide(ctx, history, promptOf(client, g.cfg.DefaultPrompt))
	if err != nil {
		return fmt.Errorf("ai decision: %w", err)
	}
	segments := decision.Segments
	if decision.Type == ai.DecisionToolCall || len(segments) == 0 {
		segments = []string{req.Fallback}
	}

	// Re-read right before sending so a reply that landed while the model
	// was thinking does not get a nudge on top of it.
	lead, err := g.leads.FindByID(ctx, c.LeadID)
	if err != nil {
		return fmt.Errorf("reload lead: %w", err)
	}
	if err := stillCandidate(lead, c); err != nil {
		return err
	}

	expected := c.LastOutgoingMessageAt
	if _, err := g.reply.deliver(ctx, recipientOf(lead), accountOf(client), segments, &expected, req.Update); err != nil {
		return err
	}
	return nil
}

// stillCandidate reports ErrConflict when the lead no longer matches the row
// the scan selected.
func stillCandidate(lead *model.Lead, c model.ReengagementCandidate) error {
	switch {
	case lead.IsPaused():
		return fmt.Errorf("%w: ai paused", apperrors.ErrConflict)
	case !lead.AwaitingReply():
		return fmt.Errorf("%w: lead replied", apperrors.ErrConflict)
	case !lead.LastOutgoingMessageAt.Equal(c.LastOutgoingMessageAt):
		return fmt.Errorf("%w: last outgoing moved", apperrors.ErrConflict)
	case lead.NudgeSequenceStep != c.NudgeStep:
		return fmt.Errorf("%w: nudge step moved", apperrors.ErrConflict)
	}
	return nil
}
