package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/cadence"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const scanNudge = "nudge"

// BusinessHours limits nudges to [StartHour, EndHour) local time.
type BusinessHours struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Location  *time.Location
}

// Contains reports whether t falls inside the window. A disabled window
// contains every instant.
func (b BusinessHours) Contains(t time.Time) bool {
	if !b.Enabled {
		return true
	}
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	return h >= b.StartHour && h < b.EndHour
}

// NudgeConfig tunes the nudge scan.
type NudgeConfig struct {
	ReengageConfig
	FallbackText  string
	BusinessHours BusinessHours
}

// NudgeScheduler sends follow-ups to leads that stopped answering, spacing
// them by the cadence table.
type NudgeScheduler struct {
	leads   storage.LeadRepo
	cadence cadence.Table
	engine  *reengager
	cfg     NudgeConfig
	now     func() time.Time
}

// NewNudgeScheduler wires a NudgeScheduler.
func NewNudgeScheduler(
	leads storage.LeadRepo,
	messages storage.MessageRepo,
	clients storage.ClientRepo,
	brain ai.DecisionMaker,
	sender whatsapp.Sender,
	table cadence.Table,
	cfg NudgeConfig,
	now func() time.Time,
) *NudgeScheduler {
	now = defaultNow(now)
	if cfg.FallbackText == "" {
		cfg.FallbackText = "Just checking you got my last message"
	}
	return &NudgeScheduler{
		leads:   leads,
		cadence: table,
		engine:  newReengager(leads, messages, clients, brain, sender, cfg.ReengageConfig, now),
		cfg:     cfg,
		now:     now,
	}
}

// Scan runs one pass. Leads are handled one after another and a failure on
// one never stops the pass. The error is only set when candidates could not
// be loaded.
func (s *NudgeScheduler) Scan(ctx context.Context) (ScanReport, error) {
	report := ScanReport{Scan: scanNudge}
	now := s.now()
	log := logger.FromContext(ctx).With(zap.String("scan", scanNudge))

	if !s.cfg.BusinessHours.Contains(now) {
		report.Skipped = "outside_business_hours"
		log.Debug("Nudge scan outside business hours")
		return report, nil
	}

	candidates, err := s.leads.FindNudgeCandidates(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return report, fmt.Errorf("load nudge candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		next, ok := s.cadence.Eligible(c.NudgeStep, c.MinutesSinceLastMessage)
		if !ok {
			continue
		}
		report.Eligible++

		expectedStep := c.NudgeStep
		report.add(s.engine.run(ctx, reengageRequest{
			Scan:        scanNudge,
			Candidate:   c,
			Instruction: ai.NudgeInstruction(next),
			Fallback:    s.cfg.FallbackText,
			Update: storage.OutgoingUpdate{
				NudgeStep:    &next,
				ExpectedStep: &expectedStep,
			},
		}))
	}

	log.Info("Nudge scan finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("eligible", report.Eligible),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
	)
	return report, nil
}
