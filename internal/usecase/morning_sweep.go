package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

const scanMorning = "morning_sweep"

// MorningSweepConfig tunes the morning reactivation.
type MorningSweepConfig struct {
	ReengageConfig
	CutoffHour   int // outbound since yesterday at this hour counts
	FallbackText string
	Location     *time.Location
}

// MorningSweep greets leads that went quiet after our last message of the
// previous evening, restarting their nudge cadence.
type MorningSweep struct {
	leads  storage.LeadRepo
	engine *reengager
	cfg    MorningSweepConfig
	now    func() time.Time
}

// NewMorningSweep wires a MorningSweep.
func NewMorningSweep(
	leads storage.LeadRepo,
	messages storage.MessageRepo,
	clients storage.ClientRepo,
	brain ai.DecisionMaker,
	sender whatsapp.Sender,
	cfg MorningSweepConfig,
	now func() time.Time,
) *MorningSweep {
	now = defaultNow(now)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = "Good morning! Picking up where we left off yesterday."
	}
	return &MorningSweep{
		leads:  leads,
		engine: newReengager(leads, messages, clients, brain, sender, cfg.ReengageConfig, now),
		cfg:    cfg,
		now:    now,
	}
}

// Since is the earliest last_outgoing_message_at the sweep considers for now.
func (m *MorningSweep) Since(now time.Time) time.Time {
	return utils.YesterdayAt(now, m.cfg.CutoffHour, m.cfg.Location)
}

// Run performs one sweep; every candidate is eligible.
func (m *MorningSweep) Run(ctx context.Context) (ScanReport, error) {
	report := ScanReport{Scan: scanMorning}
	now := m.now()
	since := m.Since(now)

	candidates, err := m.leads.FindMorningSweepCandidates(ctx, since, now, m.cfg.BatchLimit)
	if err != nil {
		return report, fmt.Errorf("load morning sweep candidates: %w", err)
	}
	report.Scanned = len(candidates)
	report.Eligible = len(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		reset := 0
		report.add(m.engine.run(ctx, reengageRequest{
			Scan:        scanMorning,
			Candidate:   c,
			Instruction: ai.MorningInstruction(),
			Fallback:    m.cfg.FallbackText,
			Update: storage.OutgoingUpdate{
				NudgeStep:       &reset,
				MarkReactivated: true,
			},
		}))
	}

	logger.FromContext(ctx).Info("Morning sweep finished",
		zap.Time("since", since),
		zap.Int("candidates", report.Scanned),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
	)
	return report, nil
}
