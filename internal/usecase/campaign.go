package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// CampaignReport summarizes one campaign pass.
type CampaignReport struct {
	CampaignID     string
	LeadsProcessed int
	Sent           int
	Skipped        int
	Failed         int
}

// CampaignConfig tunes the send loop.
type CampaignConfig struct {
	Pacing      time.Duration // pause between two leads
	MaxAttempts uint64        // per lead, send and status update together
}

// CampaignRunner sends a campaign's template to each of its NEW leads.
type CampaignRunner struct {
	campaigns  storage.CampaignRepo
	leads      storage.LeadRepo
	clients    storage.ClientRepo
	messages   storage.MessageRepo
	sender     whatsapp.Sender
	cfg        CampaignConfig
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	newBackOff func() backoff.BackOff
}

// NewCampaignRunner wires a CampaignRunner.
func NewCampaignRunner(
	campaigns storage.CampaignRepo,
	leads storage.LeadRepo,
	clients storage.ClientRepo,
	messages storage.MessageRepo,
	sender whatsapp.Sender,
	cfg CampaignConfig,
	now func() time.Time,
) *CampaignRunner {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &CampaignRunner{
		campaigns: campaigns,
		leads:     leads,
		clients:   clients,
		messages:  messages,
		sender:    sender,
		cfg:       cfg,
		now:       defaultNow(now),
		sleep:     sleepCtx,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes campaignID for clientID. Per-lead failures are counted, not
// returned; the campaign is marked COMPLETED after the pass either way.
func (r *CampaignRunner) Run(ctx context.Context, clientID, campaignID string) (CampaignReport, error) {
	report := CampaignReport{CampaignID: campaignID}
	ctx = tenant.WithClientID(ctx, clientID)
	log := logger.FromContext(ctx).With(zap.String("campaign_id", campaignID))
	ctx = logger.WithLogger(ctx, log)

	campaign, err := r.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		return report, fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status == model.CampaignStatusCompleted {
		log.Info("Campaign already completed, nothing to do")
		return report, nil
	}

	client, err := r.clients.FindByID(ctx, clientID)
	if err != nil {
		return report, fmt.Errorf("load client: %w", err)
	}

	leads, err := r.leads.FindNewByCampaign(ctx, campaignID)
	if err != nil {
		return report, fmt.Errorf("load campaign leads: %w", err)
	}
	if len(leads) == 0 {
		log.Info("Campaign has no NEW leads")
		return report, r.complete(ctx, campaignID)
	}

	if err := r.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusRunning, r.now()); err != nil {
		return report, fmt.Errorf("mark campaign running: %w", err)
	}

	for i := range leads {
		lead := &leads[i]
		if i > 0 {
			if err := r.sleep(ctx, r.cfg.Pacing); err != nil {
				return report, err
			}
		}
		report.LeadsProcessed++

		if !lead.HasPhone() {
			report.Skipped++
			observer.IncCampaignLeads(OutcomeSkipped)
			log.Warn("Skipping campaign lead without phone", zap.String("lead_id", lead.ID))
			continue
		}

		err := r.contact(ctx, campaign, client, lead)
		if errors.Is(err, errLeadClaimed) {
			report.Skipped++
			observer.IncCampaignLeads(OutcomeSkipped)
			log.Info("Campaign lead already claimed", zap.String("lead_id", lead.ID))
			continue
		}
		if err != nil {
			report.Failed++
			observer.IncCampaignLeads(OutcomeFailed)
			log.Error("Failed to contact campaign lead", zap.String("lead_id", lead.ID), zap.Error(err))
			continue
		}
		report.Sent++
		observer.IncCampaignLeads(OutcomeSent)
	}

	log.Info("Campaign pass finished",
		zap.Int("processed", report.LeadsProcessed),
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, r.complete(ctx, campaignID)
}

func (r *CampaignRunner) complete(ctx context.Context, campaignID string) error {
	if err := r.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusCompleted, r.now()); err != nil {
		return fmt.Errorf("mark campaign completed: %w", err)
	}
	return nil
}

// errLeadClaimed means another pass moved the lead past NEW first.
var errLeadClaimed = errors.New("lead already claimed by another pass")

// contact claims the lead NEW to CONTACTED, then sends the template. Only the
// pass that wins the claim sends, so overlapping passes never double-send. A
// send that keeps failing hands the lead back to NEW for the next pass.
func (r *CampaignRunner) contact(ctx context.Context, campaign *model.Campaign, client *model.Client, lead *model.Lead) error {
	if err := r.claim(ctx, lead.ID); err != nil {
		return err
	}

	var providerID string
	send := func() error {
		id, err := r.sender.SendTemplate(ctx, accountOf(client), lead.Phone,
			campaign.TemplateName, campaign.TemplateLanguage,
			[]whatsapp.TemplateComponent{whatsapp.BodyText(lead.DisplayName())})
		if err != nil {
			if errors.Is(err, apperrors.ErrBadRequest) || errors.Is(err, apperrors.ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		providerID = id
		return nil
	}
	if err := backoff.Retry(send, r.policy(ctx)); err != nil {
		r.release(ctx, lead.ID)
		return err
	}

	msg := outboundMessage(recipientOf(lead), campaign.TemplateName, model.MessageTypeTemplate, []string{providerID}, r.now())
	if err := r.messages.Save(ctx, msg); err != nil {
		logger.FromContext(ctx).Warn("Failed to persist campaign message", zap.String("lead_id", lead.ID), zap.Error(err))
	}
	return nil
}

func (r *CampaignRunner) claim(ctx context.Context, leadID string) error {
	contacted, fromNew := model.LeadStatusContacted, model.LeadStatusNew
	op := func() error {
		err := r.leads.Update(ctx, leadID, storage.LeadUpdate{Status: &contacted, FromStatus: &fromNew})
		if errors.Is(err, apperrors.ErrConflict) {
			return backoff.Permanent(errLeadClaimed)
		}
		return err
	}
	return backoff.Retry(op, r.policy(ctx))
}

// release undoes a claim whose send never went out. A lead that moved on
// in the meantime is left alone.
func (r *CampaignRunner) release(ctx context.Context, leadID string) {
	fresh, fromContacted := model.LeadStatusNew, model.LeadStatusContacted
	err := r.leads.Update(context.WithoutCancel(ctx), leadID, storage.LeadUpdate{Status: &fresh, FromStatus: &fromContacted})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to hand campaign lead back to NEW", zap.String("lead_id", leadID), zap.Error(err))
	}
}

func (r *CampaignRunner) policy(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.cfg.MaxAttempts-1), ctx)
}
