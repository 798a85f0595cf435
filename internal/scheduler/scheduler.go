package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const publishTimeout = 10 * time.Second

// Scheduler turns cron ticks into jobs on the bus. Every replica runs one;
// ticks carry a dedup id so the stream keeps a single copy per tick.
type Scheduler struct {
	cron      *cron.Cron
	publisher ingestion.Publisher
	loc       *time.Location
	logger    *zap.Logger
	entries   map[model.EventType]cron.EntryID
}

// New registers one cron entry per scheduled job. Empty specs disable the job.
func New(cfg *config.Config, publisher ingestion.Publisher, log *zap.Logger) (*Scheduler, error) {
	loc := cfg.Location()
	s := &Scheduler{
		publisher: publisher,
		loc:       loc,
		logger:    log.Named("scheduler"),
		entries:   make(map[model.EventType]cron.EntryID),
	}
	cronLog := cronLogger{log: s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	jobs := []struct {
		job  model.EventType
		spec string
	}{
		{model.V1JobNudgeScan, cfg.Schedules.NudgeScan},
		{model.V1JobMorningSweep, cfg.Schedules.MorningSweep},
		{model.V1JobReminderScan, cfg.Schedules.ReminderScan},
		{model.V1JobReminderReset, cfg.Schedules.ReminderReset},
	}
	for _, j := range jobs {
		if j.spec == "" {
			s.logger.Info("Job schedule disabled", zap.String("job", string(j.job)))
			continue
		}
		job := j.job
		id, err := s.cron.AddFunc(j.spec, func() { s.tick(job) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job, j.spec, err)
		}
		s.entries[job] = id
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	for job, id := range s.entries {
		s.logger.Info("Job scheduled",
			zap.String("job", string(job)),
			zap.Time("next", s.cron.Entry(id).Next),
		)
	}
}

// Stop halts new ticks and waits for running publishes to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tick(job model.EventType) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.Trigger(ctx, job, time.Now()); err != nil {
		s.logger.Error("Failed to publish scheduled job", zap.String("job", string(job)), zap.Error(err))
	}
}

// Trigger publishes job for the tick at. The tick is truncated to the minute
// so replicas whose clocks fire a few milliseconds apart share a dedup id.
func (s *Scheduler) Trigger(ctx context.Context, job model.EventType, at time.Time) error {
	payload := model.JobPayload{
		Job:          job,
		ScheduledFor: at.In(s.loc).Truncate(time.Minute),
	}
	ctx = logger.WithLogger(ctx, s.logger.With(zap.String("job", string(job))))
	if err := s.publisher.Publish(ctx, job, "", payload, payload.DedupID()); err != nil {
		return err
	}
	s.logger.Debug("Scheduled job published",
		zap.String("job", string(job)),
		zap.Time("scheduled_for", payload.ScheduledFor),
	)
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
