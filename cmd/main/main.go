package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ai"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/cadence"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/debounce"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/dlqworker"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/httpserver"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/jetstream"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/scheduler"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/usecase"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/webhook"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/whatsapp"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

func main() {
	time.Local = time.UTC

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel, logger.FileOptions{
		Path:       cfg.Log.File.Path,
		MaxSizeMB:  cfg.Log.File.MaxSizeMB,
		MaxBackups: cfg.Log.File.MaxBackups,
		MaxAgeDays: cfg.Log.File.MaxAgeDays,
		Compress:   cfg.Log.File.Compress,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(cfg.Metrics.Enabled)
	loc := cfg.Location()

	logger.Log.Info("Starting SDR lifecycle engine",
		zap.String("environment", cfg.Environment),
		zap.String("transport", cfg.Transport),
		zap.String("timezone", loc.String()),
	)

	postgresRepo, err := initPostgresRepo(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}
	leadRepo := storage.NewLeadRepoAdapter(postgresRepo)
	messageRepo := storage.NewMessageRepoAdapter(postgresRepo)
	meetingRepo := storage.NewMeetingRepoAdapter(postgresRepo)
	notificationRepo := storage.NewNotificationRepoAdapter(postgresRepo)
	campaignRepo := storage.NewCampaignRepoAdapter(postgresRepo)
	clientRepo := storage.NewClientRepoAdapter(postgresRepo)
	exhaustedEventRepo := storage.NewExhaustedEventRepoAdapter(postgresRepo)

	sender := whatsapp.NewClient(whatsapp.Config{
		BaseURL:      cfg.WhatsApp.BaseURL,
		APIVersion:   cfg.WhatsApp.APIVersion,
		DefaultToken: cfg.WhatsApp.AccessToken,
		Timeout:      cfg.WhatsApp.Timeout,
		MaxRetries:   cfg.WhatsApp.MaxRetries,
	})

	tools := usecase.NewToolTable(usecase.ToolDeps{
		Leads:         leadRepo,
		Messages:      messageRepo,
		Meetings:      meetingRepo,
		Notifications: notificationRepo,
		Sender:        sender,
		SegmentDelay:  cfg.Conversation.SegmentDelay,
		Location:      loc,
	})
	brain := ai.NewOpenAIClient(ai.Config{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		Model:              cfg.OpenAI.Model,
		VisionModel:        cfg.OpenAI.VisionModel,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		Temperature:        cfg.OpenAI.Temperature,
		Timeout:            cfg.OpenAI.Timeout,
	}, tools.Specs())

	dispatcher := usecase.NewDispatcher(leadRepo, messageRepo, clientRepo, brain, brain, brain, sender, tools,
		usecase.DispatcherConfig{
			HistoryLimit:  cfg.Conversation.HistoryLimit,
			SegmentDelay:  cfg.Conversation.SegmentDelay,
			DefaultPrompt: cfg.Conversation.SystemPrompt,
		}, nil)

	flushWorker, err := usecase.NewFlushWorker(cfg.WorkerPools.Flush, dispatcher, cfg.Debounce.MergeMessages, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize flush worker pool", zap.Error(err))
	}
	buffer := debounce.NewMemoryBuffer(flushWorker.Flush, debounce.Options{
		Window:      cfg.Debounce.Window,
		FlushOnStop: cfg.Debounce.FlushOnShutdown,
	})

	reengage := usecase.ReengageConfig{
		HistoryLimit:  cfg.Nudge.HistoryLimit,
		SegmentDelay:  cfg.Conversation.SegmentDelay,
		DefaultPrompt: cfg.Conversation.SystemPrompt,
	}
	nudges := usecase.NewNudgeScheduler(leadRepo, messageRepo, clientRepo, brain, sender,
		cadence.New(cfg.Nudge.Intervals, cfg.Nudge.DefaultInterval),
		usecase.NudgeConfig{
			ReengageConfig: reengage,
			FallbackText:   cfg.Nudge.FallbackText,
			BusinessHours: usecase.BusinessHours{
				Enabled:   cfg.Nudge.BusinessHours.Enabled,
				StartHour: cfg.Nudge.BusinessHours.StartHour,
				EndHour:   cfg.Nudge.BusinessHours.EndHour,
				Location:  loc,
			},
		}, nil)
	sweep := usecase.NewMorningSweep(leadRepo, messageRepo, clientRepo, brain, sender, usecase.MorningSweepConfig{
		ReengageConfig: reengage,
		CutoffHour:     cfg.MorningSweep.CutoffHour,
		FallbackText:   cfg.MorningSweep.FallbackText,
		Location:       loc,
	}, nil)
	reminders := usecase.NewReminderScanner(leadRepo, meetingRepo, notificationRepo, messageRepo, clientRepo, sender,
		usecase.ReminderConfig{
			LeadWindow:    cfg.Reminder.LeadWindow,
			TodayTemplate: cfg.Reminder.TodayTemplate,
			HourTemplate:  cfg.Reminder.HourTemplate,
			Location:      loc,
		}, nil)
	campaigns := usecase.NewCampaignRunner(campaignRepo, leadRepo, clientRepo, messageRepo, sender, usecase.CampaignConfig{
		Pacing:      cfg.Campaign.Pacing,
		MaxAttempts: cfg.Campaign.MaxRetries,
	}, nil)
	inbound := usecase.NewInboundService(clientRepo, leadRepo, buffer, nil)
	jobs := usecase.NewJobService(inbound, nudges, sweep, reminders, campaigns)

	router := ingestion.NewRouter()
	checks := map[string]httpserver.Check{"postgres": postgresRepo.Ping}

	var (
		publisher ingestion.Publisher
		consumer  ingestion.ConsumerInterface
		jsClient  *jetstream.Client
		dlqWorker *dlqworker.Worker
	)
	switch cfg.Transport {
	case "nats":
		jsClient, err = jetstream.NewClient(cfg.NATS.URL)
		if err != nil {
			logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
		}
		publisher = ingestion.NewJetStreamPublisher(jsClient)
		consumer = ingestion.NewJobConsumer(jsClient, router, cfg.NATS.Jobs, cfg.NATS.DLQSubject)
		dlqWorker, err = dlqworker.NewWorker(cfg, logger.Log, jsClient, router, exhaustedEventRepo)
		if err != nil {
			logger.Log.Fatal("Failed to initialize DLQ worker", zap.Error(err))
		}
		checks["nats"] = func(context.Context) error {
			if !jsClient.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	default:
		publisher = ingestion.NewInlinePublisher(router)
	}

	processor := usecase.NewProcessor(jobs, router, consumer)
	if err := processor.Setup(); err != nil {
		logger.Log.Fatal("Failed to set up processor", zap.Error(err))
	}

	sched, err := scheduler.New(cfg, publisher, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize scheduler", zap.Error(err))
	}

	hook := webhook.NewHandler(publisher, cfg.WhatsApp.VerifyToken, cfg.WhatsApp.AppSecret)
	server := httpserver.NewServer(cfg, logger.Log, hook, publisher, checks)
	if cfg.Metrics.Enabled {
		server.RegisterMetricsHandler(promhttp.Handler())
	}
	server.Start()

	if err := processor.Start(); err != nil {
		logger.Log.Fatal("Failed to start processor", zap.Error(err))
	}

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()
	sigChan := make(chan os.Signal, 1)
	if dlqWorker != nil {
		go func() {
			if err := dlqWorker.Start(mainCtx); err != nil {
				logger.Log.Error("DLQ worker failed, initiating shutdown", zap.Error(err))
				mainCancel()
				select {
				case sigChan <- syscall.SIGTERM:
				default:
				}
			}
		}()
	}
	sched.Start()

	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))
	mainCancel()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", timeout))

	// Producers stop first so nothing new reaches the buffer while it drains.
	var wg sync.WaitGroup
	stopAll(&wg,
		component{"scheduler", sched.Stop},
		component{"http server", func() {
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
			}
		}},
		component{"job consumer", processor.Stop},
	)
	wg.Wait()

	if dlqWorker != nil {
		stopAll(&wg, component{"DLQ worker", dlqWorker.Stop})
	}
	stopAll(&wg, component{"debounce buffer", func() {
		buffer.Stop()
		flushWorker.Stop()
	}})

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	if err := postgresRepo.Close(shutdownCtx); err != nil {
		logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
	}
	if jsClient != nil {
		jsClient.Close()
	}
	logger.Log.Info("SDR lifecycle engine shutdown complete")
}

type component struct {
	name string
	stop func()
}

// stopAll stops each component on its own goroutine, logging duration and
// any panic. wg.Done runs from the deferred call even when stop panics.
func stopAll(wg *sync.WaitGroup, components ...component) {
	for _, c := range components {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			logger.Log.Info("[shutdown] Stopping " + c.name)
			start := time.Now()
			c.stop()
			logger.Log.Info("[shutdown] Stopped "+c.name, zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("[shutdown] Panic while stopping "+c.name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}
}

func initPostgresRepo(cfg *config.Config) (*storage.PostgresRepo, error) {
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	repo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.Schema, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}
	logger.Log.Info("Initialized PostgreSQL repository", zap.String("schema", cfg.Database.Schema))
	return repo, nil
}
