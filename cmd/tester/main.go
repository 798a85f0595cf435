package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/webhook"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

const webhookTarget = "webhook"

// Delivery is one webhook POST: a burst of messages from the same lead,
// sent back to back so they land in one debounce window.
type Delivery struct {
	PhoneNumberID string
	From          string
	Burst         int
}

type loadgen struct {
	client    *http.Client
	targetURL string
	secret    string
}

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	baseURL := flag.String("url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port), "Engine base URL")
	phoneIDsStr := flag.String("phone-number-ids", "", "Comma-separated WhatsApp phone_number_ids of existing clients")
	leadsStr := flag.String("leads", "", "Comma-separated lead phones; random phones when empty")
	rate := flag.Int("rate", 10, "Target deliveries per second (total)")
	duration := flag.Duration("duration", time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	burst := flag.Int("burst", 3, "Messages per lead per delivery burst")
	secret := flag.String("secret", cfg.WhatsApp.AppSecret, "App secret used to sign deliveries; empty sends unsigned")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "WhatsApp Webhook Load Generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Posts fake WhatsApp Cloud API deliveries to the engine's /webhook.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *rate <= 0 || *concurrency <= 0 || *burst <= 0 {
		fmt.Println("rate, concurrency and burst must be positive")
		os.Exit(1)
	}
	if err := logger.Initialize(*logLevel, logger.FileOptions{}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	phoneIDs := splitList(*phoneIDsStr)
	if len(phoneIDs) == 0 {
		logger.Log.Fatal("No phone_number_ids provided")
	}
	leads := splitList(*leadsStr)

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	lg := &loadgen{
		client:    &http.Client{Timeout: 10 * time.Second},
		targetURL: strings.TrimRight(*baseURL, "/") + "/webhook",
		secret:    *secret,
	}
	logger.Log.Info("Starting webhook load generator",
		zap.String("target", lg.targetURL),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("burst", *burst),
		zap.Bool("signed", lg.secret != ""),
	)

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		defer wg.Done()
		lg.deliver(data.(Delivery))
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var loopWg sync.WaitGroup
	loopWg.Add(1)
	go runLoadLoop(ctx, *rate, *duration, *burst, phoneIDs, leads, pool, &wg, &loopWg, cancel)

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
		logger.Log.Info("Load generation finished")
	}

	loopWg.Wait()
	wg.Wait()
	cancel()
	metricsWg.Wait()
	logger.Log.Info("Load generator shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()
	return server
}

// runLoadLoop submits deliveries at rate until duration elapses or ctx ends.
func runLoadLoop(ctx context.Context, rate int, duration time.Duration, burst int, phoneIDs, leads []string, pool *ants.PoolWithFunc, wg, loopWg *sync.WaitGroup, done context.CancelFunc) {
	defer loopWg.Done()
	defer done()

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	timer := time.NewTimer(duration)
	defer timer.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-ticker.C:
			d := Delivery{PhoneNumberID: phoneIDs[n%len(phoneIDs)], Burst: burst}
			if len(leads) > 0 {
				d.From = leads[n%len(leads)]
			} else {
				d.From = "55" + gofakeit.Numerify("11#########")
			}
			wg.Add(1)
			if err := pool.Invoke(d); err != nil {
				wg.Done()
				logger.Log.Warn("Failed to submit delivery", zap.Error(err))
				observer.IncLoadgenRequestErrors(webhookTarget)
			}
		}
	}
}

func (lg *loadgen) deliver(d Delivery) {
	name := gofakeit.FirstName()
	for i := 0; i < d.Burst; i++ {
		msg := model.NewInboundMessage(d.PhoneNumberID, d.From)
		body, err := json.Marshal(envelopeFor(msg, name))
		if err != nil {
			logger.Log.Error("Failed to marshal delivery", zap.Error(err))
			observer.IncLoadgenRequestErrors(webhookTarget)
			return
		}
		observer.IncLoadgenRequestsAttempted(webhookTarget)
		if err := lg.post(body); err != nil {
			logger.Log.Warn("Webhook delivery failed", zap.String("from", d.From), zap.Error(err))
			observer.IncLoadgenRequestErrors(webhookTarget)
		}
	}
}

func (lg *loadgen) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, lg.targetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if lg.secret != "" {
		mac := hmac.New(sha256.New, []byte(lg.secret))
		mac.Write(body)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := lg.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func envelopeFor(msg model.InboundMessage, name string) webhook.Envelope {
	m := webhook.Message{
		From:      msg.From,
		ID:        msg.ProviderMessageID,
		Timestamp: strconv.FormatInt(msg.Timestamp.Unix(), 10),
		Type:      model.MessageTypeText,
		Text:      &webhook.Text{Body: msg.Text},
	}

	contact := webhook.Contact{WaID: msg.From}
	contact.Profile.Name = name
	return webhook.Envelope{
		Object: "whatsapp_business_account",
		Entry: []webhook.Entry{{
			ID: gofakeit.Numerify("##########"),
			Changes: []webhook.Change{{
				Field: "messages",
				Value: webhook.Value{
					MessagingProduct: "whatsapp",
					Metadata:         webhook.Metadata{PhoneNumberID: msg.PhoneNumberID},
					Contacts:         []webhook.Contact{contact},
					Messages:         []webhook.Message{m},
				},
			}},
		}},
	}
}
