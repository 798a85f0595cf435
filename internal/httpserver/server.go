package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/config"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/webhook"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

const readyCheckTimeout = 3 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Server is the engine's HTTP surface: probes, metrics, the WhatsApp webhook
// and the campaign trigger.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *zap.Logger
	checks     map[string]Check
	publisher  ingestion.Publisher
	now        func() time.Time
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer builds the router. checks are run by /ready.
func NewServer(cfg *config.Config, log *zap.Logger, hook *webhook.Handler, publisher ingestion.Publisher, checks map[string]Check) *Server {
	s := &Server{
		logger:    log.Named("http"),
		checks:    checks,
		publisher: publisher,
		now:       utils.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/webhook", hook.Verify)
	r.Post("/webhook", hook.Receive)
	r.Post("/campaigns/{id}/dispatch", s.handleCampaignDispatch)
	s.router = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.router.Method(http.MethodGet, "/metrics", handler)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	utils.SafeGo(func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}, nil)
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger puts a request-scoped logger into the context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := s.logger.With(
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.WithLogger(r.Context(), log)))
		log.Debug("Request served",
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{Status: "UP", Version: "1.0.0"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	status, code := "READY", http.StatusOK
	details := map[string]string{"timestamp": utils.FormatISO8601(s.now())}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			logger.FromContext(r.Context()).Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			details[name] = err.Error()
			status, code = "NOT_READY", http.StatusServiceUnavailable
			continue
		}
		details[name] = "ok"
	}
	utils.WriteJSONResponse(w, code, HealthResponse{Status: status, Details: details})
}
