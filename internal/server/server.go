package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/semantrix/modelrouter/internal/analyzer"
	"github.com/semantrix/modelrouter/internal/dispatch"
	"github.com/semantrix/modelrouter/internal/models"
	"github.com/semantrix/modelrouter/internal/observability"
	"github.com/semantrix/modelrouter/internal/registry"
	"github.com/semantrix/modelrouter/internal/router"
	"go.uber.org/zap"
)

// Server is the HTTP front of the routing and dispatch pipeline.
type Server struct {
	config     *Config
	mux        *chi.Mux
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracing    *observability.Tracing
	analyzer   *analyzer.Analyzer
	registry   *registry.Client
	engine     *router.Engine
	dispatcher *dispatch.Dispatcher
	server     *http.Server

	// ruleLoader re-reads the configured rule set for /admin/rules/reload.
	ruleLoader func() ([]models.SelectionRule, error)

	metricsCancel context.CancelFunc
}

// Config holds the full server configuration.
type Config struct {
	Server struct {
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Registry registry.Config `mapstructure:"registry"`
	Routing  router.Config   `mapstructure:"routing"`
	Dispatch dispatch.Config `mapstructure:"dispatch"`

	Observability struct {
		Logging observability.LoggerConfig  `mapstructure:"logging"`
		Metrics observability.MetricsConfig `mapstructure:"metrics"`
		Tracing observability.TracingConfig `mapstructure:"tracing"`
	} `mapstructure:"observability"`
}

// NewServer wires the analyzer, registry client, router engine, and
// dispatcher behind the HTTP surface.
func NewServer(config *Config) (*Server, error) {
	logger, err := observability.NewLogger(config.Observability.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := observability.NewMetrics(config.Observability.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracing := observability.NewTracing(config.Observability.Tracing, logger)

	registryClient := registry.NewClient(config.Registry, logger)
	registryClient.SetObserver(metrics)

	contentAnalyzer := analyzer.New(logger)

	rules := router.BuildRules(config.Routing.SelectionRules, config.Routing.FallbackModels)
	engine := router.NewEngine(config.Routing, rules, registryClient, contentAnalyzer, logger)

	sink := dispatch.MultiSink{metrics, &registryUsageSink{client: registryClient}}
	dispatcher := dispatch.NewDispatcher(config.Dispatch, sink, logger)

	s := &Server{
		config:     config,
		mux:        chi.NewRouter(),
		logger:     logger,
		metrics:    metrics,
		tracing:    tracing,
		analyzer:   contentAnalyzer,
		registry:   registryClient,
		engine:     engine,
		dispatcher: dispatcher,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      s.mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}
	return s, nil
}

// SetRuleLoader installs the callback used by POST /admin/rules/reload to
// re-read the configured rule set.
func (s *Server) SetRuleLoader(loader func() ([]models.SelectionRule, error)) {
	s.ruleLoader = loader
}

// setupRoutes configures the HTTP routes and middleware.
func (s *Server) setupRoutes() {
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.RealIP)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(s.observabilityMiddleware)
	s.mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.mux.Get("/healthz", s.handleHealth)

	s.mux.Route("/v1", func(r chi.Router) {
		r.Post("/route", s.handleRoute)
		r.Post("/process", s.handleProcess)
		r.Post("/generate/{modelID}", s.handleGenerate)
		r.Get("/models", s.handleGetModels)
		r.Get("/models/task/{taskType}", s.handleModelsByTask)
		r.Get("/models/content/{contentType}", s.handleModelsByContent)
		r.Get("/models/{modelID}", s.handleGetModel)
	})

	s.mux.Route("/admin", func(r chi.Router) {
		r.Get("/rules", s.handleGetRules)
		r.Post("/rules/reload", s.handleReloadRules)
	})
}

// observabilityMiddleware records request metrics and a span per request.
func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := s.tracing.StartSpan(r.Context(), "http_request")
		defer span.End()

		s.tracing.SetAttributes(ctx, map[string]string{
			"http.method": r.Method,
			"http.url":    r.URL.String(),
		})

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		s.metrics.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, duration)
		s.tracing.SetAttributes(ctx, map[string]string{
			"http.status_code": fmt.Sprintf("%d", wrapped.statusCode),
		})
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start begins serving. The registry cache is warmed in the background so a
// slow registry never blocks startup.
func (s *Server) Start() error {
	if s.config.Observability.Metrics.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		s.metricsCancel = cancel
		go func() {
			if err := s.metrics.StartMetricsServer(ctx); err != nil {
				s.logger.Error("failed to start metrics server", zap.Error(err))
			}
		}()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.registry.RefreshCache(ctx); err != nil {
			s.logger.Warn("initial registry refresh failed", zap.Error(err))
		}
	}()

	s.logger.Info("starting modelrouter server",
		zap.Int("port", s.config.Server.Port),
		zap.String("registry", s.config.Registry.BaseURL),
		zap.Int("rules", len(s.engine.Rules())))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("shutting down server")
	if s.metricsCancel != nil {
		s.metricsCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	observability.SyncLogger(s.logger)
	return nil
}

// WaitForShutdown blocks until an interrupt or termination signal arrives,
// then stops the server.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := s.Stop(); err != nil {
		s.logger.Error("shutdown error", zap.Error(err))
	}
}

// registryUsageSink forwards terminal metrics to the registry's usage
// endpoint. Best-effort by contract.
type registryUsageSink struct {
	client *registry.Client
}

func (s *registryUsageSink) Emit(metric models.RoutingMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.client.LogModelUsage(ctx, metric)
}
