package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semantrix/modelrouter/internal/models"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Metrics exports routing and dispatch metrics through Prometheus. It also
// implements the dispatcher's MetricsSink and the registry's cache
// Observer.
type Metrics struct {
	config   MetricsConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	exporter *otelprometheus.Exporter
	provider *metric.MeterProvider

	// HTTP surface
	requestsTotal    *prometheus.CounterVec
	requestsDuration *prometheus.HistogramVec

	// Routing
	routingDecisions *prometheus.CounterVec
	routingLatency   prometheus.Histogram

	// Dispatch
	dispatchTotal    *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	dispatchTokens   *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec

	// Registry cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics(config MetricsConfig, logger *zap.Logger) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := metric.NewMeterProvider(metric.WithReader(exporter))

	m := &Metrics{
		config:   config,
		logger:   logger,
		registry: registry,
		exporter: exporter,
		provider: provider,
	}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() error {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	m.requestsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrouter_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_routing_decisions_total",
			Help: "Total number of routing decisions made",
		},
		[]string{"model", "reason"},
	)

	m.routingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelrouter_routing_latency_seconds",
			Help:    "Routing decision latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_dispatch_total",
			Help: "Terminal dispatch outcomes by model",
		},
		[]string{"model", "task_type", "success"},
	)

	m.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrouter_dispatch_latency_seconds",
			Help:    "Wall-clock dispatch latency including fallbacks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	m.dispatchTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_dispatch_tokens_total",
			Help: "Token counts observed on dispatched requests",
		},
		[]string{"model", "direction"},
	)

	m.dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_dispatch_failures_total",
			Help: "Dispatches that exhausted their fallback chain",
		},
		[]string{"model"},
	)

	m.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	m.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrouter_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestsDuration,
		m.routingDecisions,
		m.routingLatency,
		m.dispatchTotal,
		m.dispatchLatency,
		m.dispatchTokens,
		m.dispatchFailures,
		m.cacheHits,
		m.cacheMisses,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.requestsDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRoutingDecision records one routing decision.
func (m *Metrics) RecordRoutingDecision(model, reason string, duration time.Duration) {
	m.routingDecisions.WithLabelValues(model, reason).Inc()
	m.routingLatency.Observe(duration.Seconds())
}

// Emit records the terminal RoutingMetric of a dispatched request. It
// implements dispatch.MetricsSink.
func (m *Metrics) Emit(rm models.RoutingMetric) {
	m.dispatchTotal.WithLabelValues(rm.ModelID, string(rm.TaskType), strconv.FormatBool(rm.Success)).Inc()
	m.dispatchLatency.WithLabelValues(rm.ModelID).Observe(rm.Latency.Seconds())
	m.dispatchTokens.WithLabelValues(rm.ModelID, "input").Add(float64(rm.ContentTokenCount))
	m.dispatchTokens.WithLabelValues(rm.ModelID, "output").Add(float64(rm.ResponseTokenCount))
	if !rm.Success {
		m.dispatchFailures.WithLabelValues(rm.ModelID).Inc()
	}
}

// RecordCacheHit records a cache hit. Implements registry.Observer.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss. Implements registry.Observer.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMisses.WithLabelValues(cacheType).Inc()
}

// GetRegistry returns the Prometheus registry.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// GetMeterProvider returns the OpenTelemetry meter provider.
func (m *Metrics) GetMeterProvider() *metric.MeterProvider {
	return m.provider
}

// StartMetricsServer serves the Prometheus endpoint until the context ends.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(m.config.Port),
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	m.logger.Info("metrics server started",
		zap.Int("port", m.config.Port),
		zap.String("path", m.config.Path))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("error shutting down metrics server", zap.Error(err))
	}
	return nil
}
