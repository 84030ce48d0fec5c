package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

// Error messages recorded in metrics are truncated to this length.
const metricErrorMax = 100

// Config holds dispatcher and provider configuration.
type Config struct {
	OllamaURL           string        `mapstructure:"ollama_url"`
	OpenAIBaseURL       string        `mapstructure:"openai_base_url"`
	OpenAIAPIKey        string        `mapstructure:"openai_api_key"`
	AnthropicBaseURL    string        `mapstructure:"anthropic_base_url"`
	AnthropicAPIKey     string        `mapstructure:"anthropic_api_key"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	ConcurrencyPerModel int           `mapstructure:"concurrency_per_model"`
}

// MetricsSink receives the terminal RoutingMetric of each dispatched
// request. Emission is best-effort; implementations must not block for long
// and must swallow their own failures.
type MetricsSink interface {
	Emit(metric models.RoutingMetric)
}

// MultiSink fans a metric out to several sinks.
type MultiSink []MetricsSink

func (s MultiSink) Emit(metric models.RoutingMetric) {
	for _, sink := range s {
		sink.Emit(metric)
	}
}

// Dispatcher executes routing decisions against provider backends. It
// bounds in-flight calls per model, cascades through the decision's
// fallback chain on failure, and emits exactly one terminal RoutingMetric
// per original request.
type Dispatcher struct {
	config   Config
	adapters map[string]Adapter
	limiter  *modelLimiter
	sink     MetricsSink
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher with the standard adapter set.
func NewDispatcher(config Config, sink MetricsSink, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		config: config,
		adapters: map[string]Adapter{
			ProviderOllama:    NewOllamaAdapter(config, logger),
			ProviderOpenAI:    NewOpenAIAdapter(config, logger),
			ProviderAnthropic: NewAnthropicAdapter(config, logger),
			ProviderGeneric:   NewGenericAdapter(config, logger),
		},
		limiter: newModelLimiter(config.ConcurrencyPerModel),
		sink:    sink,
		logger:  logger,
	}
	logger.Info("model dispatcher initialized",
		zap.String("ollama_url", config.OllamaURL),
		zap.Int("concurrency_per_model", d.limiter.capacity))
	return d
}

// RegisterAdapter replaces the adapter for a provider family. Used for
// exotic backends and in tests.
func (d *Dispatcher) RegisterAdapter(a Adapter) {
	d.adapters[a.Name()] = a
}

// Dispatch sends the payload to the decision's selected model, cascading
// through the fallback chain on any dispatch error. The caller always gets
// either a provider response augmented with dispatch metadata or, once the
// cascade is exhausted, ErrServiceUnavailable. Exactly one RoutingMetric is
// emitted per call, recording the final model actually used.
func (d *Dispatcher) Dispatch(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	metric := models.RoutingMetric{
		RequestID:         decision.RequestID,
		ModelID:           decision.SelectedModel,
		TaskType:          payloadTaskType(payload),
		ContentTokenCount: estimatePayloadTokens(payload),
	}
	defer func() {
		metric.Latency = time.Since(start)
		d.emit(metric)
	}()

	// The cascade is an explicit loop over a bounded list: the primary
	// model followed by its untried fallbacks, in order.
	candidates := append([]string{decision.SelectedModel}, decision.FallbackModels...)

	var lastErr error
	for i, modelID := range candidates {
		attempt := d.attemptDecision(decision, i, modelID, candidates[i+1:])
		metric.ModelID = modelID

		resp, err := d.dispatchOnce(ctx, attempt, payload)
		if err == nil {
			metric.Success = true
			if usage, ok := responseUsage(resp); ok {
				if usage.PromptTokens > 0 {
					metric.ContentTokenCount = usage.PromptTokens
				}
				metric.ResponseTokenCount = usage.CompletionTokens
			}

			latency := time.Since(start)
			if _, exists := resp["_dispatch_info"]; !exists {
				resp["_dispatch_info"] = map[string]interface{}{
					"model":      modelID,
					"provider":   ResolveProvider(modelID),
					"latency_ms": float64(latency.Milliseconds()),
					"request_id": decision.RequestID,
				}
			}
			return resp, nil
		}

		lastErr = err
		d.logger.Error("dispatch attempt failed",
			zap.String("request_id", decision.RequestID),
			zap.String("model_id", modelID),
			zap.Int("attempt", i),
			zap.Error(err))
		if len(candidates) > i+1 {
			d.logger.Info("trying fallback model",
				zap.String("request_id", decision.RequestID),
				zap.String("next_model", candidates[i+1]))
		}
	}

	metric.Success = false
	metric.ErrorMessage = models.TruncateError(lastErr, metricErrorMax)
	return nil, fmt.Errorf("%w: %w", models.ErrServiceUnavailable, lastErr)
}

// dispatchOnce issues one provider call under the model's concurrency slot.
// The slot is held only for the duration of the call.
func (d *Dispatcher) dispatchOnce(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error) {
	modelID := decision.SelectedModel
	provider := ResolveProvider(modelID)
	adapter, ok := d.adapters[provider]
	if !ok {
		adapter = d.adapters[ProviderGeneric]
	}

	if err := d.limiter.acquire(ctx, modelID); err != nil {
		return nil, transportError(provider, modelID, decision.RequestID, err)
	}
	defer d.limiter.release(modelID)

	d.logger.Info("dispatching request",
		zap.String("request_id", decision.RequestID),
		zap.String("provider", provider),
		zap.String("model_id", modelID))
	return adapter.Generate(ctx, decision, payload)
}

// attemptDecision derives the decision for the i-th cascade attempt,
// carrying forward only the untried fallbacks.
func (d *Dispatcher) attemptDecision(decision models.RoutingDecision, i int, modelID string, remaining []string) models.RoutingDecision {
	if i == 0 {
		return decision
	}
	derived := decision
	derived.SelectedModel = modelID
	derived.FallbackModels = remaining
	derived.RoutingReason = fmt.Sprintf("fallback #%d for %s", i, decision.SelectedModel)
	derived.Confidence = 0.3
	derived.EndpointURL = fmt.Sprintf("/api/v1/models/%s/generate", modelID)
	return derived
}

// emit hands the terminal metric to the sink. Best-effort only.
func (d *Dispatcher) emit(metric models.RoutingMetric) {
	d.logger.Info("request metrics",
		zap.String("request_id", metric.RequestID),
		zap.String("model_id", metric.ModelID),
		zap.Bool("success", metric.Success),
		zap.Duration("latency", metric.Latency),
		zap.Int("tokens_in", metric.ContentTokenCount),
		zap.Int("tokens_out", metric.ResponseTokenCount))
	if d.sink != nil {
		d.sink.Emit(metric)
	}
}

// estimateTokens mirrors the analyzer's fallback estimate of one token per
// four characters.
func estimateTokens(text string) int {
	return len(text) / 4
}

// estimatePayloadTokens estimates the inbound token count from a raw
// payload, either a flat content string or a structured message list.
func estimatePayloadTokens(payload map[string]interface{}) int {
	switch content := payload["content"].(type) {
	case string:
		return estimateTokens(content)
	case []interface{}:
		var text string
		for _, item := range content {
			switch v := item.(type) {
			case string:
				text += v
			case map[string]interface{}:
				if s, ok := v["content"].(string); ok {
					text += s
				}
			}
		}
		return estimateTokens(text)
	}
	return estimateTokens(extractPrompt(payload))
}

func payloadTaskType(payload map[string]interface{}) models.TaskType {
	if s, ok := payload["task_type"].(string); ok && s != "" {
		return models.TaskType(s)
	}
	return models.TaskTypeChat
}
