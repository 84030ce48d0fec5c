package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/semantrix/modelrouter/internal/analyzer"
	"github.com/semantrix/modelrouter/internal/models"
	"github.com/semantrix/modelrouter/internal/registry"
	"go.uber.org/zap"
)

// Confidence values attached to decisions, by selection path. Informational
// only, but fixed so callers can rely on them.
const (
	confidenceForce      = 1.0
	confidencePreference = 0.9
	confidenceRule       = 0.8
	confidenceFallback   = 0.5
	confidenceDefault    = 0.3
)

// The output side of a request is assumed to be a third of the input when
// estimating cost. A fixed design constant, not learned.
const outputTokenRatio = 3

// Config holds the router engine configuration.
type Config struct {
	DefaultModel   string              `mapstructure:"default_model"`
	FallbackModels map[string][]string `mapstructure:"fallback_models"`
	SelectionRules map[string]RuleSpec `mapstructure:"selection_rules"`
}

// Engine selects a target model for each request by evaluating an ordered
// rule set against the request's content analysis and context.
type Engine struct {
	config   Config
	registry *registry.Client
	analyzer *analyzer.Analyzer
	logger   *zap.Logger

	mu    sync.RWMutex
	rules []models.SelectionRule
}

// NewEngine creates a router engine over the given registry client.
func NewEngine(config Config, rules []models.SelectionRule, reg *registry.Client, an *analyzer.Analyzer, logger *zap.Logger) *Engine {
	e := &Engine{
		config:   config,
		registry: reg,
		analyzer: an,
		logger:   logger,
	}
	e.Reload(rules)
	logger.Info("initialized router engine", zap.Int("rules", len(rules)))
	return e
}

// Rules returns a copy of the active rule set in evaluation order.
func (e *Engine) Rules() []models.SelectionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.SelectionRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Reload atomically replaces the rule set. Rules are re-sorted by priority;
// the previous slice is never mutated, so in-flight evaluations are
// unaffected.
func (e *Engine) Reload(rules []models.SelectionRule) {
	sorted := make([]models.SelectionRule, len(rules))
	copy(sorted, rules)
	sortRules(sorted)

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Route analyzes the request and selects a model for it. It never silently
// drops a request: the result is either a decision or ErrNoModelAvailable.
func (e *Engine) Route(ctx context.Context, req *models.RoutingRequest) (models.RoutingDecision, error) {
	analysis, err := e.analyzer.Analyze(req)
	if err != nil {
		// Item-level analysis failures are non-fatal; route on what was
		// measured.
		e.logger.Warn("routing with partial analysis",
			zap.String("request_id", req.ID), zap.Error(err))
	}
	return e.RouteWithAnalysis(ctx, req, analysis)
}

// RouteWithAnalysis selects a model for a request whose analysis was already
// computed. Selection short-circuits on the first success, in order: force
// override, preference, rule evaluation, default model.
func (e *Engine) RouteWithAnalysis(ctx context.Context, req *models.RoutingRequest, analysis models.ContentAnalysis) (models.RoutingDecision, error) {
	// Force override. An unavailable forced model is intentionally lenient:
	// it falls through to normal selection instead of erroring.
	if req.ForceModel != "" {
		if rec, caps, ok := e.registry.Validate(ctx, req.ForceModel); ok {
			return e.buildDecision(req, analysis, rec, caps,
				e.config.FallbackModels[req.ForceModel],
				"force_model specified", confidenceForce), nil
		}
		e.logger.Warn("forced model is not available, continuing with normal selection",
			zap.String("request_id", req.ID),
			zap.String("force_model", req.ForceModel))
	}

	// Soft preference.
	if req.ModelPreference != "" {
		if rec, caps, ok := e.registry.Validate(ctx, req.ModelPreference); ok {
			return e.buildDecision(req, analysis, rec, caps,
				e.config.FallbackModels[req.ModelPreference],
				"model_preference specified and available", confidencePreference), nil
		}
		e.logger.Info("preferred model is not available",
			zap.String("request_id", req.ID),
			zap.String("model_preference", req.ModelPreference))
	}

	// Rule evaluation in descending priority order. An unavailable rule
	// target walks the rule's fallbacks; if none validate, the scan moves on
	// to the next rule rather than aborting.
	for _, rule := range e.Rules() {
		if !rule.Active {
			continue
		}
		if !conditionMatches(rule.Conditions, req, analysis) {
			continue
		}
		e.logger.Info("rule matched",
			zap.String("request_id", req.ID),
			zap.String("rule_id", rule.ID))

		if rec, caps, ok := e.registry.Validate(ctx, rule.Model); ok {
			return e.buildDecision(req, analysis, rec, caps,
				rule.FallbackModels,
				fmt.Sprintf("matched rule: %s", rule.ID), confidenceRule), nil
		}
		e.logger.Warn("rule target model unavailable, trying fallbacks",
			zap.String("rule_id", rule.ID),
			zap.String("model_id", rule.Model))

		for _, fallback := range rule.FallbackModels {
			if rec, caps, ok := e.registry.Validate(ctx, fallback); ok {
				// Fallbacks of fallbacks are not chained.
				return e.buildDecision(req, analysis, rec, caps, nil,
					fmt.Sprintf("fallback for rule: %s", rule.ID), confidenceFallback), nil
			}
		}
	}

	// Default model.
	if rec, caps, ok := e.registry.Validate(ctx, e.config.DefaultModel); ok {
		return e.buildDecision(req, analysis, rec, caps,
			e.config.FallbackModels[e.config.DefaultModel],
			"default model (no rules matched)", confidenceDefault), nil
	}

	e.logger.Error("default model is not available",
		zap.String("request_id", req.ID),
		zap.String("default_model", e.config.DefaultModel))
	return models.RoutingDecision{}, fmt.Errorf("%w: request %s", models.ErrNoModelAvailable, req.ID)
}

// buildDecision assembles a routing decision from the validated registry
// records.
func (e *Engine) buildDecision(
	req *models.RoutingRequest,
	analysis models.ContentAnalysis,
	rec models.ModelRecord,
	caps models.CapabilityRecord,
	fallbacks []string,
	reason string,
	confidence float64,
) models.RoutingDecision {
	endpoint := rec.EndpointURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("/api/v1/models/%s/generate", rec.ID)
	}

	decision := models.RoutingDecision{
		RequestID:      req.ID,
		SelectedModel:  rec.ID,
		FallbackModels: fallbacks,
		RoutingReason:  reason,
		Confidence:     confidence,
		EndpointURL:    endpoint,
		AuthRequired:   rec.AuthRequired,
		ProviderInfo: map[string]interface{}{
			"provider":   rec.Provider,
			"model_type": rec.ModelType,
			"version":    rec.Version,
		},
		EstimatedCost: estimateCost(caps.Pricing, analysis.TokenCount),
		Timestamp:     time.Now().UTC(),
	}
	return decision
}

// estimateCost prices the request when pricing is known, assuming
// tokens_out = tokens_in / 3.
func estimateCost(pricing *models.Pricing, tokensIn int) *float64 {
	if pricing == nil {
		return nil
	}
	tokensOut := tokensIn / outputTokenRatio
	cost := float64(tokensIn)/1000*pricing.Input + float64(tokensOut)/1000*pricing.Output
	return &cost
}

// conditionMatches evaluates a rule condition conjunctively: every
// constrained dimension must match, unconstrained dimensions are wildcards.
// Numeric ranges are inclusive on both bounds.
func conditionMatches(cond models.RuleCondition, req *models.RoutingRequest, analysis models.ContentAnalysis) bool {
	if len(cond.ContentTypes) > 0 && !anyContentType(cond.ContentTypes, analysis.ContentTypes) {
		return false
	}
	if len(cond.TaskTypes) > 0 && !containsTask(cond.TaskTypes, req.TaskType) {
		return false
	}
	if len(cond.UserTiers) > 0 && !containsTier(cond.UserTiers, req.Context.UserTier) {
		return false
	}
	if !cond.TokenCount.Contains(analysis.TokenCount) {
		return false
	}
	if !cond.ContentCount.Contains(len(req.Content)) {
		return false
	}
	if !cond.PageCount.Contains(analysis.DocumentPages) {
		return false
	}
	if cond.RequireLocalInference != nil && *cond.RequireLocalInference != req.Context.RequireLocalInference {
		return false
	}
	if cond.RequireStream != nil && *cond.RequireStream != req.Context.RequireStream {
		return false
	}
	if cond.RequireGPU != nil && *cond.RequireGPU != req.Context.RequireGPU {
		return false
	}
	if len(cond.Tags) > 0 && !anyTag(cond.Tags, req.Context.Tags) {
		return false
	}
	return true
}

func anyContentType(want, have []models.ContentType) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func containsTask(set []models.TaskType, t models.TaskType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func containsTier(set []models.UserTier, t models.UserTier) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func anyTag(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
