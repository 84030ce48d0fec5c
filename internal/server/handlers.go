package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/semantrix/modelrouter/internal/models"
	"github.com/semantrix/modelrouter/internal/registry"
	v1 "github.com/semantrix/modelrouter/pkg/api/v1"
	"go.uber.org/zap"
)

// Version is stamped by the build.
var Version = "dev"

// handleHealth reports service liveness and registry reachability. The
// service stays "ok" on a degraded registry because routing can still serve
// from a stale snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	registryStatus := "ok"
	if !s.registry.Healthy() {
		registryStatus = "unavailable"
	}
	s.writeJSON(w, http.StatusOK, v1.HealthResponse{
		Status:    "ok",
		Registry:  registryStatus,
		Rules:     len(s.engine.Rules()),
		Timestamp: time.Now().UTC(),
		Version:   Version,
	})
}

// handleRoute runs content analysis and rule evaluation and returns the
// routing decision without dispatching anything.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req v1.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body", false)
		return
	}
	if len(req.Content) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "content must not be empty", false)
		return
	}

	routingReq := toRoutingRequest(&req)

	ctx, span := s.tracing.StartSpan(r.Context(), "route")
	defer span.End()
	decision, err := s.engine.Route(ctx, routingReq)
	if err != nil {
		s.tracing.RecordError(ctx, err)
		s.routeError(w, r, err)
		return
	}
	s.tracing.SetAttributes(ctx, map[string]string{
		"routing.model":  decision.SelectedModel,
		"routing.reason": decision.RoutingReason,
	})

	s.writeJSON(w, http.StatusOK, v1.RouteResponse{
		RequestID:      decision.RequestID,
		SelectedModel:  decision.SelectedModel,
		FallbackModels: decision.FallbackModels,
		RoutingReason:  decision.RoutingReason,
		Confidence:     decision.Confidence,
		EndpointURL:    decision.EndpointURL,
		AuthRequired:   decision.AuthRequired,
		ProviderInfo:   decision.ProviderInfo,
		EstimatedCost:  decision.EstimatedCost,
		Timestamp:      decision.Timestamp,
	})
}

// handleProcess routes a request and dispatches it to the selected model,
// walking the fallback chain on failure. The provider response is returned
// with a _routing block describing the decision that produced it.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req v1.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body", false)
		return
	}

	routingReq, payload, err := s.buildProcessRequest(req)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}

	routeCtx, routeSpan := s.tracing.StartSpan(r.Context(), "route")
	decision, err := s.engine.Route(routeCtx, routingReq)
	if err != nil {
		s.tracing.RecordError(routeCtx, err)
		routeSpan.End()
		s.routeError(w, r, err)
		return
	}
	s.tracing.SetAttributes(routeCtx, map[string]string{
		"routing.model":  decision.SelectedModel,
		"routing.reason": decision.RoutingReason,
	})
	routeSpan.End()
	s.metrics.RecordRoutingDecision(decision.SelectedModel, decision.RoutingReason, time.Since(routingReq.Timestamp))

	dispatchCtx, dispatchSpan := s.tracing.StartSpan(r.Context(), "dispatch")
	defer dispatchSpan.End()
	result, err := s.dispatcher.Dispatch(dispatchCtx, decision, payload)
	if err != nil {
		s.tracing.RecordError(dispatchCtx, err)
		s.dispatchError(w, r, decision, err)
		return
	}

	result["_routing"] = map[string]interface{}{
		"model":                decision.SelectedModel,
		"routing_reason":       decision.RoutingReason,
		"selection_confidence": decision.Confidence,
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleGenerate dispatches directly to the named model, bypassing rule
// evaluation. The decision carries full confidence and the model's configured
// fallback chain.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")

	var req v1.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body", false)
		return
	}

	rec, _, ok := s.registry.Validate(r.Context(), modelID)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "model_not_found", fmt.Sprintf("model %s is not available", modelID), false)
		return
	}

	id, _ := req["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	endpoint := rec.EndpointURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("/api/v1/models/%s/generate", rec.ID)
	}
	decision := models.RoutingDecision{
		RequestID:      id,
		SelectedModel:  rec.ID,
		FallbackModels: s.config.Routing.FallbackModels[rec.ID],
		RoutingReason:  "direct model selection",
		Confidence:     1.0,
		EndpointURL:    endpoint,
		AuthRequired:   rec.AuthRequired,
		ProviderInfo: map[string]interface{}{
			"provider":   rec.Provider,
			"model_type": rec.ModelType,
			"version":    rec.Version,
		},
		Timestamp: time.Now().UTC(),
	}
	s.metrics.RecordRoutingDecision(decision.SelectedModel, decision.RoutingReason, time.Since(decision.Timestamp))

	// Caller-supplied transport headers are request metadata, not payload.
	payload := make(map[string]interface{}, len(req))
	for k, v := range req {
		if k == "headers" {
			continue
		}
		payload[k] = v
	}

	ctx, span := s.tracing.StartSpan(r.Context(), "dispatch")
	defer span.End()
	result, err := s.dispatcher.Dispatch(ctx, decision, payload)
	if err != nil {
		s.tracing.RecordError(ctx, err)
		s.dispatchError(w, r, decision, err)
		return
	}

	result["_routing"] = map[string]interface{}{
		"model":                decision.SelectedModel,
		"routing_reason":       decision.RoutingReason,
		"selection_confidence": decision.Confidence,
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleGetModels lists the models currently known to the registry.
func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "registry_unavailable", "model registry is unavailable", true)
		return
	}
	s.writeJSON(w, http.StatusOK, modelsResponse(records))
}

// handleGetModel returns one model's record together with its capabilities.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")

	rec, err := s.registry.GetModel(r.Context(), modelID)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			s.writeError(w, r, http.StatusNotFound, "model_not_found", err.Error(), false)
			return
		}
		s.writeError(w, r, http.StatusServiceUnavailable, "registry_unavailable", "model registry is unavailable", true)
		return
	}

	resp := v1.ModelResponse{Model: toModelInfo(rec)}
	if caps, err := s.registry.GetCapabilities(r.Context(), modelID); err == nil {
		resp.Capabilities = caps
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleModelsByTask lists the active models supporting a task type.
func (s *Server) handleModelsByTask(w http.ResponseWriter, r *http.Request) {
	task := models.TaskType(chi.URLParam(r, "taskType"))
	records, err := s.registry.ListByTask(r.Context(), task)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "registry_unavailable", "model registry is unavailable", true)
		return
	}
	s.writeJSON(w, http.StatusOK, modelsResponse(records))
}

// handleModelsByContent lists the active models supporting a content type.
func (s *Server) handleModelsByContent(w http.ResponseWriter, r *http.Request) {
	ct := models.ContentType(chi.URLParam(r, "contentType"))
	records, err := s.registry.ListByContentType(r.Context(), ct)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "registry_unavailable", "model registry is unavailable", true)
		return
	}
	s.writeJSON(w, http.StatusOK, modelsResponse(records))
}

func toModelInfo(rec models.ModelRecord) v1.ModelInfo {
	return v1.ModelInfo{
		ID:           rec.ID,
		Name:         rec.Name,
		Provider:     rec.Provider,
		ModelType:    rec.ModelType,
		Active:       rec.Active,
		EndpointURL:  rec.EndpointURL,
		AuthRequired: rec.AuthRequired,
	}
}

func modelsResponse(records []models.ModelRecord) v1.ModelsResponse {
	infos := make([]v1.ModelInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, toModelInfo(rec))
	}
	return v1.ModelsResponse{Models: infos, Total: len(infos)}
}

// handleGetRules returns the active rule set in evaluation order.
func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Rules()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

// handleReloadRules re-reads the configured rule set and swaps it in
// atomically. In-flight requests finish against the set they started with.
func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if s.ruleLoader == nil {
		s.writeError(w, r, http.StatusNotImplemented, "not_supported", "rule reload is not configured", false)
		return
	}

	rules, err := s.ruleLoader()
	if err != nil {
		s.logger.Error("rule reload failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "reload_failed", err.Error(), false)
		return
	}

	s.engine.Reload(rules)
	s.logger.Info("rules reloaded", zap.Int("count", len(rules)))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"rules":  len(rules),
	})
}

// contentString flattens a content value for analysis. Strings pass through;
// structured values are analyzed in their JSON-encoded form.
func contentString(v interface{}) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(raw)
	}
}

// toRoutingRequest converts the wire request to the internal form, assigning
// an id and timestamp when the caller supplied none.
func toRoutingRequest(req *v1.RouteRequest) *models.RoutingRequest {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	taskType := models.TaskType(req.TaskType)
	if taskType == "" {
		taskType = models.TaskTypeChat
	}

	items := make([]models.ContentItem, 0, len(req.Content))
	for _, item := range req.Content {
		items = append(items, models.ContentItem{
			Type:     models.ContentType(item.Type),
			Content:  contentString(item.Content),
			Metadata: item.Metadata,
		})
	}

	out := &models.RoutingRequest{
		ID:              id,
		Timestamp:       time.Now().UTC(),
		TaskType:        taskType,
		Content:         items,
		ModelPreference: req.ModelPreference,
		ForceModel:      req.ForceModel,
		Parameters:      req.Parameters,
	}
	if req.Context != nil {
		out.Context = models.RequestContext{
			UserTier:              models.UserTier(req.Context.UserTier),
			RequireLocalInference: req.Context.RequireLocalInference,
			RequireStream:         req.Context.RequireStream,
			RequireGPU:            req.Context.RequireGPU,
			Tags:                  req.Context.Tags,
		}
	}
	return out
}

// buildProcessRequest converts the free-form process payload into a routing
// request plus the payload forwarded to the provider. String content is split
// into typed items; a structured list is taken as-is.
func (s *Server) buildProcessRequest(req v1.ProcessRequest) (*models.RoutingRequest, map[string]interface{}, error) {
	id, _ := req["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	taskType := models.TaskTypeChat
	if tt, ok := req["task_type"].(string); ok && tt != "" {
		taskType = models.TaskType(tt)
	}

	var items []models.ContentItem
	switch content := req["content"].(type) {
	case string:
		items = s.analyzer.ExtractItems(content)
	case []interface{}:
		for _, raw := range content {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				return nil, nil, errors.New("content items must be objects")
			}
			item := models.ContentItem{Type: models.ContentTypeText}
			if t, ok := entry["type"].(string); ok {
				item.Type = models.ContentType(t)
			}
			item.Content = contentString(entry["content"])
			if m, ok := entry["metadata"].(map[string]interface{}); ok {
				item.Metadata = m
			}
			items = append(items, item)
		}
	case nil:
		return nil, nil, errors.New("content is required")
	default:
		return nil, nil, errors.New("content must be a string or a list of items")
	}
	if len(items) == 0 {
		return nil, nil, errors.New("content must not be empty")
	}

	routingReq := &models.RoutingRequest{
		ID:        id,
		Timestamp: time.Now().UTC(),
		TaskType:  taskType,
		Content:   items,
	}
	if pref, ok := req["model"].(string); ok {
		routingReq.ModelPreference = pref
	}
	if force, ok := req["force_model"].(string); ok {
		routingReq.ForceModel = force
	}
	if params, ok := req["parameters"].(map[string]interface{}); ok {
		routingReq.Parameters = params
	}
	if rawCtx, ok := req["context"].(map[string]interface{}); ok {
		if tier, ok := rawCtx["user_tier"].(string); ok {
			routingReq.Context.UserTier = models.UserTier(tier)
		}
		if local, ok := rawCtx["require_local_inference"].(bool); ok {
			routingReq.Context.RequireLocalInference = local
		}
		if stream, ok := rawCtx["require_stream"].(bool); ok {
			routingReq.Context.RequireStream = stream
		}
		if gpu, ok := rawCtx["require_gpu"].(bool); ok {
			routingReq.Context.RequireGPU = gpu
		}
		if tags, ok := rawCtx["tags"].([]interface{}); ok {
			for _, tag := range tags {
				if t, ok := tag.(string); ok {
					routingReq.Context.Tags = append(routingReq.Context.Tags, t)
				}
			}
		}
	}

	// The provider payload mirrors the caller's request minus routing-only
	// directives.
	payload := make(map[string]interface{}, len(req))
	for k, v := range req {
		switch k {
		case "model", "force_model":
		default:
			payload[k] = v
		}
	}
	payload["task_type"] = string(taskType)
	return routingReq, payload, nil
}

// routeError maps routing failures to HTTP responses.
func (s *Server) routeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNoModelAvailable):
		s.writeError(w, r, http.StatusServiceUnavailable, "no_model_available", "no model available for request", true)
	case errors.Is(err, models.ErrRegistryUnavailable):
		s.writeError(w, r, http.StatusServiceUnavailable, "registry_unavailable", "model registry is unavailable", true)
	case errors.Is(err, registry.ErrModelNotFound):
		s.writeError(w, r, http.StatusNotFound, "model_not_found", err.Error(), false)
	default:
		s.logger.Error("routing failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "routing failed", false)
	}
}

// dispatchError maps dispatch failures to HTTP responses.
func (s *Server) dispatchError(w http.ResponseWriter, r *http.Request, decision models.RoutingDecision, err error) {
	var dispatchErr *models.DispatchError
	switch {
	case errors.As(err, &dispatchErr) && dispatchErr.StatusCode == http.StatusUnauthorized:
		// Credential errors surface as-is even when the cascade is
		// exhausted; retrying cannot help.
		s.writeError(w, r, http.StatusUnauthorized, "missing_credentials", dispatchErr.Error(), false)
	case errors.Is(err, models.ErrServiceUnavailable):
		s.logger.Warn("dispatch exhausted all candidates",
			zap.String("request_id", decision.RequestID),
			zap.String("model", decision.SelectedModel),
			zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, "service_unavailable",
			"all candidate models failed", true)
	case errors.As(err, &dispatchErr):
		s.writeError(w, r, dispatchErr.StatusCode, "dispatch_failed", dispatchErr.Error(), dispatchErr.Retryable)
	default:
		s.logger.Error("dispatch failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "dispatch failed", false)
	}
}

// writeJSON encodes v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError writes the structured error shape.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, errType, message string, retryable bool) {
	s.writeJSON(w, statusCode, v1.ErrorResponse{
		Error: v1.ErrorDetails{
			Type:       errType,
			Message:    message,
			StatusCode: statusCode,
			Retryable:  retryable,
		},
		RequestID: middleware.GetReqID(r.Context()),
	})
}
