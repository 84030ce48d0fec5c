// Package v1 defines the wire types of the routing API.
package v1

import (
	"time"
)

// RouteRequest is the payload of POST /v1/route: a structured routing
// request whose content items are already typed.
type RouteRequest struct {
	ID              string                 `json:"id,omitempty"`
	TaskType        string                 `json:"task_type,omitempty"`
	Content         []ContentItem          `json:"content"`
	ModelPreference string                 `json:"model_preference,omitempty"`
	ForceModel      string                 `json:"force_model,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Context         *RequestContext        `json:"context,omitempty"`
}

// ContentItem is one typed piece of request payload. Content is usually a
// string but may be any structured value; non-string content is analyzed in
// its JSON-encoded form.
type ContentItem struct {
	Type     string                 `json:"type"`
	Content  interface{}            `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RequestContext carries caller constraints.
type RequestContext struct {
	UserTier              string   `json:"user_tier,omitempty"`
	RequireLocalInference bool     `json:"require_local_inference,omitempty"`
	RequireStream         bool     `json:"require_stream,omitempty"`
	RequireGPU            bool     `json:"require_gpu,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
}

// RouteResponse is the routing decision returned by POST /v1/route.
type RouteResponse struct {
	RequestID      string                 `json:"request_id"`
	SelectedModel  string                 `json:"selected_model"`
	FallbackModels []string               `json:"fallback_models"`
	RoutingReason  string                 `json:"routing_reason"`
	Confidence     float64                `json:"selection_confidence"`
	EndpointURL    string                 `json:"endpoint_url,omitempty"`
	AuthRequired   bool                   `json:"auth_required"`
	ProviderInfo   map[string]interface{} `json:"additional_parameters,omitempty"`
	EstimatedCost  *float64               `json:"estimated_cost,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// ProcessRequest is the payload of POST /v1/process. Content may be a raw
// string (split into typed items server-side) or a structured item list, so
// it stays a free-form map; recognized keys are id, task_type, content,
// model, force_model, parameters, context, and headers.
type ProcessRequest map[string]interface{}

// ErrorResponse is the structured error shape returned by all endpoints.
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	RequestID string       `json:"request_id,omitempty"`
}

// ErrorDetails provides detailed error information.
type ErrorDetails struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Retryable  bool   `json:"retryable"`
}

// HealthResponse reports service and registry health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Registry  string    `json:"registry"`
	Rules     int       `json:"rules"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ModelInfo describes one model known to the registry.
type ModelInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Provider     string `json:"provider"`
	ModelType    string `json:"model_type,omitempty"`
	Active       bool   `json:"active"`
	EndpointURL  string `json:"endpoint_url,omitempty"`
	AuthRequired bool   `json:"auth_required"`
}

// ModelResponse is one model together with its capability record.
type ModelResponse struct {
	Model        ModelInfo   `json:"model"`
	Capabilities interface{} `json:"capabilities"`
}

// ModelsResponse lists the registry's models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
	Total  int         `json:"total"`
}
