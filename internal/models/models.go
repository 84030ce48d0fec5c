package models

import (
	"time"
)

// ContentType identifies the kind of payload carried by a ContentItem.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeCode     ContentType = "code"
	ContentTypeJSON     ContentType = "json"
	ContentTypeHTML     ContentType = "html"
	ContentTypeXML      ContentType = "xml"
	ContentTypeCSV      ContentType = "csv"
	ContentTypePDF      ContentType = "pdf"
	ContentTypeDocument ContentType = "document"
)

// TaskType identifies the kind of generation work a request asks for.
type TaskType string

const (
	TaskTypeChat            TaskType = "chat"
	TaskTypeCompletion      TaskType = "completion"
	TaskTypeEmbedding       TaskType = "embedding"
	TaskTypeCodeGeneration  TaskType = "code_generation"
	TaskTypeCodeExplanation TaskType = "code_explanation"
	TaskTypeSummarization   TaskType = "summarization"
	TaskTypeTranslation     TaskType = "translation"
)

// UserTier identifies the subscription tier of the requesting user.
type UserTier string

const (
	UserTierFree       UserTier = "free"
	UserTierStandard   UserTier = "standard"
	UserTierPremium    UserTier = "premium"
	UserTierEnterprise UserTier = "enterprise"
)

// ContentItem is one typed piece of payload within a RoutingRequest.
// Items are immutable once the request is constructed.
type ContentItem struct {
	Type     ContentType            `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RequestContext carries caller constraints that influence routing.
type RequestContext struct {
	UserTier              UserTier `json:"user_tier,omitempty"`
	RequireLocalInference bool     `json:"require_local_inference,omitempty"`
	RequireStream         bool     `json:"require_stream,omitempty"`
	RequireGPU            bool     `json:"require_gpu,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
}

// RoutingRequest is the unit of work submitted for model selection and
// dispatch. It is owned by the caller and never mutated by the router.
type RoutingRequest struct {
	ID              string                 `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	TaskType        TaskType               `json:"task_type"`
	Content         []ContentItem          `json:"content"`
	ModelPreference string                 `json:"model_preference,omitempty"`
	ForceModel      string                 `json:"force_model,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Context         RequestContext         `json:"context"`
}

// ContentAnalysis is the derived, per-request record produced by the
// analyzer. It is computed fresh for every request and never persisted.
type ContentAnalysis struct {
	TokenCount    int           `json:"token_count"`
	ContentTypes  []ContentType `json:"content_types"`
	Complexity    float64       `json:"complexity"`
	ImageCount    int           `json:"image_count"`
	CodeBlocks    int           `json:"code_blocks"`
	Tables        int           `json:"tables"`
	URLs          int           `json:"urls"`
	LargeContents int           `json:"large_contents"`
	DocumentPages int           `json:"document_pages"`
}

// HasContentType reports whether the analysis observed the given type.
func (a ContentAnalysis) HasContentType(ct ContentType) bool {
	for _, t := range a.ContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// Range is an inclusive numeric constraint. A nil bound is unconstrained.
type Range struct {
	Min *int `json:"min,omitempty" mapstructure:"min"`
	Max *int `json:"max,omitempty" mapstructure:"max"`
}

// Contains reports whether n satisfies the range. Bounds are inclusive.
func (r *Range) Contains(n int) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && n < *r.Min {
		return false
	}
	if r.Max != nil && n > *r.Max {
		return false
	}
	return true
}

// RuleCondition constrains when a SelectionRule applies. A dimension with no
// constraint always matches.
type RuleCondition struct {
	ContentTypes          []ContentType `json:"content_type,omitempty" mapstructure:"content_type"`
	TaskTypes             []TaskType    `json:"task_type,omitempty" mapstructure:"task_type"`
	UserTiers             []UserTier    `json:"user_tier,omitempty" mapstructure:"user_tier"`
	TokenCount            *Range        `json:"token_count,omitempty" mapstructure:"token_count"`
	ContentCount          *Range        `json:"content_count,omitempty" mapstructure:"content_count"`
	PageCount             *Range        `json:"page_count,omitempty" mapstructure:"page_count"`
	RequireLocalInference *bool         `json:"require_local_inference,omitempty" mapstructure:"require_local_inference"`
	RequireStream         *bool         `json:"require_stream,omitempty" mapstructure:"require_stream"`
	RequireGPU            *bool         `json:"require_gpu,omitempty" mapstructure:"require_gpu"`
	Tags                  []string      `json:"tags,omitempty" mapstructure:"tags"`
}

// SelectionRule is a prioritized, conditional mapping from request
// characteristics to a preferred model and its fallbacks. Rules are loaded
// once at startup and are read-only thereafter; reload replaces the whole
// set rather than mutating it in place.
type SelectionRule struct {
	ID             string        `json:"id" mapstructure:"id"`
	Name           string        `json:"name" mapstructure:"name"`
	Model          string        `json:"model" mapstructure:"model"`
	Priority       int           `json:"priority" mapstructure:"priority"`
	Conditions     RuleCondition `json:"conditions" mapstructure:"conditions"`
	FallbackModels []string      `json:"fallback_models,omitempty" mapstructure:"fallback_models"`
	Active         bool          `json:"active" mapstructure:"active"`
}

// RoutingDecision is the output of rule evaluation: the chosen model, its
// fallback chain, the rationale, and an informational confidence score.
type RoutingDecision struct {
	RequestID      string                 `json:"request_id"`
	SelectedModel  string                 `json:"selected_model"`
	FallbackModels []string               `json:"fallback_models"`
	RoutingReason  string                 `json:"routing_reason"`
	Confidence     float64                `json:"confidence"`
	EndpointURL    string                 `json:"endpoint_url,omitempty"`
	AuthRequired   bool                   `json:"auth_required"`
	ProviderInfo   map[string]interface{} `json:"provider_info,omitempty"`
	EstimatedCost  *float64               `json:"estimated_cost,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// RoutingMetric records the terminal outcome of one dispatched request.
// Exactly one is emitted per original RoutingRequest, reflecting the final
// (possibly fallback) model actually used.
type RoutingMetric struct {
	RequestID          string        `json:"request_id"`
	ModelID            string        `json:"model_id"`
	TaskType           TaskType      `json:"task_type"`
	ContentTokenCount  int           `json:"content_token_count"`
	ResponseTokenCount int           `json:"response_token_count"`
	Success            bool          `json:"success"`
	Latency            time.Duration `json:"latency"`
	Cost               *float64      `json:"cost,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
}

// Pricing is the per-1000-token price pair for a model.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// ModelRecord is the registry's description of a backend model.
type ModelRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Provider     string `json:"provider"`
	ModelType    string `json:"model_type,omitempty"`
	Version      string `json:"version,omitempty"`
	Active       bool   `json:"active"`
	EndpointURL  string `json:"endpoint_url,omitempty"`
	AuthRequired bool   `json:"auth_required"`
}

// CapabilityRecord is the registry's capability description for a model.
type CapabilityRecord struct {
	TaskTypes    []TaskType             `json:"task_types,omitempty"`
	ContentTypes []ContentType          `json:"content_types,omitempty"`
	Pricing      *Pricing               `json:"pricing,omitempty"`
	Flags        map[string]interface{} `json:"flags,omitempty"`
}

// SupportsTask reports whether the capability record lists the task type.
func (c CapabilityRecord) SupportsTask(t TaskType) bool {
	for _, tt := range c.TaskTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// SupportsContentType reports whether the capability record lists the type.
func (c CapabilityRecord) SupportsContentType(ct ContentType) bool {
	for _, t := range c.ContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// Usage represents normalized token usage statistics from a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
