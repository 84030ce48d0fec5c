package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// Default max_tokens when the caller does not set one; the messages
// endpoint requires it.
const anthropicDefaultMaxTokens = 1024

// AnthropicAdapter dispatches claude* models through the messages endpoint.
type AnthropicAdapter struct {
	baseURL string
	apiKey  string
	doer    httpDoer
	logger  *zap.Logger
}

// NewAnthropicAdapter creates the adapter for claude-family models.
func NewAnthropicAdapter(config Config, logger *zap.Logger) *AnthropicAdapter {
	baseURL := config.AnthropicBaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicAdapter{
		baseURL: baseURL,
		apiKey:  config.AnthropicAPIKey,
		doer: httpDoer{
			client:     &http.Client{Timeout: config.RequestTimeout},
			maxRetries: config.MaxRetries,
			retryDelay: config.RetryDelay,
		},
		logger: logger,
	}
}

func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Generate(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error) {
	modelID := decision.SelectedModel
	if a.apiKey == "" {
		return nil, models.NewMissingCredentialsError(ProviderAnthropic, modelID, decision.RequestID)
	}

	body := map[string]interface{}{
		"model":      modelID,
		"max_tokens": anthropicDefaultMaxTokens,
		"messages": []map[string]interface{}{
			{"role": "user", "content": extractPrompt(payload)},
		},
	}
	if params := payloadParameters(payload); params != nil {
		if t, ok := params["temperature"]; ok {
			body["temperature"] = t
		}
		if m, ok := params["max_tokens"]; ok {
			body["max_tokens"] = m
		}
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
	url := a.baseURL + "/v1/messages"
	a.logger.Debug("dispatching to anthropic", zap.String("model_id", modelID))

	status, raw, err := a.doer.postJSON(ctx, url, headers, body)
	if err != nil {
		return nil, transportError(ProviderAnthropic, modelID, decision.RequestID, err)
	}
	if status != http.StatusOK {
		return nil, httpError(ProviderAnthropic, modelID, decision.RequestID, status, raw)
	}

	var result anthropicResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, transportError(ProviderAnthropic, modelID, decision.RequestID, err)
	}

	content := ""
	if len(result.Content) > 0 {
		content = result.Content[0].Text
	}
	finish := result.StopReason
	if finish == "" {
		finish = "stop"
	}
	usage := models.Usage{
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
		TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
	}
	return normalized(modelID, ProviderAnthropic, content, finish, usage), nil
}
