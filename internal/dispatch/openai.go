package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

// OpenAIAdapter dispatches to the commercial chat/completion endpoint
// family (gpt*, text-embedding*, dall-e*).
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	doer    httpDoer
	logger  *zap.Logger
}

// NewOpenAIAdapter creates the commercial-chat adapter.
func NewOpenAIAdapter(config Config, logger *zap.Logger) *OpenAIAdapter {
	baseURL := config.OpenAIBaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIAdapter{
		baseURL: baseURL,
		apiKey:  config.OpenAIAPIKey,
		doer: httpDoer{
			client:     &http.Client{Timeout: config.RequestTimeout},
			maxRetries: config.MaxRetries,
			retryDelay: config.RetryDelay,
		},
		logger: logger,
	}
}

func (a *OpenAIAdapter) Name() string { return ProviderOpenAI }

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage models.Usage `json:"usage"`
}

func (a *OpenAIAdapter) Generate(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error) {
	modelID := decision.SelectedModel
	if a.apiKey == "" {
		return nil, models.NewMissingCredentialsError(ProviderOpenAI, modelID, decision.RequestID)
	}

	body := map[string]interface{}{
		"model": modelID,
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

	headers := map[string]string{"Authorization": "Bearer " + a.apiKey}
	url := a.baseURL + "/v1/chat/completions"
	a.logger.Debug("dispatching to openai", zap.String("model_id", modelID))

	status, raw, err := a.doer.postJSON(ctx, url, headers, body)
	if err != nil {
		return nil, transportError(ProviderOpenAI, modelID, decision.RequestID, err)
	}
	if status != http.StatusOK {
		return nil, httpError(ProviderOpenAI, modelID, decision.RequestID, status, raw)
	}

	var result openAIResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, transportError(ProviderOpenAI, modelID, decision.RequestID, err)
	}

	content := ""
	finish := "stop"
	if len(result.Choices) > 0 {
		content = result.Choices[0].Message.Content
		if result.Choices[0].FinishReason != "" {
			finish = result.Choices[0].FinishReason
		}
	}
	return normalized(modelID, ProviderOpenAI, content, finish, result.Usage), nil
}
