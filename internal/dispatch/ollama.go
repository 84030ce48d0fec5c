package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

// OllamaAdapter dispatches to a local-inference Ollama host through its
// generate endpoint.
type OllamaAdapter struct {
	baseURL string
	doer    httpDoer
	logger  *zap.Logger
}

// NewOllamaAdapter creates the local-inference adapter.
func NewOllamaAdapter(config Config, logger *zap.Logger) *OllamaAdapter {
	return &OllamaAdapter{
		baseURL: config.OllamaURL,
		doer: httpDoer{
			client:     &http.Client{Timeout: config.RequestTimeout},
			maxRetries: config.MaxRetries,
			retryDelay: config.RetryDelay,
		},
		logger: logger,
	}
}

func (a *OllamaAdapter) Name() string { return ProviderOllama }

// ollamaResponse is the subset of the Ollama generate response we read.
type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (a *OllamaAdapter) Generate(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error) {
	modelID := decision.SelectedModel
	if a.baseURL == "" {
		return nil, &models.DispatchError{
			StatusCode: 503,
			Provider:   ProviderOllama,
			ModelID:    modelID,
			RequestID:  decision.RequestID,
			Err:        errNoBaseURL,
		}
	}

	body := map[string]interface{}{
		"model":  modelID,
		"prompt": extractPrompt(payload),
		"stream": false,
	}
	if params := payloadParameters(payload); params != nil {
		if t, ok := params["temperature"]; ok {
			body["temperature"] = t
		}
		if m, ok := params["max_tokens"]; ok {
			body["max_length"] = m
		}
	}

	url := a.baseURL + "/api/generate"
	a.logger.Debug("dispatching to ollama",
		zap.String("model_id", modelID), zap.String("url", url))

	status, raw, err := a.doer.postJSON(ctx, url, nil, body)
	if err != nil {
		return nil, transportError(ProviderOllama, modelID, decision.RequestID, err)
	}
	if status != http.StatusOK {
		return nil, httpError(ProviderOllama, modelID, decision.RequestID, status, raw)
	}

	var result ollamaResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, transportError(ProviderOllama, modelID, decision.RequestID, err)
	}

	usage := models.Usage{
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
		TotalTokens:      result.PromptEvalCount + result.EvalCount,
	}
	return normalized(modelID, ProviderOllama, result.Response, "stop", usage), nil
}
