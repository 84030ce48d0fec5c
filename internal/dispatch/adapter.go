package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/semantrix/modelrouter/internal/models"
	"github.com/sethvargo/go-retry"
)

// Provider family names.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGeneric   = "generic"
)

// Adapter shapes requests and responses for one provider family. Generate
// issues the provider call for the decision's selected model and returns the
// normalized response map ({content, usage{...}} plus provider fields).
type Adapter interface {
	Name() string
	Generate(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error)
}

// ResolveProvider maps a model id to its provider family by prefix.
// Anything unmatched defaults to local inference.
func ResolveProvider(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case hasAnyPrefix(id, "llama", "codellama", "wizard", "mistral", "phi", "tinyllama", "llava"):
		return ProviderOllama
	case hasAnyPrefix(id, "gpt", "text-embedding", "dall-e"):
		return ProviderOpenAI
	case strings.HasPrefix(id, "claude"):
		return ProviderAnthropic
	default:
		return ProviderOllama
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// extractPrompt normalizes prompt extraction from a payload: a flat
// "content" or "prompt" string, or the last message of a structured
// conversation.
func extractPrompt(payload map[string]interface{}) string {
	if s, ok := payload["content"].(string); ok {
		return s
	}
	if s, ok := payload["prompt"].(string); ok {
		return s
	}
	if msgs, ok := payload["messages"].([]interface{}); ok && len(msgs) > 0 {
		if last, ok := msgs[len(msgs)-1].(map[string]interface{}); ok {
			if s, ok := last["content"].(string); ok {
				return s
			}
		}
	}
	return ""
}

// payloadParameters returns the request's parameter map, if any.
func payloadParameters(payload map[string]interface{}) map[string]interface{} {
	if p, ok := payload["parameters"].(map[string]interface{}); ok {
		return p
	}
	return nil
}

// httpDoer issues one JSON POST with bounded retries. Transport errors are
// retryable; HTTP error statuses are not, they feed the fallback cascade
// instead.
type httpDoer struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

func (d httpDoer) postJSON(ctx context.Context, url string, headers map[string]string, body interface{}) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	var status int
	var respBody []byte
	backoff := retry.WithMaxRetries(uint64(d.maxRetries), retry.NewConstant(d.delay()))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		return err
	})
	return status, respBody, err
}

// delay guards against a zero-valued config; retry.NewConstant rejects
// non-positive intervals.
func (d httpDoer) delay() time.Duration {
	if d.retryDelay > 0 {
		return d.retryDelay
	}
	return time.Second
}

// normalized builds the common response shape shared by all adapters.
func normalized(modelID, provider, content, finishReason string, usage models.Usage) map[string]interface{} {
	return map[string]interface{}{
		"model":         modelID,
		"provider":      provider,
		"content":       content,
		"response":      content,
		"finish_reason": finishReason,
		"usage":         usage,
	}
}

// responseUsage reads the usage block out of a response map, either the typed
// form written by adapters or the map form left by JSON decoding.
func responseUsage(resp map[string]interface{}) (models.Usage, bool) {
	switch u := resp["usage"].(type) {
	case models.Usage:
		return u, true
	case map[string]interface{}:
		return models.Usage{
			PromptTokens:     intField(u, "prompt_tokens"),
			CompletionTokens: intField(u, "completion_tokens"),
			TotalTokens:      intField(u, "total_tokens"),
		}, true
	}
	return models.Usage{}, false
}

func intField(m map[string]interface{}, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func httpError(provider, modelID, requestID string, status int, body []byte) *models.DispatchError {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return &models.DispatchError{
		StatusCode: status,
		Provider:   provider,
		ModelID:    modelID,
		RequestID:  requestID,
		Retryable:  status >= 500,
		Err:        fmt.Errorf("HTTP %d: %s", status, detail),
	}
}

func transportError(provider, modelID, requestID string, err error) *models.DispatchError {
	return &models.DispatchError{
		StatusCode: 503,
		Provider:   provider,
		ModelID:    modelID,
		RequestID:  requestID,
		Retryable:  true,
		Err:        err,
	}
}
