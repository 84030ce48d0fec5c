package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

var errNoBaseURL = errors.New("provider base URL not configured")
var errNoEndpoint = errors.New("no endpoint URL in routing decision")

// GenericAdapter posts the payload as-is to the endpoint named by the
// routing decision. It is the escape hatch for models whose provider family
// is unknown to the prefix heuristic but whose registry record carries an
// endpoint.
type GenericAdapter struct {
	doer   httpDoer
	logger *zap.Logger
}

// NewGenericAdapter creates the arbitrary-endpoint adapter.
func NewGenericAdapter(config Config, logger *zap.Logger) *GenericAdapter {
	return &GenericAdapter{
		doer: httpDoer{
			client:     &http.Client{Timeout: config.RequestTimeout},
			maxRetries: config.MaxRetries,
			retryDelay: config.RetryDelay,
		},
		logger: logger,
	}
}

func (a *GenericAdapter) Name() string { return ProviderGeneric }

func (a *GenericAdapter) Generate(ctx context.Context, decision models.RoutingDecision, payload map[string]interface{}) (map[string]interface{}, error) {
	modelID := decision.SelectedModel
	if decision.EndpointURL == "" {
		return nil, &models.DispatchError{
			StatusCode: 404,
			Provider:   ProviderGeneric,
			ModelID:    modelID,
			RequestID:  decision.RequestID,
			Err:        errNoEndpoint,
		}
	}

	headers := map[string]string{
		"X-Request-ID":     decision.RequestID,
		"X-Selected-Model": modelID,
	}
	a.logger.Debug("dispatching to generic endpoint",
		zap.String("model_id", modelID),
		zap.String("endpoint", decision.EndpointURL))

	status, raw, err := a.doer.postJSON(ctx, decision.EndpointURL, headers, payload)
	if err != nil {
		return nil, transportError(ProviderGeneric, modelID, decision.RequestID, err)
	}
	if status != http.StatusOK {
		return nil, httpError(ProviderGeneric, modelID, decision.RequestID, status, raw)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transportError(ProviderGeneric, modelID, decision.RequestID, err)
	}

	// Generic backends keep their own response shape; usage is estimated
	// from the response text only when the backend reports none.
	if s, ok := resp["response"].(string); ok {
		if _, has := responseUsage(resp); !has {
			resp["usage"] = models.Usage{CompletionTokens: estimateTokens(s), TotalTokens: estimateTokens(s)}
		}
	}
	return resp, nil
}
