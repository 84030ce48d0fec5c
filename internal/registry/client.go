package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/semantrix/modelrouter/internal/models"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrModelNotFound means the registry has no record for the requested id.
var ErrModelNotFound = errors.New("model not found in registry")

// Config holds configuration for the registry client.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// Observer receives cache hit/miss notifications. Implemented by the
// observability metrics; nil disables reporting.
type Observer interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// snapshot is one immutable view of the registry. Readers take the whole
// snapshot; refresh swaps in a new one rather than mutating in place.
type snapshot struct {
	models       map[string]models.ModelRecord
	capabilities map[string]models.CapabilityRecord
	fetchedAt    time.Time
}

// Client is a read-through cache over the external Model Registry service.
// The cache moves between three states: Fresh (inside the TTL window),
// Stale (past the TTL, servable with a warning when the registry is down),
// and Refreshing (one in-flight fetch that concurrent callers share).
type Client struct {
	config   Config
	client   *http.Client
	logger   *zap.Logger
	observer Observer

	snap atomic.Pointer[snapshot]

	mu       sync.Mutex
	inflight chan struct{} // non-nil while a refresh is running
	lastErr  error         // result of the most recent refresh
}

// NewClient creates a registry client. The cache starts empty; the first
// lookup triggers a refresh.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 60 * time.Second
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// SetObserver registers a cache observer. Must be called before first use.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// GetModel returns the cached record for a model id.
func (c *Client) GetModel(ctx context.Context, id string) (models.ModelRecord, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return models.ModelRecord{}, err
	}
	m, ok := snap.models[id]
	if !ok {
		return models.ModelRecord{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// GetCapabilities returns the cached capability record for a model id.
func (c *Client) GetCapabilities(ctx context.Context, id string) (models.CapabilityRecord, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return models.CapabilityRecord{}, err
	}
	caps, ok := snap.capabilities[id]
	if !ok {
		return models.CapabilityRecord{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return caps, nil
}

// ListByTask returns all models whose capabilities include the task type.
func (c *Client) ListByTask(ctx context.Context, task models.TaskType) ([]models.ModelRecord, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ModelRecord
	for id, caps := range snap.capabilities {
		if caps.SupportsTask(task) {
			if m, ok := snap.models[id]; ok {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// ListByContentType returns all models whose capabilities include the
// content type.
func (c *Client) ListByContentType(ctx context.Context, ct models.ContentType) ([]models.ModelRecord, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ModelRecord
	for id, caps := range snap.capabilities {
		if caps.SupportsContentType(ct) {
			if m, ok := snap.models[id]; ok {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// ListByCapability returns all models whose capability flags carry the given
// boolean flag with the given value.
func (c *Client) ListByCapability(ctx context.Context, flag string, value bool) ([]models.ModelRecord, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ModelRecord
	for id, caps := range snap.capabilities {
		if v, ok := caps.Flags[flag].(bool); ok && v == value {
			if m, ok := snap.models[id]; ok {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// ListModels returns every cached model record.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelRecord, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ModelRecord, 0, len(snap.models))
	for _, m := range snap.models {
		out = append(out, m)
	}
	return out, nil
}

// Validate reports whether a model exists and is active, returning its
// record and capabilities when it is. Lookup failures validate as false:
// availability checks must never abort a routing decision that can still
// fall through.
func (c *Client) Validate(ctx context.Context, id string) (models.ModelRecord, models.CapabilityRecord, bool) {
	m, err := c.GetModel(ctx, id)
	if err != nil {
		c.logger.Warn("failed to validate model",
			zap.String("model_id", id), zap.Error(err))
		return models.ModelRecord{}, models.CapabilityRecord{}, false
	}
	if !m.Active {
		c.logger.Info("model is not active", zap.String("model_id", id))
		return models.ModelRecord{}, models.CapabilityRecord{}, false
	}
	caps, err := c.GetCapabilities(ctx, id)
	if err != nil {
		c.logger.Warn("failed to fetch model capabilities",
			zap.String("model_id", id), zap.Error(err))
		return models.ModelRecord{}, models.CapabilityRecord{}, false
	}
	return m, caps, true
}

// Healthy reports whether the client holds a usable snapshot.
func (c *Client) Healthy() bool {
	return c.snap.Load() != nil
}

// current returns a snapshot, refreshing if the cache is past its TTL.
// On registry failure a stale snapshot is served with a logged warning; with
// no snapshot at all the call fails with ErrRegistryUnavailable.
func (c *Client) current(ctx context.Context) (*snapshot, error) {
	if snap := c.snap.Load(); snap != nil && time.Since(snap.fetchedAt) < c.config.CacheTTL {
		if c.observer != nil {
			c.observer.RecordCacheHit("registry")
		}
		return snap, nil
	}

	if c.observer != nil {
		c.observer.RecordCacheMiss("registry")
	}

	err := c.RefreshCache(ctx)
	snap := c.snap.Load()
	if snap == nil {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrRegistryUnavailable, err)
		}
		return nil, models.ErrRegistryUnavailable
	}
	if err != nil {
		c.logger.Warn("serving stale registry cache",
			zap.Time("fetched_at", snap.fetchedAt),
			zap.Error(err))
	}
	return snap, nil
}

// RefreshCache refreshes the cached snapshot. It is idempotent and safe to
// call concurrently: only one refresh executes at a time and concurrent
// callers observe the in-flight refresh's result instead of issuing
// duplicate registry calls.
func (c *Client) RefreshCache(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != nil {
		done := c.inflight
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			err := c.lastErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	err := c.fetchAll(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.lastErr = err
	close(done)
	c.mu.Unlock()
	return err
}

// fetchAll pulls the model list and per-model capabilities, then swaps in a
// new snapshot.
func (c *Client) fetchAll(ctx context.Context) error {
	var records []models.ModelRecord
	if err := c.getJSON(ctx, c.config.BaseURL+"/api/v1/models", &records); err != nil {
		return fmt.Errorf("fetch models: %w", err)
	}

	snap := &snapshot{
		models:       make(map[string]models.ModelRecord, len(records)),
		capabilities: make(map[string]models.CapabilityRecord, len(records)),
		fetchedAt:    time.Now(),
	}
	for _, m := range records {
		snap.models[m.ID] = m

		var caps models.CapabilityRecord
		url := fmt.Sprintf("%s/api/v1/models/%s/capabilities", c.config.BaseURL, m.ID)
		if err := c.getJSON(ctx, url, &caps); err != nil {
			return fmt.Errorf("fetch capabilities for %s: %w", m.ID, err)
		}
		snap.capabilities[m.ID] = caps
	}

	c.snap.Store(snap)
	c.logger.Info("refreshed model registry cache", zap.Int("models", len(snap.models)))
	return nil
}

// getJSON performs a GET with bounded retries and decodes the response.
// Transport errors and 5xx responses are retryable; anything else fails
// immediately.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	backoff := retry.WithMaxRetries(uint64(c.config.MaxRetries), retry.NewConstant(c.retryDelay()))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.RetryableError(fmt.Errorf("registry returned %d: %s", resp.StatusCode, body))
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("registry returned %d: %s", resp.StatusCode, body)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) retryDelay() time.Duration {
	if c.config.RetryDelay > 0 {
		return c.config.RetryDelay
	}
	return time.Second
}

// LogModelUsage posts a usage record to the registry. Emission is
// best-effort: failures are logged and never propagate to the caller.
func (c *Client) LogModelUsage(ctx context.Context, metric models.RoutingMetric) {
	body, err := json.Marshal(metric)
	if err != nil {
		c.logger.Error("failed to encode usage record", zap.Error(err))
		return
	}

	url := fmt.Sprintf("%s/api/v1/models/%s/usage", c.config.BaseURL, metric.ModelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("failed to build usage request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("failed to log model usage",
			zap.String("model_id", metric.ModelID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("registry rejected usage record",
			zap.String("model_id", metric.ModelID),
			zap.Int("status", resp.StatusCode))
	}
}
