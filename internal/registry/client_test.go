package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/semantrix/modelrouter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRegistry serves a fixed model catalog and counts list fetches.
type fakeRegistry struct {
	mu         sync.Mutex
	models     []models.ModelRecord
	caps       map[string]models.CapabilityRecord
	listCalls  int32
	usageCalls int32
	failing    bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		models: []models.ModelRecord{
			{ID: "gpt-4o", Provider: "openai", Active: true, AuthRequired: true},
			{ID: "gpt-3.5-turbo", Provider: "openai", Active: true, AuthRequired: true},
			{ID: "llama3-8b", Provider: "ollama", Active: true, EndpointURL: "http://localhost:11434"},
			{ID: "retired-model", Provider: "openai", Active: false},
		},
		caps: map[string]models.CapabilityRecord{
			"gpt-4o": {
				TaskTypes:    []models.TaskType{models.TaskTypeChat, models.TaskTypeCodeGeneration},
				ContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeImage},
				Flags:        map[string]interface{}{"supports_vision": true},
			},
			"gpt-3.5-turbo": {
				TaskTypes:    []models.TaskType{models.TaskTypeChat},
				ContentTypes: []models.ContentType{models.ContentTypeText},
			},
			"llama3-8b": {
				TaskTypes:    []models.TaskType{models.TaskTypeChat},
				ContentTypes: []models.ContentType{models.ContentTypeText},
				Flags:        map[string]interface{}{"local_inference": true},
			},
			"retired-model": {},
		},
	}
}

func (f *fakeRegistry) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *fakeRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failing := f.failing
		f.mu.Unlock()
		if failing {
			http.Error(w, "registry down", http.StatusInternalServerError)
			return
		}
		atomic.AddInt32(&f.listCalls, 1)
		json.NewEncoder(w).Encode(f.models)
	})
	mux.HandleFunc("/api/v1/models/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/models/")
		switch {
		case strings.HasSuffix(rest, "/capabilities"):
			id := strings.TrimSuffix(rest, "/capabilities")
			json.NewEncoder(w).Encode(f.caps[id])
		case strings.HasSuffix(rest, "/usage"):
			atomic.AddInt32(&f.usageCalls, 1)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func newTestClient(t *testing.T, baseURL string, ttl time.Duration) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		CacheTTL:   ttl,
		MaxRetries: 0,
	}, zap.NewNop())
}

func TestClient_GetModel(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Minute)
	ctx := context.Background()

	t.Run("known model", func(t *testing.T) {
		m, err := client.GetModel(ctx, "gpt-4o")
		require.NoError(t, err)
		assert.Equal(t, "openai", m.Provider)
		assert.True(t, m.Active)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := client.GetModel(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrModelNotFound)
	})

	t.Run("cache serves repeated lookups", func(t *testing.T) {
		before := atomic.LoadInt32(&fake.listCalls)
		for i := 0; i < 10; i++ {
			_, err := client.GetModel(ctx, "gpt-4o")
			require.NoError(t, err)
		}
		assert.Equal(t, before, atomic.LoadInt32(&fake.listCalls))
	})
}

func TestClient_CacheExpiry(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, 50*time.Millisecond)
	ctx := context.Background()

	_, err := client.GetModel(ctx, "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&fake.listCalls))

	time.Sleep(80 * time.Millisecond)

	_, err = client.GetModel(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.listCalls))
}

func TestClient_StaleServe(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, 50*time.Millisecond)
	ctx := context.Background()

	_, err := client.GetModel(ctx, "gpt-4o")
	require.NoError(t, err)

	// Expire the snapshot and take the registry down: lookups keep working
	// off the stale snapshot.
	fake.setFailing(true)
	time.Sleep(80 * time.Millisecond)

	m, err := client.GetModel(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", m.ID)
	assert.True(t, client.Healthy())
}

func TestClient_NoSnapshotFails(t *testing.T) {
	fake := newFakeRegistry()
	fake.setFailing(true)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Minute)

	_, err := client.GetModel(context.Background(), "gpt-4o")
	assert.ErrorIs(t, err, models.ErrRegistryUnavailable)
	assert.False(t, client.Healthy())
}

func TestClient_ConcurrentRefreshIsShared(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.RefreshCache(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// All concurrent callers shared at most a couple of fetches rather
	// than issuing twenty.
	assert.LessOrEqual(t, atomic.LoadInt32(&fake.listCalls), int32(3))
}

func TestClient_Filters(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Minute)
	ctx := context.Background()

	t.Run("by task", func(t *testing.T) {
		out, err := client.ListByTask(ctx, models.TaskTypeCodeGeneration)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "gpt-4o", out[0].ID)
	})

	t.Run("by content type", func(t *testing.T) {
		out, err := client.ListByContentType(ctx, models.ContentTypeImage)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "gpt-4o", out[0].ID)
	})

	t.Run("by capability flag", func(t *testing.T) {
		out, err := client.ListByCapability(ctx, "local_inference", true)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "llama3-8b", out[0].ID)
	})

	t.Run("list all", func(t *testing.T) {
		out, err := client.ListModels(ctx)
		require.NoError(t, err)
		assert.Len(t, out, 4)
	})
}

func TestClient_Validate(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Minute)
	ctx := context.Background()

	t.Run("active model validates", func(t *testing.T) {
		m, caps, ok := client.Validate(ctx, "gpt-4o")
		require.True(t, ok)
		assert.Equal(t, "gpt-4o", m.ID)
		assert.True(t, caps.SupportsTask(models.TaskTypeChat))
	})

	t.Run("inactive model does not", func(t *testing.T) {
		_, _, ok := client.Validate(ctx, "retired-model")
		assert.False(t, ok)
	})

	t.Run("unknown model does not", func(t *testing.T) {
		_, _, ok := client.Validate(ctx, "nonexistent")
		assert.False(t, ok)
	})
}

func TestClient_LogModelUsage(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, time.Minute)

	client.LogModelUsage(context.Background(), models.RoutingMetric{
		RequestID: "req-1",
		ModelID:   "gpt-4o",
		Success:   true,
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.usageCalls))

	t.Run("failure does not panic", func(t *testing.T) {
		down := newTestClient(t, "http://127.0.0.1:1", time.Minute)
		down.LogModelUsage(context.Background(), models.RoutingMetric{ModelID: "gpt-4o"})
	})
}

func TestClient_RetryOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]models.ModelRecord{})
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		CacheTTL:   time.Minute,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())

	require.NoError(t, client.RefreshCache(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	t.Run("4xx is not retried", func(t *testing.T) {
		var notFoundCalls int32
		srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&notFoundCalls, 1)
			http.Error(w, "nope", http.StatusNotFound)
		}))
		defer srv2.Close()

		client2 := NewClient(Config{
			BaseURL:    srv2.URL,
			Timeout:    5 * time.Second,
			CacheTTL:   time.Minute,
			MaxRetries: 3,
			RetryDelay: time.Millisecond,
		}, zap.NewNop())

		err := client2.RefreshCache(context.Background())
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&notFoundCalls))
	})
}
