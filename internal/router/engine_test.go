package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/semantrix/modelrouter/internal/analyzer"
	"github.com/semantrix/modelrouter/internal/models"
	"github.com/semantrix/modelrouter/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// catalog is the model inventory served by the test registry.
type catalog struct {
	records []models.ModelRecord
	caps    map[string]models.CapabilityRecord
}

func defaultCatalog() catalog {
	textChat := models.CapabilityRecord{
		TaskTypes:    []models.TaskType{models.TaskTypeChat, models.TaskTypeCodeGeneration},
		ContentTypes: []models.ContentType{models.ContentTypeText},
	}
	return catalog{
		records: []models.ModelRecord{
			{ID: "gpt-4o", Provider: "openai", Active: true, AuthRequired: true},
			{ID: "gpt-4", Provider: "openai", Active: true, AuthRequired: true},
			{ID: "gpt-3.5-turbo", Provider: "openai", Active: true, AuthRequired: true},
			{ID: "llama3-70b", Provider: "ollama", Active: true, EndpointURL: "http://localhost:11434"},
		},
		caps: map[string]models.CapabilityRecord{
			"gpt-4o": {
				TaskTypes:    []models.TaskType{models.TaskTypeChat},
				ContentTypes: []models.ContentType{models.ContentTypeText, models.ContentTypeImage},
				Pricing:      &models.Pricing{Input: 0.005, Output: 0.015},
			},
			"gpt-4":         textChat,
			"gpt-3.5-turbo": textChat,
			"llama3-70b":    textChat,
		},
	}
}

func (c catalog) without(ids ...string) catalog {
	out := catalog{caps: c.caps}
	for _, rec := range c.records {
		drop := false
		for _, id := range ids {
			if rec.ID == id {
				drop = true
			}
		}
		if !drop {
			out.records = append(out.records, rec)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cat catalog, config Config) (*Engine, func()) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cat.records)
	})
	mux.HandleFunc("/api/v1/models/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/models/")
		id = strings.TrimSuffix(id, "/capabilities")
		json.NewEncoder(w).Encode(cat.caps[id])
	})
	srv := httptest.NewServer(mux)

	reg := registry.NewClient(registry.Config{
		BaseURL:  srv.URL,
		Timeout:  5 * time.Second,
		CacheTTL: time.Minute,
	}, zap.NewNop())

	rules := BuildRules(config.SelectionRules, config.FallbackModels)
	engine := NewEngine(config, rules, reg, analyzer.New(zap.NewNop()), zap.NewNop())
	return engine, srv.Close
}

func testConfig() Config {
	return Config{
		DefaultModel: "gpt-3.5-turbo",
		FallbackModels: map[string][]string{
			"gpt-4o": {"gpt-4", "gpt-3.5-turbo"},
			"gpt-4":  {"gpt-3.5-turbo"},
		},
		SelectionRules: map[string]RuleSpec{
			"premium_tier": {
				Model:    "gpt-4o",
				Priority: 10,
				Conditions: models.RuleCondition{
					UserTiers: []models.UserTier{models.UserTierPremium, models.UserTierEnterprise},
				},
			},
			"image_processing": {
				Model:    "gpt-4o",
				Priority: 20,
				Conditions: models.RuleCondition{
					ContentTypes: []models.ContentType{models.ContentTypeImage},
					ContentCount: &models.Range{Min: intp(1)},
				},
			},
			"code_generation": {
				Model:    "gpt-4",
				Priority: 35,
				Conditions: models.RuleCondition{
					TaskTypes: []models.TaskType{models.TaskTypeCodeGeneration, models.TaskTypeCodeExplanation},
				},
			},
			"local_inference": {
				Model:    "llama3-70b",
				Priority: 40,
				Conditions: models.RuleCondition{
					RequireLocalInference: boolp(true),
				},
			},
		},
	}
}

func intp(n int) *int { return &n }

func boolp(b bool) *bool { return &b }

func chatRequest(id string) *models.RoutingRequest {
	return &models.RoutingRequest{
		ID:       id,
		TaskType: models.TaskTypeChat,
		Content: []models.ContentItem{
			{Type: models.ContentTypeText, Content: "hello"},
		},
	}
}

func imageRequest(id string) *models.RoutingRequest {
	return &models.RoutingRequest{
		ID:       id,
		TaskType: models.TaskTypeChat,
		Content: []models.ContentItem{
			{Type: models.ContentTypeText, Content: "what is in this picture?"},
			{Type: models.ContentTypeImage, Content: "data:image/png;base64,AAAA"},
		},
	}
}

func TestEngine_Route(t *testing.T) {
	ctx := context.Background()

	t.Run("image request routes to the vision model", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
		defer cleanup()

		decision, err := engine.Route(ctx, imageRequest("vision-a"))
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", decision.SelectedModel)
		assert.Equal(t, "matched rule: image_processing", decision.RoutingReason)
		assert.Equal(t, 0.8, decision.Confidence)
		assert.Equal(t, []string{"gpt-4", "gpt-3.5-turbo"}, decision.FallbackModels)
	})

	t.Run("unavailable rule target walks the rule fallbacks", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog().without("gpt-4o"), testConfig())
		defer cleanup()

		decision, err := engine.Route(ctx, imageRequest("vision-b"))
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", decision.SelectedModel)
		assert.Equal(t, "fallback for rule: image_processing", decision.RoutingReason)
		assert.Equal(t, 0.5, decision.Confidence)
		assert.Empty(t, decision.FallbackModels)
	})

	t.Run("exhausted rule chain falls back to the default model", func(t *testing.T) {
		// The matched rule's target and every rule fallback are gone; the
		// scan moves past the rule and the default model serves at the
		// lowest confidence.
		config := testConfig()
		config.FallbackModels = map[string][]string{"gpt-4o": {"gpt-4"}}
		engine, cleanup := newTestEngine(t, defaultCatalog().without("gpt-4o", "gpt-4"), config)
		defer cleanup()

		decision, err := engine.Route(ctx, imageRequest("vision-c"))
		require.NoError(t, err)
		assert.Equal(t, "gpt-3.5-turbo", decision.SelectedModel)
		assert.Equal(t, "default model (no rules matched)", decision.RoutingReason)
		assert.Equal(t, 0.3, decision.Confidence)
	})

	t.Run("exhausted rule chain with no default fails", func(t *testing.T) {
		config := testConfig()
		config.FallbackModels = map[string][]string{"gpt-4o": {"gpt-4"}}
		engine, cleanup := newTestEngine(t, defaultCatalog().without("gpt-4o", "gpt-4", "gpt-3.5-turbo"), config)
		defer cleanup()

		_, err := engine.Route(ctx, imageRequest("vision-d"))
		assert.ErrorIs(t, err, models.ErrNoModelAvailable)
	})

	t.Run("force model short-circuits everything", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
		defer cleanup()

		req := imageRequest("forced")
		req.ForceModel = "gpt-3.5-turbo"
		decision, err := engine.Route(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "gpt-3.5-turbo", decision.SelectedModel)
		assert.Equal(t, "force_model specified", decision.RoutingReason)
		assert.Equal(t, 1.0, decision.Confidence)
	})

	t.Run("unavailable forced model falls through to rules", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
		defer cleanup()

		req := imageRequest("forced-missing")
		req.ForceModel = "no-such-model"
		decision, err := engine.Route(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", decision.SelectedModel)
		assert.Equal(t, "matched rule: image_processing", decision.RoutingReason)
	})

	t.Run("preference beats rules when available", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
		defer cleanup()

		req := imageRequest("preferred")
		req.ModelPreference = "gpt-4"
		decision, err := engine.Route(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", decision.SelectedModel)
		assert.Equal(t, "model_preference specified and available", decision.RoutingReason)
		assert.Equal(t, 0.9, decision.Confidence)
	})

	t.Run("higher priority rule wins", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
		defer cleanup()

		// Premium user asking for code: code_generation (35) outranks
		// premium_tier (10).
		req := chatRequest("priority")
		req.TaskType = models.TaskTypeCodeGeneration
		req.Context.UserTier = models.UserTierPremium
		decision, err := engine.Route(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", decision.SelectedModel)
		assert.Equal(t, "matched rule: code_generation", decision.RoutingReason)
	})

	t.Run("no rules matched uses the default model", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), Config{DefaultModel: "gpt-3.5-turbo"})
		defer cleanup()

		decision, err := engine.Route(ctx, chatRequest("plain"))
		require.NoError(t, err)
		assert.Equal(t, "gpt-3.5-turbo", decision.SelectedModel)
		assert.Equal(t, "default model (no rules matched)", decision.RoutingReason)
		assert.Equal(t, 0.3, decision.Confidence)
	})

	t.Run("nothing available fails", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, catalog{caps: map[string]models.CapabilityRecord{}}, Config{DefaultModel: "gpt-3.5-turbo"})
		defer cleanup()

		_, err := engine.Route(ctx, chatRequest("doomed"))
		assert.ErrorIs(t, err, models.ErrNoModelAvailable)
	})

	t.Run("local inference requirement", func(t *testing.T) {
		engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
		defer cleanup()

		req := chatRequest("local")
		req.Context.RequireLocalInference = true
		decision, err := engine.Route(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "llama3-70b", decision.SelectedModel)
		assert.Equal(t, "http://localhost:11434", decision.EndpointURL)
		assert.False(t, decision.AuthRequired)
	})
}

func TestEngine_Decision(t *testing.T) {
	ctx := context.Background()
	engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
	defer cleanup()

	decision, err := engine.Route(ctx, imageRequest("fields"))
	require.NoError(t, err)

	assert.Equal(t, "fields", decision.RequestID)
	assert.Equal(t, "openai", decision.ProviderInfo["provider"])
	assert.True(t, decision.AuthRequired)
	assert.False(t, decision.Timestamp.IsZero())
	// gpt-4o has no endpoint URL of its own.
	assert.Equal(t, "/api/v1/models/gpt-4o/generate", decision.EndpointURL)

	t.Run("cost estimate from pricing", func(t *testing.T) {
		req := chatRequest("cost")
		req.ForceModel = "gpt-4o"
		req.Content[0].Content = strings.Repeat("a", 4000) // 1000 tokens in, 333 out
		decision, err := engine.Route(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, decision.EstimatedCost)
		expected := 1000.0/1000*0.005 + 333.0/1000*0.015
		assert.InDelta(t, expected, *decision.EstimatedCost, 1e-9)
	})

	t.Run("no pricing means no estimate", func(t *testing.T) {
		decision, err := engine.Route(ctx, chatRequest("free"))
		require.NoError(t, err)
		assert.Nil(t, decision.EstimatedCost)
	})
}

func TestEngine_Reload(t *testing.T) {
	engine, cleanup := newTestEngine(t, defaultCatalog(), testConfig())
	defer cleanup()

	require.Len(t, engine.Rules(), 4)

	engine.Reload([]models.SelectionRule{
		{ID: "only", Model: "gpt-4", Priority: 5, Active: true},
	})
	rules := engine.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "only", rules[0].ID)

	decision, err := engine.Route(context.Background(), chatRequest("reloaded"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", decision.SelectedModel)
	assert.Equal(t, "matched rule: only", decision.RoutingReason)
}

func TestConditionMatches(t *testing.T) {
	analysis := models.ContentAnalysis{
		TokenCount:    9000,
		ContentTypes:  []models.ContentType{models.ContentTypeText},
		DocumentPages: 0,
	}
	req := chatRequest("cond")

	t.Run("empty condition matches everything", func(t *testing.T) {
		assert.True(t, conditionMatches(models.RuleCondition{}, req, analysis))
	})

	t.Run("token range bounds are inclusive", func(t *testing.T) {
		cond := models.RuleCondition{TokenCount: &models.Range{Min: intp(9000)}}
		assert.True(t, conditionMatches(cond, req, analysis))

		cond.TokenCount.Min = intp(9001)
		assert.False(t, conditionMatches(cond, req, analysis))

		cond = models.RuleCondition{TokenCount: &models.Range{Max: intp(9000)}}
		assert.True(t, conditionMatches(cond, req, analysis))

		cond.TokenCount.Max = intp(8999)
		assert.False(t, conditionMatches(cond, req, analysis))
	})

	t.Run("content type mismatch", func(t *testing.T) {
		cond := models.RuleCondition{ContentTypes: []models.ContentType{models.ContentTypeImage}}
		assert.False(t, conditionMatches(cond, req, analysis))
	})

	t.Run("conjunctive across dimensions", func(t *testing.T) {
		cond := models.RuleCondition{
			ContentTypes: []models.ContentType{models.ContentTypeText},
			TaskTypes:    []models.TaskType{models.TaskTypeChat},
			TokenCount:   &models.Range{Min: intp(8000)},
		}
		assert.True(t, conditionMatches(cond, req, analysis))

		cond.TaskTypes = []models.TaskType{models.TaskTypeEmbedding}
		assert.False(t, conditionMatches(cond, req, analysis))
	})

	t.Run("boolean requirement must equal", func(t *testing.T) {
		cond := models.RuleCondition{RequireGPU: boolp(true)}
		assert.False(t, conditionMatches(cond, req, analysis))

		withGPU := chatRequest("gpu")
		withGPU.Context.RequireGPU = true
		assert.True(t, conditionMatches(cond, withGPU, analysis))
	})

	t.Run("tags overlap", func(t *testing.T) {
		cond := models.RuleCondition{Tags: []string{"batch", "internal"}}
		assert.False(t, conditionMatches(cond, req, analysis))

		tagged := chatRequest("tagged")
		tagged.Context.Tags = []string{"internal"}
		assert.True(t, conditionMatches(cond, tagged, analysis))
	})
}

func TestBuildRules(t *testing.T) {
	specs := map[string]RuleSpec{
		"low_priority":  {Model: "a", Priority: 1},
		"high_priority": {Model: "b", Priority: 50},
		"mid_priority":  {Model: "c", Priority: 10},
	}
	rules := BuildRules(specs, map[string][]string{"b": {"a"}})

	require.Len(t, rules, 3)
	assert.Equal(t, "high_priority", rules[0].ID)
	assert.Equal(t, "mid_priority", rules[1].ID)
	assert.Equal(t, "low_priority", rules[2].ID)

	assert.Equal(t, "High Priority", rules[0].Name)
	assert.Equal(t, []string{"a"}, rules[0].FallbackModels)
	assert.True(t, rules[0].Active)
}
