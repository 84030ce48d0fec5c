package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semantrix/modelrouter/internal/models"
	"github.com/semantrix/modelrouter/internal/router"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "gpt-3.5-turbo", config.Routing.DefaultModel)
	assert.Equal(t, []string{"gpt-4", "gpt-3.5-turbo"}, config.Routing.FallbackModels["gpt-4o"])

	rules := router.BuildRules(config.Routing.SelectionRules, config.Routing.FallbackModels)
	require.Len(t, rules, 7)

	byID := make(map[string]models.SelectionRule, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
	}
	assert.Equal(t, "gpt-4o", byID["code_generation"].Model)
	assert.Equal(t, "gpt-4o", byID["image_processing"].Model)
	assert.Equal(t, "claude-3-opus", byID["long_context"].Model)
	assert.Equal(t, "llama3-70b", byID["local_inference"].Model)
	assert.Equal(t, "gpt-3.5-turbo", byID["default"].Model)
}
