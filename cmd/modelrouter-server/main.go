package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/semantrix/modelrouter/internal/models"
	"github.com/semantrix/modelrouter/internal/router"
	"github.com/semantrix/modelrouter/internal/server"
	"github.com/spf13/viper"
)

// Version information - this would be set during build
var (
	version   = "dev"
	commitSHA = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelrouter version %s\n", version)
		fmt.Printf("Commit: %s\n", commitSHA)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	server.Version = version
	srv, err := server.NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	// Rule reload re-reads the same config file so edits take effect
	// without a restart.
	srv.SetRuleLoader(func() ([]models.SelectionRule, error) {
		reloaded, err := loadConfig(*configFile)
		if err != nil {
			return nil, err
		}
		return router.BuildRules(reloaded.Routing.SelectionRules, reloaded.Routing.FallbackModels), nil
	})

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	srv.WaitForShutdown()
}

// loadConfig loads configuration from file and environment variables.
func loadConfig(configFile string) (*server.Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("MODELROUTER")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults
		fmt.Println("Config file not found, using defaults")
	}

	var config server.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults sets sensible default values for configuration.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Registry defaults
	v.SetDefault("registry.base_url", "http://localhost:8001")
	v.SetDefault("registry.timeout", 10*time.Second)
	v.SetDefault("registry.cache_ttl", 60*time.Second)
	v.SetDefault("registry.max_retries", 3)
	v.SetDefault("registry.retry_delay", 500*time.Millisecond)

	// Dispatch defaults
	v.SetDefault("dispatch.ollama_url", "http://localhost:11434")
	v.SetDefault("dispatch.openai_base_url", "https://api.openai.com")
	v.SetDefault("dispatch.openai_api_key", "")
	v.SetDefault("dispatch.anthropic_base_url", "https://api.anthropic.com")
	v.SetDefault("dispatch.anthropic_api_key", "")
	v.SetDefault("dispatch.request_timeout", 120*time.Second)
	v.SetDefault("dispatch.max_retries", 2)
	v.SetDefault("dispatch.retry_delay", 1*time.Second)
	v.SetDefault("dispatch.concurrency_per_model", 1)

	// Routing defaults
	v.SetDefault("routing.default_model", "gpt-3.5-turbo")
	v.SetDefault("routing.fallback_models", map[string][]string{
		"gpt-4o":        {"gpt-4", "gpt-3.5-turbo"},
		"gpt-4":         {"gpt-3.5-turbo"},
		"llama3-70b":    {"llama3-8b", "gpt-3.5-turbo"},
		"claude-3-opus": {"claude-3-sonnet", "gpt-3.5-turbo"},
	})
	v.SetDefault("routing.selection_rules", defaultSelectionRules())

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.development", false)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9090)
	v.SetDefault("observability.metrics.path", "/metrics")

	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "modelrouter")
	v.SetDefault("observability.tracing.environment", "development")
}

// defaultSelectionRules is the built-in rule set used when the config file
// defines none. Higher priority wins; the lowest-priority rule is an
// unconditional catch-all.
func defaultSelectionRules() map[string]interface{} {
	return map[string]interface{}{
		"default": map[string]interface{}{
			"model":       "gpt-3.5-turbo",
			"priority":    1,
			"description": "Default model for general requests",
			"conditions":  map[string]interface{}{},
		},
		"premium_tier": map[string]interface{}{
			"model":       "gpt-4o",
			"priority":    10,
			"description": "Premium model for premium and enterprise users",
			"conditions": map[string]interface{}{
				"user_tier": []string{"premium", "enterprise"},
			},
		},
		"image_processing": map[string]interface{}{
			"model":       "gpt-4o",
			"priority":    20,
			"description": "Vision model for requests containing images",
			"conditions": map[string]interface{}{
				"content_type":  []string{"image"},
				"content_count": map[string]interface{}{"min": 1},
			},
		},
		"document_processing": map[string]interface{}{
			"model":       "claude-3-opus",
			"priority":    25,
			"description": "Long-document model for large documents",
			"conditions": map[string]interface{}{
				"content_type": []string{"document"},
				"page_count":   map[string]interface{}{"min": 10},
			},
		},
		"long_context": map[string]interface{}{
			"model":       "claude-3-opus",
			"priority":    30,
			"description": "Large-context model for long text requests",
			"conditions": map[string]interface{}{
				"content_type": []string{"text"},
				"token_count":  map[string]interface{}{"min": 8000},
			},
		},
		"code_generation": map[string]interface{}{
			"model":       "gpt-4o",
			"priority":    35,
			"description": "Code-specialized model for code tasks",
			"conditions": map[string]interface{}{
				"task_type": []string{"code_generation", "code_explanation"},
			},
		},
		"local_inference": map[string]interface{}{
			"model":       "llama3-70b",
			"priority":    40,
			"description": "Local model when local inference is required",
			"conditions": map[string]interface{}{
				"require_local_inference": true,
			},
		},
	}
}
