// Package config loads the engine's runtime configuration from a JSON
// file with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/skald-rpg/engine/internal/domain"
)

// Config holds the engine's runtime configuration. Environment variables
// override values from the config file.
type Config struct {
	DBPath     string `json:"db_path" env:"SKALD_DB_PATH"`
	ModulePath string `json:"module_path" env:"SKALD_MODULE_PATH"`
	ListenAddr string `json:"listen_addr" env:"SKALD_LISTEN_ADDR"`

	DefaultAgent string `json:"default_agent" env:"SKALD_DEFAULT_AGENT"`
	MaxRounds    int    `json:"max_rounds" env:"SKALD_MAX_ROUNDS"`
	MaxToolCalls int    `json:"max_tool_calls" env:"SKALD_MAX_TOOL_CALLS"`

	// Context assembly tunables. Recap length and retrieval top-K are
	// deliberately configuration, not constants.
	RecapLimit         int `json:"recap_limit" env:"SKALD_RECAP_LIMIT"`
	EventWindow        int `json:"event_window" env:"SKALD_EVENT_WINDOW"`
	RetrievalTopK      int `json:"retrieval_top_k" env:"SKALD_RETRIEVAL_TOP_K"`
	ContextTokenBudget int `json:"context_token_budget" env:"SKALD_CONTEXT_TOKEN_BUDGET"`

	AdvisoryTimeoutMS int `json:"advisory_timeout_ms" env:"SKALD_ADVISORY_TIMEOUT_MS"`
	DecisionTimeoutMS int `json:"decision_timeout_ms" env:"SKALD_DECISION_TIMEOUT_MS"`
	PendingTTLMin     int `json:"pending_ttl_min" env:"SKALD_PENDING_TTL_MIN"`

	OpenAIAPIKey  string `json:"-" env:"SKALD_OPENAI_API_KEY"`
	OpenAIBaseURL string `json:"-" env:"SKALD_OPENAI_BASE_URL"`
	Model         string `json:"model" env:"SKALD_MODEL"`

	LogLevel string `json:"log_level" env:"SKALD_LOG_LEVEL"`
}

// Load reads a JSON config file, applies env overrides and defaults,
// and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9677"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "exploration"
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = 4
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = 6
	}
	if c.RecapLimit == 0 {
		c.RecapLimit = 12
	}
	if c.EventWindow == 0 {
		c.EventWindow = 20
	}
	if c.RetrievalTopK == 0 {
		c.RetrievalTopK = 6
	}
	if c.ContextTokenBudget == 0 {
		c.ContextTokenBudget = 2048
	}
	if c.AdvisoryTimeoutMS == 0 {
		c.AdvisoryTimeoutMS = 1500
	}
	if c.DecisionTimeoutMS == 0 {
		c.DecisionTimeoutMS = 30000
	}
	if c.PendingTTLMin == 0 {
		c.PendingTTLMin = 240
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.ModulePath == "" {
		problems = append(problems, "module_path is required")
	}
	if c.MaxRounds < 1 {
		problems = append(problems, "max_rounds must be positive")
	}
	if c.MaxToolCalls < 1 {
		problems = append(problems, "max_tool_calls must be positive")
	}
	if c.ContextTokenBudget < 256 {
		problems = append(problems, "context_token_budget must be at least 256")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
