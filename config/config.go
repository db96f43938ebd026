// Package config loads coach configuration from a JSON file under
// $HOME/.gtd-coach merged with environment variables. Environment wins over
// file, file wins over defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Recognized environment variables.
const (
	EnvUseAgent      = "GTD_USE_AGENT"
	EnvAgentMode     = "GTD_AGENT_MODE"
	EnvConfigPath    = "GTD_CONFIG"
	EnvDisableTiming = "GTD_DISABLE_TIMING"
	EnvDisableMemory = "GTD_DISABLE_MEMORY"
	EnvLMURL         = "LM_URL"
	EnvLMModel       = "LM_MODEL"
	EnvTimingAPIKey  = "TIMING_API_KEY"
	EnvMemoryURI     = "MEMORY_URI"
	EnvMemoryUser    = "MEMORY_USER"
	EnvMemoryPass    = "MEMORY_PASSWORD"
	EnvTracerPublic  = "TRACER_PUBLIC_KEY"
	EnvTracerSecret  = "TRACER_SECRET_KEY"
	EnvTracerHost    = "TRACER_HOST"
	EnvDecayRate     = "DECAY_RATE"
	EnvBatchThresh   = "BATCH_THRESHOLD"
	EnvFactsCacheTTL = "USER_FACTS_CACHE_TTL"
)

type (
	// Config is the persisted coach configuration.
	Config struct {
		// UseAgent enables the agent runtime for the weekly workflow.
		UseAgent bool `json:"use_agent"`
		// AgentMode selects the daily execution mode: workflow, agent, or
		// hybrid.
		AgentMode string `json:"agent_mode"`
		// Accountability is the coaching tone: gentle, firm, or adaptive.
		Accountability string `json:"accountability"`
		// DisableTiming skips the time-tracking integration.
		DisableTiming bool `json:"disable_timing"`
		// DisableMemory skips the memory sink; episodes go to backup only.
		DisableMemory bool `json:"disable_memory"`

		LLM        LLM        `json:"llm"`
		Timing     Timing     `json:"timing"`
		Memory     Memory     `json:"memory"`
		Tracer     Tracer     `json:"tracer"`
		Checkpoint Checkpoint `json:"checkpoint"`
	}

	// LLM configures the chat-completion endpoint.
	LLM struct {
		URL         string  `json:"url"`
		Model       string  `json:"model"`
		TimeoutSec  int     `json:"timeout_seconds"`
		Temperature float64 `json:"temperature"`
	}

	// Timing configures the time-tracking integration.
	Timing struct {
		APIKey            string `json:"api_key"`
		MinSessionMinutes int    `json:"min_session_minutes"`
	}

	// Memory configures the episodic memory sink.
	Memory struct {
		URI            string  `json:"uri"`
		User           string  `json:"user"`
		Password       string  `json:"password"`
		DecayRate      float64 `json:"decay_rate"`
		BatchThreshold int     `json:"batch_threshold"`
		// FactsCacheTTLHours bounds the user-facts cache age.
		FactsCacheTTLHours int `json:"facts_cache_ttl_hours"`
	}

	// Tracer configures the observability backend.
	Tracer struct {
		PublicKey string `json:"public_key"`
		SecretKey string `json:"secret_key"`
		Host      string `json:"host"`
	}

	// Checkpoint selects the durable state backend.
	Checkpoint struct {
		// Backend is one of sqlite, redis, inmem.
		Backend string `json:"backend"`
		// DSN is the backend-specific target: a file path for sqlite, an
		// address for redis.
		DSN string `json:"dsn"`
	}
)

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		AgentMode:      "hybrid",
		Accountability: "adaptive",
		LLM: LLM{
			URL:         "http://localhost:1234/v1",
			Model:       "local-model",
			TimeoutSec:  30,
			Temperature: 0.7,
		},
		Timing: Timing{MinSessionMinutes: 5},
		Memory: Memory{
			DecayRate:          0.05,
			BatchThreshold:     5,
			FactsCacheTTLHours: 24,
		},
		Checkpoint: Checkpoint{
			Backend: "sqlite",
			DSN:     filepath.Join("data", "agent_state.db"),
		},
	}
}

// Dir returns the coach home directory, $HOME/.gtd-coach.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".gtd-coach")
}

// Path returns the config file location; GTD_CONFIG overrides the default.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.json")
}

// Load reads the config file when present, then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load() (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(Path())
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("config: read %s: %w", Path(), err)
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", Path(), err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Save writes the config file, creating the directory if needed.
func Save(cfg Config) error {
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := envBool(EnvUseAgent); ok {
		cfg.UseAgent = v
	}
	if v := os.Getenv(EnvAgentMode); v != "" {
		cfg.AgentMode = v
	}
	if v, ok := envBool(EnvDisableTiming); ok {
		cfg.DisableTiming = v
	}
	if v, ok := envBool(EnvDisableMemory); ok {
		cfg.DisableMemory = v
	}
	if v := os.Getenv(EnvLMURL); v != "" {
		cfg.LLM.URL = v
	}
	if v := os.Getenv(EnvLMModel); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv(EnvTimingAPIKey); v != "" {
		cfg.Timing.APIKey = v
	}
	if v := os.Getenv(EnvMemoryURI); v != "" {
		cfg.Memory.URI = v
	}
	if v := os.Getenv(EnvMemoryUser); v != "" {
		cfg.Memory.User = v
	}
	if v := os.Getenv(EnvMemoryPass); v != "" {
		cfg.Memory.Password = v
	}
	if v := os.Getenv(EnvTracerPublic); v != "" {
		cfg.Tracer.PublicKey = v
	}
	if v := os.Getenv(EnvTracerSecret); v != "" {
		cfg.Tracer.SecretKey = v
	}
	if v := os.Getenv(EnvTracerHost); v != "" {
		cfg.Tracer.Host = v
	}
	if v := os.Getenv(EnvDecayRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Memory.DecayRate = f
		}
	}
	if v := os.Getenv(EnvBatchThresh); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.BatchThreshold = n
		}
	}
	if v := os.Getenv(EnvFactsCacheTTL); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.FactsCacheTTLHours = n
		}
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Get resolves a dotted key ("llm.model") against the config.
func Get(cfg Config, key string) (any, error) {
	doc, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	cur := any(doc)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config: no such key %q", key)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("config: no such key %q", key)
		}
	}
	return cur, nil
}

// Set assigns a dotted key, coercing the string value to the field's JSON
// type, and returns the updated config.
func Set(cfg Config, key, value string) (Config, error) {
	doc, err := toMap(cfg)
	if err != nil {
		return cfg, err
	}
	parts := strings.Split(key, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("config: no such key %q", key)
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	existing, ok := cur[leaf]
	if !ok {
		return cfg, fmt.Errorf("config: no such key %q", key)
	}
	cur[leaf] = coerce(existing, value)

	raw, err := json.Marshal(doc)
	if err != nil {
		return cfg, fmt.Errorf("config: marshal: %w", err)
	}
	var out Config
	if err := json.Unmarshal(raw, &out); err != nil {
		return cfg, fmt.Errorf("config: set %q: %w", key, err)
	}
	return out, nil
}

// coerce converts the string value to the type of the existing field.
func coerce(existing any, value string) any {
	switch existing.(type) {
	case bool:
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	case float64:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return value
}

func toMap(cfg Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return doc, nil
}

// EnvReport lists the recognized environment variables and whether each is
// set, for the config env verb. Secret values are masked.
func EnvReport() []string {
	vars := []string{
		EnvUseAgent, EnvAgentMode, EnvConfigPath, EnvDisableTiming,
		EnvDisableMemory, EnvLMURL, EnvLMModel, EnvTimingAPIKey,
		EnvMemoryURI, EnvMemoryUser, EnvMemoryPass, EnvTracerPublic,
		EnvTracerSecret, EnvTracerHost, EnvDecayRate, EnvBatchThresh,
		EnvFactsCacheTTL,
	}
	secret := map[string]bool{
		EnvTimingAPIKey: true, EnvMemoryPass: true,
		EnvTracerSecret: true, EnvTracerPublic: true,
	}
	out := make([]string, 0, len(vars))
	for _, name := range vars {
		v, ok := os.LookupEnv(name)
		switch {
		case !ok:
			out = append(out, name+"=(unset)")
		case secret[name]:
			out = append(out, name+"=(set, hidden)")
		default:
			out = append(out, name+"="+v)
		}
	}
	return out
}
