package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv(EnvConfigPath, path)
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	useTempConfig(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "hybrid", cfg.AgentMode)
	assert.Equal(t, 0.05, cfg.Memory.DecayRate)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := useTempConfig(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	useTempConfig(t)
	cfg := Default()
	cfg.LLM.Model = "qwen-32b"
	cfg.UseAgent = true
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "qwen-32b", loaded.LLM.Model)
	assert.True(t, loaded.UseAgent)
}

func TestEnvOverridesFile(t *testing.T) {
	useTempConfig(t)
	cfg := Default()
	cfg.LLM.URL = "http://file:1234/v1"
	require.NoError(t, Save(cfg))

	t.Setenv(EnvLMURL, "http://env:5678/v1")
	t.Setenv(EnvUseAgent, "true")
	t.Setenv(EnvDecayRate, "0.1")
	t.Setenv(EnvBatchThresh, "3")

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://env:5678/v1", loaded.LLM.URL)
	assert.True(t, loaded.UseAgent)
	assert.Equal(t, 0.1, loaded.Memory.DecayRate)
	assert.Equal(t, 3, loaded.Memory.BatchThreshold)
}

func TestGetDottedKey(t *testing.T) {
	cfg := Default()
	v, err := Get(cfg, "llm.model")
	require.NoError(t, err)
	assert.Equal(t, "local-model", v)

	v, err = Get(cfg, "memory.batch_threshold")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	_, err = Get(cfg, "llm.nope")
	require.Error(t, err)
}

func TestSetDottedKeyCoercesTypes(t *testing.T) {
	cfg := Default()

	out, err := Set(cfg, "llm.model", "llama-8b")
	require.NoError(t, err)
	assert.Equal(t, "llama-8b", out.LLM.Model)

	out, err = Set(cfg, "use_agent", "true")
	require.NoError(t, err)
	assert.True(t, out.UseAgent)

	out, err = Set(cfg, "memory.decay_rate", "0.08")
	require.NoError(t, err)
	assert.Equal(t, 0.08, out.Memory.DecayRate)

	_, err = Set(cfg, "no.such.key", "x")
	require.Error(t, err)
}

func TestEnvReportMasksSecrets(t *testing.T) {
	t.Setenv(EnvTracerSecret, "sk-secret")
	t.Setenv(EnvLMModel, "local-model")
	report := EnvReport()

	var sawSecret, sawModel bool
	for _, line := range report {
		if line == EnvTracerSecret+"=(set, hidden)" {
			sawSecret = true
		}
		if line == EnvLMModel+"=local-model" {
			sawModel = true
		}
	}
	assert.True(t, sawSecret)
	assert.True(t, sawModel)
}
