package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}, cfg.LLM.Priority)
	assert.Equal(t, 15, cfg.LLM.CooldownMinutes)
	assert.Equal(t, "https://oldschool.runescape.wiki", cfg.Wiki.BaseURL)
	assert.Equal(t, 3773, cfg.WOM.GroupID)
	assert.Equal(t, "file", cfg.Cache.Backend)
	assert.Equal(t, 3, cfg.Agentic.MaxIterations)
	assert.Equal(t, 1900, cfg.Query.MaxLength)
	assert.Equal(t, 2000, cfg.Query.CitationBudget)
	assert.Equal(t, []string{"!askyomi", "!yomi", "!ask"}, cfg.Discord.Prefixes)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
llm:
  openAIAPIKey: sk-test
  priority: [local, flash]
  models:
    - name: local
      provider: openai
      model: qwen2.5
      baseURL: http://localhost:1234/v1
    - name: flash
      provider: gemini
      model: gemini-2.5-flash
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("YOMIBOT_LLM_GEMINIAPIKEY", "g-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.LLM.Models, 2)
	assert.Equal(t, "sk-test", cfg.LLM.Models[0].APIKey)
	assert.Equal(t, "http://localhost:1234/v1", cfg.LLM.Models[0].BaseURL)
	assert.Equal(t, "g-key", cfg.LLM.Models[1].APIKey)
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	cfg := &Config{
		LLM:     LLMConfig{Priority: []string{"missing"}},
		Cache:   CacheConfig{Backend: "file"},
		Agentic: AgenticConfig{MaxIterations: 1},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsLengthOverBudget(t *testing.T) {
	cfg := &Config{
		LLM:     LLMConfig{Priority: []string{"m"}, Models: []ModelConfig{{Name: "m", Provider: "openai"}}},
		Cache:   CacheConfig{Backend: "file"},
		Query:   QueryConfig{MaxLength: 2100, CitationBudget: 2000},
		Agentic: AgenticConfig{MaxIterations: 1},
	}
	assert.ErrorContains(t, cfg.Validate(), "query.maxLength")
}
