package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000"},
		"databases": {"sqlite3": {"dsn": "data/paperlens.db"}},
		"providers": {"openrouter": {"base_url": "https://openrouter.ai/api/v1", "model": "deepseek/deepseek-chat"}},
		"llm": {"provider": "openrouter"},
		"fetch": {"max_attempts": 5}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("OPENROUTER_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "sqlite3", cfg.BasicConfig.Database)
	assert.Equal(t, filepath.Join(dir, "data/paperlens.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, 5, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 30, cfg.Fetch.TimeoutSeconds)
	assert.Equal(t, "https://r.jina.ai", cfg.Fetch.ReaderURL)
	assert.Equal(t, 20, cfg.Stream.PollIntervalMS)
	assert.Nil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 1.0, cfg.LLM.SamplingTemperature(), 0.0001)

	prov, err := cfg.Provider()
	require.NoError(t, err)
	assert.Equal(t, "env-key", prov.APIKey)
	assert.Equal(t, "deepseek/deepseek-chat", prov.Model)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
basic_config:
  database: mysql
databases:
  mysql:
    host: 127.0.0.1
    port: 3306
    username: root
    db_name: paperlens
llm:
  provider: claude
  model: claude-sonnet
providers:
  claude:
    api_key: file-key
worker:
  max_workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.BasicConfig.Database)
	assert.Equal(t, 3306, cfg.Databases["mysql"].Port)
	assert.Equal(t, 4, cfg.Worker.MaxWorkers)
	assert.Equal(t, 2, cfg.Worker.MinWorkers)

	prov, err := cfg.Provider()
	require.NoError(t, err)
	assert.Equal(t, "file-key", prov.APIKey)
	assert.Equal(t, "claude-sonnet", prov.Model)
}

func TestLoadKeepsZeroTemperature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
databases:
  sqlite3:
    dsn: ":memory:"
llm:
  temperature: 0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.Zero(t, cfg.LLM.SamplingTemperature())
	assert.Equal(t, "openai", cfg.LLM.Provider)
}

func TestLoadRequiresDatabaseSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"basic_config": {"database": "mysql"}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestProviderMissing(t *testing.T) {
	cfg := Default()
	_, err := cfg.Provider()
	require.Error(t, err)
}
