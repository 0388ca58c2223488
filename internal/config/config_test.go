package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, "memory", cfg.Dispatcher.Ledger)
	assert.Equal(t, "memory", cfg.Inbox.Driver)
	assert.Equal(t, 4, cfg.Inbox.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 24*time.Hour, cfg.Session.ArchiveTTL)
	assert.Equal(t, 4, cfg.Dispatcher.MaxParallel)
	assert.InDelta(t, 0.3, cfg.Matcher.Threshold, 1e-9)
	assert.True(t, cfg.Templates.Builtin)
	assert.True(t, cfg.Drivers.Tasks.Enabled)
	assert.Equal(t, "sqlite", cfg.Drivers.Tasks.Driver)
	assert.Equal(t, filepath.Join(cfg.Runtime.DataDir, "tasks.db"), cfg.Drivers.Tasks.DSN)
	assert.False(t, cfg.Drivers.Email.Enabled)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.Runtime.DataDir)
}

func TestLoadYAMLResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  data_dir: state
log:
  level: debug
  audit:
    enabled: true
templates:
  files: [extra.yaml]
matcher:
  threshold: 0.4
  ad_hoc: false
session:
  store: sql
  idle_ttl: 10m
dispatcher:
  max_parallel: 2
  default_timeout: 5s
drivers:
  policy:
    denied: [db_exec]
  email:
    enabled: true
    from: bot@example.com
    smtp:
      host: smtp.example.com
      port: 2525
  llm:
    provider: Anthropic
alerting:
  email:
    enabled: true
    to: [ops@example.com]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, "state", "audit.log"), cfg.Log.Audit.Path)
	assert.Equal(t, []string{filepath.Join(dir, "extra.yaml")}, cfg.Templates.Files)
	assert.InDelta(t, 0.4, cfg.Matcher.Threshold, 1e-9)
	assert.False(t, cfg.Matcher.AdHoc)
	assert.Equal(t, "sql", cfg.Session.Store)
	assert.Equal(t, "sqlite", cfg.Session.SQL.Driver)
	assert.Equal(t, filepath.Join(dir, "state", "sessions.db"), cfg.Session.SQL.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 2, cfg.Dispatcher.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.DefaultTimeout)
	assert.Equal(t, []string{"db_exec"}, cfg.Drivers.Policy.Denied)
	assert.Equal(t, "smtp.example.com", cfg.Drivers.Email.SMTP.Host)
	assert.Equal(t, 2525, cfg.Drivers.Email.SMTP.Port)
	assert.Equal(t, "anthropic", cfg.Drivers.LLM.Provider)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Alerting.Email.To)

	lc := cfg.Log.Logger()
	assert.True(t, lc.Audit.Enabled)
	assert.Equal(t, cfg.Log.Audit.Path, lc.Audit.Path)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("FLOWPILOT_SESSION_STORE", "redis")
	t.Setenv("FLOWPILOT_REDIS_ADDRESS", "127.0.0.1:6379")
	t.Setenv("FLOWPILOT_INBOX_WORKERS", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Address)
	assert.Equal(t, 9, cfg.Inbox.Workers)
}

func TestValidateRejectsIncompleteCombinations(t *testing.T) {
	cases := map[string]string{
		"redis store without address": "session:\n  store: redis\n",
		"unknown ledger":              "dispatcher:\n  ledger: etcd\n",
		"rabbitmq without url":        "inbox:\n  driver: rabbitmq\n",
		"unknown llm provider":        "drivers:\n  llm:\n    provider: bard\n",
		"email alerts without driver": "alerting:\n  email:\n    enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "flowpilot.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
