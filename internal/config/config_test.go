package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultMaxPollAttempts, cfg.Orchestrator.MaxPollAttempts)
	assert.Equal(t, time.Second, cfg.Orchestrator.PollInterval.Duration)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Dedupe.TTL.Duration)
	assert.Equal(t, "@every 15m", cfg.Tenants.Refresh)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[log]
level = "debug"
format = "json"

[orchestrator]
poll_interval = "250ms"
max_poll_attempts = 4

[email]
provider = "mailgun"
default_recipient = "ops@example.com"
bcc = ["audit@example.com"]

[email.mailgun]
domain = "mg.example.com"
api_key = "key"
region = "eu"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.PollInterval.Duration)
	assert.Equal(t, 4, cfg.Orchestrator.MaxPollAttempts)
	assert.Equal(t, "mailgun", cfg.Email.Provider)
	assert.Equal(t, []string{"audit@example.com"}, cfg.Email.Bcc)
	assert.Equal(t, "eu", cfg.Email.Mailgun.Region)
	// untouched sections keep defaults
	assert.Equal(t, DefaultPGHost, cfg.Postgres.Host)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[tenants]
source = "file"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDurationRejectsGarbage(t *testing.T) {
	t.Parallel()

	var d Duration
	assert.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte("15m")))
	assert.Equal(t, 15*time.Minute, d.Duration)
}

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	t.Parallel()

	cfg := PostgresConfig{Host: "db", Port: 5432, User: "app", Password: "p@ss/word", Database: "concierge"}
	assert.Equal(t, "postgres://app:p%40ss%2Fword@db:5432/concierge?sslmode=disable", cfg.DSN())
}
