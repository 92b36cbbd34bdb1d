package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

storage:
  driver: postgres
  dsn: "postgres://verifier@localhost/verifier?sslmode=disable"

redis:
  enabled: true
  url: "redis://localhost:6379/1"

verifier:
  thread_num: 8
  ping_freq: 5
  restart_after: 300000
  timeout: 20000
  smtp_port: 2525
  enable_starttls: true
  mx_domain: mx.example.com
  em_domain: example.com

antigreylist:
  initial_delay_mins: 10
  max_delay_mins: 120
  max_attempts: 6

dns:
  servers: ["8.8.8.8", "1.1.1.1:5353"]
  timeout_seconds: 4

webhook:
  timeout_seconds: 30
  max_attempts: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.True(t, cfg.Redis.Enabled)

	assert.Equal(t, 8, cfg.Verifier.ThreadNum)
	assert.Equal(t, 5*time.Second, cfg.Verifier.PingFreq())
	assert.Equal(t, 5*time.Minute, cfg.Verifier.RestartAfter())
	assert.Equal(t, 20*time.Second, cfg.Verifier.Timeout())
	assert.Equal(t, 2525, cfg.Verifier.SMTPPort)
	assert.True(t, cfg.Verifier.EnableSTARTTLS)
	assert.Equal(t, "mx.example.com", cfg.Verifier.MXDomain)

	assert.Equal(t, 10*time.Minute, cfg.AntiGreylist.InitialDelay())
	assert.Equal(t, 2*time.Hour, cfg.AntiGreylist.MaxDelay())
	assert.Equal(t, 6, cfg.AntiGreylist.MaxAttempts)

	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1:5353"}, cfg.DNS.Servers)
	assert.Equal(t, 4*time.Second, cfg.DNS.Timeout())

	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "file:verifier.db", cfg.Storage.DSN)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 4, cfg.Verifier.ThreadNum)
	assert.Equal(t, 10*time.Second, cfg.Verifier.PingFreq())
	assert.Equal(t, 10*time.Minute, cfg.Verifier.RestartAfter())
	assert.Equal(t, 15*time.Second, cfg.Verifier.Timeout())
	assert.Equal(t, 25, cfg.Verifier.SMTPPort)
	assert.Equal(t, 8*time.Minute, cfg.AntiGreylist.InitialDelay())
	assert.Equal(t, 4*time.Hour, cfg.AntiGreylist.MaxDelay())
	assert.Equal(t, 10, cfg.AntiGreylist.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.DNS.Timeout())
	assert.Equal(t, 15*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
}

func TestServerUUIDRegenerated(t *testing.T) {
	path := writeConfig(t, `server: {port: 8081}`)

	first, err := Load(path)
	require.NoError(t, err)
	second, err := Load(path)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ServerUUID)
	assert.NotEqual(t, first.ServerUUID, second.ServerUUID)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
verifier:
  mx_domain: file.example.com
`)

	t.Setenv("MX_DOMAIN", "env.example.com")
	t.Setenv("THREAD_NUM", "16")
	t.Setenv("REDIS_URL", "redis://env-redis:6379/0")
	t.Setenv("SQLITE_PATH", "file:env.db")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.Verifier.MXDomain)
	assert.Equal(t, 16, cfg.Verifier.ThreadNum)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis://env-redis:6379/0", cfg.Redis.URL)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "file:env.db", cfg.Storage.DSN)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
