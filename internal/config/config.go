package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the verification engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Verifier     VerifierConfig     `yaml:"verifier"`
	AntiGreylist AntiGreylistConfig `yaml:"antigreylist"`
	DNS          DNSConfig          `yaml:"dns"`
	Webhook      WebhookConfig      `yaml:"webhook"`

	// ServerUUID identifies this process instance. It is regenerated at every
	// start so restarts are detectable downstream. Not read from yaml.
	ServerUUID string `yaml:"-"`
}

// ServerConfig holds HTTP ingress configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection and env override.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StorageConfig holds the durable store configuration. The default driver is
// the embedded sqlite store (WAL journaling); postgres is supported for
// deployments that already run one.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// RedisConfig holds the optional redis connection used for cross-process
// rate limiting and the shared catch-all cache.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// VerifierConfig holds worker pool and SMTP probe settings.
type VerifierConfig struct {
	ThreadNum      int    `yaml:"thread_num"`    // worker pool size
	PingFreqSecs   int    `yaml:"ping_freq"`     // worker heartbeat period, seconds
	MXDomain       string `yaml:"mx_domain"`     // EHLO identity
	EMDomain       string `yaml:"em_domain"`     // MAIL FROM domain
	RestartAfterMS int    `yaml:"restart_after"` // worker recycle interval, ms
	TimeoutMS      int    `yaml:"timeout"`       // socket timeout base, ms
	SMTPPort       int    `yaml:"smtp_port"`
	EnableSTARTTLS bool   `yaml:"enable_starttls"`
}

// PingFreq returns the heartbeat period as a duration.
func (c VerifierConfig) PingFreq() time.Duration {
	return time.Duration(c.PingFreqSecs) * time.Second
}

// RestartAfter returns the worker recycle interval as a duration.
func (c VerifierConfig) RestartAfter() time.Duration {
	return time.Duration(c.RestartAfterMS) * time.Millisecond
}

// Timeout returns the socket timeout base as a duration.
func (c VerifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// AntiGreylistConfig holds the deferred-retry schedule for greylisted emails.
type AntiGreylistConfig struct {
	InitialDelayMins int `yaml:"initial_delay_mins"`
	MaxDelayMins     int `yaml:"max_delay_mins"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// InitialDelay returns the first retry delay as a duration.
func (c AntiGreylistConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMins) * time.Minute
}

// MaxDelay returns the backoff cap as a duration.
func (c AntiGreylistConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMins) * time.Minute
}

// DNSConfig holds MX resolution settings. When Servers is non-empty, lookups
// race directly against those upstreams instead of the system resolver.
type DNSConfig struct {
	Servers     []string `yaml:"servers"` // host:port upstreams
	TimeoutSecs int      `yaml:"timeout_seconds"`
}

// Timeout returns the MX lookup race timeout as a duration.
func (c DNSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// WebhookConfig holds result delivery settings.
type WebhookConfig struct {
	TimeoutSecs int `yaml:"timeout_seconds"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Timeout returns the per-POST timeout as a duration.
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	cfg.ServerUUID = uuid.New().String()
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "file:verifier.db"
	}
	if cfg.Verifier.ThreadNum == 0 {
		cfg.Verifier.ThreadNum = 4
	}
	if cfg.Verifier.PingFreqSecs == 0 {
		cfg.Verifier.PingFreqSecs = 10
	}
	if cfg.Verifier.RestartAfterMS == 0 {
		cfg.Verifier.RestartAfterMS = 10 * 60 * 1000
	}
	if cfg.Verifier.TimeoutMS == 0 {
		cfg.Verifier.TimeoutMS = 15000
	}
	if cfg.Verifier.SMTPPort == 0 {
		cfg.Verifier.SMTPPort = 25
	}
	if cfg.Verifier.MXDomain == "" {
		cfg.Verifier.MXDomain = "verify.localhost"
	}
	if cfg.Verifier.EMDomain == "" {
		cfg.Verifier.EMDomain = "verify.localhost"
	}
	if cfg.AntiGreylist.InitialDelayMins == 0 {
		cfg.AntiGreylist.InitialDelayMins = 8
	}
	if cfg.AntiGreylist.MaxDelayMins == 0 {
		cfg.AntiGreylist.MaxDelayMins = 4 * 60
	}
	if cfg.AntiGreylist.MaxAttempts == 0 {
		cfg.AntiGreylist.MaxAttempts = 10
	}
	if cfg.DNS.TimeoutSecs == 0 {
		cfg.DNS.TimeoutSecs = 10
	}
	if cfg.Webhook.TimeoutSecs == 0 {
		cfg.Webhook.TimeoutSecs = 15
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 5
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars on deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MX_DOMAIN"); v != "" {
		cfg.Verifier.MXDomain = v
	}
	if v := os.Getenv("EM_DOMAIN"); v != "" {
		cfg.Verifier.EMDomain = v
	}
	if v := os.Getenv("THREAD_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Verifier.ThreadNum = n
		}
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Verifier.SMTPPort = n
		}
	}

	return cfg, nil
}
