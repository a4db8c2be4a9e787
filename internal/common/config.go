// -----------------------------------------------------------------------
// Configuration - TOML file loading with environment overrides
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the root configuration for the trawl service.
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	Crawler     CrawlerConfig     `toml:"crawler"`
	Limiter     LimiterConfig     `toml:"limiter"`
	Auth        AuthConfig        `toml:"auth"`
	Billing     BillingConfig     `toml:"billing"`
	Webhook     WebhookConfig     `toml:"webhook"`
	Search      SearchConfig      `toml:"search"`
	LLM         LLMConfig         `toml:"llm"`
	Render      RenderConfig      `toml:"render"`
	Blob        BlobConfig        `toml:"blob"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Logging     LoggingConfig     `toml:"logging"`
	Teams       []TeamConfig      `toml:"teams"`
}

// ServerConfig holds HTTP server settings. Rate limiting is per team;
// zero RPS disables it.
type ServerConfig struct {
	Port           int     `toml:"port"`
	Host           string  `toml:"host"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
}

// StorageConfig selects and configures the key/value backend.
type StorageConfig struct {
	// Type selects the backend: "badger" (embedded) or "redis" (shared fleet state).
	Type   string       `toml:"type"`
	Badger BadgerConfig `toml:"badger"`
	Redis  RedisConfig  `toml:"redis"`
}

// BadgerConfig holds settings for the embedded badger backend.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// RedisConfig holds settings for the shared redis backend.
type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// QueueConfig holds job queue settings. Durations are strings like "5s".
type QueueConfig struct {
	PollInterval       string `toml:"poll_interval"`
	Concurrency        int    `toml:"concurrency"`
	ReservationTimeout string `toml:"reservation_timeout"`
	MaxAttempts        int    `toml:"max_attempts"`
	RetryBackoff       string `toml:"retry_backoff"`
	MaxRetryBackoff    string `toml:"max_retry_backoff"`
}

// CrawlerConfig holds fetch and crawl behavior settings.
type CrawlerConfig struct {
	UserAgent       string   `toml:"user_agent"`
	RequestTimeout  string   `toml:"request_timeout"`
	RequestDelay    string   `toml:"request_delay"`
	MaxBodySizeMB   int      `toml:"max_body_size_mb"`
	MaxRedirects    int      `toml:"max_redirects"`
	DefaultLimit    int      `toml:"default_limit"`
	MaxLimit        int      `toml:"max_limit"`
	DefaultMaxDepth int      `toml:"default_max_depth"`
	RespectRobots   bool     `toml:"respect_robots"`
	RobotsAgents    []string `toml:"robots_agents"`
}

// LimiterConfig holds per-team concurrency settings.
type LimiterConfig struct {
	DefaultMaxConcurrency int    `toml:"default_max_concurrency"`
	LeaseMargin           string `toml:"lease_margin"`
	IdempotencyTTL        string `toml:"idempotency_ttl"`
}

// AuthConfig selects the request authentication mode.
type AuthConfig struct {
	// Mode: "none", "api_key" or "jwt".
	Mode      string `toml:"mode"`
	JWTSecret string `toml:"jwt_secret"`
}

// BillingConfig holds credit accounting settings.
type BillingConfig struct {
	Enabled        bool `toml:"enabled"`
	DefaultCredits int  `toml:"default_credits"`
}

// WebhookConfig holds outbound webhook delivery settings.
type WebhookConfig struct {
	Timeout     string `toml:"timeout"`
	MaxAttempts int    `toml:"max_attempts"`
	Backoff     string `toml:"backoff"`
	QueueSize   int    `toml:"queue_size"`
}

// SearchConfig holds the external search provider settings.
type SearchConfig struct {
	URL        string `toml:"url"`
	Timeout    string `toml:"timeout"`
	MaxResults int    `toml:"max_results"`
}

// LLMConfig holds extraction provider settings.
type LLMConfig struct {
	// Provider: "anthropic", "gemini" or "" (extraction disabled).
	Provider  string          `toml:"provider"`
	Anthropic AnthropicConfig `toml:"anthropic"`
	Gemini    GeminiConfig    `toml:"gemini"`
}

// AnthropicConfig holds Claude API settings.
type AnthropicConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
	Timeout   string `toml:"timeout"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// RenderConfig holds the headless render service settings.
type RenderConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
}

// BlobConfig holds S3-compatible document archive settings.
type BlobConfig struct {
	Enabled   bool   `toml:"enabled"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool   `toml:"path_style"`
}

// MaintenanceConfig holds background sweep schedules (cron specs).
type MaintenanceConfig struct {
	LeaseSweepSchedule string `toml:"lease_sweep_schedule"`
	PurgeSchedule      string `toml:"purge_schedule"`
	Retention          string `toml:"retention"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// TeamConfig declares a team account for self-hosted deployments.
type TeamConfig struct {
	ID             string  `toml:"id"`
	Name           string  `toml:"name"`
	APIKey         string  `toml:"api_key"`
	Plan           string  `toml:"plan"`
	MaxConcurrency int     `toml:"max_concurrency"`
	PlanModifier   float64 `toml:"plan_modifier"`
	Credits        int     `toml:"credits"`
	WebhookSecret  string  `toml:"webhook_secret"`
}

// NewDefaultConfig returns a config with sensible defaults for local use.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:           3002,
			Host:           "0.0.0.0",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:           "./data/trawl",
				ResetOnStartup: false,
			},
			Redis: RedisConfig{
				Address: "localhost:6379",
			},
		},
		Queue: QueueConfig{
			PollInterval:       "500ms",
			Concurrency:        10,
			ReservationTimeout: "2m",
			MaxAttempts:        3,
			RetryBackoff:       "5s",
			MaxRetryBackoff:    "2m",
		},
		Crawler: CrawlerConfig{
			UserAgent:       "trawl/" + GetVersion(),
			RequestTimeout:  "30s",
			RequestDelay:    "0s",
			MaxBodySizeMB:   10,
			MaxRedirects:    10,
			DefaultLimit:    10000,
			MaxLimit:        100000,
			DefaultMaxDepth: 10,
			RespectRobots:   true,
			RobotsAgents:    []string{"trawl"},
		},
		Limiter: LimiterConfig{
			DefaultMaxConcurrency: 10,
			LeaseMargin:           "30s",
			IdempotencyTTL:        "24h",
		},
		Auth: AuthConfig{
			Mode: "api_key",
		},
		Billing: BillingConfig{
			Enabled:        false,
			DefaultCredits: -1,
		},
		Webhook: WebhookConfig{
			Timeout:     "10s",
			MaxAttempts: 3,
			Backoff:     "2s",
			QueueSize:   1024,
		},
		Search: SearchConfig{
			Timeout:    "15s",
			MaxResults: 20,
		},
		LLM: LLMConfig{
			Provider: "",
			Anthropic: AnthropicConfig{
				Model:     "claude-sonnet-4-5",
				MaxTokens: 4096,
				Timeout:   "60s",
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Render: RenderConfig{
			Timeout: "45s",
		},
		Blob: BlobConfig{
			Enabled: false,
			Region:  "us-east-1",
		},
		Maintenance: MaintenanceConfig{
			LeaseSweepSchedule: "@every 30s",
			PurgeSchedule:      "@every 1h",
			Retention:          "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"console", "file"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFiles loads configuration by merging TOML files over defaults.
// Later files override earlier ones. Missing files are skipped so a plain
// binary with no config still starts. Environment variables apply last,
// with a local .env file loaded first so it can supply them.
func LoadFromFiles(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies TRAWL_* environment variables over file values.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TRAWL_ENVIRONMENT"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("TRAWL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("TRAWL_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("TRAWL_STORAGE_TYPE"); v != "" {
		config.Storage.Type = v
	}
	if v := os.Getenv("TRAWL_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("TRAWL_BADGER_RESET"); v != "" {
		config.Storage.Badger.ResetOnStartup = v == "true" || v == "1"
	}
	if v := os.Getenv("TRAWL_REDIS_ADDRESS"); v != "" {
		config.Storage.Redis.Address = v
	}
	if v := os.Getenv("TRAWL_REDIS_PASSWORD"); v != "" {
		config.Storage.Redis.Password = v
	}
	if v := os.Getenv("TRAWL_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			config.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("TRAWL_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("TRAWL_QUEUE_POLL_INTERVAL"); v != "" {
		config.Queue.PollInterval = v
	}
	if v := os.Getenv("TRAWL_QUEUE_RESERVATION_TIMEOUT"); v != "" {
		config.Queue.ReservationTimeout = v
	}
	if v := os.Getenv("TRAWL_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRAWL_CRAWLER_USER_AGENT"); v != "" {
		config.Crawler.UserAgent = v
	}
	if v := os.Getenv("TRAWL_CRAWLER_REQUEST_TIMEOUT"); v != "" {
		config.Crawler.RequestTimeout = v
	}
	if v := os.Getenv("TRAWL_CRAWLER_RESPECT_ROBOTS"); v != "" {
		config.Crawler.RespectRobots = v == "true" || v == "1"
	}
	if v := os.Getenv("TRAWL_LIMITER_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Limiter.DefaultMaxConcurrency = n
		}
	}
	if v := os.Getenv("TRAWL_AUTH_MODE"); v != "" {
		config.Auth.Mode = v
	}
	if v := os.Getenv("TRAWL_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("TRAWL_BILLING_ENABLED"); v != "" {
		config.Billing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRAWL_SEARCH_URL"); v != "" {
		config.Search.URL = v
	}
	if v := os.Getenv("TRAWL_LLM_PROVIDER"); v != "" {
		config.LLM.Provider = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		config.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.LLM.Gemini.APIKey = v
	}
	if v := os.Getenv("TRAWL_RENDER_URL"); v != "" {
		config.Render.URL = v
	}
	if v := os.Getenv("TRAWL_BLOB_ENABLED"); v != "" {
		config.Blob.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRAWL_BLOB_BUCKET"); v != "" {
		config.Blob.Bucket = v
	}
	if v := os.Getenv("TRAWL_BLOB_ENDPOINT"); v != "" {
		config.Blob.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && config.Blob.AccessKey == "" {
		config.Blob.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && config.Blob.SecretKey == "" {
		config.Blob.SecretKey = v
	}
	if v := os.Getenv("TRAWL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("TRAWL_LOG_OUTPUT"); v != "" {
		parts := strings.Split(v, ",")
		outputs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				outputs = append(outputs, p)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag values over everything else.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDurationOr parses a config duration string, falling back when the
// value is empty or malformed. Config durations are advisory; a bad value
// should not keep the service from starting.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
