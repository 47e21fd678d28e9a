package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. FARELEDGER_HTTP_PORT.
const EnvPrefix = "FARELEDGER"

// Load reads config.yaml (if present) from the given paths plus the
// defaults, then applies environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common unprefixed variables used by the GCP tooling and local dev.
	_ = v.BindEnv("http.port", "HTTP_PORT", EnvPrefix+"_HTTP_PORT")
	_ = v.BindEnv("gcp.project_id", "GOOGLE_CLOUD_PROJECT", EnvPrefix+"_GCP_PROJECT_ID")
	_ = v.BindEnv("gcp.bucket", "GCS_BUCKET", EnvPrefix+"_GCP_BUCKET")
	_ = v.BindEnv("gemini.api_key", "GEMINI_API_KEY", EnvPrefix+"_GEMINI_API_KEY")
	_ = v.BindEnv("redis.url", "REDIS_URL", EnvPrefix+"_REDIS_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", EnvPrefix+"_LOGGING_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config.Load: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("gcp.dataset", "fares")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.embedding_model", "gemini-embedding-001")
	v.SetDefault("gemini.embedding_dimensions", 768)
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.window_size", 10)
	v.SetDefault("memory.session_ttl", 24*time.Hour)
	v.SetDefault("limits.max_selected_dates", 365)
	v.SetDefault("limits.max_upload_bytes", int64(10<<20))
	v.SetDefault("calculator.timezone", "UTC")
	v.SetDefault("timeouts.embed", 5*time.Second)
	v.SetDefault("timeouts.search", 5*time.Second)
	v.SetDefault("timeouts.generate", 30*time.Second)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("ingest.workers", 5)
	v.SetDefault("ingest.queue_size", 100)
}

// Validate checks backend selections and the values they depend on.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "memory":
	case "bigquery":
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("config: ledger.backend=bigquery requires gcp.project_id")
		}
	default:
		return fmt.Errorf("config: unknown ledger.backend %q", c.Ledger.Backend)
	}
	switch c.Memory.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: memory.backend=redis requires redis.url")
		}
	default:
		return fmt.Errorf("config: unknown memory.backend %q", c.Memory.Backend)
	}
	if c.Limits.MaxSelectedDates <= 0 {
		return fmt.Errorf("config: limits.max_selected_dates must be positive")
	}
	if c.Memory.WindowSize <= 0 {
		return fmt.Errorf("config: memory.window_size must be positive")
	}
	return nil
}
