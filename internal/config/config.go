package config

import "time"

// Config is the full service configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Calculator CalculatorConfig `mapstructure:"calculator"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

type HTTPConfig struct {
	Port string `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
	Bucket    string `mapstructure:"bucket"`
}

type GeminiConfig struct {
	APIKey              string `mapstructure:"api_key"`
	Model               string `mapstructure:"model"`
	EmbeddingModel      string `mapstructure:"embedding_model"`
	EmbeddingDimensions int    `mapstructure:"embedding_dimensions"`
	// UseForPDF routes PDF text extraction through the model instead of the
	// local extractor.
	UseForPDF bool `mapstructure:"use_for_pdf"`
}

// LedgerConfig selects the ledger and vector index backend: "memory" or "bigquery".
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
}

// MemoryConfig selects the conversational memory backend: "memory" or "redis".
type MemoryConfig struct {
	Backend    string        `mapstructure:"backend"`
	WindowSize int           `mapstructure:"window_size"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LimitsConfig struct {
	MaxSelectedDates int   `mapstructure:"max_selected_dates"`
	MaxUploadBytes   int64 `mapstructure:"max_upload_bytes"`
}

type CalculatorConfig struct {
	// DailyCap is a decimal string such as "8.90"; empty disables capping.
	DailyCap string `mapstructure:"daily_cap"`
	// ZoneCaps maps the highest zone travelled in a day to a cap, e.g. {"2": "8.90"}.
	ZoneCaps map[string]string `mapstructure:"zone_caps"`
	Timezone string            `mapstructure:"timezone"`
}

type TimeoutsConfig struct {
	Embed    time.Duration `mapstructure:"embed"`
	Search   time.Duration `mapstructure:"search"`
	Generate time.Duration `mapstructure:"generate"`
}

type RetrievalConfig struct {
	TopK int `mapstructure:"top_k"`
}

type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}
