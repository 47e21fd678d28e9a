package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 365, cfg.Limits.MaxSelectedDates)
	assert.Equal(t, int64(10<<20), cfg.Limits.MaxUploadBytes)
	assert.Equal(t, "UTC", cfg.Calculator.Timezone)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Generate)
	assert.Equal(t, 10, cfg.Memory.WindowSize)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "limits:\n  max_selected_dates: 31\ncalculator:\n  daily_cap: \"8.00\"\n  zone_caps:\n    \"2\": \"8.90\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 31, cfg.Limits.MaxSelectedDates)
	assert.Equal(t, "8.00", cfg.Calculator.DailyCap)
	assert.Equal(t, "8.90", cfg.Calculator.ZoneCaps["2"])
	assert.Equal(t, "9090", cfg.HTTP.Port)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Ledger: LedgerConfig{Backend: "memory"},
			Memory: MemoryConfig{Backend: "memory", WindowSize: 10},
			Limits: LimitsConfig{MaxSelectedDates: 365},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bigquery without project", func(c *Config) { c.Ledger.Backend = "bigquery" }, true},
		{"bigquery with project", func(c *Config) { c.Ledger.Backend = "bigquery"; c.GCP.ProjectID = "p" }, false},
		{"redis without url", func(c *Config) { c.Memory.Backend = "redis" }, true},
		{"unknown ledger", func(c *Config) { c.Ledger.Backend = "postgres" }, true},
		{"zero date limit", func(c *Config) { c.Limits.MaxSelectedDates = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
