package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.Blocks.RowsPerBlock)
	assert.Equal(t, "zstd", cfg.Storage.Compression)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rows per block", func(c *Config) { c.Blocks.RowsPerBlock = 0 }},
		{"zero dictionary bound", func(c *Config) { c.Blocks.MaxDictionaryEntries = 0 }},
		{"zero memory limit", func(c *Config) { c.Storage.MemoryLimitMB = 0 }},
		{"pressure over 100", func(c *Config) { c.Storage.MemoryPressurePct = 150 }},
		{"zero eviction timeout", func(c *Config) { c.Eviction.Timeout = 0 }},
		{"zero workers", func(c *Config) { c.Performance.Workers = 0 }},
		{"zero batch size", func(c *Config) { c.Performance.BatchSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TESSERACT_SPILL_DIR", "/tmp/spill")

	path := filepath.Join(t.TempDir(), "cache.yaml")
	content := `
blocks:
  rows_per_block: 500
storage:
  spill_dir: ${TESSERACT_SPILL_DIR}
  compression: lz4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := New()
	require.NoError(t, Load(path, cfg))
	assert.Equal(t, 500, cfg.Blocks.RowsPerBlock)
	assert.Equal(t, "/tmp/spill", cfg.Storage.SpillDir)
	assert.Equal(t, "lz4", cfg.Storage.Compression)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := New()
	assert.Error(t, Load("/does/not/exist.yaml", cfg))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := New()
	cfg.Performance.BatchSize = 777

	require.NoError(t, Save(path, cfg))

	loaded := New()
	require.NoError(t, Load(path, loaded))
	assert.Equal(t, 777, loaded.Performance.BatchSize)
}
