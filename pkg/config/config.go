// Package config provides the unified configuration for the Tesseract cache
// subsystem. A single Config structure covers the columnar encoder, the block
// store, eviction behavior and observability, each in its own section.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the top-level cache configuration.
type Config struct {
	// Blocks controls columnar block building and encoding
	Blocks BlockConfig `yaml:"blocks" json:"blocks"`

	// Storage controls the in-process block store
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Eviction controls blocking-uncache wait behavior
	Eviction EvictionConfig `yaml:"eviction" json:"eviction"`

	// Performance controls materialization parallelism and batching
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Observability controls metrics and logging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// BlockConfig controls how row batches become columnar blocks.
type BlockConfig struct {
	// RowsPerBlock is the fixed chunk size of a columnar block
	RowsPerBlock int `yaml:"rows_per_block" json:"rows_per_block"`
	// MaxDictionaryEntries bounds the dictionary compression scheme
	MaxDictionaryEntries int `yaml:"max_dictionary_entries" json:"max_dictionary_entries"`
	// MaxValueBytes is the size guard for a single encoded value
	MaxValueBytes int `yaml:"max_value_bytes" json:"max_value_bytes"`
	// SampleRows bounds scheme-selection sampling per column
	SampleRows int `yaml:"sample_rows" json:"sample_rows"`
}

// StorageConfig controls the in-process block store.
type StorageConfig struct {
	// MemoryLimitMB caps in-memory block bytes before spilling to disk
	MemoryLimitMB int `yaml:"memory_limit_mb" json:"memory_limit_mb"`
	// MemoryPressurePct spills to disk when system memory use exceeds this percentage
	MemoryPressurePct float64 `yaml:"memory_pressure_pct" json:"memory_pressure_pct"`
	// SpillDir is the directory for disk-resident blocks; empty means a temp dir
	SpillDir string `yaml:"spill_dir" json:"spill_dir"`
	// Compression selects the block-level algorithm for serialized levels (none, snappy, lz4, zstd, s2)
	Compression string `yaml:"compression" json:"compression"`
	// CompressionLevel maps onto the algorithm's levels (1 fastest, 9 best)
	CompressionLevel int `yaml:"compression_level" json:"compression_level"`
	// DefaultLevel names the storage level used when callers do not specify one
	DefaultLevel string `yaml:"default_level" json:"default_level"`
}

// EvictionConfig controls blocking eviction waits.
type EvictionConfig struct {
	// RetryInterval is the poll interval while waiting for eviction confirmation
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
	// Timeout bounds a blocking uncache before EvictionTimeout is surfaced
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// PerformanceConfig controls materialization parallelism.
type PerformanceConfig struct {
	// Workers caps concurrent partition materialization tasks
	Workers int `yaml:"workers" json:"workers"`
	// BatchSize is the row count of batches produced by the local executor
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// ObservabilityConfig controls metrics and logging.
type ObservabilityConfig struct {
	// EnableMetrics activates prometheus collectors
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// New returns a Config with production defaults.
func New() *Config {
	return &Config{
		Blocks: BlockConfig{
			RowsPerBlock:         10000,
			MaxDictionaryEntries: 4096,
			MaxValueBytes:        1 << 20,
			SampleRows:           1024,
		},
		Storage: StorageConfig{
			MemoryLimitMB:     1024,
			MemoryPressurePct: 90,
			Compression:       "zstd",
			CompressionLevel:  5,
			DefaultLevel:      "memory_and_disk",
		},
		Eviction: EvictionConfig{
			RetryInterval: 10 * time.Millisecond,
			Timeout:       30 * time.Second,
		},
		Performance: PerformanceConfig{
			Workers:   runtime.NumCPU(),
			BatchSize: 1000,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			LogLevel:      "info",
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Blocks.RowsPerBlock <= 0 {
		return fmt.Errorf("rows_per_block must be positive")
	}
	if c.Blocks.MaxDictionaryEntries <= 0 {
		return fmt.Errorf("max_dictionary_entries must be positive")
	}
	if c.Blocks.MaxValueBytes <= 0 {
		return fmt.Errorf("max_value_bytes must be positive")
	}
	if c.Storage.MemoryLimitMB <= 0 {
		return fmt.Errorf("memory_limit_mb must be positive")
	}
	if c.Storage.MemoryPressurePct <= 0 || c.Storage.MemoryPressurePct > 100 {
		return fmt.Errorf("memory_pressure_pct must be in (0, 100]")
	}
	if c.Eviction.Timeout <= 0 {
		return fmt.Errorf("eviction timeout must be positive")
	}
	if c.Eviction.RetryInterval <= 0 {
		return fmt.Errorf("eviction retry_interval must be positive")
	}
	if c.Performance.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// GetWorkers returns the worker count, ensuring it's at least 1.
func (p *PerformanceConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}
