// Package config handles nornicexec configuration.
//
// Configuration comes from three layers, later ones winning:
//
//  1. DefaultConfig()
//  2. an optional YAML file (LoadFile)
//  3. NORNICEXEC_* environment variables
//
// Example Usage:
//
//	cfg, err := config.LoadFile("nornicexec.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Execution:
//   - NORNICEXEC_QUERY_TIMEOUT=30s
//   - NORNICEXEC_INTERRUPT_INTERVAL=100
//   - NORNICEXEC_RETRY_ATTEMPTS=3
//   - NORNICEXEC_MAX_WHILE_ITERATIONS=100000
//   - NORNICEXEC_PROFILING=false
//   - NORNICEXEC_CENTRALITY=degree|closeness|betweenness
//
// Storage:
//   - NORNICEXEC_STORAGE_BACKEND=memory|badger
//   - NORNICEXEC_DATA_DIR=./data
//   - NORNICEXEC_STORAGE_IN_MEMORY=false
//
// Cache, metrics, logging and runtime memory: see LoadFromEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all nornicexec configuration.
//
// Configuration is organized into logical sections:
//   - Execution: timeouts, interruption, loop limits, planning
//   - Storage: graph backend
//   - Cache: compiled pattern cache
//   - Metrics: query metrics export
//   - Logging: log level, format and shipping
//   - Memory: Go runtime and row pooling
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// ExecutionConfig holds statement execution settings.
type ExecutionConfig struct {
	// QueryTimeout bounds each statement; 0 disables the bound
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// InterruptInterval is how many nodes a batch producer (variable-length
	// expansion) visits between cancellation checks. Row producers check
	// every row regardless.
	InterruptInterval int `yaml:"interrupt_interval"`
	// RetryAttempts for retry plans when a descriptor does not say
	RetryAttempts int `yaml:"retry_attempts"`
	// MaxWhileIterations guards while plans against runaway loops
	MaxWhileIterations int `yaml:"max_while_iterations"`
	// Profiling records per-step row counts and cost
	Profiling bool `yaml:"profiling"`
	// Centrality strategy used to order pattern start nodes
	Centrality string `yaml:"centrality"`
}

// StorageConfig holds graph storage settings.
type StorageConfig struct {
	// Backend is "memory" or "badger"
	Backend string `yaml:"backend"`
	// DataDir for the badger backend
	DataDir string `yaml:"data_dir"`
	// InMemory runs badger without touching disk
	InMemory bool `yaml:"in_memory"`
	// SyncWrites makes badger fsync every write
	SyncWrites bool `yaml:"sync_writes"`
}

// CacheConfig holds compiled pattern cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Namespace prefixes every exported metric name
	Namespace string `yaml:"namespace"`
	// ListenAddress serves /metrics when set, e.g. ":9464"
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR
	Level string `yaml:"level"`
	// Format is "text" or "json"
	Format string `yaml:"format"`
	// SeqURL ships logs to a Seq server as well when set
	SeqURL string `yaml:"seq_url"`
}

// MemoryConfig holds Go runtime and row pool settings.
type MemoryConfig struct {
	// RuntimeLimit is the soft memory limit (GOMEMLIMIT) in bytes
	// 0 = unlimited (Go manages automatically)
	RuntimeLimit int64 `yaml:"-"`
	// RuntimeLimitStr is the human-readable form (e.g., "2GB", "512MB")
	RuntimeLimitStr string `yaml:"runtime_limit"`
	// GCPercent controls GC aggressiveness (GOGC)
	GCPercent int `yaml:"gc_percent"`
	// PoolEnabled controls recycling of row property maps
	PoolEnabled bool `yaml:"pool_enabled"`
	// PoolMaxSize is the largest map that is returned to the pool
	PoolMaxSize int `yaml:"pool_max_size"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			QueryTimeout:       30 * time.Second,
			InterruptInterval:  100,
			RetryAttempts:      3,
			MaxWhileIterations: 100000,
			Centrality:         "degree",
		},
		Storage: StorageConfig{
			Backend: "memory",
			DataDir: "./data",
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    1000,
			TTL:     5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "nornicexec",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Memory: MemoryConfig{
			RuntimeLimitStr: "0",
			GCPercent:       100,
			PoolEnabled:     true,
			PoolMaxSize:     1000,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML config file, then applies environment overrides.
// Unknown keys are an error. An empty path behaves like LoadFromEnv.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Execution.QueryTimeout = getEnvDuration("NORNICEXEC_QUERY_TIMEOUT", c.Execution.QueryTimeout)
	c.Execution.InterruptInterval = getEnvInt("NORNICEXEC_INTERRUPT_INTERVAL", c.Execution.InterruptInterval)
	c.Execution.RetryAttempts = getEnvInt("NORNICEXEC_RETRY_ATTEMPTS", c.Execution.RetryAttempts)
	c.Execution.MaxWhileIterations = getEnvInt("NORNICEXEC_MAX_WHILE_ITERATIONS", c.Execution.MaxWhileIterations)
	c.Execution.Profiling = getEnvBool("NORNICEXEC_PROFILING", c.Execution.Profiling)
	c.Execution.Centrality = getEnv("NORNICEXEC_CENTRALITY", c.Execution.Centrality)

	c.Storage.Backend = getEnv("NORNICEXEC_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("NORNICEXEC_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("NORNICEXEC_STORAGE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("NORNICEXEC_STORAGE_SYNC_WRITES", c.Storage.SyncWrites)

	c.Cache.Enabled = getEnvBool("NORNICEXEC_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Size = getEnvInt("NORNICEXEC_CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("NORNICEXEC_CACHE_TTL", c.Cache.TTL)

	c.Metrics.Enabled = getEnvBool("NORNICEXEC_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("NORNICEXEC_METRICS_NAMESPACE", c.Metrics.Namespace)
	c.Metrics.ListenAddress = getEnv("NORNICEXEC_METRICS_ADDR", c.Metrics.ListenAddress)

	c.Logging.Level = strings.ToUpper(getEnv("NORNICEXEC_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("NORNICEXEC_LOG_FORMAT", c.Logging.Format))
	c.Logging.SeqURL = getEnv("NORNICEXEC_SEQ_URL", c.Logging.SeqURL)

	c.Memory.RuntimeLimitStr = getEnv("NORNICEXEC_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("NORNICEXEC_GC_PERCENT", c.Memory.GCPercent)
	c.Memory.PoolEnabled = getEnvBool("NORNICEXEC_POOL_ENABLED", c.Memory.PoolEnabled)
	c.Memory.PoolMaxSize = getEnvInt("NORNICEXEC_POOL_MAX_SIZE", c.Memory.PoolMaxSize)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Execution.QueryTimeout < 0 {
		return fmt.Errorf("%w: negative query timeout %s", ErrInvalidConfig, c.Execution.QueryTimeout)
	}
	if c.Execution.InterruptInterval < 1 {
		return fmt.Errorf("%w: interrupt interval must be at least 1, got %d", ErrInvalidConfig, c.Execution.InterruptInterval)
	}
	if c.Execution.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry attempts must be at least 1, got %d", ErrInvalidConfig, c.Execution.RetryAttempts)
	}
	if c.Execution.MaxWhileIterations < 1 {
		return fmt.Errorf("%w: max while iterations must be at least 1, got %d", ErrInvalidConfig, c.Execution.MaxWhileIterations)
	}
	switch c.Execution.Centrality {
	case "", "degree", "closeness", "betweenness":
	default:
		return fmt.Errorf("%w: unknown centrality %q", ErrInvalidConfig, c.Execution.Centrality)
	}

	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if !c.Storage.InMemory && c.Storage.DataDir == "" {
			return fmt.Errorf("%w: badger backend needs a data dir or in_memory", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("%w: invalid cache size: %d", ErrInvalidConfig, c.Cache.Size)
	}

	switch c.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// String returns a one-line summary safe to log.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Storage: %s(%s), Timeout: %s, Centrality: %s, Cache: %v/%d, Metrics: %v %s, Log: %s/%s}",
		c.Storage.Backend, c.Storage.DataDir,
		c.Execution.QueryTimeout, c.Execution.Centrality,
		c.Cache.Enabled, c.Cache.Size,
		c.Metrics.Enabled, c.Metrics.ListenAddress,
		c.Logging.Level, c.Logging.Format,
	)
}

// ============================================================================
// Environment helpers
// ============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

// getEnvDuration accepts Go durations or a plain number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// ============================================================================
// Runtime memory
// ============================================================================

// parseMemorySize parses "512MB", "2G", "1024" and the like into bytes.
// "", "0" and "unlimited" mean no limit.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize renders bytes for humans.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory pushes the memory limit and GC percent into the Go
// runtime. Defaults leave the runtime untouched.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
