package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	modeSingleThread = "single_thread"
	modeThreadPool   = "thread_pool"
)

// Duration is a time.Duration that reads from JSON as "10s" or as nanoseconds
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config holds the server configuration
type Config struct {
	ListenAddress      string   `json:"listen_address"`
	ListenPort         int      `json:"listen_port"`
	ConcurrencyModel   string   `json:"concurrency_model"`
	PoolMinWorkers     int      `json:"pool_min_workers"`
	PoolMaxWorkers     int      `json:"pool_max_workers"`
	PoolIdleTimeout    Duration `json:"pool_idle_timeout"`
	JobTimeout         Duration `json:"job_timeout"`
	JobRetryLimit      int      `json:"job_retry_limit"`
	JobRetryBackoff    Duration `json:"job_retry_backoff"`
	IOMode             string   `json:"io_mode"`
	ChunkSize          int      `json:"chunk_size"`
	MaxRequestBytes    int      `json:"max_request_bytes"`
	ReadTimeout        Duration `json:"read_timeout"`
	StaticDir          string   `json:"static_dir"`
	StaticCacheEntries int      `json:"static_cache_entries"`
	BlockedRulesFile   string   `json:"blocked_rules_file"`
	LogFilePath        string   `json:"log_file_path"`
	LogMaxSizeMB       int      `json:"log_max_size_mb"`
	LogLevel           string   `json:"log_level"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      "0.0.0.0",
		ListenPort:         8081,
		ConcurrencyModel:   modeThreadPool,
		PoolMinWorkers:     1,
		PoolMaxWorkers:     5,
		JobTimeout:         Duration{DefaultJobTimeout},
		IOMode:             ioModeBlock,
		ChunkSize:          512,
		MaxRequestBytes:    1 << 20,
		ReadTimeout:        Duration{10 * time.Second},
		StaticDir:          "./dist",
		StaticCacheEntries: 0,
		LogFilePath:        "",
		LogMaxSizeMB:       100,
		LogLevel:           "warn",
	}
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFile picks the loader by extension: JSON for ".json", the
// key=value format otherwise.
func LoadConfigFile(path string) (*Config, error) {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		return LoadConfig(path)
	}
	return LoadConfigFromINI(path)
}

// ApplyEnv overrides the listen address from LISTEN_HOST and LISTEN_PORT
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if host := getenv("LISTEN_HOST"); host != "" {
		c.ListenAddress = host
	}
	if port := getenv("LISTEN_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid LISTEN_PORT %q: %w", port, err)
		}
		c.ListenPort = p
	}
	return c.Validate()
}

// Pool returns the worker pool bounds described by the configuration
func (c *Config) Pool() PoolConfig {
	return PoolConfig{
		MinWorkers:   c.PoolMinWorkers,
		MaxWorkers:   c.PoolMaxWorkers,
		JobTimeout:   c.JobTimeout.Duration,
		RetryLimit:   c.JobRetryLimit,
		RetryBackoff: c.JobRetryBackoff.Duration,
		IdleTimeout:  c.PoolIdleTimeout.Duration,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// 0 asks the kernel for a free port
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 0 and 65535")
	}

	if c.ConcurrencyModel != modeSingleThread && c.ConcurrencyModel != modeThreadPool {
		return fmt.Errorf("concurrency_model must be '%s' or '%s'", modeSingleThread, modeThreadPool)
	}

	if c.ConcurrencyModel == modeThreadPool {
		if err := c.Pool().Validate(); err != nil {
			return err
		}
	}

	if c.IOMode != ioModeBlock && c.IOMode != ioModeNonBlock {
		return fmt.Errorf("io_mode must be '%s' or '%s'", ioModeBlock, ioModeNonBlock)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1")
	}

	if c.MaxRequestBytes < 0 || c.StaticCacheEntries < 0 || c.JobRetryLimit < 0 {
		return fmt.Errorf("max_request_bytes, static_cache_entries and job_retry_limit must not be negative")
	}

	if c.ReadTimeout.Duration < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}

	if c.LogFilePath != "" && c.LogMaxSizeMB < 1 {
		return fmt.Errorf("log_max_size_mb must be at least 1")
	}

	return nil
}

// LoadConfigFromINI loads configuration from a simple INI-like format
// Format: key=value (one per line, # for comments)
func LoadConfigFromINI(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := config.set(key, value); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n+1, key, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "listen_address":
		c.ListenAddress = value
	case "listen_port":
		c.ListenPort, err = strconv.Atoi(value)
	case "concurrency_model":
		c.ConcurrencyModel = value
	case "pool_min_workers":
		c.PoolMinWorkers, err = strconv.Atoi(value)
	case "pool_max_workers":
		c.PoolMaxWorkers, err = strconv.Atoi(value)
	case "pool_idle_timeout":
		c.PoolIdleTimeout.Duration, err = time.ParseDuration(value)
	case "job_timeout":
		c.JobTimeout.Duration, err = time.ParseDuration(value)
	case "job_retry_limit":
		c.JobRetryLimit, err = strconv.Atoi(value)
	case "job_retry_backoff":
		c.JobRetryBackoff.Duration, err = time.ParseDuration(value)
	case "io_mode":
		c.IOMode = value
	case "chunk_size":
		c.ChunkSize, err = strconv.Atoi(value)
	case "max_request_bytes":
		c.MaxRequestBytes, err = strconv.Atoi(value)
	case "read_timeout":
		c.ReadTimeout.Duration, err = time.ParseDuration(value)
	case "static_dir":
		c.StaticDir = value
	case "static_cache_entries":
		c.StaticCacheEntries, err = strconv.Atoi(value)
	case "blocked_rules_file":
		c.BlockedRulesFile = value
	case "log_file_path":
		c.LogFilePath = value
	case "log_max_size_mb":
		c.LogMaxSizeMB, err = strconv.Atoi(value)
	case "log_level":
		c.LogLevel = value
	}
	return err
}
