// Package config provides configuration handling for the middlebox core:
// the pipeline's listen addresses and pool sizing, plus the shared logging
// setup, loadable from a JSON or YAML file and overridable by environment
// variables - the same file-then-env layering the teacher's router config
// uses.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/irctrakz/tcpmidbox/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete middlebox configuration.
type Config struct {
	// Pipeline contains the TCP-In/TCP-Out pipeline configuration.
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// PipelineConfig describes the client-side and upstream addresses the
// middlebox splices between and the sizing of its internal pools and worker
// pool.
type PipelineConfig struct {
	// ClientAddr is the address the middlebox accepts client connections
	// on, standing in for the "near" side of the spliced connection.
	ClientAddr string `json:"clientAddr" yaml:"clientAddr"`

	// UpstreamAddr is the address the middlebox connects onward to,
	// standing in for the "far" side of the spliced connection.
	UpstreamAddr string `json:"upstreamAddr" yaml:"upstreamAddr"`

	// DispatchWorkers is the number of connection-affinity worker
	// goroutines. Zero selects dispatch.NewPool's own default.
	DispatchWorkers int `json:"dispatchWorkers" yaml:"dispatchWorkers"`

	// DispatchQueueCap is the per-worker queue capacity before a packet
	// is dropped rather than blocking the dispatcher.
	DispatchQueueCap int `json:"dispatchQueueCap" yaml:"dispatchQueueCap"`

	// FlowTableShards is the number of independently locked shards in the
	// flow-id table.
	FlowTableShards int `json:"flowTableShards" yaml:"flowTableShards"`

	// FlowTablePoolSize is the fixed number of TcpCommon records the ring
	// pool preallocates, bounding the number of concurrently tracked
	// connections.
	FlowTablePoolSize int `json:"flowTablePoolSize" yaml:"flowTablePoolSize"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			ClientAddr:        "0.0.0.0:8080",
			UpstreamAddr:      "127.0.0.1:80",
			DispatchWorkers:   4,
			DispatchQueueCap:  1000,
			FlowTableShards:   16,
			FlowTablePoolSize: 4096,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file, dispatching on its
// extension between JSON and YAML.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv overrides config with any set environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("PIPELINE_CLIENT_ADDR"); val != "" {
		config.Pipeline.ClientAddr = val
	}
	if val := os.Getenv("PIPELINE_UPSTREAM_ADDR"); val != "" {
		config.Pipeline.UpstreamAddr = val
	}
	if val := os.Getenv("PIPELINE_DISPATCH_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pipeline.DispatchWorkers = n
		}
	}
	if val := os.Getenv("PIPELINE_DISPATCH_QUEUE_CAP"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pipeline.DispatchQueueCap = n
		}
	}
	if val := os.Getenv("PIPELINE_FLOW_TABLE_SHARDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pipeline.FlowTableShards = n
		}
	}
	if val := os.Getenv("PIPELINE_FLOW_TABLE_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pipeline.FlowTablePoolSize = n
		}
	}

	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pipeline.ClientAddr == "" {
		return fmt.Errorf("pipeline client address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Pipeline.ClientAddr); err != nil {
		return fmt.Errorf("invalid pipeline client address: %w", err)
	}
	if c.Pipeline.UpstreamAddr == "" {
		return fmt.Errorf("pipeline upstream address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Pipeline.UpstreamAddr); err != nil {
		return fmt.Errorf("invalid pipeline upstream address: %w", err)
	}
	if c.Pipeline.DispatchWorkers < 0 {
		return fmt.Errorf("dispatch workers cannot be negative")
	}
	if c.Pipeline.FlowTableShards <= 0 {
		return fmt.Errorf("flow table shards must be positive")
	}
	if c.Pipeline.FlowTablePoolSize <= 0 {
		return fmt.Errorf("flow table pool size must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := "."
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
		}

		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	dir := "."
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		dir = path[:lastSlash]
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
