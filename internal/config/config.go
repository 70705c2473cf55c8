package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APILOGGER_"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Log         LogConfig              `yaml:"log"`
	Capture     CaptureConfig          `yaml:"capture"`
	WriteBuffer WriteBufferConfig      `yaml:"write_buffer"`
	Store       StoreConfig            `yaml:"store"`
	Routes      map[string]RouteConfig `yaml:"routes"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// LogConfig holds process logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// CaptureConfig holds capture pipeline configuration
type CaptureConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BackgroundWorkers int      `yaml:"background_workers"`
	DeferParsing      bool     `yaml:"defer_parsing"`
	MaxBodyMB         int      `yaml:"max_body_mb"`
	BufferPoolMB      int      `yaml:"buffer_pool_mb"`
	HeartbeatEvents   []string `yaml:"heartbeat_events"`
	LatencyWindow     int      `yaml:"latency_window"`
}

// WriteBufferConfig holds durable write buffer configuration
type WriteBufferConfig struct {
	MaxSize       int           `yaml:"max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StoreConfig selects the persistent store
type StoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// RouteConfig holds route-specific configuration
type RouteConfig struct {
	Mount    string `yaml:"mount"`
	Upstream string `yaml:"upstream"`
}

// Store types.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Bind: "127.0.0.1", Port: 8080},
		Log:    LogConfig{Level: "info"},
		Capture: CaptureConfig{
			Enabled:           true,
			BackgroundWorkers: 1,
			DeferParsing:      true,
			MaxBodyMB:         10,
			BufferPoolMB:      10,
			HeartbeatEvents:   []string{"ping"},
			LatencyWindow:     1000,
		},
		WriteBuffer: WriteBufferConfig{MaxSize: 100, FlushInterval: 100 * time.Millisecond},
		Store:       StoreConfig{Type: StoreFile, Path: "data/captures.jsonl"},
		Routes:      map[string]RouteConfig{},
	}
}

// Load layers the YAML file at configPath over the defaults, then applies
// environment overrides, then validates. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()
	if err := loadFromFile(&config, configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	return yaml.Unmarshal(data, config)
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides scalar settings from APILOGGER_* variables.
func applyEnv(c *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("BIND", &c.Server.Bind)
	num("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Log.Level)
	flag("CAPTURE_ENABLED", &c.Capture.Enabled)
	num("BACKGROUND_WORKERS", &c.Capture.BackgroundWorkers)
	flag("DEFER_PARSING", &c.Capture.DeferParsing)
	num("MAX_BODY_MB", &c.Capture.MaxBodyMB)
	num("BUFFER_POOL_MB", &c.Capture.BufferPoolMB)
	num("WRITE_BUFFER_SIZE", &c.WriteBuffer.MaxSize)
	str("STORE_TYPE", &c.Store.Type)
	str("STORE_PATH", &c.Store.Path)

	if v, ok := lookup(EnvPrefix + "FLUSH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sFLUSH_INTERVAL: %w", EnvPrefix, err))
		} else {
			c.WriteBuffer.FlushInterval = d
		}
	}
	if v, ok := lookup(EnvPrefix + "HEARTBEAT_EVENTS"); ok {
		c.Capture.HeartbeatEvents = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Capture.BackgroundWorkers <= 0 {
		errs = append(errs, errors.New("capture.background_workers must be positive"))
	}
	if c.Capture.MaxBodyMB <= 0 {
		errs = append(errs, errors.New("capture.max_body_mb must be positive"))
	}
	if c.Capture.BufferPoolMB <= 0 {
		errs = append(errs, errors.New("capture.buffer_pool_mb must be positive"))
	}
	if c.Capture.LatencyWindow <= 0 {
		errs = append(errs, errors.New("capture.latency_window must be positive"))
	}
	if c.WriteBuffer.MaxSize <= 0 {
		errs = append(errs, errors.New("write_buffer.max_size must be positive"))
	}
	if c.WriteBuffer.FlushInterval <= 0 {
		errs = append(errs, errors.New("write_buffer.flush_interval must be positive"))
	}
	switch c.Store.Type {
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path required for %s store", c.Store.Type))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}
	for name, route := range c.Routes {
		if !strings.HasPrefix(route.Mount, "/") {
			errs = append(errs, fmt.Errorf("route %s: mount must start with /", name))
		}
		if route.Upstream == "" {
			errs = append(errs, fmt.Errorf("route %s: upstream required", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// MaxBodyBytes returns the maximum body size in bytes
func (c *Config) MaxBodyBytes() int64 {
	return int64(c.Capture.MaxBodyMB) * 1024 * 1024
}

// BufferPoolBytes returns the buffer pool cap in bytes
func (c *Config) BufferPoolBytes() int64 {
	return int64(c.Capture.BufferPoolMB) * 1024 * 1024
}

// GetRouteByMount returns the route config for a given mount path
func (c *Config) GetRouteByMount(mount string) (string, RouteConfig, bool) {
	mount = strings.TrimSuffix(mount, "/")
	for name, route := range c.Routes {
		if strings.TrimSuffix(route.Mount, "/") == mount {
			return name, route, true
		}
	}
	return "", RouteConfig{}, false
}
