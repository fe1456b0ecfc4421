// Package config provides XML-based configuration management.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Telemetry source kinds.
const (
	SourceUpstream = "upstream"
	SourceStore    = "store"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"LatencyHistory"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Upstream telemetry API
	Upstream UpstreamConfig `xml:"Upstream"`

	// Payload cache
	Cache CacheConfig `xml:"Cache"`

	// Pipeline and realtime settings
	Pipeline PipelineConfig `xml:"Pipeline"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains local telemetry store settings
type StorageConfig struct {
	DataDirectory     string `xml:"DataDirectory"`
	DatabaseFile      string `xml:"DatabaseFile"`
	PresetsFile       string `xml:"PresetsFile"`
	RetentionHours    int    `xml:"RetentionHours"`
	RetentionInterval int    `xml:"RetentionIntervalMinutes"`
}

// UpstreamConfig selects and configures the telemetry source
type UpstreamConfig struct {
	Source         string `xml:"Source"`
	URL            string `xml:"URL"`
	Token          string `xml:"Token"`
	TimeoutSeconds int    `xml:"TimeoutSeconds"`
	MaxRetries     int    `xml:"MaxRetries"`
	RetryDelayMs   int    `xml:"RetryDelayMs"`
}

// CacheConfig contains the Redis payload cache settings
type CacheConfig struct {
	Enabled               bool   `xml:"Enabled"`
	Address               string `xml:"Address"`
	Password              string `xml:"Password"`
	DB                    int    `xml:"DB"`
	KeyPrefix             string `xml:"KeyPrefix"`
	TTLSeconds            int    `xml:"TTLSeconds"`
	HealthIntervalSeconds int    `xml:"HealthIntervalSeconds"`
}

// PipelineConfig contains request defaults and realtime session settings
type PipelineConfig struct {
	MaxHours               int `xml:"MaxHours"`
	DefaultHours           int `xml:"DefaultHours"`
	DefaultMaxCount        int `xml:"DefaultMaxCount"`
	PollIntervalSeconds    int `xml:"PollIntervalSeconds"`
	MaxLiveSessions        int `xml:"MaxLiveSessions"`
	SessionTimeoutMinutes  int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes int `xml:"CleanupIntervalMinutes"`
	RequestTimeoutSeconds  int `xml:"RequestTimeoutSeconds"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	DuckDBThreads           int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit       string `xml:"DuckDBMemoryLimit"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "32M",
		},
		Storage: StorageConfig{
			DataDirectory:     "./data",
			DatabaseFile:      "./data/telemetry.duckdb",
			PresetsFile:       "./ranges.yaml",
			RetentionHours:    720,
			RetentionInterval: 60,
		},
		Upstream: UpstreamConfig{
			Source:         SourceUpstream,
			URL:            "http://127.0.0.1:8008/api/v1/ws/ping",
			TimeoutSeconds: 10,
			MaxRetries:     3,
			RetryDelayMs:   200,
		},
		Cache: CacheConfig{
			Enabled:               false,
			Address:               "localhost:6379",
			KeyPrefix:             "latency:",
			TTLSeconds:            30,
			HealthIntervalSeconds: 30,
		},
		Pipeline: PipelineConfig{
			MaxHours:               720,
			DefaultHours:           24,
			DefaultMaxCount:        5000,
			PollIntervalSeconds:    10,
			MaxLiveSessions:        50,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			RequestTimeoutSeconds:  30,
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			EnableRequestLogging:    true,
			DuckDBThreads:           2,
			DuckDBMemoryLimit:       "512MB",
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadConfig loads configuration from an XML file, creating it with defaults
// on first run. A .env file next to the config is loaded first; variables
// already set in the environment win over it, and the environment wins over
// the XML.
func LoadConfig(configPath string) (*AppConfig, error) {
	configDir := filepath.Dir(configPath)
	if err := loadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Resolve relative paths
	config.resolvePaths(configDir)

	return config, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Latency History Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the server cannot start with.
func (c *AppConfig) Validate() error {
	switch c.Upstream.Source {
	case SourceUpstream:
		if c.Upstream.URL == "" {
			return fmt.Errorf("upstream source requires Upstream.URL")
		}
	case SourceStore:
	default:
		return fmt.Errorf("unknown telemetry source %q", c.Upstream.Source)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Pipeline.MaxHours < 1 {
		return fmt.Errorf("Pipeline.MaxHours must be at least 1")
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR override
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	if source := os.Getenv("TELEMETRY_SOURCE"); source != "" {
		c.Upstream.Source = strings.ToLower(source)
	}
	if url := os.Getenv("UPSTREAM_URL"); url != "" {
		c.Upstream.URL = url
	}
	if token := os.Getenv("UPSTREAM_TOKEN"); token != "" {
		c.Upstream.Token = token
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.Address = addr
		c.Cache.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Cache.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Cache.DB = n
		}
	}
	if enabled := os.Getenv("CACHE_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			c.Cache.Enabled = b
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{&c.Storage.DataDirectory, &c.Storage.DatabaseFile, &c.Storage.PresetsFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// CacheTTL returns the payload cache TTL.
func (c *AppConfig) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// PollInterval returns the realtime poll interval, 10s when unset.
func (c *AppConfig) PollInterval() time.Duration {
	if c.Pipeline.PollIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Pipeline.PollIntervalSeconds) * time.Second
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDirectory}
	if c.Storage.DatabaseFile != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.DatabaseFile))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
