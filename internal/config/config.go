// Package config defines the gateway configuration file format and loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model describes one client-facing model entry. Virtual ids
// (image-gen, video-gen) are built in and need no entry here.
type Model struct {
	// ID is the model id clients send in the "model" field.
	ID string `yaml:"id" json:"id"`

	// Name is a display name for /v1/models.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// UpstreamModelID, when set, is forwarded to the upstream in
	// assistGenerationConfig.modelId. Empty means the upstream default.
	UpstreamModelID string `yaml:"upstream-model-id,omitempty" json:"upstream-model-id,omitempty"`
}

// UsageConfig controls the optional usage-accounting backend.
type UsageConfig struct {
	// DSN is the sqlite path for usage records. Empty disables accounting.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	BatchSize     int    `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	FlushInterval string `yaml:"flush-interval,omitempty" json:"flush-interval,omitempty"`
	RetentionDays int    `yaml:"retention-days,omitempty" json:"retention-days,omitempty"`
}

// Config is the root configuration object.
type Config struct {
	// Host and Port bind the HTTP surface.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// APIKeys authorizes inbound clients. Empty plus DisableAuth=false
	// rejects everything, matching the original's closed-by-default stance.
	APIKeys     []string `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`
	DisableAuth bool     `yaml:"disable-auth,omitempty" json:"disable-auth,omitempty"`

	Debug         bool   `yaml:"debug,omitempty" json:"debug,omitempty"`
	LogLevel      string `yaml:"log-level,omitempty" json:"log-level,omitempty"`
	LoggingToFile bool   `yaml:"logging-to-file,omitempty" json:"logging-to-file,omitempty"`
	LogDir        string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// ProxyURL routes all upstream traffic through a forward proxy.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// DBPath is the sqlite database holding accounts and system config.
	DBPath string `yaml:"db-path,omitempty" json:"db-path,omitempty"`

	// ImageBaseURL overrides the base URL clients use to fetch cached
	// media. Empty means the request's own host.
	ImageBaseURL string `yaml:"image-base-url,omitempty" json:"image-base-url,omitempty"`

	// UploadEndpoint and UploadAPIToken enable external-host media mode
	// when both are set.
	UploadEndpoint string `yaml:"upload-endpoint,omitempty" json:"upload-endpoint,omitempty"`
	UploadAPIToken string `yaml:"upload-api-token,omitempty" json:"upload-api-token,omitempty"`

	// MediaCacheDir is the parent of the image/ and video/ cache
	// directories. Defaults to the working directory.
	MediaCacheDir string `yaml:"media-cache-dir,omitempty" json:"media-cache-dir,omitempty"`

	// LanguageCode and UserTimeZone are forwarded on every assist call.
	LanguageCode string `yaml:"language-code,omitempty" json:"language-code,omitempty"`
	UserTimeZone string `yaml:"user-time-zone,omitempty" json:"user-time-zone,omitempty"`

	// AutoRefreshCookie signals the external cookie-refresh collaborator
	// when accounts expire.
	AutoRefreshCookie bool `yaml:"auto-refresh-cookie,omitempty" json:"auto-refresh-cookie,omitempty"`

	Models []Model     `yaml:"models,omitempty" json:"models,omitempty"`
	Usage  UsageConfig `yaml:"usage,omitempty" json:"usage,omitempty"`
}

// NewDefaultConfig returns the defaults used when no config file exists.
func NewDefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8000,
		LogLevel:     "info",
		DBPath:       "business_gemini.db",
		LanguageCode: "zh-CN",
		UserTimeZone: "Etc/GMT-8",
	}
}

// LoadConfig reads and parses the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but a missing file returns
// (nil, nil) so callers can fall back to defaults.
func LoadConfigOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return LoadConfig(path)
}

// ApplyEnvOverrides applies BGEM_* environment overrides for container
// deployments.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("BGEM_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v, ok := os.LookupEnv("BGEM_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("BGEM_DEBUG"); ok {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("BGEM_API_KEYS"); ok {
		cfg.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(k); trimmed != "" {
				cfg.APIKeys = append(cfg.APIKeys, trimmed)
			}
		}
	}
	if v, ok := os.LookupEnv("BGEM_PROXY_URL"); ok {
		cfg.ProxyURL = v
	}
	if v, ok := os.LookupEnv("BGEM_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("BGEM_IMAGE_BASE_URL"); ok {
		cfg.ImageBaseURL = v
	}
	if v, ok := os.LookupEnv("BGEM_USAGE_DSN"); ok {
		cfg.Usage.DSN = v
	}
	if v, ok := os.LookupEnv("BGEM_LOGGING_TO_FILE"); ok {
		cfg.LoggingToFile = v == "1" || strings.EqualFold(v, "true")
	}
}

// ExternalUploadEnabled reports whether media should be relayed to the
// external file host instead of the local cache.
func (c *Config) ExternalUploadEnabled() bool {
	return strings.TrimSpace(c.UploadEndpoint) != "" && strings.TrimSpace(c.UploadAPIToken) != ""
}
