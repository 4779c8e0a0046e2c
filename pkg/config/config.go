// Package config loads the offline agent configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Config holds every setting of the agent process.
type Config struct {
	// HTTP surface
	Listen          string        `env:"OFFLINE_AGENT_LISTEN" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"OFFLINE_AGENT_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Scope is the agent origin plus path, e.g. https://salary-plan.example/
	Scope string `env:"OFFLINE_AGENT_SCOPE" envDefault:"http://localhost:8080/"`

	// Upstream, when set, serves the assets of Scope
	Upstream string `env:"OFFLINE_AGENT_UPSTREAM"`

	// Version and precache manifest
	Version      string   `env:"OFFLINE_AGENT_VERSION" envDefault:"salary-plan-v1.0"`
	Precache     []string `env:"OFFLINE_AGENT_PRECACHE" envSeparator:"," envDefault:"./,./index.html,./manifest.json"`
	ManifestFile string   `env:"OFFLINE_AGENT_MANIFEST_FILE"`

	// Network
	FetchTimeout        time.Duration `env:"OFFLINE_AGENT_FETCH_TIMEOUT" envDefault:"15s"`
	FetchRetries        int           `env:"OFFLINE_AGENT_FETCH_RETRIES" envDefault:"0"`
	WriteTimeout        time.Duration `env:"OFFLINE_AGENT_WRITE_TIMEOUT" envDefault:"10s"`
	PrecacheConcurrency int           `env:"OFFLINE_AGENT_PRECACHE_CONCURRENCY" envDefault:"4"`
	UserAgent           string        `env:"OFFLINE_AGENT_USER_AGENT" envDefault:"offline-agent/1.0"`

	// Storage
	Backend       string `env:"OFFLINE_AGENT_BACKEND" envDefault:"memory"`
	RedisAddr     string `env:"OFFLINE_AGENT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"OFFLINE_AGENT_REDIS_PASSWORD"`
	RedisDB       int    `env:"OFFLINE_AGENT_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"OFFLINE_AGENT_REDIS_PREFIX"`
	SQLitePath    string `env:"OFFLINE_AGENT_SQLITE_PATH" envDefault:"offline-agent.db"`
	S3Bucket      string `env:"OFFLINE_AGENT_S3_BUCKET"`
	S3Prefix      string `env:"OFFLINE_AGENT_S3_PREFIX"`
	S3Region      string `env:"OFFLINE_AGENT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint    string `env:"OFFLINE_AGENT_S3_ENDPOINT"`
	S3AccessKey   string `env:"OFFLINE_AGENT_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"OFFLINE_AGENT_S3_SECRET_KEY"`
	S3PathStyle   bool   `env:"OFFLINE_AGENT_S3_PATH_STYLE" envDefault:"false"`

	// Observability
	LogLevel     string `env:"OFFLINE_AGENT_LOG_LEVEL" envDefault:"info"`
	LogPretty    bool   `env:"OFFLINE_AGENT_LOG_PRETTY" envDefault:"false"`
	OTELEndpoint string `env:"OFFLINE_AGENT_OTEL_ENDPOINT"`
	ServiceName  string `env:"OFFLINE_AGENT_SERVICE_NAME" envDefault:"offline-agent"`
}

// Manifest is the YAML manifest file format.
type Manifest struct {
	Version  string   `yaml:"version"`
	Precache []string `yaml:"precache"`
}

// Load reads the configuration from the environment, applies the manifest
// file when one is named, and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ManifestFile != "" {
		m, err := LoadManifestFile(cfg.ManifestFile)
		if err != nil {
			return Config{}, err
		}
		cfg.ApplyManifest(m)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadManifestFile reads a YAML manifest.
func LoadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// ApplyManifest overrides the version and precache list with the non-empty
// fields of m.
func (c *Config) ApplyManifest(m Manifest) {
	if m.Version != "" {
		c.Version = m.Version
	}
	if len(m.Precache) > 0 {
		c.Precache = m.Precache
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := c.ScopeURL(); err != nil {
		return err
	}
	if _, err := c.UpstreamURL(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("version is required")
	}

	switch c.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("s3 backend requires OFFLINE_AGENT_S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.PrecacheConcurrency < 1 {
		return fmt.Errorf("precache concurrency must be >= 1 (got %d)", c.PrecacheConcurrency)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch retries must be >= 0 (got %d)", c.FetchRetries)
	}
	return nil
}

// ScopeURL parses the scope. It must be an absolute http(s) URL.
func (c Config) ScopeURL() (*url.URL, error) {
	u, err := parseHTTPURL("scope", c.Scope)
	if err != nil {
		return nil, err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// UpstreamURL parses the upstream, or returns nil when none is set.
func (c Config) UpstreamURL() (*url.URL, error) {
	if c.Upstream == "" {
		return nil, nil
	}
	return parseHTTPURL("upstream", c.Upstream)
}

func parseHTTPURL(name, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute http(s) URL (got %q)", name, raw)
	}
	return u, nil
}
