// Package config provides configuration management for citegraph.
// Settings come from, in increasing precedence: built-in defaults, an
// optional YAML file (named by CITEGRAPH_CONFIG or the -config flag), and
// environment variables with the CITEGRAPH_ prefix.
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

// Storage engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineNone     = "none"
)

// Security modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config holds all configuration settings for the citegraph application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Source   SourceConfig   `yaml:"source"`
	Graph    GraphConfig    `yaml:"graph"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // Server port (default: 8080)
	Host            string        `yaml:"host"`             // Server host (default: 127.0.0.1)
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // (default: 15s)
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // Must exceed the graph build timeout (default: 90s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // (default: 10s)
	CORSOrigins     []string      `yaml:"cors_origins"`     // Allowed browser origins (default: http://localhost:3000)
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`   // Per-client request rate (default: 10)
	RateLimitBurst  int           `yaml:"rate_limit_burst"` // (default: 20)
}

// StorageConfig contains session persistence configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite, postgres or none (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Directory of the sqlite database (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Required when Engine is postgres
}

// SourceConfig configures the arXiv and Semantic Scholar clients.
type SourceConfig struct {
	ArxivURL           string        `yaml:"arxiv_url"`
	ScholarURL         string        `yaml:"scholar_url"`
	ScholarAPIKey      string        `yaml:"scholar_api_key"`
	UserAgent          string        `yaml:"user_agent"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`      // Per HTTP attempt (default: 10s)
	MaxRetries         int           `yaml:"max_retries"`          // (default: 3)
	RequestsPerSecond  float64       `yaml:"requests_per_second"`  // Shared outbound limit (default: 3)
	Burst              int           `yaml:"burst"`                // (default: 1)
	FetchCitations     bool          `yaml:"fetch_citations"`      // Enables citations mode (default: true)
	BreakerMaxFailures int           `yaml:"breaker_max_failures"` // (default: 5)
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`      // (default: 30s)
	PaperCacheSize     int           `yaml:"paper_cache_size"`     // Memoized paper records (default: 2048)
	PaperCacheTTL      time.Duration `yaml:"paper_cache_ttl"`      // (default: 1h)
}

// GraphConfig bounds graph builds and the graph cache.
type GraphConfig struct {
	Workers         int           `yaml:"workers"`           // Concurrent fetches per build (default: 6)
	BuildTimeout    time.Duration `yaml:"build_timeout"`     // (default: 45s)
	CacheEnabled    bool          `yaml:"cache_enabled"`     // (default: true)
	CacheTTL        time.Duration `yaml:"cache_ttl"`         // (default: 30m)
	CacheMaxEntries int           `yaml:"cache_max_entries"` // (default: 256)
}

// SecurityConfig contains the identity gate settings.
type SecurityConfig struct {
	Mode        string `yaml:"mode"`         // development or production (default: development)
	JWTSecret   string `yaml:"jwt_secret"`   // HMAC key for bearer tokens; required in production
	JWTIssuer   string `yaml:"jwt_issuer"`   // Expected iss claim, if set
	JWTAudience string `yaml:"jwt_audience"` // Expected aud claim, if set
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or console (default: json)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Storage: StorageConfig{
			Engine:   EngineSQLite,
			DataPath: "./data",
		},
		Source: SourceConfig{
			ArxivURL:           "https://export.arxiv.org/api/query",
			ScholarURL:         "https://api.semanticscholar.org/graph/v1/paper",
			UserAgent:          "citegraph/1.0",
			AttemptTimeout:     10 * time.Second,
			MaxRetries:         3,
			RequestsPerSecond:  3,
			Burst:              1,
			FetchCitations:     true,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
			PaperCacheSize:     2048,
			PaperCacheTTL:      time.Hour,
		},
		Graph: GraphConfig{
			Workers:         6,
			BuildTimeout:    45 * time.Second,
			CacheEnabled:    true,
			CacheTTL:        30 * time.Minute,
			CacheMaxEntries: 256,
		},
		Security: SecurityConfig{
			Mode: ModeDevelopment,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (or CITEGRAPH_CONFIG when path is empty) and CITEGRAPH_ environment
// variables, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CITEGRAPH_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables; current values act as defaults.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("CITEGRAPH_PORT", c.Server.Port)
	c.Server.Host = getEnv("CITEGRAPH_HOST", c.Server.Host)
	c.Server.ReadTimeout = getEnvDuration("CITEGRAPH_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("CITEGRAPH_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("CITEGRAPH_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.CORSOrigins = getEnvList("CITEGRAPH_CORS_ORIGINS", c.Server.CORSOrigins)
	c.Server.RateLimitRPS = getEnvFloat("CITEGRAPH_RATE_LIMIT_RPS", c.Server.RateLimitRPS)
	c.Server.RateLimitBurst = getEnvInt("CITEGRAPH_RATE_LIMIT_BURST", c.Server.RateLimitBurst)

	c.Storage.Engine = getEnv("CITEGRAPH_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("CITEGRAPH_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("CITEGRAPH_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Source.ArxivURL = getEnv("CITEGRAPH_ARXIV_URL", c.Source.ArxivURL)
	c.Source.ScholarURL = getEnv("CITEGRAPH_SCHOLAR_URL", c.Source.ScholarURL)
	c.Source.ScholarAPIKey = getEnv("CITEGRAPH_SCHOLAR_API_KEY", c.Source.ScholarAPIKey)
	c.Source.UserAgent = getEnv("CITEGRAPH_USER_AGENT", c.Source.UserAgent)
	c.Source.AttemptTimeout = getEnvDuration("CITEGRAPH_ATTEMPT_TIMEOUT", c.Source.AttemptTimeout)
	c.Source.MaxRetries = getEnvInt("CITEGRAPH_MAX_RETRIES", c.Source.MaxRetries)
	c.Source.RequestsPerSecond = getEnvFloat("CITEGRAPH_REQUESTS_PER_SECOND", c.Source.RequestsPerSecond)
	c.Source.Burst = getEnvInt("CITEGRAPH_BURST", c.Source.Burst)
	c.Source.FetchCitations = getEnvBool("CITEGRAPH_FETCH_CITATIONS", c.Source.FetchCitations)
	c.Source.BreakerMaxFailures = getEnvInt("CITEGRAPH_BREAKER_MAX_FAILURES", c.Source.BreakerMaxFailures)
	c.Source.BreakerTimeout = getEnvDuration("CITEGRAPH_BREAKER_TIMEOUT", c.Source.BreakerTimeout)
	c.Source.PaperCacheSize = getEnvInt("CITEGRAPH_PAPER_CACHE_SIZE", c.Source.PaperCacheSize)
	c.Source.PaperCacheTTL = getEnvDuration("CITEGRAPH_PAPER_CACHE_TTL", c.Source.PaperCacheTTL)

	c.Graph.Workers = getEnvInt("CITEGRAPH_WORKERS", c.Graph.Workers)
	c.Graph.BuildTimeout = getEnvDuration("CITEGRAPH_BUILD_TIMEOUT", c.Graph.BuildTimeout)
	c.Graph.CacheEnabled = getEnvBool("CITEGRAPH_CACHE_ENABLED", c.Graph.CacheEnabled)
	c.Graph.CacheTTL = getEnvDuration("CITEGRAPH_CACHE_TTL", c.Graph.CacheTTL)
	c.Graph.CacheMaxEntries = getEnvInt("CITEGRAPH_CACHE_MAX_ENTRIES", c.Graph.CacheMaxEntries)

	c.Security.Mode = getEnv("CITEGRAPH_SECURITY_MODE", c.Security.Mode)
	c.Security.JWTSecret = getEnv("CITEGRAPH_JWT_SECRET", c.Security.JWTSecret)
	c.Security.JWTIssuer = getEnv("CITEGRAPH_JWT_ISSUER", c.Security.JWTIssuer)
	c.Security.JWTAudience = getEnv("CITEGRAPH_JWT_AUDIENCE", c.Security.JWTAudience)

	c.Log.Level = getEnv("CITEGRAPH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("CITEGRAPH_LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the application cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1 {
		errs = append(errs, errors.New("server rate limit must be positive"))
	}

	switch c.Storage.Engine {
	case EngineSQLite:
		if c.Storage.DataPath == "" {
			errs = append(errs, errors.New("storage data_path is required for sqlite"))
		}
	case EnginePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage postgres_dsn is required for postgres"))
		}
	case EngineNone:
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}

	if c.Source.ArxivURL == "" || c.Source.ScholarURL == "" {
		errs = append(errs, errors.New("source arxiv_url and scholar_url are required"))
	}
	if c.Source.RequestsPerSecond <= 0 || c.Source.Burst < 1 {
		errs = append(errs, errors.New("source rate limit must be positive"))
	}
	if c.Source.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("source attempt_timeout must be positive"))
	}

	if c.Graph.Workers < 1 {
		errs = append(errs, errors.New("graph workers must be at least 1"))
	}
	if c.Graph.BuildTimeout <= 0 {
		errs = append(errs, errors.New("graph build_timeout must be positive"))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Graph.BuildTimeout {
		errs = append(errs, fmt.Errorf("server write_timeout (%s) must exceed graph build_timeout (%s)",
			c.Server.WriteTimeout, c.Graph.BuildTimeout))
	}

	switch c.Security.Mode {
	case ModeDevelopment:
	case ModeProduction:
		if c.Security.JWTSecret == "" {
			errs = append(errs, errors.New("security jwt_secret is required in production mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown security mode %q", c.Security.Mode))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SQLitePath is the database file used by the sqlite engine.
func (c *Config) SQLitePath() string {
	return strings.TrimRight(c.Storage.DataPath, "/") + "/citegraph.db"
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "30s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
