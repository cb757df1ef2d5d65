// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DevTokenSecret is used when TOKEN_SECRET is unset outside production.
const DevTokenSecret = "dev-secret-change-in-production"

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverDuckDB   = "duckdb"
	DriverSQLite   = "sqlite"
)

var procedureNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// DatabaseConfig holds connection pool settings for the export service.
type DatabaseConfig struct {
	Driver          string        // postgres, mysql, duckdb or sqlite
	DSN             string        // driver-specific data source name
	Procedure       string        // stored procedure returning the report rows
	MaxOpenConns    int           // upper bound of concurrent connections
	MaxIdleConns    int           // idle connections kept warm
	ConnMaxLifetime time.Duration // recycle connections after this long
	ConnectTimeout  time.Duration // bound on startup reachability retries
	AcquireTimeout  time.Duration // bound on waiting for a free connection
	QueryTimeout    time.Duration // per-export query deadline (0 = none)
}

// TokenConfig holds the shared-secret contract between relay and export service.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// ExportConfig holds export service HTTP settings.
type ExportConfig struct {
	ListenAddr   string
	PageSize     int           // rows buffered by the stream writer before a commit
	DrainTimeout time.Duration // pool drain bound on shutdown
}

// RelayConfig holds relay (edge) settings.
type RelayConfig struct {
	ListenAddr         string
	UpstreamURL        *url.URL
	UpstreamTimeout    time.Duration // wait bound for upstream response headers
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
}

// Config is built once at startup and passed to every component that needs it.
type Config struct {
	Env             string // "development" (default) or "production"
	LogLevel        string // debug, info, warn, error
	ShutdownTimeout time.Duration

	Database DatabaseConfig
	Token    TokenConfig
	Export   ExportConfig
	Relay    RelayConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads the export service configuration from environment
// variables.
func LoadFromEnv() (*Config, error) {
	return load(true)
}

// LoadRelayFromEnv loads configuration for the relay, which never opens a
// database: the DB_* settings are not validated.
func LoadRelayFromEnv() (*Config, error) {
	return load(false)
}

func load(withDatabase bool) (*Config, error) {
	cfg := &Config{
		Env:      envDefault("ENV", "development"),
		LogLevel: envDefault("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Driver:    strings.ToLower(envDefault("DB_DRIVER", DriverPostgres)),
			DSN:       os.Getenv("DB_DSN"),
			Procedure: envDefault("REPORT_PROCEDURE", "generate_report"),
		},
		Token: TokenConfig{
			Secret:   os.Getenv("TOKEN_SECRET"),
			Issuer:   envDefault("TOKEN_ISSUER", "report-relay"),
			Audience: envDefault("TOKEN_AUDIENCE", "report-export"),
		},
		Export: ExportConfig{
			ListenAddr: envDefault("EXPORT_LISTEN_ADDR", ":8081"),
		},
		Relay: RelayConfig{
			ListenAddr: envDefault("RELAY_LISTEN_ADDR", ":8080"),
		},
	}

	var err error
	p := &envParser{}
	cfg.ShutdownTimeout = p.duration("SHUTDOWN_TIMEOUT", 45*time.Second)
	cfg.Database.MaxOpenConns = p.int("DB_MAX_OPEN_CONNS", 10)
	cfg.Database.MaxIdleConns = p.int("DB_MAX_IDLE_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.ConnMaxLifetime = p.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.Database.ConnectTimeout = p.duration("DB_CONNECT_TIMEOUT", 10*time.Second)
	cfg.Database.AcquireTimeout = p.duration("DB_ACQUIRE_TIMEOUT", 5*time.Second)
	cfg.Database.QueryTimeout = p.duration("DB_QUERY_TIMEOUT", 0)
	cfg.Token.TTL = p.duration("TOKEN_TTL", time.Minute)
	cfg.Export.PageSize = p.int("EXPORT_PAGE_SIZE", 256)
	cfg.Export.DrainTimeout = p.duration("EXPORT_DRAIN_TIMEOUT", 30*time.Second)
	cfg.Relay.UpstreamTimeout = p.duration("RELAY_UPSTREAM_TIMEOUT", 30*time.Second)
	cfg.Relay.RateLimitRPS = p.float("RATE_LIMIT_RPS", 10)
	cfg.Relay.RateLimitBurst = p.int("RATE_LIMIT_BURST", 20)
	if p.err != nil {
		return nil, p.err
	}

	cfg.Relay.UpstreamURL, err = url.Parse(envDefault("RELAY_UPSTREAM_URL", "http://localhost:8081"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_UPSTREAM_URL: %w", err)
	}
	if cfg.Relay.UpstreamURL.Scheme != "http" && cfg.Relay.UpstreamURL.Scheme != "https" {
		return nil, fmt.Errorf("RELAY_UPSTREAM_URL must be an http(s) URL, got %q", cfg.Relay.UpstreamURL.String())
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.Relay.CORSAllowedOrigins = compactNonEmpty(origins)
	}
	if len(cfg.Relay.CORSAllowedOrigins) == 0 {
		cfg.Relay.CORSAllowedOrigins = []string{"*"}
	}

	if cfg.Token.Secret == "" {
		cfg.Token.Secret = DevTokenSecret
		cfg.Warnings = append(cfg.Warnings, "TOKEN_SECRET not set, using insecure default. Set TOKEN_SECRET in production!")
	}

	if withDatabase {
		if err := cfg.validateDatabase(); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
		if c.Database.DSN == "" {
			return fmt.Errorf("DB_DSN is required for DB_DRIVER=%s", c.Database.Driver)
		}
	case DriverDuckDB:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (postgres, mysql, duckdb, sqlite)", c.Database.Driver)
	}
	if !procedureNameRe.MatchString(c.Database.Procedure) {
		return fmt.Errorf("REPORT_PROCEDURE %q is not a valid identifier", c.Database.Procedure)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		c.Database.MaxIdleConns = c.Database.MaxOpenConns
	}
	return nil
}

func (c *Config) validate() error {
	if c.Export.PageSize < 1 {
		return fmt.Errorf("EXPORT_PAGE_SIZE must be at least 1")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.Relay.UpstreamTimeout <= 0 {
		return fmt.Errorf("RELAY_UPSTREAM_TIMEOUT must be positive")
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() {
		if c.Token.Secret == DevTokenSecret {
			return fmt.Errorf("TOKEN_SECRET must be set in production (ENV=production)")
		}
		if len(c.Token.Secret) < 32 {
			return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes in production")
		}
		if len(c.Relay.CORSAllowedOrigins) == 1 && c.Relay.CORSAllowedOrigins[0] == "*" {
			return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}
	return nil
}

// envParser collects the first parse error so LoadFromEnv can read all
// numeric settings in one pass.
type envParser struct {
	err error
}

func (p *envParser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return def
	}
	return f
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return def
	}
	return d
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
