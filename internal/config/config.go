// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minSecretLen is the minimum length of an HMAC signing secret after resolution.
const minSecretLen = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxConns caps the pgx pool size; 0 keeps the pgx default.
	DBMaxConns int32 `mapstructure:"DB_MAX_CONNS"`
	// DBConnectAttempts is how many times startup retries the initial database ping.
	DBConnectAttempts uint `mapstructure:"DB_CONNECT_ATTEMPTS"`

	// RedisAddr is the host:port of the session cache. Empty disables the cache entirely.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional AUTH password for the cache.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB selects the logical Redis database.
	RedisDB int `mapstructure:"REDIS_DB"`
	// CacheMonitorInterval is how often the background probe refreshes cache liveness (e.g. "15s").
	CacheMonitorInterval string `mapstructure:"CACHE_MONITOR_INTERVAL"`
	// CacheViewTTL bounds how long a view repopulated on the request path stays cached (e.g. "1h").
	CacheViewTTL string `mapstructure:"CACHE_VIEW_TTL"`

	// JWTAccessSecret signs access tokens. Inline value or "file:<path>".
	JWTAccessSecret string `mapstructure:"JWT_ACCESS_SECRET"`
	// JWTRefreshSecret signs refresh tokens. Must differ from JWTAccessSecret.
	JWTRefreshSecret string `mapstructure:"JWT_REFRESH_SECRET"`
	// JWTIssuer is the iss claim set on every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "720h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// SessionTTL is the absolute session lifetime set at login (e.g. "720h").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// LogFile, when set, enables rotating file output in addition to stdout.
	LogFile string `mapstructure:"LOG_FILE"`
	// LogMaxSizeMB is the rotation threshold for LogFile.
	LogMaxSizeMB int `mapstructure:"LOG_MAX_SIZE_MB"`
	// LogMaxBackups is how many rotated files are kept.
	LogMaxBackups int `mapstructure:"LOG_MAX_BACKUPS"`
	// LogMaxAgeDays is how long rotated files are kept.
	LogMaxAgeDays int `mapstructure:"LOG_MAX_AGE_DAYS"`

	// CORSAllowedOrigins is a comma-separated origin allow-list; empty disables CORS handling.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is reported as service.name on telemetry.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 0)
	v.SetDefault("DB_CONNECT_ATTEMPTS", 5)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_MONITOR_INTERVAL", "15s")
	v.SetDefault("CACHE_VIEW_TTL", "1h")
	v.SetDefault("JWT_ACCESS_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("JWT_ISSUER", "device-sessions")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "720h") // 30d
	v.SetDefault("SESSION_TTL", "720h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 50)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "device-sessions")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		return nil, errors.New("config: LOG_FORMAT must be text or json")
	}

	if cfg.DBConnectAttempts == 0 {
		cfg.DBConnectAttempts = 1
	}

	return &cfg, nil
}

// ValidateSecrets checks the resolved signing secrets. Called by the server binary only,
// so tooling such as cmd/migrate can run without token configuration.
func ValidateSecrets(access, refresh []byte) error {
	if len(access) < minSecretLen {
		return errors.New("config: JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if len(refresh) < minSecretLen {
		return errors.New("config: JWT_REFRESH_SECRET must be at least 32 bytes")
	}
	if string(access) == string(refresh) {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	return nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 720h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 720*time.Hour)
}

// SessionLifetime parses SessionTTL. Returns 720h if unset or invalid.
func (c *Config) SessionLifetime() time.Duration {
	return parseDuration(c.SessionTTL, 720*time.Hour)
}

// CacheMonitorEvery parses CacheMonitorInterval. Returns 15s if unset or invalid.
func (c *Config) CacheMonitorEvery() time.Duration {
	return parseDuration(c.CacheMonitorInterval, 15*time.Second)
}

// ViewTTL parses CacheViewTTL. Returns 1h if unset or invalid.
func (c *Config) ViewTTL() time.Duration {
	return parseDuration(c.CacheViewTTL, time.Hour)
}

// CacheEnabled reports whether a cache address is configured.
func (c *Config) CacheEnabled() bool {
	return c != nil && strings.TrimSpace(c.RedisAddr) != ""
}

// CORSOriginsList returns allowed CORS origins from the comma-separated config.
func (c *Config) CORSOriginsList() []string {
	if c == nil || c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
