package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tracker/pkg/httputil"
	"github.com/platinummonkey/tracker/pkg/storage"
	"github.com/platinummonkey/tracker/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	CORSOrigins          []string `yaml:"cors_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`

	// Peers (IPs or CIDRs) whose X-Forwarded-For is believed; empty trusts none
	TrustedProxies []string `yaml:"trusted_proxies"`

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string `yaml:"health_port"`
}

// AuthConfig holds token, password hashing and identity cache settings
type AuthConfig struct {
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	PrivateKeyPath  string        `yaml:"private_key_path"`
	PublicKeyPath   string        `yaml:"public_key_path"`
	Issuer          string        `yaml:"issuer"`
	ClockLeeway     time.Duration `yaml:"clock_leeway"`
	StrictRotation  bool          `yaml:"strict_rotation"`

	Argon2Time        uint32 `yaml:"argon2_time"`
	Argon2Memory      uint32 `yaml:"argon2_memory"` // KiB
	Argon2Parallelism uint8  `yaml:"argon2_parallelism"`

	IdentityCacheSize int           `yaml:"identity_cache_size"`
	IdentityCacheTTL  time.Duration `yaml:"identity_cache_ttl"`
}

// RateLimitConfig holds the sliding window and lockout thresholds
type RateLimitConfig struct {
	GlobalRequests   int           `yaml:"global_requests"`
	GlobalWindow     time.Duration `yaml:"global_window"`
	LoginAttempts    int           `yaml:"login_attempts"`
	LoginWindow      time.Duration `yaml:"login_window"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutDuration  time.Duration `yaml:"lockout_duration"`
	LockoutWindow    time.Duration `yaml:"lockout_window"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Environment    string `yaml:"environment"` // development, staging, production
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // text or json
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORSOrigins:     []string{"http://localhost:3000"},
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Auth: AuthConfig{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   7 * 24 * time.Hour,
			PrivateKeyPath:    "keys/private.pem",
			PublicKeyPath:     "keys/public.pem",
			StrictRotation:    true,
			Argon2Time:        3,
			Argon2Memory:      64 * 1024,
			Argon2Parallelism: 4,
			IdentityCacheSize: 1024,
			IdentityCacheTTL:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			GlobalRequests:   100,
			GlobalWindow:     60 * time.Second,
			LoginAttempts:    5,
			LoginWindow:      60 * time.Second,
			LockoutThreshold: 5,
			LockoutDuration:  900 * time.Second,
			LockoutWindow:    60 * time.Second,
		},
		Observability: ObservabilityConfig{
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "text",
			MetricsEnabled: true,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and TRACKER_* environment variables, in that order. configFile names the
// YAML file; when empty TRACKER_CONFIG_FILE is consulted. A .env file in the
// working directory seeds the environment when present.
func LoadConfig(configFile string) (*Config, error) {
	envFile := getEnv("TRACKER_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg := Default()

	if configFile == "" {
		configFile = os.Getenv("TRACKER_CONFIG_FILE")
	}
	if configFile != "" {
		if err := cfg.loadFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays a YAML file on cfg. Keys absent from the file keep their
// current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("TRACKER_HOST", s.Host)
	s.Port = getEnv("TRACKER_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("TRACKER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TRACKER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TRACKER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TRACKER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("TRACKER_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.HealthPort = getEnv("TRACKER_HEALTH_PORT", s.HealthPort)
	if origins := os.Getenv("TRACKER_CORS_ORIGINS"); origins != "" {
		s.CORSOrigins = splitList(origins)
	}
	s.CORSAllowCredentials = getEnvBool("TRACKER_CORS_ALLOW_CREDENTIALS", s.CORSAllowCredentials)
	if proxies := os.Getenv("TRACKER_TRUSTED_PROXIES"); proxies != "" {
		s.TrustedProxies = splitList(proxies)
	}

	st := &c.Storage
	st.Type = getEnv("TRACKER_STORAGE_TYPE", st.Type)
	st.PostgresURL = getEnv("TRACKER_POSTGRES_URL", st.PostgresURL)
	if replicaURLs := os.Getenv("TRACKER_POSTGRES_REPLICA_URLS"); replicaURLs != "" {
		st.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	st.PostgresMaxConns = getEnvInt("TRACKER_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("TRACKER_POSTGRES_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("TRACKER_POSTGRES_TIMEOUT", st.PostgresTimeout)
	st.PostgresMaxLifetime = getEnvDuration("TRACKER_POSTGRES_MAX_LIFETIME", st.PostgresMaxLifetime)
	st.RedisURL = getEnv("TRACKER_REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv("TRACKER_REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt("TRACKER_REDIS_DB", st.RedisDB)
	st.RedisMaxRetries = getEnvInt("TRACKER_REDIS_MAX_RETRIES", st.RedisMaxRetries)
	st.RedisPoolSize = getEnvInt("TRACKER_REDIS_POOL_SIZE", st.RedisPoolSize)

	a := &c.Auth
	a.AccessTokenTTL = getEnvDuration("TRACKER_ACCESS_TOKEN_TTL", a.AccessTokenTTL)
	a.RefreshTokenTTL = getEnvDuration("TRACKER_REFRESH_TOKEN_TTL", a.RefreshTokenTTL)
	a.PrivateKeyPath = getEnv("TRACKER_JWT_PRIVATE_KEY_PATH", a.PrivateKeyPath)
	a.PublicKeyPath = getEnv("TRACKER_JWT_PUBLIC_KEY_PATH", a.PublicKeyPath)
	a.Issuer = getEnv("TRACKER_JWT_ISSUER", a.Issuer)
	a.ClockLeeway = getEnvDuration("TRACKER_JWT_LEEWAY", a.ClockLeeway)
	a.StrictRotation = getEnvBool("TRACKER_STRICT_REFRESH_ROTATION", a.StrictRotation)
	a.Argon2Time = uint32(getEnvInt("TRACKER_ARGON2_TIME", int(a.Argon2Time)))
	a.Argon2Memory = uint32(getEnvInt("TRACKER_ARGON2_MEMORY", int(a.Argon2Memory)))
	a.Argon2Parallelism = uint8(getEnvInt("TRACKER_ARGON2_PARALLELISM", int(a.Argon2Parallelism)))
	a.IdentityCacheSize = getEnvInt("TRACKER_IDENTITY_CACHE_SIZE", a.IdentityCacheSize)
	a.IdentityCacheTTL = getEnvDuration("TRACKER_IDENTITY_CACHE_TTL", a.IdentityCacheTTL)

	r := &c.RateLimit
	r.GlobalRequests = getEnvInt("TRACKER_RATE_LIMIT_REQUESTS", r.GlobalRequests)
	r.GlobalWindow = getEnvDuration("TRACKER_RATE_LIMIT_WINDOW", r.GlobalWindow)
	r.LoginAttempts = getEnvInt("TRACKER_LOGIN_RATE_LIMIT_ATTEMPTS", r.LoginAttempts)
	r.LoginWindow = getEnvDuration("TRACKER_LOGIN_RATE_LIMIT_WINDOW", r.LoginWindow)
	r.LockoutThreshold = getEnvInt("TRACKER_LOCKOUT_THRESHOLD", r.LockoutThreshold)
	r.LockoutDuration = getEnvDuration("TRACKER_LOCKOUT_DURATION", r.LockoutDuration)
	r.LockoutWindow = getEnvDuration("TRACKER_LOCKOUT_WINDOW", r.LockoutWindow)

	o := &c.Observability
	o.Environment = getEnv("TRACKER_ENVIRONMENT", o.Environment)
	o.LogLevel = getEnv("TRACKER_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("TRACKER_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("TRACKER_METRICS_ENABLED", o.MetricsEnabled)
}

// IsProduction reports whether the service runs in the production environment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Observability.Environment, "production")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if _, err := httputil.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return fmt.Errorf("refresh token TTL (%v) must exceed access token TTL (%v)", c.Auth.RefreshTokenTTL, c.Auth.AccessTokenTTL)
	}
	if c.Auth.PrivateKeyPath == "" {
		return fmt.Errorf("JWT private key path is required")
	}
	if c.Auth.Argon2Time == 0 || c.Auth.Argon2Memory == 0 || c.Auth.Argon2Parallelism == 0 {
		return fmt.Errorf("argon2 cost parameters must be positive")
	}
	if c.Auth.ClockLeeway < 0 {
		return fmt.Errorf("clock leeway must not be negative")
	}

	r := c.RateLimit
	if r.GlobalRequests <= 0 || r.GlobalWindow <= 0 {
		return fmt.Errorf("global rate limit must be positive")
	}
	if r.LoginAttempts <= 0 || r.LoginWindow <= 0 {
		return fmt.Errorf("login rate limit must be positive")
	}
	if r.LockoutThreshold <= 0 || r.LockoutDuration <= 0 || r.LockoutWindow <= 0 {
		return fmt.Errorf("lockout policy must be positive")
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	return nil
}

// splitList splits a comma-separated value, dropping blanks
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
