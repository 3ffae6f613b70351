// Package config loads fleettrack configuration in layers: struct defaults,
// an optional YAML file, then environment variables. Later layers win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"fleettrack/internal/auth"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/cache"
	"fleettrack/internal/pool"
)

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Database  DatabaseConfig   `koanf:"database"`
	Redis     RedisConfig      `koanf:"redis"`
	Auth      auth.Config      `koanf:"auth"`
	Logging   LoggingConfig    `koanf:"logging"`
	Cache     cache.Config     `koanf:"cache"`
	Broadcast broadcast.Config `koanf:"broadcast"`
	RateLimit RateLimitConfig  `koanf:"ratelimit"`
	SeedPath  string           `koanf:"seed_path"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	SSEHeartbeat      time.Duration `koanf:"sse_heartbeat"`
	WSPongWait        time.Duration `koanf:"ws_pong_wait"`
	WSPingPeriod      time.Duration `koanf:"ws_ping_period"`
}

// Addr is the listen address for Port.
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

type DatabaseConfig struct {
	// URL selects the Postgres store. Empty runs on the in-memory store.
	URL           string      `koanf:"url"`
	Migrate       bool        `koanf:"migrate"`
	MigrationsDir string      `koanf:"migrations_dir"`
	Pool          pool.Config `koanf:"pool"`
}

type RedisConfig struct {
	URL           string `koanf:"url"`
	ChannelPrefix string `koanf:"channel_prefix"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// RateLimitConfig bounds location ingest per operator.
type RateLimitConfig struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			SSEHeartbeat:      15 * time.Second,
			WSPongWait:        60 * time.Second,
			WSPingPeriod:      54 * time.Second,
		},
		Database: DatabaseConfig{
			MigrationsDir: "db/migrations",
			Pool:          pool.DefaultConfig(),
		},
		Redis:     RedisConfig{ChannelPrefix: "fleettrack:"},
		Auth:      auth.Config{Mode: "dev", VehicleClaim: "vehicle", RoleClaim: "role", JWKSCacheTTL: 10 * time.Minute},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Cache:     cache.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		RateLimit: RateLimitConfig{PerSecond: 5, Burst: 10},
	}
}

var defaultConfigPaths = []string{"config.yaml", "config.yml", "/etc/fleettrack/config.yaml"}

// Load builds the configuration from defaults, the config file named by
// CONFIG_PATH (or the first default path that exists) and the environment.
func Load() (*Config, error) {
	return load(findConfigFile(), nil)
}

func load(path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	var envProvider koanf.Provider = env.ProviderWithValue("", ".", envValue)
	if environ != nil {
		envProvider = confmap.Provider(envMap(environ()), ".")
	}
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envValue(key, value string) (string, any) {
	return envTransformFunc(key), value
}

// envMap keys an explicit KEY=value list the way the environment provider
// keys the process environment. Unknown variables are dropped.
func envMap(environ []string) map[string]any {
	out := map[string]any{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key := envTransformFunc(k); key != "" {
			out[key] = v
		}
	}
	return out
}

func findConfigFile() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var legacyEnv = map[string]string{
	"port":             "server.port",
	"database_url":     "database.url",
	"db_migrate":       "database.migrate",
	"redis_url":        "redis.url",
	"auth_mode":        "auth.mode",
	"auth_hmac_secret": "auth.hmac_secret",
	"auth_jwks_url":    "auth.jwks_url",
	"log_level":        "logging.level",
	"log_format":       "logging.format",
	"seed_path":        "seed_path",
}

// Longest prefix first so database_pool_ wins over database_.
var sectionPrefixes = []string{
	"database_pool_",
	"server_",
	"database_",
	"redis_",
	"auth_",
	"logging_",
	"cache_",
	"broadcast_",
	"ratelimit_",
}

// envTransformFunc maps an environment variable name to a koanf key. Unknown
// variables map to "" and are skipped.
func envTransformFunc(s string) string {
	key := strings.ToLower(s)
	if mapped, ok := legacyEnv[key]; ok {
		return mapped
	}
	rest, ok := strings.CutPrefix(key, "fleet_")
	if !ok {
		return ""
	}
	if rest == "seed_path" {
		return rest
	}
	for _, p := range sectionPrefixes {
		if field, ok := strings.CutPrefix(rest, p); ok && field != "" {
			return strings.ReplaceAll(strings.TrimSuffix(p, "_"), "_", ".") + "." + field
		}
	}
	return ""
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.WSPingPeriod >= c.Server.WSPongWait {
		errs = append(errs, fmt.Errorf("server.ws_ping_period %s must be shorter than ws_pong_wait %s", c.Server.WSPingPeriod, c.Server.WSPongWait))
	}
	if c.Server.SSEHeartbeat <= 0 {
		errs = append(errs, errors.New("server.sse_heartbeat must be positive"))
	}
	switch strings.ToLower(c.Auth.Mode) {
	case "dev", "":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret is required in hmac mode"))
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwks_url is required in jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q must be dev, hmac or jwks", c.Auth.Mode))
	}
	p := c.Database.Pool
	if p.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("database.pool.max_open_conns must be positive"))
	}
	if p.MaxIdleConns > p.MaxOpenConns {
		errs = append(errs, fmt.Errorf("database.pool.max_idle_conns %d exceeds max_open_conns %d", p.MaxIdleConns, p.MaxOpenConns))
	}
	if p.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("database.pool.acquire_timeout must be positive"))
	}
	if p.MaxUtilization <= 0 || p.MaxUtilization > 1 {
		errs = append(errs, fmt.Errorf("database.pool.max_utilization %.2f must be in (0,1]", p.MaxUtilization))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("ratelimit.per_second and ratelimit.burst must be positive"))
	}
	return errors.Join(errs...)
}
