// Package config reads the service configuration from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables always win over it.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/frontdesk/internal/auth"
	"github.com/sakif/frontdesk/internal/lock"
)

// Ledger backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Lock backends. LockAuto picks a file lock for sqlite, and redis (when
// REDIS_ADDRESS is set) or no lock for postgres.
const (
	LockAuto  = "auto"
	LockFile  = "file"
	LockRedis = "redis"
	LockMutex = "mutex"
	LockNone  = "none"
)

type Config struct {
	Port int

	LedgerBackend string
	DBPath        string
	DatabaseURL   string

	LockBackend   string
	LockPath      string
	LockOptions   lock.Options
	RedisAddress  string
	RedisPassword string
	RedisKey      string

	AMQPURL string

	Timezone    string
	Location    *time.Location
	PhoneRegion string

	JWTSecret   string
	TokenTTL    time.Duration
	Operators   map[string]string
	CORSOrigins []string

	LogLevel  slog.Level
	LogFormat string
}

// Load reads files (".env" when none are given) into the process
// environment without overriding variables already set, then builds the
// Config. A missing default .env is not an error; a missing explicit file is.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: loading .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", strings.Join(files, ", "), err)
	}
	return FromEnv()
}

// FromEnv builds the Config from the current environment only.
func FromEnv() (*Config, error) {
	port, err := intFromEnv("PORT", 8080)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:          port,
		LedgerBackend: strings.ToLower(stringFromEnv("LEDGER_BACKEND", BackendSQLite)),
		DBPath:        stringFromEnv("DB_PATH", filepath.Join("data", "impagos.db")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		LockBackend:   strings.ToLower(stringFromEnv("LOCK_BACKEND", LockAuto)),
		RedisAddress:  os.Getenv("REDIS_ADDRESS"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisKey:      stringFromEnv("REDIS_LOCK_KEY", lock.DefaultRedisKey),
		AMQPURL:       os.Getenv("AMQP_URL"),
		Timezone:      stringFromEnv("TIMEZONE", "Local"),
		PhoneRegion:   stringFromEnv("PHONE_REGION", "ES"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		CORSOrigins:   listFromEnv("CORS_ORIGINS"),
		LogFormat:     strings.ToLower(stringFromEnv("LOG_FORMAT", "text")),
	}
	cfg.LockPath = stringFromEnv("LOCK_PATH", cfg.DBPath+".lock")

	def := lock.DefaultOptions()
	if cfg.LockOptions.StaleAfter, err = durationFromEnv("LOCK_STALE_AFTER", def.StaleAfter); err != nil {
		return nil, err
	}
	if cfg.LockOptions.Attempts, err = intFromEnv("LOCK_ATTEMPTS", def.Attempts); err != nil {
		return nil, err
	}
	if cfg.LockOptions.Backoff, err = durationFromEnv("LOCK_BACKOFF", def.Backoff); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = durationFromEnv("TOKEN_TTL", auth.DefaultTokenTTL); err != nil {
		return nil, err
	}

	if cfg.Location, err = time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("config: TIMEZONE %q: %w", cfg.Timezone, err)
	}
	if cfg.Operators, err = auth.ParseOperators(os.Getenv("OPERATORS")); err != nil {
		return nil, fmt.Errorf("config: OPERATORS: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(stringFromEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			return errors.New("config: DB_PATH must not be empty")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when LEDGER_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: unknown LEDGER_BACKEND %q (want sqlite or postgres)", c.LedgerBackend)
	}

	switch c.LockBackend {
	case LockAuto, LockFile, LockMutex, LockNone:
	case LockRedis:
		if c.RedisAddress == "" {
			return errors.New("config: REDIS_ADDRESS is required when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: unknown LOCK_BACKEND %q", c.LockBackend)
	}

	if c.LockOptions.Attempts < 1 {
		return errors.New("config: LOCK_ATTEMPTS must be at least 1")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown LOG_FORMAT %q (want text or json)", c.LogFormat)
	}
	return nil
}

// ResolvedLockBackend turns LockAuto into a concrete backend.
func (c *Config) ResolvedLockBackend() string {
	if c.LockBackend != LockAuto {
		return c.LockBackend
	}
	if c.LedgerBackend == BackendSQLite {
		return LockFile
	}
	if c.RedisAddress != "" {
		return LockRedis
	}
	return LockNone
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

// durationFromEnv accepts Go durations ("90s", "2m") and plain integers,
// read as seconds.
func durationFromEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	return d, nil
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
