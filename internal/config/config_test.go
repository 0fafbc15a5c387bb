package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/frontdesk/internal/auth"
)

var keys = []string{
	"PORT", "LEDGER_BACKEND", "DB_PATH", "DATABASE_URL", "LOCK_BACKEND", "LOCK_PATH",
	"LOCK_STALE_AFTER", "LOCK_ATTEMPTS", "LOCK_BACKOFF", "REDIS_ADDRESS", "REDIS_PASSWORD",
	"REDIS_LOCK_KEY", "AMQP_URL", "TIMEZONE", "PHONE_REGION", "JWT_SECRET", "TOKEN_TTL",
	"OPERATORS", "CORS_ORIGINS", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every variable the package reads; t.Setenv restores the
// original values when the test ends.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BackendSQLite, cfg.LedgerBackend)
	assert.Equal(t, filepath.Join("data", "impagos.db"), cfg.DBPath)
	assert.Equal(t, cfg.DBPath+".lock", cfg.LockPath)
	assert.Equal(t, LockAuto, cfg.LockBackend)
	assert.Equal(t, LockFile, cfg.ResolvedLockBackend())
	assert.Equal(t, 120*time.Second, cfg.LockOptions.StaleAfter)
	assert.Equal(t, 25, cfg.LockOptions.Attempts)
	assert.Equal(t, 200*time.Millisecond, cfg.LockOptions.Backoff)
	assert.Equal(t, time.Local, cfg.Location)
	assert.Equal(t, "ES", cfg.PhoneRegion)
	assert.Equal(t, auth.DefaultTokenTTL, cfg.TokenTTL)
	assert.Empty(t, cfg.Operators)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	hash, err := auth.NewPasswordServiceForTest(4).Hash("secret")
	require.NoError(t, err)

	t.Setenv("PORT", "9000")
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/impagos?sslmode=disable")
	t.Setenv("LOCK_STALE_AFTER", "90")
	t.Setenv("LOCK_BACKOFF", "50ms")
	t.Setenv("LOCK_ATTEMPTS", "3")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("OPERATORS", "maria:"+hash)
	t.Setenv("CORS_ORIGINS", "http://recepcion-1, http://recepcion-2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.LedgerBackend)
	assert.Equal(t, LockNone, cfg.ResolvedLockBackend())
	assert.Equal(t, 90*time.Second, cfg.LockOptions.StaleAfter)
	assert.Equal(t, 50*time.Millisecond, cfg.LockOptions.Backoff)
	assert.Equal(t, 3, cfg.LockOptions.Attempts)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, map[string]string{"maria": hash}, cfg.Operators)
	assert.Equal(t, []string{"http://recepcion-1", "http://recepcion-2"}, cfg.CORSOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestResolvedLockBackend_PostgresWithRedis(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/impagos")
	t.Setenv("REDIS_ADDRESS", "localhost:6379")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, LockRedis, cfg.ResolvedLockBackend())

	cfg.LockBackend = LockMutex
	assert.Equal(t, LockMutex, cfg.ResolvedLockBackend())
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port not a number", map[string]string{"PORT": "eighty"}},
		{"unknown backend", map[string]string{"LEDGER_BACKEND": "mysql"}},
		{"postgres without url", map[string]string{"LEDGER_BACKEND": "postgres"}},
		{"unknown lock", map[string]string{"LOCK_BACKEND": "zookeeper"}},
		{"redis lock without address", map[string]string{"LOCK_BACKEND": "redis"}},
		{"zero attempts", map[string]string{"LOCK_ATTEMPTS": "0"}},
		{"bad duration", map[string]string{"LOCK_BACKOFF": "soon"}},
		{"bad timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}},
		{"bad operators", map[string]string{"OPERATORS": "maria:plaintext"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9191\nPHONE_REGION=PT\n"), 0o600))
	t.Setenv("PHONE_REGION", "FR")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "FR", cfg.PhoneRegion, "real environment wins over the file")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
