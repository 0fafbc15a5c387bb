// Package app assembles the ledger, lock, publisher and reconciler from a
// Config. Both the HTTP server and the impagos CLI start from here, so a
// terminal behaves the same whichever surface it uses.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/config"
	"github.com/sakif/frontdesk/internal/handler"
	"github.com/sakif/frontdesk/internal/lock"
	"github.com/sakif/frontdesk/internal/notify"
	"github.com/sakif/frontdesk/internal/repository"
	"github.com/sakif/frontdesk/internal/repository/postgres"
	"github.com/sakif/frontdesk/internal/repository/sqlite"
	"github.com/sakif/frontdesk/internal/service"
)

const connectTimeout = 5 * time.Second

// App owns every long-lived dependency. Close releases them.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Ledger     repository.LedgerRepository
	Locker     lock.Locker
	Publisher  notify.Publisher
	Reconciler *service.Reconciler

	redis *redis.Client
	amqp  *notify.AMQP
}

// New opens the configured ledger and lock and builds the reconciler.
// A broker that cannot be reached is logged and replaced by notify.Discard;
// a ledger or lock backend that cannot be reached is an error.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Ledger = ledger

	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Publisher = notify.Discard{}
	if cfg.AMQPURL != "" {
		p, err := notify.NewAMQP(cfg.AMQPURL)
		if err != nil {
			logger.Warn("rabbitmq unavailable, sync events will not be published", slog.String("error", err.Error()))
		} else {
			a.amqp = p
			a.Publisher = p
		}
	}

	a.Reconciler = service.NewReconciler(a.Ledger, a.Locker, logger, service.ReconcilerOptions{
		Location:    cfg.Location,
		PhoneRegion: cfg.PhoneRegion,
		Publisher:   a.Publisher,
	})

	logger.Debug("app initialised",
		slog.String("ledger", cfg.LedgerBackend),
		slog.String("lock", cfg.ResolvedLockBackend()),
		slog.Bool("events", a.amqp != nil),
		slog.String("timezone", cfg.Location.String()),
	)
	return a, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (repository.LedgerRepository, error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: opening postgres ledger: %w", err)
		}
		return db, nil
	default:
		if err := ensureDir(cfg.DBPath); err != nil {
			return nil, err
		}
		db, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("app: opening sqlite ledger: %w", err)
		}
		return db, nil
	}
}

func (a *App) openLocker(ctx context.Context) error {
	cfg := a.Config
	switch cfg.ResolvedLockBackend() {
	case config.LockFile:
		if err := ensureDir(cfg.LockPath); err != nil {
			return err
		}
		a.Locker = lock.NewFile(cfg.LockPath, cfg.LockOptions)
	case config.LockRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("app: connecting to redis at %s: %w", cfg.RedisAddress, apperror.Unavailable("redis", err))
		}
		a.redis = rdb
		a.Locker = lock.NewRedis(rdb, cfg.RedisKey, cfg.LockOptions)
	case config.LockMutex:
		a.Locker = lock.NewMutex("ledger", cfg.LockOptions)
	default:
		a.Locker = lock.None()
	}
	return nil
}

// HealthChecks returns the dependency checks for /healthz. Dependencies that
// are not configured map to nil.
func (a *App) HealthChecks() map[string]handler.Check {
	checks := map[string]handler.Check{
		"ledger":   a.Ledger.Ping,
		"redis":    nil,
		"rabbitmq": nil,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.amqp != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !a.amqp.Healthy() {
				return errors.New("connection closed")
			}
			return nil
		}
	}
	return checks
}

// Close releases every dependency, ledger last.
func (a *App) Close() error {
	var errs []error
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	return errors.Join(errs...)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("app: creating directory %s: %w", dir, err)
	}
	return nil
}
