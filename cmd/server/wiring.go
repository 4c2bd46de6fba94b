package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/creditguard/config"
	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/credit/store"
	"github.com/warp/creditguard/lock"
	"github.com/warp/creditguard/store/mysql"
	"github.com/warp/creditguard/store/sqlite"
)

// app is the set of long-lived dependencies shared by every command.
type app struct {
	store  credit.Backend
	engine *credit.Engine
	locker lock.Locker

	closers []func() error
	logger  logrus.FieldLogger
}

func newApp(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*app, error) {
	a := &app{logger: logger}

	backend, closeStore, err := openBackend(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.store = backend
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.locker = locker
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	a.engine = credit.NewEngine(backend,
		credit.WithConfig(cfg.CreditConfig()),
		credit.WithLogger(logger.WithField("module", "credit")),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}

// openBackend builds the store selected by database.driver.
func openBackend(cfg config.DatabaseConfig, logger logrus.FieldLogger) (credit.Backend, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil, nil
	case "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, nil, fmt.Errorf("sqlite data dir: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, s.Close, nil
	case "mysql":
		s, err := mysql.Open(mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}, logger.WithField("module", "mysql"))
		if err != nil {
			return nil, nil, fmt.Errorf("mysql: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// newLocker returns a Redis-backed locker when redis.addr is set and an
// in-process one otherwise.
func newLocker(ctx context.Context, cfg config.RedisConfig) (lock.Locker, func() error, error) {
	if cfg.Addr == "" {
		return lock.NewLocalLocker(), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return lock.NewRedisLocker(rdb, "creditguard:"), rdb.Close, nil
}
