package configstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/aegis-router/internal/config"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Open builds the Store for the configured backend and loads it. The returned
// close function releases backend resources such as the database pool.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, func(), error) {
	switch cfg.Store.Backend {
	case "", BackendFile:
		s := New(NewFilePersister(cfg.Store.Path), logger)
		if err := s.Load(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	case BackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("parse database config: %w", err)
		}
		if cfg.Database.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		s := New(NewPostgresPersister(pool), logger)
		if err := s.Load(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (use %s or %s)", cfg.Store.Backend, BackendFile, BackendPostgres)
	}
}

// Follow keeps the store in sync with edits made outside this process until
// ctx is done. The file backend is watched and the postgres backend polled,
// both in the background.
func (s *Store) Follow(ctx context.Context, cfg config.StoreConfig) error {
	if fp, ok := s.persister.(*FilePersister); ok {
		return s.Watch(ctx, fp.Path(), cfg.WatchDebounce)
	}
	if cfg.PollInterval > 0 {
		go s.Poll(ctx, cfg.PollInterval)
	}
	return nil
}
