package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
)

// Open builds the record store selected by cfg.Driver and prepares its
// schema. The caller owns the returned store and must Close it.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (RecordStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory record store")
		return NewMemoryStore(), nil

	case "sqlite":
		logger.Info("using sqlite record store", zap.String("path", cfg.SQLitePath))
		return NewSQLiteStore(cfg.SQLitePath)

	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("record store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("record store: ping: %w", err)
		}
		s := NewPgStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("using postgres record store")
		return s, nil

	case "mongo":
		uri := cfg.DSN()
		if uri == "" {
			return nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
		}
		s, err := NewMongoStore(ctx, uri, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info("using mongo record store", zap.String("database", cfg.MongoDatabase))
		return s, nil
	}
	return nil, fmt.Errorf("record store: unsupported driver %q", cfg.Driver)
}
