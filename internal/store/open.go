package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
)

// Open builds the KV backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (KV, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, err
		}
		return NewRedisKV(rdb), nil
	case config.StoreSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		kv, err := NewSQLiteKV(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return kv, nil
	case config.StoreMemory:
		log.Warn().Msg("memory store selected, session flags will not survive a restart")
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
