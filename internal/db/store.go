package db

import (
	"context"
	"os"
	"path/filepath"

	"TronPayWatch/internal/config"
	"TronPayWatch/internal/store"
)

// OpenStore opens the order store selected by db.driver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DB.Driver == config.DriverPostgres {
		pool, err := Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
		return nil, err
	}
	return store.NewBolt(cfg.DB.Path)
}
