package app

import (
	"context"
	"fmt"

	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/blueflame567/SyllabTrack/app/store"

	"go.uber.org/zap"
)

// openStore connects to Postgres and applies the schema. Without
// POSTGRES_URL it falls back to the in-memory store, which loses everything
// on restart.
func openStore(ctx context.Context, cfg config.PostgresConfig, log *zap.Logger) (store.Store, func() error, error) {
	if !cfg.Enabled() {
		log.Warn("POSTGRES_URL not set, using in-memory store")
		return store.NewMemory(), func() error { return nil }, nil
	}

	pg, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	log.Info("connected to postgres", zap.String("host", cfg.URL), zap.String("database", cfg.Database))
	return pg, pg.Close, nil
}
