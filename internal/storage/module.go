package storage

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"pair_bot/internal/modules/config"
	"pair_bot/pkg/db"
	"pair_bot/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(
			func(lc fx.Lifecycle, ctx context.Context, cfg *config.Config) (CycleStore, error) {
				if cfg.DB == "" {
					logger.Info("storage: db_dsn is empty, cycle journal disabled")
					return NewNoop(), nil
				}

				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					return nil, err
				}

				manager := db.NewPgTxManager(poolMaster)
				store := NewPg(manager)

				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return store.Init(ctx)
					},
					OnStop: func(ctx context.Context) error {
						manager.Close()
						return nil
					},
				})

				return store, nil
			},
		),
	)
}
