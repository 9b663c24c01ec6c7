package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"pair_bot/internal/exchange"
	"pair_bot/internal/lifecycle"
	"pair_bot/internal/models"
	"pair_bot/internal/modules/config"
	"pair_bot/internal/modules/health/service"
	"pair_bot/internal/notify"
	"pair_bot/internal/retry"
	"pair_bot/internal/storage"
)

// NewFactory — боевая фабрика раннеров: по клиенту на каждую учётку пары,
// общий клиент основного счёта, общий фид цен.
func NewFactory(cfg *config.Config, feed *exchange.MarketFeed, store storage.CycleStore, notifier notify.Notifier) (Factory, error) {
	mainGW, err := exchange.NewClient(cfg.BaseURL, cfg.API.Key, cfg.API.Secret, feed)
	if err != nil {
		return nil, fmt.Errorf("NewFactory: main account client: %w", err)
	}
	main := &lifecycle.Account{
		Name:    "main",
		Address: cfg.MainAccount.Address,
		Gateway: mainGW,
	}

	lcCfg := lifecycle.Config{
		Symbol:        cfg.Symbol,
		Deposit:       cfg.Deposit(),
		Leverage:      cfg.Leverage,
		CheckInterval: cfg.CheckInterval(),
		StartDelayMax: cfg.PairStartDelayMax(),
		MaxMonitor:    cfg.MaxMonitorDuration(),
		SweepMin:      cfg.SweepMinAmount(),
		ShutdownGrace: cfg.ShutdownGrace(),
	}

	return func(pc models.PairConfig) (PairRunner, error) {
		shortGW, err := exchange.NewClient(cfg.BaseURL, pc.ShortAccount.APIKey, pc.ShortAccount.APISecret, feed)
		if err != nil {
			return nil, fmt.Errorf("pair %s: short client: %w", pc.Name(), err)
		}
		longGW, err := exchange.NewClient(cfg.BaseURL, pc.LongAccount.APIKey, pc.LongAccount.APISecret, feed)
		if err != nil {
			return nil, fmt.Errorf("pair %s: long client: %w", pc.Name(), err)
		}

		caller := retry.NewCaller(retry.Config{
			Label:       pc.Name(),
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: retry.Backoff{
				Min:    cfg.BackoffMin(),
				Max:    cfg.BackoffMax(),
				Factor: 2,
			},
			JitterMin: cfg.ActionDelayMin(),
			JitterMax: cfg.ActionDelayMax(),
			Transient: exchange.IsTransient,
		})

		deps := lifecycle.Deps{
			Short: &lifecycle.Account{
				Name:    pc.ShortAccount.Name,
				Address: pc.ShortAccount.Address,
				Role:    models.SideShort,
				Gateway: shortGW,
			},
			Long: &lifecycle.Account{
				Name:    pc.LongAccount.Name,
				Address: pc.LongAccount.Address,
				Role:    models.SideLong,
				Gateway: longGW,
			},
			Main:     main,
			Caller:   caller,
			Sleeper:  retry.NewSleeper(),
			Store:    store,
			Notifier: notifier,
		}

		return lifecycle.New(pc.Name(), lcCfg, deps), nil
	}, nil
}

func Module() fx.Option {
	return fx.Module("orchestrator",
		fx.Provide(
			NewFactory,
			func(cfg *config.Config, factory Factory, notifier notify.Notifier) *Orchestrator {
				return New(cfg.Pairs, factory, notifier, cfg.RestartDelay())
			},
		),
		fx.Invoke(
			func(lc fx.Lifecycle, ctx context.Context, o *Orchestrator, cfg *config.Config, state *service.State) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						// пары живут на долгом ctx приложения, не на ctx хука
						if err := o.Start(ctx); err != nil {
							return err
						}
						state.SetPairStates(o.States)
						state.SetReady(true)
						return nil
					},
					OnStop: func(stopCtx context.Context) error {
						state.SetReady(false)
						graceCtx, cancel := context.WithTimeout(stopCtx, cfg.ShutdownGrace())
						defer cancel()
						return o.Stop(graceCtx)
					},
				})
			},
		),
	)
}
