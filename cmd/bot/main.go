package main

import (
	"context"
	"time"

	"go.uber.org/fx"

	"pair_bot/internal/exchange"
	"pair_bot/internal/modules/config"
	"pair_bot/internal/modules/health"
	"pair_bot/internal/modules/health/service"
	"pair_bot/internal/notify"
	"pair_bot/internal/orchestrator"
	"pair_bot/internal/storage"
	"pair_bot/pkg/logger"
	"pair_bot/pkg/tracing"
)

func main() {
	app := fx.New(
		// остановка длиннее дефолтных 15s: парам нужно успеть закрыть ноги
		fx.StopTimeout(2*time.Minute),
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
			notify.New,
			newMarketFeed,
		),
		config.Module(),
		fx.Invoke(
			initLogger,
			initTracing,
			runMarketFeed,
		),
		storage.Module(),
		health.Module(),
		orchestrator.Module(),
	)
	app.Run()
}

// initLogger поднимает общий zap-логгер (консоль + файл) и сбрасывает
// буферы на остановке. Должен отработать раньше остальных инвоков.
func initLogger(lc fx.Lifecycle, cfg *config.Config) error {
	flush, err := logger.Init(cfg.LogDir)
	if err != nil {
		return err
	}
	logger.SetServiceName("pair_bot")

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			flush()
			return nil
		},
	})
	return nil
}

// initTracing включает jaeger-трассировку. Пустой host — глобальный
// noop-трейсер, спаны циклов ничего не стоят.
func initTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Jaeger.Host == "" {
		return nil
	}

	tracing.SetServiceName("pair_bot")
	_, closeTracer, err := tracing.InitTracer(tracing.Config{
		Host: cfg.Jaeger.Host,
		Port: cfg.Jaeger.Port,
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closeTracer()
			return nil
		},
	})
	return nil
}

func newMarketFeed(cfg *config.Config) *exchange.MarketFeed {
	return exchange.NewMarketFeed(cfg.BaseURL, cfg.WSURL, cfg.Symbol)
}

// runMarketFeed гоняет ws-подписку на тикер в фоне всю жизнь процесса.
func runMarketFeed(lc fx.Lifecycle, appCtx context.Context, feed *exchange.MarketFeed, state *service.State) {
	feed.OnStatus(state.SetWSConnected)

	ctx, cancel := context.WithCancel(appCtx)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go feed.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
