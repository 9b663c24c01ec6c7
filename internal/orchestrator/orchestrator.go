package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pair_bot/internal/lifecycle"
	"pair_bot/internal/models"
	"pair_bot/internal/notify"
	"pair_bot/pkg/logger"
)

const (
	// потолок паузы между рестартами одной пары
	maxRestartDelay = 15 * time.Minute
	// прогон дольше этого считаем здоровым и сбрасываем backoff
	healthyRunReset = 10 * time.Minute
)

// PairRunner — то, что оркестратор умеет гонять и рестартовать.
// Реальная реализация — lifecycle.PairLifecycle, в тестах скриптуемый фейк.
type PairRunner interface {
	Run(ctx context.Context) error
	State() lifecycle.State
	Name() string
}

// Factory собирает раннер под конкретную пару из конфига.
type Factory func(pair models.PairConfig) (PairRunner, error)

// Orchestrator держит по горутине на пару. Ошибка одной пары никогда
// не трогает остальные: каждая рестартует по своему собственному backoff.
type Orchestrator struct {
	pairs    []models.PairConfig
	factory  Factory
	notifier notify.Notifier

	restartDelay time.Duration

	mu      sync.Mutex
	runners map[string]PairRunner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(pairs []models.PairConfig, factory Factory, notifier notify.Notifier, restartDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		pairs:        pairs,
		factory:      factory,
		notifier:     notifier,
		restartDelay: restartDelay,
		runners:      make(map[string]PairRunner),
	}
}

// Start создаёт раннеры и запускает каждый в своей горутине.
// Ошибка сборки любой пары фатальна: лучше не стартовать вовсе,
// чем стартовать вполсостава.
func (o *Orchestrator) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, pc := range o.pairs {
		r, err := o.factory(pc)
		if err != nil {
			cancel()
			return fmt.Errorf("Start: pair %s: %w", pc.Name(), err)
		}
		if _, dup := o.runners[r.Name()]; dup {
			cancel()
			return fmt.Errorf("Start: duplicate pair name %s", r.Name())
		}
		o.runners[r.Name()] = r
	}

	for _, r := range o.runners {
		o.wg.Add(1)
		go o.supervise(ctx, r)
	}

	logger.Info("orchestrator: started %d pairs", len(o.runners))
	return nil
}

// supervise перезапускает раннер после ошибок с удвоением паузы.
// Выход без ошибки — штатная остановка, горутина завершается.
func (o *Orchestrator) supervise(ctx context.Context, r PairRunner) {
	defer o.wg.Done()

	delay := o.restartDelay
	for {
		started := time.Now()
		err := r.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		if time.Since(started) > healthyRunReset {
			delay = o.restartDelay
		}

		logger.Error("%s: pair stopped: %v, restart in %s", r.Name(), err, delay)
		o.notifier.Sendf(ctx, "♻️ Пара %s: рестарт через %s после ошибки: %v", r.Name(), delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		delay *= 2
		if delay > maxRestartDelay {
			delay = maxRestartDelay
		}
	}
}

// Stop гасит общий ctx и ждёт горутины пар не дольше дедлайна ctx.
// Каждая пара успевает дозавершить переход и reconcile.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("orchestrator: all pairs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("Stop: shutdown grace expired: %w", ctx.Err())
	}
}

// States — имя пары -> текущее состояние, для health-эндпоинта.
func (o *Orchestrator) States() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]string, len(o.runners))
	for name, r := range o.runners {
		out[name] = string(r.State())
	}
	return out
}
