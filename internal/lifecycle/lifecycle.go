package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/shopspring/decimal"

	"pair_bot/internal/exchange"
	"pair_bot/internal/models"
	"pair_bot/internal/notify"
	"pair_bot/internal/retry"
	"pair_bot/internal/storage"
	"pair_bot/pkg/logger"
)

// State — фаза жизненного цикла пары. ERRORED поглощающее: из него
// выходим только рестартом от оркестратора.
type State string

const (
	StateInit       State = "INIT"
	StateFunding    State = "FUNDING"
	StateOpening    State = "OPENING"
	StateMonitoring State = "MONITORING"
	StateClosing    State = "CLOSING"
	StateSweeping   State = "SWEEPING"
	StateDone       State = "DONE"
	StateErrored    State = "ERRORED"
)

const (
	// сколько раз подтверждаем видимость позиции после выставления ордера
	openConfirmPolls = 3
	// попыток вывода на один sweep, дальше остаток оставляем до следующего цикла
	sweepAttempts = 3
	// остатки округляем вниз до 6 знаков, как принимает биржа
	sweepDecimals = 6
)

// Config — параметры одного цикла. Собирается оркестратором из глобального
// конфига один раз, дальше только чтение.
type Config struct {
	Symbol        string
	Deposit       decimal.Decimal
	Leverage      int
	CheckInterval time.Duration
	StartDelayMax time.Duration
	MaxMonitor    time.Duration
	SweepMin      decimal.Decimal
	ShutdownGrace time.Duration
}

// Deps — коллабораторы, закрываемые интерфейсами ради тестов.
type Deps struct {
	Short    *Account
	Long     *Account
	Main     *Account
	Caller   *retry.Caller
	Sleeper  retry.Sleeper
	Store    storage.CycleStore
	Notifier notify.Notifier
}

// PairLifecycle гоняет одну пару по циклу
// INIT -> FUNDING -> OPENING -> MONITORING -> CLOSING -> SWEEPING -> DONE
// и начинает заново. Живёт в одной горутине, состояние читают health и
// оркестратор.
type PairLifecycle struct {
	cfg      Config
	pair     string
	short    *Account
	long     *Account
	main     *Account
	caller   *retry.Caller
	sleeper  retry.Sleeper
	store    storage.CycleStore
	notifier notify.Notifier

	mu    sync.Mutex
	state State

	staggered bool
	// позиции могли открыться — на ошибке/остановке нужен reconcile
	reachedOpening bool
	notional       decimal.Decimal
}

func New(pair string, cfg Config, deps Deps) *PairLifecycle {
	return &PairLifecycle{
		cfg:      cfg,
		pair:     pair,
		short:    deps.Short,
		long:     deps.Long,
		main:     deps.Main,
		caller:   deps.Caller,
		sleeper:  deps.Sleeper,
		store:    deps.Store,
		notifier: deps.Notifier,
		state:    StateInit,
	}
}

func (p *PairLifecycle) Name() string { return p.pair }

func (p *PairLifecycle) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PairLifecycle) setState(s State, span opentracing.Span) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()

	logger.Info("%s: %s -> %s", p.pair, old, s)
	if span != nil {
		span.LogKV("state", string(s))
	}
}

// Run крутит циклы до отмены ctx или фатальной ошибки. Отмена — штатная
// остановка (nil), ошибка уходит оркестратору, он решает про рестарт.
func (p *PairLifecycle) Run(ctx context.Context) error {
	if !p.staggered {
		p.staggered = true
		if err := p.stagger(ctx); err != nil {
			return nil
		}
	}

	for {
		if err := p.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// пауза между циклами
		if err := p.caller.Delay(ctx); err != nil {
			return nil
		}
	}
}

// stagger размазывает старт пар по [0, pair_start_delay_max], чтобы не
// бить по бирже синхронным залпом. Только перед самым первым циклом.
func (p *PairLifecycle) stagger(ctx context.Context) error {
	if p.cfg.StartDelayMax <= 0 {
		return nil
	}

	d := time.Duration(rand.Int63n(int64(p.cfg.StartDelayMax)))
	logger.Info("%s: start delayed by %s", p.pair, d)
	return p.sleeper.Sleep(ctx, d)
}

func (p *PairLifecycle) runCycle(ctx context.Context) error {
	p.reachedOpening = false
	rec := models.NewCycleRecord(p.pair, p.cfg.Symbol)

	span := opentracing.GlobalTracer().StartSpan("pair_cycle")
	span.SetTag("pair", p.pair)
	span.SetTag("symbol", p.cfg.Symbol)
	span.SetTag("cycle_id", rec.ID.String())
	defer span.Finish()

	p.setState(StateInit, span)

	if err := p.store.Begin(ctx, rec); err != nil {
		logger.Error("%s: cycle store begin: %v", p.pair, err)
	}

	err := p.cycle(ctx, rec, span)
	if err != nil {
		rec.Outcome = models.OutcomeError
		rec.Error = err.Error()

		if ctx.Err() == nil {
			logger.Error("%s: cycle %s failed in state %s: %v", p.pair, rec.ID, p.State(), err)
			p.setState(StateErrored, span)
			p.notifier.Sendf(ctx, "❗️ Пара %s: цикл остановлен с ошибкой: %v", p.pair, err)
		}

		p.reconcile()
	}

	rec.FinishedAt = time.Now()
	span.SetTag("outcome", string(rec.Outcome))

	// запись итога не должна зависеть от отменённого ctx цикла
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := p.store.Finish(finishCtx, rec); ferr != nil {
		logger.Error("%s: cycle store finish: %v", p.pair, ferr)
	}

	if err == nil {
		p.notifier.Sendf(ctx, "✅ Пара %s: цикл %s завершён (%s), проигравшая нога: %s, возвращено %s USDC",
			p.pair, rec.ID, rec.Outcome, rec.LostLeg, rec.SweptTotal())
	}

	return err
}

// cycle — один проход машины состояний, от фандинга до свипа.
func (p *PairLifecycle) cycle(ctx context.Context, rec *models.CycleRecord, span opentracing.Span) error {
	p.setState(StateFunding, span)
	if err := p.fund(ctx); err != nil {
		return err
	}

	p.setState(StateOpening, span)
	p.reachedOpening = true
	if err := p.open(ctx); err != nil {
		return err
	}

	p.setState(StateMonitoring, span)
	lost, timedOut, err := p.monitor(ctx)
	if err != nil {
		return err
	}

	p.setState(StateClosing, span)
	if timedOut {
		rec.Outcome = models.OutcomeTimeout
		logger.Warn("%s: monitoring window expired, closing both legs", p.pair)
		if err := p.closeLeg(ctx, p.short); err != nil {
			return err
		}
		if err := p.caller.Delay(ctx); err != nil {
			return err
		}
		if err := p.closeLeg(ctx, p.long); err != nil {
			return err
		}
	} else {
		rec.Outcome = models.OutcomeLiquidated
		rec.LostLeg = lost.Role
		survivor := p.long
		if lost == p.long {
			survivor = p.short
		}
		logger.Info("%s: %s leg liquidated, closing %s", p.pair, lost.Role, survivor.Role)
		if err := p.closeLeg(ctx, survivor); err != nil {
			return err
		}
	}

	p.setState(StateSweeping, span)
	swept, err := p.sweepLeg(ctx, p.short)
	if err != nil {
		return err
	}
	rec.SweptShort = swept

	if err := p.caller.Delay(ctx); err != nil {
		return err
	}

	swept, err = p.sweepLeg(ctx, p.long)
	if err != nil {
		return err
	}
	rec.SweptLong = swept

	p.setState(StateDone, span)
	return nil
}

// fund доводит обе ноги до initial_deposit и фиксирует notional цикла.
// Нога с достаточным балансом не фондируется повторно (рестарт после
// ERRORED не должен заливать депозит дважды).
func (p *PairLifecycle) fund(ctx context.Context) error {
	if err := p.fundLeg(ctx, p.short); err != nil {
		return err
	}
	if err := p.caller.Delay(ctx); err != nil {
		return err
	}
	if err := p.fundLeg(ctx, p.long); err != nil {
		return err
	}

	// notional считается здесь один раз и переиспользуется в OPENING как есть
	p.notional = p.cfg.Deposit.Mul(decimal.NewFromInt(int64(p.cfg.Leverage)))
	return nil
}

func (p *PairLifecycle) fundLeg(ctx context.Context, leg *Account) error {
	var balance decimal.Decimal
	err := p.caller.Call(ctx, p.pair+"/"+leg.Name+" balance", func(ctx context.Context) error {
		var err error
		balance, err = leg.Gateway.GetBalance(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if balance.GreaterThanOrEqual(p.cfg.Deposit) {
		logger.Info("%s: %s already holds %s USDC, funding skipped", p.pair, leg.Name, balance)
		return nil
	}

	return p.caller.Call(ctx, p.pair+"/"+leg.Name+" funding", func(ctx context.Context) error {
		_, err := p.main.Gateway.Transfer(ctx, leg.Address, p.cfg.Deposit)
		return err
	})
}

// open выставляет противоположные маркет-ордера одинакового notional.
// Нога с уже открытой позицией пропускается (идемпотентный повторный вход).
func (p *PairLifecycle) open(ctx context.Context) error {
	if err := p.openLeg(ctx, p.short); err != nil {
		return err
	}
	if err := p.caller.Delay(ctx); err != nil {
		return err
	}
	return p.openLeg(ctx, p.long)
}

func (p *PairLifecycle) openLeg(ctx context.Context, leg *Account) error {
	pos, err := p.getPosition(ctx, leg)
	if err != nil {
		return err
	}
	if pos.State == models.PositionOpen {
		logger.Info("%s: %s already has an open position (%s), order skipped",
			p.pair, leg.Name, pos.NetQuantity)
		return nil
	}

	err = p.caller.Call(ctx, p.pair+"/"+leg.Name+" order", func(ctx context.Context) error {
		_, err := leg.Gateway.PlaceOrder(ctx, p.cfg.Symbol, leg.Role, p.notional, p.cfg.Leverage)
		return err
	})
	if err != nil {
		return err
	}

	// ордер маркетный, но позиция может появиться в выдаче не мгновенно
	for i := 0; i < openConfirmPolls; i++ {
		pos, err = p.getPosition(ctx, leg)
		if err != nil {
			return err
		}
		if pos.State == models.PositionOpen {
			logger.Info("%s: %s opened %s, qty %s @ %s", p.pair, leg.Name, leg.Role,
				pos.NetQuantity, pos.EntryPrice)
			return nil
		}
		if err := p.sleeper.Sleep(ctx, p.cfg.CheckInterval); err != nil {
			return err
		}
	}

	return fmt.Errorf("openLeg: %s position did not confirm open after %d polls", leg.Name, openConfirmPolls)
}

func (p *PairLifecycle) getPosition(ctx context.Context, leg *Account) (models.Position, error) {
	var pos models.Position
	err := p.caller.Call(ctx, p.pair+"/"+leg.Name+" position", func(ctx context.Context) error {
		var err error
		pos, err = leg.Gateway.GetPosition(ctx, p.cfg.Symbol)
		return err
	})
	return pos, err
}

// monitor опрашивает обе ноги раз в check_interval, пока одна не исчезнет.
// Возвращает проигравшую ногу либо timedOut по истечении окна мониторинга.
// Неудачный опрос — это UNKNOWN и повтор, а не вывод о ликвидации.
func (p *PairLifecycle) monitor(ctx context.Context) (lost *Account, timedOut bool, err error) {
	deadline := time.Now().Add(p.cfg.MaxMonitor)

	for {
		if err := p.sleeper.Sleep(ctx, p.cfg.CheckInterval); err != nil {
			return nil, false, err
		}
		if !time.Now().Before(deadline) {
			return nil, true, nil
		}

		shortState, err := p.pollState(ctx, p.short)
		if err != nil {
			return nil, false, err
		}
		longState, err := p.pollState(ctx, p.long)
		if err != nil {
			return nil, false, err
		}

		shortGone := shortState == models.PositionLiquidated || shortState == models.PositionClosed
		longGone := longState == models.PositionLiquidated || longState == models.PositionClosed

		switch {
		case shortGone && longGone:
			// обе исчезли за один интервал: считаем проигравшим шорт,
			// закрытие лонга дальше идемпотентно
			logger.Warn("%s: both legs gone within one interval, recording short as lost", p.pair)
			return p.short, false, nil
		case shortGone:
			return p.short, false, nil
		case longGone:
			return p.long, false, nil
		}
	}
}

// pollState сводит результат опроса к PositionState. Исчерпанные transient
// ретраи дают UNKNOWN (переопросим через интервал), permanent — ошибку.
func (p *PairLifecycle) pollState(ctx context.Context, leg *Account) (models.PositionState, error) {
	pos, err := p.getPosition(ctx, leg)
	if err != nil {
		if ctx.Err() != nil {
			return models.PositionUnknown, err
		}
		if p.caller.Transient(err) {
			logger.Warn("%s: %s poll failed, state unknown until next interval: %v", p.pair, leg.Name, err)
			return models.PositionUnknown, nil
		}
		return models.PositionUnknown, err
	}
	return pos.State, nil
}

func (p *PairLifecycle) closeLeg(ctx context.Context, leg *Account) error {
	return p.caller.Call(ctx, p.pair+"/"+leg.Name+" close", func(ctx context.Context) error {
		return leg.Gateway.ClosePosition(ctx, p.cfg.Symbol)
	})
}

// sweepLeg возвращает остаток ноги на основной счёт. Остаток <= sweep_min —
// пыль, не гоняем. На insufficient collateral сумма половинится: биржа
// могла ещё не освободить часть залога. Неудавшийся свип не фатален,
// остаток подберёт balance-check следующего фандинга.
func (p *PairLifecycle) sweepLeg(ctx context.Context, leg *Account) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := p.caller.Call(ctx, p.pair+"/"+leg.Name+" balance", func(ctx context.Context) error {
		var err error
		balance, err = leg.Gateway.GetBalance(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	amount := balance.RoundFloor(sweepDecimals)

	for attempt := 1; attempt <= sweepAttempts; attempt++ {
		if amount.LessThanOrEqual(p.cfg.SweepMin) {
			logger.Info("%s: %s residual %s USDC is dust, sweep skipped", p.pair, leg.Name, amount)
			return decimal.Zero, nil
		}

		err := p.caller.Call(ctx, p.pair+"/"+leg.Name+" sweep", func(ctx context.Context) error {
			_, err := leg.Gateway.Transfer(ctx, p.main.Address, amount)
			return err
		})
		if err == nil {
			logger.Info("%s: swept %s USDC from %s", p.pair, amount, leg.Name)
			return amount, nil
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			logger.Warn("%s: %s sweep of %s rejected by collateral check, halving", p.pair, leg.Name, amount)
			amount = amount.Div(decimal.NewFromInt(2)).RoundFloor(sweepDecimals)
			continue
		}
		return decimal.Zero, err
	}

	logger.Error("%s: %s sweep gave up after %d attempts, residual stays on the leg", p.pair, leg.Name, sweepAttempts)
	return decimal.Zero, nil
}

// reconcile — последний долг пары перед выходом из цикла с ошибкой или по
// остановке: закрыть обе ноги и свипнуть остатки на свежем ограниченном
// ctx. До OPENING позиций нет и делать нечего.
func (p *PairLifecycle) reconcile() {
	if !p.reachedOpening {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	defer cancel()

	logger.Info("%s: reconciling: closing both legs and sweeping residuals", p.pair)

	for _, leg := range []*Account{p.short, p.long} {
		if err := p.closeLeg(ctx, leg); err != nil {
			logger.Error("%s: reconcile close %s: %v", p.pair, leg.Name, err)
		}
	}
	for _, leg := range []*Account{p.short, p.long} {
		if _, err := p.sweepLeg(ctx, leg); err != nil {
			logger.Error("%s: reconcile sweep %s: %v", p.pair, leg.Name, err)
		}
	}
}
