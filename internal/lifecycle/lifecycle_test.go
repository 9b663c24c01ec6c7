package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pair_bot/internal/exchange"
	"pair_bot/internal/models"
	"pair_bot/internal/retry"
	"pair_bot/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InfoLogger = zap.NewNop()
	logger.FatalLogger = zap.NewNop()
	os.Exit(m.Run())
}

const testSymbol = "SOL_USDC_PERP"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openPos(qty string) models.Position {
	return models.Position{
		Symbol:      testSymbol,
		State:       models.PositionOpen,
		NetQuantity: d(qty),
		EntryPrice:  d("180"),
	}
}

func closedPos() models.Position {
	return models.Position{Symbol: testSymbol, State: models.PositionClosed}
}

type transferCall struct {
	to     string
	amount decimal.Decimal
}

type orderCall struct {
	symbol   string
	side     models.Side
	notional decimal.Decimal
	leverage int
}

// fakeGateway проигрывает заскриптованные очереди ответов: последний элемент
// очереди липкий. transfers хранит все попытки, включая отклонённые.
type fakeGateway struct {
	mu sync.Mutex

	balances     []decimal.Decimal
	positions    []models.Position
	positionFn   func(call int) (models.Position, error)
	transferErrs []error
	orderErr     error

	transfers []transferCall
	orders    []orderCall
	closes    []string

	posCalls int
	nextID   int
}

func (g *fakeGateway) GetBalance(context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.balances) == 0 {
		return decimal.Zero, nil
	}
	b := g.balances[0]
	if len(g.balances) > 1 {
		g.balances = g.balances[1:]
	}
	return b, nil
}

func (g *fakeGateway) GetPosition(_ context.Context, _ string) (models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posCalls++
	if g.positionFn != nil {
		return g.positionFn(g.posCalls)
	}
	if len(g.positions) == 0 {
		return closedPos(), nil
	}
	p := g.positions[0]
	if len(g.positions) > 1 {
		g.positions = g.positions[1:]
	}
	return p, nil
}

func (g *fakeGateway) Transfer(_ context.Context, to string, amount decimal.Decimal) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, transferCall{to: to, amount: amount})
	if len(g.transferErrs) > 0 {
		err := g.transferErrs[0]
		g.transferErrs = g.transferErrs[1:]
		if err != nil {
			return "", err
		}
	}
	g.nextID++
	return fmt.Sprintf("tx-%d", g.nextID), nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, symbol string, side models.Side, notional decimal.Decimal, leverage int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return "", g.orderErr
	}
	g.orders = append(g.orders, orderCall{symbol: symbol, side: side, notional: notional, leverage: leverage})
	g.nextID++
	return fmt.Sprintf("ord-%d", g.nextID), nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, symbol)
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	begun    []models.CycleRecord
	finished []models.CycleRecord
}

func (s *fakeStore) Begin(_ context.Context, rec *models.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = append(s.begun, *rec)
	return nil
}

func (s *fakeStore) Finish(_ context.Context, rec *models.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, *rec)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Send(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *fakeNotifier) Sendf(ctx context.Context, format string, args ...any) {
	n.Send(ctx, fmt.Sprintf(format, args...))
}

// instantSleeper не спит, но отмену контекста видит.
type instantSleeper struct{}

func (instantSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func testConfig() Config {
	return Config{
		Symbol:        testSymbol,
		Deposit:       d("10"),
		Leverage:      50,
		CheckInterval: time.Millisecond,
		StartDelayMax: 0,
		MaxMonitor:    time.Hour,
		SweepMin:      d("0.1"),
		ShutdownGrace: time.Second,
	}
}

func newTestPair(cfg Config, short, long, main *fakeGateway, store *fakeStore, n *fakeNotifier) *PairLifecycle {
	caller := retry.NewCaller(retry.Config{
		Label:       "s1/l1",
		MaxAttempts: 2,
		Backoff:     retry.Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 2},
		Sleeper:     instantSleeper{},
		Transient:   exchange.IsTransient,
	})

	return New("s1/l1", cfg, Deps{
		Short:    &Account{Name: "s1", Address: "addr-s", Role: models.SideShort, Gateway: short},
		Long:     &Account{Name: "l1", Address: "addr-l", Role: models.SideLong, Gateway: long},
		Main:     &Account{Name: "main", Address: "addr-main", Gateway: main},
		Caller:   caller,
		Sleeper:  instantSleeper{},
		Store:    store,
		Notifier: n,
	})
}

// Основной сценарий: депозит 10, плечо 50, шорт ликвидирован на третьем
// опросе. Лонг закрывается ровно один раз, остатки обеих ног уходят на
// основной счёт.
func TestCycleShortLiquidated(t *testing.T) {
	short := &fakeGateway{
		balances:  []decimal.Decimal{d("0"), d("7.3")},
		positions: []models.Position{closedPos(), openPos("-2.77"), openPos("-2.77"), openPos("-2.77"), closedPos()},
	}
	long := &fakeGateway{
		balances:  []decimal.Decimal{d("0"), d("12.4")},
		positions: []models.Position{closedPos(), openPos("2.77")},
	}
	main := &fakeGateway{}
	store := &fakeStore{}
	notifier := &fakeNotifier{}

	p := newTestPair(testConfig(), short, long, main, store, notifier)
	require.NoError(t, p.runCycle(context.Background()))

	// фандинг: по одному переводу на каждую ногу
	require.Len(t, main.transfers, 2)
	assert.Equal(t, "addr-s", main.transfers[0].to)
	assert.True(t, main.transfers[0].amount.Equal(d("10")))
	assert.Equal(t, "addr-l", main.transfers[1].to)
	assert.True(t, main.transfers[1].amount.Equal(d("10")))

	// ордера: равный notional = 10 * 50, противоположные стороны
	require.Len(t, short.orders, 1)
	require.Len(t, long.orders, 1)
	assert.Equal(t, models.SideShort, short.orders[0].side)
	assert.Equal(t, models.SideLong, long.orders[0].side)
	assert.True(t, short.orders[0].notional.Equal(d("500")))
	assert.True(t, long.orders[0].notional.Equal(d("500")))
	assert.Equal(t, 50, short.orders[0].leverage)
	assert.Equal(t, testSymbol, short.orders[0].symbol)

	// шорт ликвидирован на третьем опросе мониторинга
	assert.Equal(t, 5, short.posCalls)

	// закрытие: ровно одно, и только у выжившего лонга
	assert.Empty(t, short.closes)
	assert.Equal(t, []string{testSymbol}, long.closes)

	// свип: ровно два перевода на основной адрес
	require.Len(t, short.transfers, 1)
	require.Len(t, long.transfers, 1)
	assert.Equal(t, "addr-main", short.transfers[0].to)
	assert.True(t, short.transfers[0].amount.Equal(d("7.3")))
	assert.Equal(t, "addr-main", long.transfers[0].to)
	assert.True(t, long.transfers[0].amount.Equal(d("12.4")))

	// итоговая запись
	require.Len(t, store.finished, 1)
	rec := store.finished[0]
	assert.Equal(t, models.OutcomeLiquidated, rec.Outcome)
	assert.Equal(t, models.SideShort, rec.LostLeg)
	assert.True(t, rec.SweptShort.Equal(d("7.3")))
	assert.True(t, rec.SweptLong.Equal(d("12.4")))
	assert.Empty(t, rec.Error)

	assert.Equal(t, StateDone, p.State())
	require.NotEmpty(t, notifier.msgs)
}

// Permanent-ошибка на фандинге: ERRORED, ни одного ордера, reconcile не
// трогает биржу — позиции ещё не открывались.
func TestCycleFundingAuthError(t *testing.T) {
	short := &fakeGateway{}
	long := &fakeGateway{}
	main := &fakeGateway{
		transferErrs: []error{&exchange.APIError{Status: 401, Code: "UNAUTHORIZED", Message: "bad key"}},
	}
	store := &fakeStore{}
	notifier := &fakeNotifier{}

	p := newTestPair(testConfig(), short, long, main, store, notifier)
	err := p.runCycle(context.Background())
	require.Error(t, err)

	var apiErr *exchange.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)

	assert.Empty(t, short.orders)
	assert.Empty(t, long.orders)
	assert.Empty(t, short.closes)
	assert.Empty(t, long.closes)
	// одна попытка перевода, без ретраев
	assert.Len(t, main.transfers, 1)

	assert.Equal(t, StateErrored, p.State())
	require.Len(t, store.finished, 1)
	assert.Equal(t, models.OutcomeError, store.finished[0].Outcome)
	assert.NotEmpty(t, store.finished[0].Error)
	require.NotEmpty(t, notifier.msgs)
	assert.Contains(t, notifier.msgs[0], "s1/l1")
}

// Нога с достаточным балансом не фондируется повторно.
func TestFundSkipsFundedLeg(t *testing.T) {
	short := &fakeGateway{balances: []decimal.Decimal{d("15")}}
	long := &fakeGateway{balances: []decimal.Decimal{d("2")}}
	main := &fakeGateway{}

	p := newTestPair(testConfig(), short, long, main, &fakeStore{}, &fakeNotifier{})
	require.NoError(t, p.fund(context.Background()))

	require.Len(t, main.transfers, 1)
	assert.Equal(t, "addr-l", main.transfers[0].to)
	assert.True(t, p.notional.Equal(d("500")))
}

// Обе ноги исчезли за один интервал: проигравшим считается шорт,
// идемпотентное закрытие идёт по лонгу.
func TestMonitorTieBreakPrefersShort(t *testing.T) {
	short := &fakeGateway{positions: []models.Position{closedPos(), openPos("-1"), closedPos()}}
	long := &fakeGateway{positions: []models.Position{closedPos(), openPos("1"), closedPos()}}
	store := &fakeStore{}

	p := newTestPair(testConfig(), short, long, &fakeGateway{}, store, &fakeNotifier{})
	require.NoError(t, p.runCycle(context.Background()))

	assert.Empty(t, short.closes)
	assert.Equal(t, []string{testSymbol}, long.closes)

	require.Len(t, store.finished, 1)
	assert.Equal(t, models.OutcomeLiquidated, store.finished[0].Outcome)
	assert.Equal(t, models.SideShort, store.finished[0].LostLeg)
}

// Истекшее окно мониторинга: обе ноги закрываются принудительно,
// исход цикла — timeout.
func TestMonitorWindowExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMonitor = time.Nanosecond

	short := &fakeGateway{positions: []models.Position{closedPos(), openPos("-1")}}
	long := &fakeGateway{positions: []models.Position{closedPos(), openPos("1")}}
	store := &fakeStore{}

	p := newTestPair(cfg, short, long, &fakeGateway{}, store, &fakeNotifier{})
	require.NoError(t, p.runCycle(context.Background()))

	assert.Equal(t, []string{testSymbol}, short.closes)
	assert.Equal(t, []string{testSymbol}, long.closes)

	require.Len(t, store.finished, 1)
	assert.Equal(t, models.OutcomeTimeout, store.finished[0].Outcome)
	assert.Equal(t, models.Side(""), store.finished[0].LostLeg)
}

// Исчерпанный transient-опрос — UNKNOWN и переопрос, а не ликвидация.
func TestMonitorUnknownPollRetries(t *testing.T) {
	short := &fakeGateway{}
	short.positionFn = func(call int) (models.Position, error) {
		switch {
		case call == 1:
			return closedPos(), nil // проверка перед ордером
		case call == 2:
			return openPos("-1"), nil // подтверждение
		case call <= 4:
			// два transient-отказа съедают обе попытки ретрая
			return models.Position{}, &exchange.APIError{Status: 502, Message: "upstream"}
		default:
			return closedPos(), nil
		}
	}
	long := &fakeGateway{positions: []models.Position{closedPos(), openPos("1")}}
	store := &fakeStore{}

	p := newTestPair(testConfig(), short, long, &fakeGateway{}, store, &fakeNotifier{})
	require.NoError(t, p.runCycle(context.Background()))

	// ликвидация признана только после удачного чтения на следующем опросе
	assert.Equal(t, []string{testSymbol}, long.closes)
	require.Len(t, store.finished, 1)
	assert.Equal(t, models.OutcomeLiquidated, store.finished[0].Outcome)
	assert.Equal(t, models.SideShort, store.finished[0].LostLeg)
}

// Permanent-ошибка в мониторинге после открытия позиций: reconcile обязан
// попытаться закрыть обе ноги.
func TestReconcileClosesBothLegs(t *testing.T) {
	short := &fakeGateway{}
	short.positionFn = func(call int) (models.Position, error) {
		switch {
		case call == 1:
			return closedPos(), nil
		case call == 2:
			return openPos("-1"), nil
		default:
			return models.Position{}, &exchange.APIError{Status: 403, Code: "FORBIDDEN"}
		}
	}
	long := &fakeGateway{positions: []models.Position{closedPos(), openPos("1")}}

	p := newTestPair(testConfig(), short, long, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	err := p.runCycle(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateErrored, p.State())
	assert.Equal(t, []string{testSymbol}, short.closes)
	assert.Equal(t, []string{testSymbol}, long.closes)
}

func TestOpenLegSkipsExistingPosition(t *testing.T) {
	short := &fakeGateway{positions: []models.Position{openPos("-1")}}

	p := newTestPair(testConfig(), short, &fakeGateway{}, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	p.notional = d("500")

	require.NoError(t, p.openLeg(context.Background(), p.short))
	assert.Empty(t, short.orders)
}

func TestSweepHalvesOnInsufficientCollateral(t *testing.T) {
	short := &fakeGateway{
		balances:     []decimal.Decimal{d("20")},
		transferErrs: []error{&exchange.APIError{Status: 400, Code: "INSUFFICIENT_FUNDS"}},
	}

	p := newTestPair(testConfig(), short, &fakeGateway{}, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	swept, err := p.sweepLeg(context.Background(), p.short)
	require.NoError(t, err)

	assert.True(t, swept.Equal(d("10")), "swept = %s", swept)
	require.Len(t, short.transfers, 2)
	assert.True(t, short.transfers[0].amount.Equal(d("20")))
	assert.True(t, short.transfers[1].amount.Equal(d("10")))
}

func TestSweepSkipsDust(t *testing.T) {
	short := &fakeGateway{balances: []decimal.Decimal{d("0.05")}}

	p := newTestPair(testConfig(), short, &fakeGateway{}, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	swept, err := p.sweepLeg(context.Background(), p.short)
	require.NoError(t, err)

	assert.True(t, swept.IsZero())
	assert.Empty(t, short.transfers)
}

func TestSweepStopsWhenHalvedBelowDust(t *testing.T) {
	short := &fakeGateway{
		balances: []decimal.Decimal{d("0.3")},
		transferErrs: []error{
			&exchange.APIError{Status: 400, Code: "INSUFFICIENT_FUNDS"},
			&exchange.APIError{Status: 400, Code: "INSUFFICIENT_FUNDS"},
		},
	}

	p := newTestPair(testConfig(), short, &fakeGateway{}, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	swept, err := p.sweepLeg(context.Background(), p.short)
	require.NoError(t, err)

	assert.True(t, swept.IsZero())
	require.Len(t, short.transfers, 2)
	assert.True(t, short.transfers[0].amount.Equal(d("0.3")))
	assert.True(t, short.transfers[1].amount.Equal(d("0.15")))
}

func TestSweepGivesUpAfterAttempts(t *testing.T) {
	short := &fakeGateway{
		balances: []decimal.Decimal{d("100")},
		transferErrs: []error{
			&exchange.APIError{Status: 400, Code: "INSUFFICIENT_FUNDS"},
			&exchange.APIError{Status: 400, Code: "INSUFFICIENT_FUNDS"},
			&exchange.APIError{Status: 400, Code: "INSUFFICIENT_FUNDS"},
		},
	}

	p := newTestPair(testConfig(), short, &fakeGateway{}, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	swept, err := p.sweepLeg(context.Background(), p.short)
	require.NoError(t, err)

	// остаток не потерян: его заберёт balance-check следующего фандинга
	assert.True(t, swept.IsZero())
	assert.Len(t, short.transfers, sweepAttempts)
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPair(testConfig(), &fakeGateway{}, &fakeGateway{}, &fakeGateway{}, &fakeStore{}, &fakeNotifier{})
	assert.NoError(t, p.Run(ctx))
}
