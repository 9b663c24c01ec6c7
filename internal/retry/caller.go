package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"pair_bot/pkg/logger"
)

// Config собирает Caller: лимит попыток, бэкофф и диапазон джиттера
// (action_delay из конфига). Классификатор решает, ретраить ли ошибку.
type Config struct {
	Label       string
	MaxAttempts int
	Backoff     Backoff
	JitterMin   time.Duration
	JitterMax   time.Duration
	Sleeper     Sleeper
	Transient   func(error) bool
}

// Caller оборачивает любой вызов биржи ограниченным ретраем с экспоненциальным
// бэкоффом и равномерным джиттером. Permanent-ошибки отдаются сразу, без
// повторов. Состояния между вызовами нет.
type Caller struct {
	label       string
	maxAttempts int
	backoff     Backoff
	jitterMin   time.Duration
	jitterMax   time.Duration
	sleeper     Sleeper
	transient   func(error) bool
}

func NewCaller(cfg Config) *Caller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = NewSleeper()
	}
	if cfg.Transient == nil {
		cfg.Transient = func(error) bool { return true }
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}

	return &Caller{
		label:       cfg.Label,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		jitterMin:   cfg.JitterMin,
		jitterMax:   cfg.JitterMax,
		sleeper:     cfg.Sleeper,
		transient:   cfg.Transient,
	}
}

// Call выполняет fn с ретраем transient-ошибок. Каждая попытка даёт одну
// строку лога; итоговая ошибка оборачивает число попыток и последнюю причину.
func (c *Caller) Call(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			logger.Info("%s | %s: ok (attempt %d/%d)", c.label, op, attempt, c.maxAttempts)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			logger.Warn("%s | %s: canceled on attempt %d: %v", c.label, op, attempt, err)
			return fmt.Errorf("%s: %w", op, err)
		}
		if !c.transient(err) {
			logger.Error("%s | %s: permanent failure on attempt %d: %v", c.label, op, attempt, err)
			return fmt.Errorf("%s: %w", op, err)
		}

		logger.Warn("%s | %s: attempt %d/%d failed: %v", c.label, op, attempt, c.maxAttempts, err)
		if attempt == c.maxAttempts {
			break
		}
		if serr := c.sleeper.Sleep(ctx, c.backoff.Next(attempt)+c.jitter()); serr != nil {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", op, c.maxAttempts, lastErr)
}

// Delay — случайная пауза из диапазона action_delay, разносит соседние
// запросы по времени.
func (c *Caller) Delay(ctx context.Context) error {
	return c.sleeper.Sleep(ctx, c.jitter())
}

// Transient отдаёт классификатор наружу: lifecycle различает по нему
// исчерпанный-transient опрос и permanent-отказ.
func (c *Caller) Transient(err error) bool { return c.transient(err) }

func (c *Caller) jitter() time.Duration {
	if c.jitterMax <= 0 {
		return 0
	}
	span := c.jitterMax - c.jitterMin
	if span <= 0 {
		return c.jitterMin
	}
	return c.jitterMin + time.Duration(rand.Int63n(int64(span)+1))
}
