package retry

import (
	"context"
	"time"
)

// Sleeper — абстракция ожидания. Все паузы ядра (джиттер, бэкофф, опрос)
// идут через неё, чтобы тесты подставляли нулевое время, а отмена контекста
// была видна в каждой точке ожидания.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

func NewSleeper() Sleeper { return realSleeper{} }

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
