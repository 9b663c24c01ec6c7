package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"pair_bot/internal/models"
)

// Gateway — подписанные операции одной учётки. Реализация привязана к кредам
// конкретного аккаунта; жизненный цикл пары работает только через этот
// интерфейс, что позволяет подставлять фейки в тестах.
type Gateway interface {
	// Transfer выводит amount USDC на адрес toAddress, возвращает id вывода.
	Transfer(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error)

	// PlaceOrder открывает маркет-позицию на notional (котируемая валюта).
	// Плечо уже учтено в notional, передаётся для валидации и логов.
	PlaceOrder(ctx context.Context, symbol string, side models.Side, notional decimal.Decimal, leverage int) (string, error)

	// ClosePosition закрывает позицию reduce-only маркетом.
	// Идемпотентна: отсутствие позиции — успех, не ошибка.
	ClosePosition(ctx context.Context, symbol string) error

	GetPosition(ctx context.Context, symbol string) (models.Position, error)

	// GetBalance возвращает доступный остаток USDC.
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}
