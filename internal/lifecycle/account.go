package lifecycle

import (
	"pair_bot/internal/exchange"
	"pair_bot/internal/models"
)

// Account — учётка одной ноги (или основного счёта): адрес для переводов
// и gateway, подписанный её ключами. Каждой ногой владеет ровно один
// PairLifecycle, основной счёт шарится между парами только для фандинга.
type Account struct {
	Name    string
	Address string
	Role    models.Side
	Gateway exchange.Gateway
}
