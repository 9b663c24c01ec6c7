package helper

import "github.com/shopspring/decimal"

// RoundDownToStep прижимает количество вниз к шагу рынка.
// Нулевой или отрицательный шаг оставляет значение как есть.
func RoundDownToStep(q, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return q
	}
	return q.Div(step).Floor().Mul(step)
}

func RoundUpToStep(q, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return q
	}
	return q.Div(step).Ceil().Mul(step)
}

// StepDecimals — сколько знаков после запятой у шага ("0.01" -> 2).
// Нужен для форматирования quantity в ордерах.
func StepDecimals(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
