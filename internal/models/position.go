package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side — роль ноги в паре: длинная или короткая.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionState string

const (
	PositionOpen       PositionState = "OPEN"
	PositionLiquidated PositionState = "LIQUIDATED"
	PositionClosed     PositionState = "CLOSED"
	PositionUnknown    PositionState = "UNKNOWN"
)

// Position — снимок позиции одной ноги на момент опроса. Не персистится,
// перезаписывается каждым циклом мониторинга.
type Position struct {
	Symbol           string
	State            PositionState
	NetQuantity      decimal.Decimal // со знаком: + long, - short
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Updated          time.Time
}

// Notional — размер позиции в котируемой валюте по цене входа.
func (p Position) Notional() decimal.Decimal {
	return p.NetQuantity.Abs().Mul(p.EntryPrice)
}
