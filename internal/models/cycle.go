package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CycleOutcome string

const (
	OutcomeLiquidated CycleOutcome = "liquidated"
	OutcomeTimeout    CycleOutcome = "timeout"
	OutcomeError      CycleOutcome = "error"
)

// CycleRecord — итог одного полного цикла пары: что ликвидировалось первым
// и сколько вернулось на основной счёт. Живёт один цикл.
type CycleRecord struct {
	ID         uuid.UUID
	Pair       string
	Symbol     string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    CycleOutcome
	LostLeg    Side
	SweptShort decimal.Decimal
	SweptLong  decimal.Decimal
	Error      string
}

func NewCycleRecord(pair, symbol string) *CycleRecord {
	return &CycleRecord{
		ID:        uuid.New(),
		Pair:      pair,
		Symbol:    symbol,
		StartedAt: time.Now(),
	}
}

func (r *CycleRecord) SweptTotal() decimal.Decimal {
	return r.SweptShort.Add(r.SweptLong)
}
