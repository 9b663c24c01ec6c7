package storage

import (
	"context"

	"pair_bot/internal/models"
)

// CycleStore — журнал циклов в БД. Begin пишется при старте цикла,
// Finish — по его завершении; lifecycle переживает отказ стора,
// поэтому ошибки здесь логируются вызывающим, а не роняют цикл.
type CycleStore interface {
	Begin(ctx context.Context, rec *models.CycleRecord) error
	Finish(ctx context.Context, rec *models.CycleRecord) error
}

// Noop — работа без БД (пустой db_dsn в конфиге).
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Begin(_ context.Context, _ *models.CycleRecord) error  { return nil }
func (n *Noop) Finish(_ context.Context, _ *models.CycleRecord) error { return nil }
