package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pair_bot/internal/models"
	"pair_bot/pkg/db"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pair_cycles (
	id          UUID PRIMARY KEY,
	pair        TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	outcome     TEXT,
	lost_leg    TEXT,
	swept_short NUMERIC(20, 6),
	swept_long  NUMERIC(20, 6),
	last_error  TEXT
)`

// Pg пишет журнал циклов в postgres через общий tx-менеджер.
type Pg struct {
	db db.TxManager
}

func NewPg(manager db.TxManager) *Pg {
	return &Pg{db: manager}
}

// Init создаёт таблицу журнала. Вызывается один раз на старте процесса.
func (p *Pg) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Init: %w", err)
		}
	}()

	return p.db.RunMaster(ctx,
		func(ctxTx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctxTx, schemaSQL)
			return err
		})
}

func (p *Pg) Begin(ctx context.Context, rec *models.CycleRecord) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Begin: %w", err)
		}
	}()

	return p.db.RunMaster(ctx,
		func(ctxTx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctxTx,
				`INSERT INTO pair_cycles (id, pair, symbol, started_at) VALUES ($1, $2, $3, $4)`,
				rec.ID, rec.Pair, rec.Symbol, rec.StartedAt)
			return err
		})
}

func (p *Pg) Finish(ctx context.Context, rec *models.CycleRecord) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Finish: %w", err)
		}
	}()

	return p.db.RunMaster(ctx,
		func(ctxTx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctxTx,
				`UPDATE pair_cycles
				 SET finished_at = $2, outcome = $3, lost_leg = $4,
				     swept_short = $5, swept_long = $6, last_error = $7
				 WHERE id = $1`,
				rec.ID, rec.FinishedAt, string(rec.Outcome), string(rec.LostLeg),
				rec.SweptShort.String(), rec.SweptLong.String(), rec.Error)
			return err
		})
}
