package sqlite

import (
	"context"
	"sync/atomic"
	"time"

	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/startif"
)

var DefaultQueryTimeout = 5 * time.Second

type (
	FlagConfig struct {
		// Query selects a single boolean column.
		Query   string
		Args    []any
		Timeout time.Duration
	}

	// Flag is a predicate backed by a query. No rows or a missing table
	// read as false, other query errors keep the last value.
	Flag struct {
		db   *DB
		cfg  FlagConfig
		ctx  context.Context
		last atomic.Bool
	}
)

func NewFlag(ctx context.Context, db *DB, cfg FlagConfig) *Flag {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQueryTimeout
	}
	l := log.Ctx(ctx).With().Str("flag", "sqlite").Logger()
	return &Flag{
		db:  db,
		cfg: cfg,
		ctx: l.WithContext(context.WithoutCancel(ctx)),
	}
}

func (f *Flag) Query(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var v bool
	err := f.db.QueryRowContext(ctx, f.cfg.Query, f.cfg.Args...).Scan(&v)
	switch {
	case ErrIsNoRows(err), ErrIsNoTable(err):
		return false, nil
	case err != nil:
		return false, err
	}
	return v, nil
}

func (f *Flag) Value() bool {
	v, err := f.Query(f.ctx)
	if err != nil {
		v = f.last.Load()
		log.Ctx(f.ctx).Error().
			Err(err).
			Bool("busy", ErrIsBusy(err)).
			Bool("value", v).
			Msg("flag query failed, keeping last value")
		return v
	}
	f.last.Store(v)
	return v
}

func (f *Flag) Predicate() startif.Predicate { return f.Value }
