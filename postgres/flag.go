package postgres

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

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

	// Flag is a predicate backed by a query. No rows or an undefined
	// table read as false, other query errors keep the last value.
	Flag struct {
		db   Querier
		cfg  FlagConfig
		ctx  context.Context
		last atomic.Bool
	}

	RolloutConfig struct {
		// Query selects a single numeric percentage in [0, 100].
		Query   string
		Args    []any
		Key     string
		Timeout time.Duration
	}

	// Rollout holds for a stable share of keys: the key is hashed into
	// one of 10000 buckets and the predicate holds while bucket/100 is
	// below the configured percentage.
	Rollout struct {
		db     Querier
		cfg    RolloutConfig
		ctx    context.Context
		bucket decimal.Decimal
		last   atomic.Bool
	}
)

func NewFlag(ctx context.Context, db Querier, cfg FlagConfig) *Flag {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQueryTimeout
	}
	l := log.Ctx(ctx).With().Str("flag", "postgres").Logger()
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
	err := f.db.QueryRow(ctx, f.cfg.Query, f.cfg.Args...).Scan(&v)
	switch {
	case ErrIsNoRows(err), ErrIsUndefinedTable(err):
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
		log.Ctx(f.ctx).Error().Err(err).Bool("value", v).Msg("flag query failed, keeping last value")
		return v
	}
	f.last.Store(v)
	return v
}

func (f *Flag) Predicate() startif.Predicate { return f.Value }

// Bucket maps key to a percentage in [0, 100) with two decimal places.
func Bucket(key string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return decimal.New(int64(h.Sum32()%10000), -2)
}

// InRollout reports whether a key in bucket is enabled at percentage.
func InRollout(bucket decimal.Decimal, percentage decimal.Decimal) bool {
	return bucket.LessThan(percentage)
}

func NewRollout(ctx context.Context, db Querier, cfg RolloutConfig) *Rollout {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQueryTimeout
	}
	l := log.Ctx(ctx).With().
		Str("flag", "postgres-rollout").
		Str("key", cfg.Key).
		Logger()
	return &Rollout{
		db:     db,
		cfg:    cfg,
		ctx:    l.WithContext(context.WithoutCancel(ctx)),
		bucket: Bucket(cfg.Key),
	}
}

// Percentage returns the configured rollout, zero when there is none.
func (r *Rollout) Percentage(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var pct decimal.Decimal
	err := r.db.QueryRow(ctx, r.cfg.Query, r.cfg.Args...).Scan(&pct)
	switch {
	case ErrIsNoRows(err), ErrIsUndefinedTable(err):
		return decimal.Zero, nil
	case err != nil:
		return decimal.Zero, err
	}
	return pct, nil
}

func (r *Rollout) Value() bool {
	pct, err := r.Percentage(r.ctx)
	if err != nil {
		v := r.last.Load()
		log.Ctx(r.ctx).Error().Err(err).Bool("value", v).Msg("rollout query failed, keeping last value")
		return v
	}
	v := InRollout(r.bucket, pct)
	r.last.Store(v)
	return v
}

func (r *Rollout) Bucket() decimal.Decimal { return r.bucket }

func (r *Rollout) Predicate() startif.Predicate { return r.Value }
