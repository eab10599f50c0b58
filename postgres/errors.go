package postgres

import (
	"github.com/jackc/pgerrcode"
	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"git.tatikoma.dev/corpix/startif/errors"
)

var (
	ErrNoRows      = pgx.ErrNoRows
	ErrTooManyRows = pgx.ErrTooManyRows
)

func ErrIsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

func ErrIsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UndefinedTable
	}
	return false
}
