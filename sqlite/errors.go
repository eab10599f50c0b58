package sqlite

import (
	"database/sql"
	"strings"

	sqlite "github.com/mattn/go-sqlite3"

	"git.tatikoma.dev/corpix/startif/errors"
)

var (
	ErrNoRows = sql.ErrNoRows
)

func ErrIsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func ErrIsNoTable(err error) bool {
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite.ErrError &&
			strings.Contains(sqliteErr.Error(), "no such table")
	}
	return false
}

func ErrIsBusy(err error) bool {
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite.ErrBusy, sqlite.ErrLocked:
			return true
		}
	}
	return false
}
