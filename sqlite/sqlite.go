package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"git.tatikoma.dev/corpix/startif/errors"
)

type (
	DB = sql.DB
)

// PragmaQueryOnly rejects writes on the connection, flag databases are
// owned by whoever toggles the flags.
const PragmaQueryOnly = "query_only=ON"

var DefaultPragmas = []string{
	"busy_timeout=5000",
}

// NewClient opens dsn on a single connection and applies DefaultPragmas
// followed by pragmas. ctx bounds the setup only.
func NewClient(ctx context.Context, dsn string, pragmas ...string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database: %s", dsn)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range append(append([]string(nil), DefaultPragmas...), pragmas...) {
		_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s;", pragma))
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping sqlite database")
	}

	return db, nil
}
