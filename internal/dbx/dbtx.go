// Package dbx holds the transaction plumbing of the Postgres room log.
package dbx

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// MaxAttempts bounds how many times InTx runs a transaction that keeps
// failing with a retryable error.
const MaxAttempts = 3

// Execer runs a statement. *sql.DB and *sql.Tx both qualify, so helpers
// such as the room log insert work inside and outside a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Retryable reports a serialization failure or deadlock: the transaction
// did nothing and may simply be run again.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// InTx runs fn in a transaction and commits when fn returns nil. On error
// or panic the transaction is rolled back; panics are re-raised. Retryable
// failures, from fn or from the commit, run the whole transaction again up
// to MaxAttempts times.
//
//	err := dbx.InTx(ctx, db, &sql.TxOptions{Isolation: sql.LevelSerializable},
//		func(ctx context.Context, tx dbx.Execer) error {
//			_, err := tx.ExecContext(ctx, "DELETE FROM room_updates WHERE room = $1", room)
//			return err
//		})
func InTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx Execer) error) error {
	for attempt := 1; ; attempt++ {
		err := runTx(ctx, db, opts, fn)
		if err == nil || attempt >= MaxAttempts || !Retryable(err) || ctx.Err() != nil {
			return err
		}
	}
}

func runTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx Execer) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, tx)
}
