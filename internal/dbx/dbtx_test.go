package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var serializationFailure = &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", serializationFailure, true},
		{"deadlock wrapped", fmt.Errorf("compact: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM room_updates").WithArgs("r").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := InTx(context.Background(), db, nil, func(ctx context.Context, tx Execer) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room = $1`, "r")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "must commit on success")
}

func TestInTx_RollbackOnFnError(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := InTx(context.Background(), db, nil, func(context.Context, Execer) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.NoError(t, mock.ExpectationsWereMet(), "must roll back once, without retry")
}

func TestInTx_RetriesSerializationFailure(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := InTx(context.Background(), db, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(context.Context, Execer) error {
		calls++
		if calls == 1 {
			return serializationFailure
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_GivesUpAfterMaxAttempts(t *testing.T) {
	db, mock := setupDB(t)
	for i := 0; i < MaxAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	calls := 0
	err := InTx(context.Background(), db, nil, func(context.Context, Execer) error {
		calls++
		return serializationFailure
	})
	assert.ErrorIs(t, err, serializationFailure)
	assert.Equal(t, MaxAttempts, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollbackOnPanic(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic to propagate")
		}
		require.NoError(t, mock.ExpectationsWereMet(), "must roll back on panic")
	}()

	_ = InTx(context.Background(), db, nil, func(context.Context, Execer) error {
		panic("kaput")
	})
}

func TestInTx_BeginError(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("no conn"))

	called := false
	err := InTx(context.Background(), db, nil, func(context.Context, Execer) error {
		called = true
		return nil
	})
	require.Error(t, err, "begin should fail")
	require.False(t, called)
}

func TestInTx_CommitError(t *testing.T) {
	db, mock := setupDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := InTx(context.Background(), db, nil, func(context.Context, Execer) error {
		return nil
	})
	require.EqualError(t, err, "connection reset")
}
