package roomlog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/dbx"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/storage/compress"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/zeebo/blake3"
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("%w: migrations: %w", common.ErrPersistence, err)
	}
	return nil
}

// PostgresOpener vends per-room logs sharing one connection pool.
type PostgresOpener struct {
	db     *sql.DB
	tag    compress.Tag
	logger logging.Logger
}

// OpenPostgres connects with the pgx driver and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, tag compress.Tag, l logging.Logger) (*PostgresOpener, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", common.ErrPersistence, err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresOpener(db, tag, l), nil
}

// NewPostgresOpener wraps an already migrated database.
func NewPostgresOpener(db *sql.DB, tag compress.Tag, l logging.Logger) *PostgresOpener {
	return &PostgresOpener{db: db, tag: tag, logger: logging.OrNop(l).With("module", "roomlog")}
}

func (o *PostgresOpener) Open(_ context.Context, room string) (Log, error) {
	if room == "" {
		return nil, fmt.Errorf("%w: empty room name", common.ErrInvalidArgument)
	}
	return &PostgresLog{db: o.db, room: room, tag: o.tag}, nil
}

func (o *PostgresOpener) Close() error { return o.db.Close() }

// PostgresLog keeps a room's records as rows of room_updates. Rows are
// keyed by a BLAKE3 hash of the update so a re-delivered update is stored
// once.
type PostgresLog struct {
	db   *sql.DB
	room string
	tag  compress.Tag
}

// UpdateHash is the duplicate-suppression key of an encoded update.
func UpdateHash(update []byte) string {
	sum := blake3.Sum256(update)
	return hex.EncodeToString(sum[:])
}

func insertUpdate(ctx context.Context, db dbx.Execer, room string, update []byte, tag compress.Tag) error {
	payload, err := compress.Pack(update, tag)
	if err != nil {
		return err
	}
	query := `INSERT INTO room_updates (room, update_hash, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (room, update_hash) DO NOTHING`
	_, err = db.ExecContext(ctx, query, room, UpdateHash(update), payload)
	return err
}

func (l *PostgresLog) Append(ctx context.Context, update []byte) error {
	if err := insertUpdate(ctx, l.db, l.room, update, l.tag); err != nil {
		return fmt.Errorf("%w: append: %w", common.ErrPersistence, err)
	}
	return nil
}

func (l *PostgresLog) Replay(ctx context.Context, fn func([]byte) error) error {
	query := `SELECT payload FROM room_updates WHERE room = $1 ORDER BY id`
	rows, err := l.db.QueryContext(ctx, query, l.room)
	if err != nil {
		return fmt.Errorf("%w: replay: %w", common.ErrPersistence, err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("%w: scan: %w", common.ErrPersistence, err)
		}
		update, err := compress.Unpack(payload)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", common.ErrDecode, i, err)
		}
		if err := fn(update); err != nil {
			return err
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: replay: %w", common.ErrPersistence, err)
	}
	return nil
}

func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_updates WHERE room = $1`, l.room).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", common.ErrPersistence, err)
	}
	return n, nil
}

// Compact swaps the room's rows for one state row in a serializable
// transaction, retried when it loses a race with a concurrent append.
func (l *PostgresLog) Compact(ctx context.Context, state []byte) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	err := dbx.InTx(ctx, l.db, opts, func(ctx context.Context, tx dbx.Execer) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM room_updates WHERE room = $1`, l.room); err != nil {
			return err
		}
		return insertUpdate(ctx, tx, l.room, state, l.tag)
	})
	if err != nil {
		return fmt.Errorf("%w: compact: %w", common.ErrPersistence, err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the opener.
func (l *PostgresLog) Close() error { return nil }
