package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ArticleRelay/internal/ports"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository implements every repository port on Postgres.
type PostgresRepository struct {
	db  DB
	now func() time.Time
}

var _ ports.Store = (*PostgresRepository)(nil)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgresRepository wires a pool implementation.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Open connects a pool and verifies the server is reachable.
func Open(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// queryRow builds and runs a single-row statement.
func (r *PostgresRepository) queryRow(ctx context.Context, q sq.Sqlizer) (pgx.Row, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.db.QueryRow(ctx, query, args...), nil
}

func (r *PostgresRepository) exec(ctx context.Context, q sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build query: %w", err)
	}
	return r.db.Exec(ctx, query, args...)
}

// collect runs q and scans every row with fn.
func collect[T any](ctx context.Context, db DB, q sq.Sqlizer, fn func(scanner) (T, error)) ([]T, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := fn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func txExec(ctx context.Context, tx pgx.Tx, q sq.Sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = tx.Exec(ctx, query, args...)
	return err
}

func txQueryRow(ctx context.Context, tx pgx.Tx, q sq.Sqlizer) (pgx.Row, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return tx.QueryRow(ctx, query, args...), nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
