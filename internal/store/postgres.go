package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Advisory lock classes, the first key of pg_advisory_xact_lock(int, int).
const (
	lockClassSourceStreams = 1
	lockClassSourceJobs    = 2
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

func advisoryLock(ctx context.Context, tx pgx.Tx, class int, id int64) error {
	// The int4 form needs the id folded into 32 bits; a collision only serializes two sources.
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::int, ($2 % 2147483647)::int)`, class, id)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// mapErr converts driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// sendBatch executes every queued statement of b in order.
func sendBatch(ctx context.Context, q querier, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := q.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return mapErr(err)
		}
	}
	return br.Close()
}

// lockPlaylists takes row locks on playlists in id order.
func lockPlaylists(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := tx.Query(ctx, `SELECT id FROM playlists WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock playlists: %w", err)
	}
	rows.Close()
	return rows.Err()
}

// compactPlaylists renumbers the entries of each playlist to 1..N keeping their
// relative order. Rows are moved one at a time in ascending order, so each
// target order is already free when it is written.
func compactPlaylists(ctx context.Context, tx pgx.Tx, ids []int64) error {
	for _, id := range ids {
		rows, err := tx.Query(ctx,
			`SELECT id, "order" FROM playlist_channels WHERE playlist_id = $1 ORDER BY "order"`, id)
		if err != nil {
			return fmt.Errorf("compact playlist %d: %w", id, err)
		}
		var changes []OrderChange
		rank := 0
		for rows.Next() {
			var c OrderChange
			if err := rows.Scan(&c.ChannelID, &c.Order); err != nil {
				rows.Close()
				return fmt.Errorf("compact playlist %d: %w", id, err)
			}
			rank++
			if c.Order != rank {
				changes = append(changes, OrderChange{ChannelID: c.ChannelID, Order: rank})
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("compact playlist %d: %w", id, err)
		}
		if err := applyOrder(ctx, tx, changes); err != nil {
			return fmt.Errorf("compact playlist %d: %w", id, err)
		}
	}
	return nil
}

func applyOrder(ctx context.Context, q querier, changes []OrderChange) error {
	b := &pgx.Batch{}
	for _, c := range changes {
		b.Queue(`UPDATE playlist_channels SET "order" = $2, updated_at = NOW() WHERE id = $1`, c.ChannelID, c.Order)
	}
	return sendBatch(ctx, q, b)
}
