package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/voyagen/channelvault/internal/models"
)

const sourceColumns = `id, name, url, kind, user_agent, enabled, last_synced_at, created_at, updated_at`

func scanSource(row pgx.Row) (*models.Source, error) {
	var s models.Source
	if err := row.Scan(&s.ID, &s.Name, &s.URL, &s.Kind, &s.UserAgent, &s.Enabled,
		&s.LastSyncedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSource inserts src and fills its id and timestamps.
func (p *Postgres) CreateSource(ctx context.Context, src *models.Source) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO sources (name, url, kind, user_agent, enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		src.Name, src.URL, src.Kind, src.UserAgent, src.Enabled,
	).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateSource: %w", mapErr(err))
	}
	return nil
}

func (p *Postgres) GetSource(ctx context.Context, sourceID int64) (*models.Source, error) {
	s, err := scanSource(p.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID))
	if err != nil {
		return nil, fmt.Errorf("GetSource: %w", mapErr(err))
	}
	return s, nil
}

func (p *Postgres) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ListSources: %w", err)
	}
	defer rows.Close()

	sources := []models.Source{}
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSources: %w", err)
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func (p *Postgres) UpdateSource(ctx context.Context, sourceID int64, u SourceUpdate) (*models.Source, error) {
	q := psql.Update("sources").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": sourceID}).
		Suffix("RETURNING " + sourceColumns)
	if u.Name != nil {
		q = q.Set("name", *u.Name)
	}
	if u.URL != nil {
		q = q.Set("url", *u.URL)
	}
	if u.UserAgent != nil {
		q = q.Set("user_agent", *u.UserAgent)
	}
	if u.Enabled != nil {
		q = q.Set("enabled", *u.Enabled)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("UpdateSource: %w", err)
	}
	s, err := scanSource(p.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("UpdateSource: %w", mapErr(err))
	}
	return s, nil
}

// DeleteSource removes the source. Playlists holding its streams and the stream
// rows are locked first, and the playlists are renumbered after the cascade.
func (p *Postgres) DeleteSource(ctx context.Context, sourceID int64) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		playlistIDs, err := lockForDelete(ctx, tx,
			`SELECT DISTINCT pc.playlist_id FROM playlist_channels pc
			 JOIN streams s ON s.id = pc.stream_id
			 WHERE s.source_id = $1 ORDER BY 1`,
			`SELECT id FROM streams WHERE source_id = $1 ORDER BY id FOR UPDATE`, sourceID)
		if err != nil {
			return fmt.Errorf("DeleteSource: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM sources WHERE id = $1`, sourceID)
		if err != nil {
			return fmt.Errorf("DeleteSource: %w", mapErr(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("DeleteSource: %w", ErrNotFound)
		}
		if err := compactPlaylists(ctx, tx, playlistIDs); err != nil {
			return fmt.Errorf("DeleteSource: %w", err)
		}
		return nil
	})
}

func (p *Postgres) MarkSourceSynced(ctx context.Context, sourceID int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sources SET last_synced_at = $2, updated_at = NOW() WHERE id = $1`, sourceID, at)
	if err != nil {
		return fmt.Errorf("MarkSourceSynced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("MarkSourceSynced: %w", ErrNotFound)
	}
	return nil
}

func playlistsReferencing(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}
