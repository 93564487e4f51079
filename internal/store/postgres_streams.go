package store

import (
	"context"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/voyagen/channelvault/internal/models"
)

const streamColumns = `id, source_id, title, tvg_id, media_url, logo_url, group_title, is_active, created_at, updated_at`

func scanStream(row pgx.Row) (*models.Stream, error) {
	var s models.Stream
	if err := row.Scan(&s.ID, &s.SourceID, &s.Title, &s.TvgID, &s.MediaURL, &s.LogoURL,
		&s.Group, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) GetStream(ctx context.Context, streamID int64) (*models.Stream, error) {
	s, err := scanStream(p.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1`, streamID))
	if err != nil {
		return nil, fmt.Errorf("GetStream: %w", mapErr(err))
	}
	return s, nil
}

func (p *Postgres) ListStreams(ctx context.Context, f StreamFilter) ([]models.Stream, int, error) {
	f.Normalize()

	where := sq.And{}
	if f.SourceID != nil {
		where = append(where, sq.Eq{"source_id": *f.SourceID})
	}
	if f.Group != nil {
		where = append(where, sq.Eq{"group_title": *f.Group})
	}
	if f.Active != nil {
		where = append(where, sq.Eq{"is_active": *f.Active})
	}
	if f.Search != "" {
		where = append(where, sq.ILike{"title": "%" + f.Search + "%"})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("streams").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ListStreams: %w", err)
	}
	var total int
	if err := p.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListStreams count: %w", err)
	}

	query, args, err := psql.Select(streamColumns).From("streams").Where(where).
		OrderBy("group_title", "title", "id").
		Limit(uint64(f.Limit)).Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ListStreams: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListStreams: %w", err)
	}
	defer rows.Close()

	streams := []models.Stream{}
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListStreams: %w", err)
		}
		streams = append(streams, *s)
	}
	return streams, total, rows.Err()
}

// InSourceTx serializes stream writers of one source with a transaction-scoped
// advisory lock.
func (p *Postgres) InSourceTx(ctx context.Context, sourceID int64, fn func(tx StreamTx) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, lockClassSourceStreams, sourceID); err != nil {
			return err
		}
		return fn(&pgStreamTx{tx: tx, sourceID: sourceID})
	})
}

type pgStreamTx struct {
	tx       pgx.Tx
	sourceID int64
}

func (t *pgStreamTx) ListSourceStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE source_id = $1 ORDER BY id`, t.sourceID)
	if err != nil {
		return nil, fmt.Errorf("ListSourceStreams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSourceStreams: %w", err)
		}
		streams = append(streams, *s)
	}
	return streams, rows.Err()
}

func (t *pgStreamTx) CreateStreams(ctx context.Context, streams []models.Stream) error {
	if len(streams) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for i := range streams {
		s := &streams[i]
		b.Queue(`INSERT INTO streams (source_id, title, tvg_id, media_url, logo_url, group_title, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at`,
			t.sourceID, s.Title, s.TvgID, s.MediaURL, s.LogoURL, s.Group, s.IsActive,
		).QueryRow(func(row pgx.Row) error {
			s.SourceID = t.sourceID
			return row.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
		})
	}
	if err := t.tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("CreateStreams: %w", mapErr(err))
	}
	return nil
}

func (t *pgStreamTx) UpdateStreams(ctx context.Context, streams []models.Stream) error {
	b := &pgx.Batch{}
	for _, s := range streams {
		b.Queue(`UPDATE streams SET tvg_id = $3, media_url = $4, logo_url = $5, is_active = $6, updated_at = NOW()
			WHERE id = $1 AND source_id = $2`,
			s.ID, t.sourceID, s.TvgID, s.MediaURL, s.LogoURL, s.IsActive)
	}
	if err := sendBatch(ctx, t.tx, b); err != nil {
		return fmt.Errorf("UpdateStreams: %w", err)
	}
	return nil
}

func (t *pgStreamTx) DeactivateStreams(ctx context.Context, streamIDs []int64) error {
	if len(streamIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE streams SET is_active = FALSE, updated_at = NOW()
		 WHERE source_id = $1 AND id = ANY($2) AND is_active`, t.sourceID, streamIDs)
	if err != nil {
		return fmt.Errorf("DeactivateStreams: %w", err)
	}
	return nil
}

func (t *pgStreamTx) DeleteStreams(ctx context.Context, streamIDs []int64) error {
	if len(streamIDs) == 0 {
		return nil
	}
	playlistIDs, err := lockForDelete(ctx, t.tx,
		`SELECT DISTINCT playlist_id FROM playlist_channels WHERE stream_id = ANY($1) ORDER BY 1`,
		`SELECT id FROM streams WHERE id = ANY($1) ORDER BY id FOR UPDATE`, streamIDs)
	if err != nil {
		return fmt.Errorf("DeleteStreams: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM streams WHERE source_id = $1 AND id = ANY($2)`, t.sourceID, streamIDs); err != nil {
		return fmt.Errorf("DeleteStreams: %w", err)
	}
	if err := compactPlaylists(ctx, t.tx, playlistIDs); err != nil {
		return fmt.Errorf("DeleteStreams: %w", err)
	}
	return nil
}

// lockForDelete locks the playlists found by refQuery, then the stream rows
// selected by streamQuery, then any playlist that gained an entry for those
// streams in between. Once the stream rows are held no new entry can reference
// them. It returns every playlist that needs compacting after the delete.
func lockForDelete(ctx context.Context, tx pgx.Tx, refQuery, streamQuery string, args ...any) ([]int64, error) {
	first, err := playlistsReferencing(ctx, tx, refQuery, args...)
	if err != nil {
		return nil, err
	}
	if err := lockPlaylists(ctx, tx, first); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, streamQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("lock streams: %w", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock streams: %w", err)
	}

	second, err := playlistsReferencing(ctx, tx, refQuery, args...)
	if err != nil {
		return nil, err
	}
	if err := lockPlaylists(ctx, tx, second); err != nil {
		return nil, err
	}
	ids := append(first, second...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
