package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/voyagen/channelvault/internal/models"
)

const playlistSelect = `SELECT p.id, p.name, p.starting_channel_number, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM playlist_channels pc WHERE pc.playlist_id = p.id),
	(SELECT COUNT(*) FROM playlist_channels pc JOIN streams s ON s.id = pc.stream_id
	  WHERE pc.playlist_id = p.id AND NOT s.is_active)
	FROM playlists p`

func scanPlaylist(row pgx.Row) (*models.Playlist, error) {
	var p models.Playlist
	if err := row.Scan(&p.ID, &p.Name, &p.StartingChannelNumber, &p.CreatedAt, &p.UpdatedAt,
		&p.ChannelCount, &p.InactiveChannelCount); err != nil {
		return nil, err
	}
	return &p, nil
}

const entryColumns = `pc.id, pc.playlist_id, pc.stream_id, pc.title, pc.tvg_id, pc.category, pc.logo_url,
	pc."order", pc.created_at, pc.updated_at`

func scanEntry(row pgx.Row) (*models.PlaylistChannel, error) {
	var e models.PlaylistChannel
	if err := row.Scan(&e.ID, &e.PlaylistID, &e.StreamID, &e.Title, &e.TvgID, &e.Category, &e.LogoURL,
		&e.Order, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) CreatePlaylist(ctx context.Context, pl *models.Playlist) error {
	if pl.StartingChannelNumber == 0 {
		pl.StartingChannelNumber = 1
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO playlists (name, starting_channel_number) VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		pl.Name, pl.StartingChannelNumber,
	).Scan(&pl.ID, &pl.CreatedAt, &pl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreatePlaylist: %w", mapErr(err))
	}
	return nil
}

func (p *Postgres) GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error) {
	pl, err := scanPlaylist(p.pool.QueryRow(ctx, playlistSelect+` WHERE p.id = $1`, playlistID))
	if err != nil {
		return nil, fmt.Errorf("GetPlaylist: %w", mapErr(err))
	}
	return pl, nil
}

func (p *Postgres) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	rows, err := p.pool.Query(ctx, playlistSelect+` ORDER BY p.name, p.id`)
	if err != nil {
		return nil, fmt.Errorf("ListPlaylists: %w", err)
	}
	defer rows.Close()

	playlists := []models.Playlist{}
	for rows.Next() {
		pl, err := scanPlaylist(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPlaylists: %w", err)
		}
		playlists = append(playlists, *pl)
	}
	return playlists, rows.Err()
}

// UpdatePlaylist changes playlist metadata. Entry orders are never touched.
func (p *Postgres) UpdatePlaylist(ctx context.Context, playlistID int64, u PlaylistUpdate) (*models.Playlist, error) {
	q := psql.Update("playlists").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": playlistID})
	if u.Name != nil {
		q = q.Set("name", *u.Name)
	}
	if u.StartingChannelNumber != nil {
		q = q.Set("starting_channel_number", *u.StartingChannelNumber)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("UpdatePlaylist: %w", err)
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("UpdatePlaylist: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("UpdatePlaylist: %w", ErrNotFound)
	}
	return p.GetPlaylist(ctx, playlistID)
}

func (p *Postgres) DeletePlaylist(ctx context.Context, playlistID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM playlists WHERE id = $1`, playlistID)
	if err != nil {
		return fmt.Errorf("DeletePlaylist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DeletePlaylist: %w", ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListPlaylistChannels(ctx context.Context, playlistID int64, limit, offset int) ([]models.PlaylistChannel, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM playlist_channels WHERE playlist_id = $1`, playlistID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListPlaylistChannels count: %w", err)
	}

	q := psql.Select(entryColumns, streamJoinColumns).
		From("playlist_channels pc").
		Join("streams s ON s.id = pc.stream_id").
		Where(sq.Eq{"pc.playlist_id": playlistID}).
		OrderBy(`pc."order"`).
		Offset(uint64(offset))
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ListPlaylistChannels: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListPlaylistChannels: %w", err)
	}
	defer rows.Close()

	entries := []models.PlaylistChannel{}
	for rows.Next() {
		var (
			e models.PlaylistChannel
			s models.Stream
		)
		if err := rows.Scan(&e.ID, &e.PlaylistID, &e.StreamID, &e.Title, &e.TvgID, &e.Category, &e.LogoURL,
			&e.Order, &e.CreatedAt, &e.UpdatedAt,
			&s.ID, &s.SourceID, &s.Title, &s.TvgID, &s.MediaURL, &s.LogoURL,
			&s.Group, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("ListPlaylistChannels: %w", err)
		}
		e.Stream = &s
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

const streamJoinColumns = `s.id, s.source_id, s.title, s.tvg_id, s.media_url, s.logo_url, s.group_title, s.is_active, s.created_at, s.updated_at`

// InPlaylistTx locks the playlist row FOR UPDATE for the whole of fn.
func (p *Postgres) InPlaylistTx(ctx context.Context, playlistID int64, fn func(tx PlaylistTx) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var pl models.Playlist
		err := tx.QueryRow(ctx,
			`SELECT id, name, starting_channel_number, created_at, updated_at
			 FROM playlists WHERE id = $1 FOR UPDATE`, playlistID,
		).Scan(&pl.ID, &pl.Name, &pl.StartingChannelNumber, &pl.CreatedAt, &pl.UpdatedAt)
		if err != nil {
			return fmt.Errorf("InPlaylistTx: %w", mapErr(err))
		}
		return fn(&pgPlaylistTx{tx: tx, playlist: &pl})
	})
}

type pgPlaylistTx struct {
	tx       pgx.Tx
	playlist *models.Playlist
}

func (t *pgPlaylistTx) Playlist() *models.Playlist {
	return t.playlist
}

func (t *pgPlaylistTx) Entries(ctx context.Context) ([]models.PlaylistChannel, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+` FROM playlist_channels pc WHERE pc.playlist_id = $1 ORDER BY pc."order"`,
		t.playlist.ID)
	if err != nil {
		return nil, fmt.Errorf("Entries: %w", err)
	}
	defer rows.Close()

	var entries []models.PlaylistChannel
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("Entries: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (t *pgPlaylistTx) Entry(ctx context.Context, channelID int64) (*models.PlaylistChannel, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM playlist_channels pc WHERE pc.id = $1 AND pc.playlist_id = $2`,
		channelID, t.playlist.ID))
	if err != nil {
		return nil, fmt.Errorf("Entry: %w", mapErr(err))
	}
	return e, nil
}

func (t *pgPlaylistTx) InsertEntry(ctx context.Context, e *models.PlaylistChannel) error {
	e.PlaylistID = t.playlist.ID
	err := t.tx.QueryRow(ctx,
		`INSERT INTO playlist_channels (playlist_id, stream_id, title, tvg_id, category, logo_url, "order")
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		e.PlaylistID, e.StreamID, e.Title, e.TvgID, e.Category, e.LogoURL, e.Order,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("InsertEntry: %w", mapErr(err))
	}
	return nil
}

func (t *pgPlaylistTx) UpdateOverrides(ctx context.Context, channelID int64, u OverrideUpdate) error {
	if u.Empty() {
		return nil
	}
	q := psql.Update("playlist_channels").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": channelID, "playlist_id": t.playlist.ID})
	for _, f := range []struct {
		col string
		v   *string
	}{
		{"title", u.Title},
		{"tvg_id", u.TvgID},
		{"category", u.Category},
		{"logo_url", u.LogoURL},
	} {
		if f.v != nil {
			q = q.Set(f.col, nullIfEmpty(*f.v))
		}
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("UpdateOverrides: %w", err)
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("UpdateOverrides: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("UpdateOverrides: %w", ErrNotFound)
	}
	return nil
}

func (t *pgPlaylistTx) DeleteEntry(ctx context.Context, channelID int64) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM playlist_channels WHERE id = $1 AND playlist_id = $2`, channelID, t.playlist.ID)
	if err != nil {
		return fmt.Errorf("DeleteEntry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DeleteEntry: %w", ErrNotFound)
	}
	return nil
}

func (t *pgPlaylistTx) ApplyOrder(ctx context.Context, changes []OrderChange) error {
	if err := applyOrder(ctx, t.tx, changes); err != nil {
		return fmt.Errorf("ApplyOrder: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
