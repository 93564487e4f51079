package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/channelvault/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a unique constraint.
	ErrConflict = errors.New("conflict")
	// ErrStateMismatch is returned by TransitionJob when the job is not in the expected state.
	ErrStateMismatch = errors.New("job state mismatch")
)

// Store defines persistence for sources, streams, playlists, jobs and settings.
type Store interface {
	CreateSource(ctx context.Context, src *models.Source) error
	GetSource(ctx context.Context, sourceID int64) (*models.Source, error)
	ListSources(ctx context.Context) ([]models.Source, error)
	// UpdateSource applies the non-nil fields of u and returns the updated row.
	UpdateSource(ctx context.Context, sourceID int64, u SourceUpdate) (*models.Source, error)
	// DeleteSource deletes a source and cascades to its streams, their playlist
	// entries and its jobs. Affected playlists are renumbered.
	DeleteSource(ctx context.Context, sourceID int64) error
	// MarkSourceSynced sets last_synced_at.
	MarkSourceSynced(ctx context.Context, sourceID int64, at time.Time) error

	GetStream(ctx context.Context, streamID int64) (*models.Stream, error)
	// ListStreams returns streams matching f and the total before limit/offset.
	ListStreams(ctx context.Context, f StreamFilter) ([]models.Stream, int, error)
	// InSourceTx runs fn in a transaction holding an exclusive lock on the source's
	// streams. fn's error rolls back every write.
	InSourceTx(ctx context.Context, sourceID int64, fn func(tx StreamTx) error) error

	CreatePlaylist(ctx context.Context, p *models.Playlist) error
	GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error)
	ListPlaylists(ctx context.Context) ([]models.Playlist, error)
	UpdatePlaylist(ctx context.Context, playlistID int64, u PlaylistUpdate) (*models.Playlist, error)
	DeletePlaylist(ctx context.Context, playlistID int64) error
	// ListPlaylistChannels returns entries in order with their stream joined,
	// plus the total count. A limit of 0 returns every entry from offset on.
	ListPlaylistChannels(ctx context.Context, playlistID int64, limit, offset int) ([]models.PlaylistChannel, int, error)
	// InPlaylistTx runs fn in a transaction holding the playlist row lock.
	// Returns ErrNotFound when the playlist does not exist.
	InPlaylistTx(ctx context.Context, playlistID int64, fn func(tx PlaylistTx) error) error

	// CreateJobIfIdle inserts job unless a non-terminal job of the same type
	// exists for the source, in which case that job is returned with created=false.
	CreateJobIfIdle(ctx context.Context, job *models.Job) (existing *models.Job, created bool, err error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	LatestJob(ctx context.Context, sourceID int64) (*models.Job, error)
	ListActiveJobs(ctx context.Context) ([]models.Job, error)
	// ListJobs returns the terminal jobs matching f, newest first, and the total.
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error)
	// TransitionJob locks the job, checks it is in state from, applies mutate
	// and persists the result. Returns ErrStateMismatch (with the current job)
	// when the state differs.
	TransitionJob(ctx context.Context, jobID uuid.UUID, from models.JobState, mutate func(j *models.Job)) (*models.Job, error)

	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, s models.Settings) error
}

// StreamTx is the stream view of a source inside InSourceTx.
type StreamTx interface {
	ListSourceStreams(ctx context.Context) ([]models.Stream, error)
	// CreateStreams inserts streams and fills their ids.
	CreateStreams(ctx context.Context, streams []models.Stream) error
	// UpdateStreams writes tvg id, media url, logo url and is_active.
	UpdateStreams(ctx context.Context, streams []models.Stream) error
	DeactivateStreams(ctx context.Context, streamIDs []int64) error
	// DeleteStreams deletes streams and their playlist entries, renumbering each
	// affected playlist so its orders stay dense.
	DeleteStreams(ctx context.Context, streamIDs []int64) error
}

// OrderChange sets one entry's order. Changes are applied one at a time in
// slice order.
type OrderChange struct {
	ChannelID int64
	Order     int
}

// PlaylistTx is the entry view of a locked playlist inside InPlaylistTx.
type PlaylistTx interface {
	Playlist() *models.Playlist
	// Entries returns all entries ordered by order.
	Entries(ctx context.Context) ([]models.PlaylistChannel, error)
	Entry(ctx context.Context, channelID int64) (*models.PlaylistChannel, error)
	// InsertEntry inserts e and fills its id and timestamps. ErrConflict when the
	// stream is already in the playlist, ErrNotFound when the stream does not exist.
	InsertEntry(ctx context.Context, e *models.PlaylistChannel) error
	UpdateOverrides(ctx context.Context, channelID int64, u OverrideUpdate) error
	DeleteEntry(ctx context.Context, channelID int64) error
	ApplyOrder(ctx context.Context, changes []OrderChange) error
}

// SourceUpdate holds mutable source fields. Nil means unchanged.
type SourceUpdate struct {
	Name      *string
	URL       *string
	UserAgent *string
	Enabled   *bool
}

// PlaylistUpdate holds mutable playlist fields. Nil means unchanged.
type PlaylistUpdate struct {
	Name                  *string
	StartingChannelNumber *int
}

// OverrideUpdate holds playlist entry override fields. Nil means unchanged;
// a pointer to "" clears the override.
type OverrideUpdate struct {
	Title    *string
	TvgID    *string
	Category *string
	LogoURL  *string
}

// Empty reports whether u changes nothing.
func (u OverrideUpdate) Empty() bool {
	return u.Title == nil && u.TvgID == nil && u.Category == nil && u.LogoURL == nil
}

// StreamFilter holds optional filters for listing streams.
type StreamFilter struct {
	SourceID *int64
	Group    *string
	Active   *bool
	Search   string // case-insensitive substring match on title
	Limit    int    // default 50, max 200
	Offset   int
}

// JobFilter selects job history rows.
type JobFilter struct {
	SourceID int64
	Limit    int
	Offset   int
}

// Normalize clamps the limit and offset of f.
func (f *StreamFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
