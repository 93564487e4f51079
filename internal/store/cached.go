package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voyagen/channelvault/internal/cache"
	"github.com/voyagen/channelvault/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlSources   = 2 * time.Minute
	ttlSource    = 5 * time.Minute
	ttlStreams   = 1 * time.Minute
	ttlPlaylists = 1 * time.Minute
	ttlSettings  = 10 * time.Minute
)

var (
	keySources   = cache.Key("sources", "all")
	keyPlaylists = cache.Key("playlists", "all")
	keySettings  = cache.Key("settings")
)

func keySource(id int64) string   { return cache.Key("source", strconv.FormatInt(id, 10)) }
func keyPlaylist(id int64) string { return cache.Key("playlist", strconv.FormatInt(id, 10)) }

// CachedStore wraps a Store with a Redis caching layer.
// Source, stream, playlist and settings reads are served from cache when
// possible; writes invalidate the affected keys. Jobs and playlist entries
// always go to the inner store.
type CachedStore struct {
	inner Store
	cache *cache.Redis
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis) *CachedStore {
	return &CachedStore{inner: inner, cache: c}
}

// --- cached reads ---

func (c *CachedStore) ListSources(ctx context.Context) ([]models.Source, error) {
	return cached(ctx, c, keySources, ttlSources, func() ([]models.Source, error) {
		return c.inner.ListSources(ctx)
	})
}

func (c *CachedStore) GetSource(ctx context.Context, sourceID int64) (*models.Source, error) {
	return cached(ctx, c, keySource(sourceID), ttlSource, func() (*models.Source, error) {
		return c.inner.GetSource(ctx, sourceID)
	})
}

// streamListResult caches the ListStreams tuple.
type streamListResult struct {
	Streams []models.Stream `json:"streams"`
	Total   int             `json:"total"`
}

func (c *CachedStore) ListStreams(ctx context.Context, f StreamFilter) ([]models.Stream, int, error) {
	f.Normalize()
	key := cache.Key("streams", filterHash(f))
	v, err := cached(ctx, c, key, ttlStreams, func() (streamListResult, error) {
		streams, total, err := c.inner.ListStreams(ctx, f)
		return streamListResult{Streams: streams, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return v.Streams, v.Total, nil
}

func (c *CachedStore) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	return cached(ctx, c, keyPlaylists, ttlPlaylists, func() ([]models.Playlist, error) {
		return c.inner.ListPlaylists(ctx)
	})
}

func (c *CachedStore) GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error) {
	return cached(ctx, c, keyPlaylist(playlistID), ttlPlaylists, func() (*models.Playlist, error) {
		return c.inner.GetPlaylist(ctx, playlistID)
	})
}

func (c *CachedStore) GetSettings(ctx context.Context) (models.Settings, error) {
	return cached(ctx, c, keySettings, ttlSettings, func() (models.Settings, error) {
		return c.inner.GetSettings(ctx)
	})
}

// --- writes with cache invalidation ---

func (c *CachedStore) CreateSource(ctx context.Context, src *models.Source) error {
	if err := c.inner.CreateSource(ctx, src); err != nil {
		return err
	}
	c.invalidate(ctx, keySources)
	return nil
}

func (c *CachedStore) UpdateSource(ctx context.Context, sourceID int64, u SourceUpdate) (*models.Source, error) {
	src, err := c.inner.UpdateSource(ctx, sourceID, u)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, keySource(sourceID), keySources)
	return src, nil
}

func (c *CachedStore) DeleteSource(ctx context.Context, sourceID int64) error {
	if err := c.inner.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	c.invalidate(ctx, keySource(sourceID), keySources)
	c.invalidatePlaylists(ctx)
	c.invalidatePattern(ctx, cache.Key("streams", "*"))
	return nil
}

func (c *CachedStore) MarkSourceSynced(ctx context.Context, sourceID int64, at time.Time) error {
	if err := c.inner.MarkSourceSynced(ctx, sourceID, at); err != nil {
		return err
	}
	c.invalidate(ctx, keySource(sourceID), keySources)
	return nil
}

// InSourceTx invalidates stream lists and playlist counts after a committed sync.
func (c *CachedStore) InSourceTx(ctx context.Context, sourceID int64, fn func(tx StreamTx) error) error {
	if err := c.inner.InSourceTx(ctx, sourceID, fn); err != nil {
		return err
	}
	c.invalidatePattern(ctx, cache.Key("streams", "*"))
	c.invalidatePlaylists(ctx)
	return nil
}

func (c *CachedStore) CreatePlaylist(ctx context.Context, p *models.Playlist) error {
	if err := c.inner.CreatePlaylist(ctx, p); err != nil {
		return err
	}
	c.invalidate(ctx, keyPlaylists)
	return nil
}

func (c *CachedStore) UpdatePlaylist(ctx context.Context, playlistID int64, u PlaylistUpdate) (*models.Playlist, error) {
	p, err := c.inner.UpdatePlaylist(ctx, playlistID, u)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, keyPlaylist(playlistID), keyPlaylists)
	return p, nil
}

func (c *CachedStore) DeletePlaylist(ctx context.Context, playlistID int64) error {
	if err := c.inner.DeletePlaylist(ctx, playlistID); err != nil {
		return err
	}
	c.invalidate(ctx, keyPlaylist(playlistID), keyPlaylists)
	return nil
}

func (c *CachedStore) InPlaylistTx(ctx context.Context, playlistID int64, fn func(tx PlaylistTx) error) error {
	if err := c.inner.InPlaylistTx(ctx, playlistID, fn); err != nil {
		return err
	}
	c.invalidate(ctx, keyPlaylist(playlistID), keyPlaylists)
	return nil
}

func (c *CachedStore) SaveSettings(ctx context.Context, s models.Settings) error {
	if err := c.inner.SaveSettings(ctx, s); err != nil {
		return err
	}
	c.invalidate(ctx, keySettings)
	return nil
}

// --- passthrough (no caching) ---

func (c *CachedStore) GetStream(ctx context.Context, streamID int64) (*models.Stream, error) {
	return c.inner.GetStream(ctx, streamID)
}

func (c *CachedStore) ListPlaylistChannels(ctx context.Context, playlistID int64, limit, offset int) ([]models.PlaylistChannel, int, error) {
	return c.inner.ListPlaylistChannels(ctx, playlistID, limit, offset)
}

func (c *CachedStore) CreateJobIfIdle(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	return c.inner.CreateJobIfIdle(ctx, job)
}

func (c *CachedStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return c.inner.GetJob(ctx, jobID)
}

func (c *CachedStore) LatestJob(ctx context.Context, sourceID int64) (*models.Job, error) {
	return c.inner.LatestJob(ctx, sourceID)
}

func (c *CachedStore) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	return c.inner.ListActiveJobs(ctx)
}

func (c *CachedStore) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error) {
	return c.inner.ListJobs(ctx, f)
}

func (c *CachedStore) TransitionJob(ctx context.Context, jobID uuid.UUID, from models.JobState, mutate func(j *models.Job)) (*models.Job, error) {
	return c.inner.TransitionJob(ctx, jobID, from, mutate)
}

// --- helpers ---

// cached serves key from redis, falling back to load and storing its result.
// Cache errors are logged and never fail the read.
func cached[T any](ctx context.Context, c *CachedStore, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, err := cache.Get[T](ctx, c.cache, key); err == nil {
		return v, nil
	} else if !errors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "cache get failed", "key", key, "err", err)
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if err := cache.Set(ctx, c.cache, key, v, ttl); err != nil {
		slog.WarnContext(ctx, "cache set failed", "key", key, "err", err)
	}
	return v, nil
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !errors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "cache del failed", "keys", keys, "err", err)
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			slog.WarnContext(ctx, "cache del pattern failed", "pattern", p, "err", err)
		}
	}
}

func (c *CachedStore) invalidatePlaylists(ctx context.Context) {
	c.invalidate(ctx, keyPlaylists)
	c.invalidatePattern(ctx, cache.Key("playlist", "*"))
}

// filterHash produces a short deterministic hash for a StreamFilter so it
// can be used as part of a cache key.
func filterHash(f StreamFilter) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		ptrString(f.SourceID), ptrString(f.Group), ptrString(f.Active), f.Search, f.Limit, f.Offset)
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", h[:8])
}

func ptrString[T any](p *T) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}

var _ Store = (*CachedStore)(nil)
var _ Store = (*Postgres)(nil)
