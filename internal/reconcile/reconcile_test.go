package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelvault/internal/fetcher"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
	"github.com/voyagen/channelvault/internal/storetest"
)

func seedSource(t *testing.T, m *storetest.Memory) int64 {
	t.Helper()
	src := &models.Source{Name: "provider", URL: "http://p", Kind: models.SourceKindProvider, Enabled: true}
	require.NoError(t, m.CreateSource(context.Background(), src))
	return src.ID
}

func seedStreams(t *testing.T, m *storetest.Memory, sourceID int64, streams ...models.Stream) {
	t.Helper()
	err := m.InSourceTx(context.Background(), sourceID, func(tx store.StreamTx) error {
		return tx.CreateStreams(context.Background(), streams)
	})
	require.NoError(t, err)
}

func byTitle(streams []models.Stream) map[string]models.Stream {
	out := map[string]models.Stream{}
	for _, s := range streams {
		out[s.Title] = s
	}
	return out
}

func TestDiff(t *testing.T) {
	existing := []models.Stream{
		{ID: 1, Title: "A", Group: "G1", MediaURL: "url1", TvgID: "a.tv", LogoURL: "logo", IsActive: true},
		{ID: 2, Title: "B", Group: "G2", MediaURL: "urlB", IsActive: true},
		{ID: 3, Title: "D", Group: "G4", MediaURL: "urlD", IsActive: false},
		{ID: 4, Title: "E", Group: "", MediaURL: "urlE", IsActive: false},
	}

	tests := []struct {
		name    string
		fetched []fetcher.Record
		allow   bool
		check   func(t *testing.T, c Changes)
	}{
		{
			name: "empty fetched values never erase",
			fetched: []fetcher.Record{
				{Name: "A", Group: "G1", URL: "url1"},
				{Name: "B", Group: "G2", URL: "urlB"},
			},
			check: func(t *testing.T, c Changes) {
				assert.Empty(t, c.Update)
				assert.Equal(t, 2, c.Unchanged)
				assert.Empty(t, c.Deactivate, "D and E are already inactive")
			},
		},
		{
			name: "reactivation is a change",
			fetched: []fetcher.Record{
				{Name: "D", Group: "G4", URL: "urlD"},
			},
			check: func(t *testing.T, c Changes) {
				require.Len(t, c.Update, 1)
				assert.True(t, c.Update[0].IsActive)
				assert.Equal(t, []int64{1, 2}, c.Deactivate)
			},
		},
		{
			name: "same title in another group is a new stream",
			fetched: []fetcher.Record{
				{Name: "A", Group: "G9", URL: "url9"},
			},
			allow: true,
			check: func(t *testing.T, c Changes) {
				require.Len(t, c.Create, 1)
				assert.Equal(t, "G9", c.Create[0].Group)
				assert.ElementsMatch(t, []int64{1, 2, 3, 4}, c.Delete)
			},
		},
		{
			name: "invalid and repeated records are skipped",
			fetched: []fetcher.Record{
				{Name: "", URL: "x"},
				{Name: "X", URL: "  "},
				{Name: "New", URL: "n1"},
				{Name: "New", URL: "n2"},
			},
			check: func(t *testing.T, c Changes) {
				require.Len(t, c.Create, 1)
				assert.Equal(t, "n1", c.Create[0].MediaURL)
				assert.Equal(t, 3, c.Skipped)
			},
		},
		{
			name: "changed fields overwrite",
			fetched: []fetcher.Record{
				{Name: "A", Group: "G1", URL: "url2", TvgID: "a2.tv", Logo: ""},
			},
			check: func(t *testing.T, c Changes) {
				require.Len(t, c.Update, 1)
				u := c.Update[0]
				assert.Equal(t, "url2", u.MediaURL)
				assert.Equal(t, "a2.tv", u.TvgID)
				assert.Equal(t, "logo", u.LogoURL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Diff(existing, tt.fetched, tt.allow))
		})
	}
}

func TestApplyAutoDeletionScenario(t *testing.T) {
	ctx := context.Background()
	m := storetest.NewMemory()
	sid := seedSource(t, m)
	seedStreams(t, m, sid,
		models.Stream{Title: "A", Group: "G1", MediaURL: "url1", IsActive: true},
		models.Stream{Title: "B", Group: "G2", MediaURL: "urlB", IsActive: true},
	)

	res, err := New(m).Apply(ctx, sid, []fetcher.Record{
		{Name: "A", Group: "G1", URL: "url2"},
		{Name: "C", Group: "G3", URL: "url3"},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, Result{Created: 1, Updated: 1, Deleted: 1}, res)
	assert.Equal(t, 3, res.Writes())

	got := byTitle(m.Streams(sid))
	require.Len(t, got, 2)
	assert.Equal(t, "url2", got["A"].MediaURL)
	assert.Equal(t, "G3", got["C"].Group)
	assert.True(t, got["C"].IsActive)
}

func TestApplyWithoutAutoDeletionDeactivates(t *testing.T) {
	ctx := context.Background()
	m := storetest.NewMemory()
	sid := seedSource(t, m)
	seedStreams(t, m, sid,
		models.Stream{Title: "A", Group: "G1", MediaURL: "url1", IsActive: true},
		models.Stream{Title: "B", Group: "G2", MediaURL: "urlB", IsActive: true},
	)

	res, err := New(m).Apply(ctx, sid, []fetcher.Record{
		{Name: "A", Group: "G1", URL: "url2"},
		{Name: "C", Group: "G3", URL: "url3"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 1, Updated: 1, Deactivated: 1}, res)

	got := byTitle(m.Streams(sid))
	require.Len(t, got, 3)
	assert.False(t, got["B"].IsActive)
	assert.True(t, got["A"].IsActive)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := storetest.NewMemory()
	sid := seedSource(t, m)
	fetched := []fetcher.Record{
		{Name: "A", Group: "G1", URL: "url1", TvgID: "a"},
		{Name: "B", Group: "G2", URL: "url2", Logo: "b.png"},
		{Name: "C", URL: "url3"},
	}
	r := New(m)

	first, err := r.Apply(ctx, sid, fetched, false)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	before := m.Streams(sid)

	second, err := r.Apply(ctx, sid, fetched, false)
	require.NoError(t, err)
	assert.Zero(t, second.Writes())
	assert.Equal(t, 3, second.Unchanged)
	assert.Equal(t, before, m.Streams(sid))
}

func TestApplyDeletionCompactsPlaylists(t *testing.T) {
	ctx := context.Background()
	m := storetest.NewMemory()
	sid := seedSource(t, m)
	streams := []models.Stream{
		{Title: "A", MediaURL: "a", IsActive: true},
		{Title: "B", MediaURL: "b", IsActive: true},
		{Title: "C", MediaURL: "c", IsActive: true},
	}
	require.NoError(t, m.InSourceTx(ctx, sid, func(tx store.StreamTx) error {
		return tx.CreateStreams(ctx, streams)
	}))
	pl := &models.Playlist{Name: "favs"}
	require.NoError(t, m.CreatePlaylist(ctx, pl))
	require.NoError(t, m.InPlaylistTx(ctx, pl.ID, func(tx store.PlaylistTx) error {
		for i, s := range streams {
			if err := tx.InsertEntry(ctx, &models.PlaylistChannel{StreamID: s.ID, Order: i + 1}); err != nil {
				return err
			}
		}
		return nil
	}))

	_, err := New(m).Apply(ctx, sid, []fetcher.Record{
		{Name: "A", URL: "a"},
		{Name: "C", URL: "c"},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, m.Orders(pl.ID))
}

type failingStore struct {
	*storetest.Memory
}

func (f failingStore) InSourceTx(ctx context.Context, sourceID int64, fn func(tx store.StreamTx) error) error {
	return f.Memory.InSourceTx(ctx, sourceID, func(tx store.StreamTx) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct {
	store.StreamTx
}

func (failingTx) DeleteStreams(context.Context, []int64) error {
	return errors.New("disk full")
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	m := storetest.NewMemory()
	sid := seedSource(t, m)
	seedStreams(t, m, sid, models.Stream{Title: "Old", MediaURL: "o", IsActive: true})
	before := m.Streams(sid)

	_, err := New(failingStore{m}).Apply(ctx, sid, []fetcher.Record{{Name: "New", URL: "n"}}, true)
	require.ErrorContains(t, err, "disk full")

	assert.Equal(t, before, m.Streams(sid))
}
