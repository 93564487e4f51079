package store_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/ordering"
	"github.com/voyagen/channelvault/internal/store"
)

// newPostgres connects to TEST_DATABASE_URL, migrates it and empties every
// table. Tests are skipped when the variable is unset.
func newPostgres(t *testing.T) (*store.Postgres, string) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, store.RunMigrations(dsn))

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `TRUNCATE sources, streams, playlists, playlist_channels, jobs, settings RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	pg, err := store.NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return pg, dsn
}

func seedSource(t *testing.T, pg *store.Postgres, name string, n int) (*models.Source, []int64) {
	t.Helper()
	ctx := context.Background()
	src := &models.Source{Name: name, URL: "http://" + name, Kind: models.SourceKindProvider, Enabled: true}
	require.NoError(t, pg.CreateSource(ctx, src))

	streams := make([]models.Stream, n)
	for i := range streams {
		streams[i] = models.Stream{Title: fmt.Sprintf("%s-%02d", name, i), MediaURL: fmt.Sprintf("http://%s/%d", name, i), IsActive: true}
	}
	require.NoError(t, pg.InSourceTx(ctx, src.ID, func(tx store.StreamTx) error {
		return tx.CreateStreams(ctx, streams)
	}))
	ids := make([]int64, n)
	for i, s := range streams {
		require.NotZero(t, s.ID)
		ids[i] = s.ID
	}
	return src, ids
}

func seedPlaylist(t *testing.T, pg *store.Postgres, name string) int64 {
	t.Helper()
	pl := &models.Playlist{Name: name}
	require.NoError(t, pg.CreatePlaylist(context.Background(), pl))
	return pl.ID
}

func entryStreams(t *testing.T, pg *store.Postgres, playlistID int64) []int64 {
	t.Helper()
	entries, _, err := pg.ListPlaylistChannels(context.Background(), playlistID, 0, 0)
	require.NoError(t, err)
	require.True(t, ordering.Dense(entries), "orders of playlist %d are not 1..N", playlistID)
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.StreamID
	}
	return out
}

func TestPostgresMoveKeepsOrdersDense(t *testing.T) {
	pg, _ := newPostgres(t)
	ctx := context.Background()
	_, streams := seedSource(t, pg, "big", 50)
	playlist := seedPlaylist(t, pg, "main")
	mgr := ordering.NewManager(pg)

	for i, s := range streams {
		e, err := mgr.Append(ctx, playlist, ordering.NewEntry{StreamID: s})
		require.NoError(t, err)
		require.Equal(t, i+1, e.Order)
	}

	// Mirror every move on a slice and compare.
	want := append([]int64(nil), streams...)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 40; i++ {
		from := rng.Intn(len(want))
		to := rng.Intn(len(want))
		entry := entryFor(t, pg, playlist, want[from])
		require.NoError(t, mgr.Move(ctx, playlist, entry, to+1))

		s := want[from]
		want = append(want[:from], want[from+1:]...)
		want = append(want[:to], append([]int64{s}, want[to:]...)...)
		require.Equal(t, want, entryStreams(t, pg, playlist), "after move %d", i)
	}

	require.NoError(t, mgr.Remove(ctx, playlist, entryFor(t, pg, playlist, want[10])))
	want = append(want[:10], want[11:]...)
	assert.Equal(t, want, entryStreams(t, pg, playlist))
}

func entryFor(t *testing.T, pg *store.Postgres, playlistID, streamID int64) int64 {
	t.Helper()
	entries, _, err := pg.ListPlaylistChannels(context.Background(), playlistID, 0, 0)
	require.NoError(t, err)
	for _, e := range entries {
		if e.StreamID == streamID {
			return e.ID
		}
	}
	t.Fatalf("stream %d not in playlist %d", streamID, playlistID)
	return 0
}

func TestPostgresDeleteCompactsPlaylists(t *testing.T) {
	pg, _ := newPostgres(t)
	ctx := context.Background()
	a, aStreams := seedSource(t, pg, "a", 3)
	_, bStreams := seedSource(t, pg, "b", 3)
	playlist := seedPlaylist(t, pg, "mixed")
	mgr := ordering.NewManager(pg)

	// a0 b0 a1 b1 a2 b2
	for i := 0; i < 3; i++ {
		_, err := mgr.Append(ctx, playlist, ordering.NewEntry{StreamID: aStreams[i]})
		require.NoError(t, err)
		_, err = mgr.Append(ctx, playlist, ordering.NewEntry{StreamID: bStreams[i]})
		require.NoError(t, err)
	}

	require.NoError(t, pg.InSourceTx(ctx, a.ID, func(tx store.StreamTx) error {
		return tx.DeleteStreams(ctx, []int64{aStreams[0]})
	}))
	assert.Equal(t, []int64{bStreams[0], aStreams[1], bStreams[1], aStreams[2], bStreams[2]}, entryStreams(t, pg, playlist))

	require.NoError(t, pg.DeleteSource(ctx, a.ID))
	assert.Equal(t, bStreams, entryStreams(t, pg, playlist))

	_, err := pg.GetSource(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, pg.DeleteSource(ctx, a.ID), store.ErrNotFound)
}

// An entry committed for a stream while DeleteStreams is waiting on it must be
// compacted along with the rest.
func TestPostgresDeleteStreamsRacingInsert(t *testing.T) {
	pg, dsn := newPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	src, streams := seedSource(t, pg, "race", 2)
	doomed, kept := streams[0], streams[1]
	playlist := seedPlaylist(t, pg, "other")
	_, err := ordering.NewManager(pg).Append(ctx, playlist, ordering.NewEntry{StreamID: kept})
	require.NoError(t, err)

	inserted := make(chan struct{})
	release := make(chan struct{})
	insertDone := make(chan error, 1)
	go func() {
		insertDone <- pg.InPlaylistTx(ctx, playlist, func(tx store.PlaylistTx) error {
			entries, err := tx.Entries(ctx)
			if err != nil {
				return err
			}
			// Put the doomed stream in front: kept moves to 2.
			if err := tx.ApplyOrder(ctx, []store.OrderChange{{ChannelID: entries[0].ID, Order: 2}}); err != nil {
				return err
			}
			if err := tx.InsertEntry(ctx, &models.PlaylistChannel{StreamID: doomed, Order: 1}); err != nil {
				return err
			}
			close(inserted)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	select {
	case <-inserted:
	case err := <-insertDone:
		t.Fatalf("insert finished early: %v", err)
	}

	deleteDone := make(chan error, 1)
	go func() {
		deleteDone <- pg.InSourceTx(ctx, src.ID, func(tx store.StreamTx) error {
			return tx.DeleteStreams(ctx, []int64{doomed})
		})
	}()

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(context.Background())
	assert.Eventually(t, func() bool {
		var waiting int
		err := conn.QueryRow(ctx,
			`SELECT COUNT(*) FROM pg_stat_activity WHERE datname = current_database() AND wait_event_type = 'Lock'`,
		).Scan(&waiting)
		return err == nil && waiting > 0
	}, 5*time.Second, 20*time.Millisecond, "delete never blocked on the insert")

	close(release)
	require.NoError(t, <-insertDone)
	require.NoError(t, <-deleteDone)

	assert.Equal(t, []int64{kept}, entryStreams(t, pg, playlist))
}

func TestPostgresCreateJobIfIdle(t *testing.T) {
	pg, _ := newPostgres(t)
	ctx := context.Background()
	src, _ := seedSource(t, pg, "jobs", 0)

	newJob := func() *models.Job {
		return &models.Job{
			JobID:    uuid.New(),
			Type:     models.JobTypeProviderSync,
			State:    models.JobQueued,
			SourceID: src.ID,
		}
	}

	first := newJob()
	got, created, err := pg.CreateJobIfIdle(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	assert.NotZero(t, got.ID)

	got, created, err = pg.CreateJobIfIdle(ctx, newJob())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.JobID, got.JobID)

	_, err = pg.TransitionJob(ctx, first.JobID, models.JobInProgress, func(j *models.Job) {})
	assert.ErrorIs(t, err, store.ErrStateMismatch)

	done, err := pg.TransitionJob(ctx, first.JobID, models.JobQueued, func(j *models.Job) {
		j.State = models.JobCompleted
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.State)

	// The previous job is terminal, so a new one may start.
	_, created, err = pg.CreateJobIfIdle(ctx, newJob())
	require.NoError(t, err)
	assert.True(t, created)

	active, err := pg.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
