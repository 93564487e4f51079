package ordering

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
	"github.com/voyagen/channelvault/internal/storetest"
)

type fixture struct {
	ctx      context.Context
	mem      *storetest.Memory
	mgr      *Manager
	playlist int64
	streams  []int64
}

func newFixture(t *testing.T, nStreams int) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := storetest.NewMemory()

	src := &models.Source{Name: "src", URL: "http://src", Kind: models.SourceKindProvider, Enabled: true}
	require.NoError(t, mem.CreateSource(ctx, src))

	streams := make([]models.Stream, nStreams)
	for i := range streams {
		streams[i] = models.Stream{Title: fmt.Sprintf("ch%02d", i), MediaURL: fmt.Sprintf("http://s/%d", i), IsActive: true}
	}
	require.NoError(t, mem.InSourceTx(ctx, src.ID, func(tx store.StreamTx) error {
		return tx.CreateStreams(ctx, streams)
	}))

	pl := &models.Playlist{Name: "main"}
	require.NoError(t, mem.CreatePlaylist(ctx, pl))

	f := &fixture{ctx: ctx, mem: mem, mgr: NewManager(mem), playlist: pl.ID}
	for _, s := range streams {
		f.streams = append(f.streams, s.ID)
	}
	return f
}

// fill appends the first n streams and returns the entry ids in order.
func (f *fixture) fill(t *testing.T, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		e, err := f.mgr.Append(f.ctx, f.playlist, NewEntry{StreamID: f.streams[i]})
		require.NoError(t, err)
		require.Equal(t, i+1, e.Order)
		ids[i] = e.ID
	}
	return ids
}

// sequence returns entry ids in order.
func (f *fixture) sequence(t *testing.T) []int64 {
	t.Helper()
	entries, _, err := f.mem.ListPlaylistChannels(f.ctx, f.playlist, 0, 0)
	require.NoError(t, err)
	ids := make([]int64, len(entries))
	for i, e := range entries {
		require.Equal(t, i+1, e.Order, "orders must be dense")
		ids[i] = e.ID
	}
	return ids
}

func TestAppendAssignsNextOrder(t *testing.T) {
	f := newFixture(t, 3)
	ids := f.fill(t, 3)
	assert.Equal(t, ids, f.sequence(t))
}

func TestAppendRejectsDuplicateStream(t *testing.T) {
	f := newFixture(t, 2)
	f.fill(t, 1)

	_, err := f.mgr.Append(f.ctx, f.playlist, NewEntry{StreamID: f.streams[0]})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAppendUnknownStreamOrPlaylist(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.mgr.Append(f.ctx, f.playlist, NewEntry{StreamID: 9999})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.mgr.Append(f.ctx, 9999, NewEntry{StreamID: f.streams[0]})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.mgr.Append(f.ctx, f.playlist, NewEntry{})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestMoveFourToOne(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.fill(t, 5) // A B C D E

	require.NoError(t, f.mgr.Move(f.ctx, f.playlist, ids[3], 1))

	assert.Equal(t, []int64{ids[3], ids[0], ids[1], ids[2], ids[4]}, f.sequence(t))
}

func TestMoveLater(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.fill(t, 5)

	require.NoError(t, f.mgr.Move(f.ctx, f.playlist, ids[1], 5))

	assert.Equal(t, []int64{ids[0], ids[2], ids[3], ids[4], ids[1]}, f.sequence(t))
}

func TestMoveValidation(t *testing.T) {
	f := newFixture(t, 3)
	ids := f.fill(t, 3)

	assert.ErrorIs(t, f.mgr.Move(f.ctx, f.playlist, ids[0], 0), ErrInvalidOrder)
	assert.ErrorIs(t, f.mgr.Move(f.ctx, f.playlist, ids[0], 4), ErrInvalidOrder)
	assert.ErrorIs(t, f.mgr.Move(f.ctx, f.playlist, 9999, 2), store.ErrNotFound)

	writes := f.mem.OrderWrites
	require.NoError(t, f.mgr.Move(f.ctx, f.playlist, ids[1], 2))
	assert.Equal(t, writes, f.mem.OrderWrites, "moving to the same order writes nothing")
	assert.Equal(t, ids, f.sequence(t))
}

func TestMoveSingleEntryIsInvalid(t *testing.T) {
	f := newFixture(t, 1)
	ids := f.fill(t, 1)

	assert.ErrorIs(t, f.mgr.Move(f.ctx, f.playlist, ids[0], 1), ErrInvalidOrder)
}

func TestMoveUnknownEntryInSmallPlaylist(t *testing.T) {
	f := newFixture(t, 1)

	assert.ErrorIs(t, f.mgr.Move(f.ctx, f.playlist, 9999, 1), store.ErrNotFound, "empty playlist")

	f.fill(t, 1)
	err := f.mgr.Move(f.ctx, f.playlist, 9999, 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "single entry")
	assert.NotErrorIs(t, err, ErrInvalidOrder)
}

func TestPlanMoveLooksUpEntryFirst(t *testing.T) {
	_, err := PlanMove(nil, 7, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = PlanMove([]models.PlaylistChannel{{ID: 1, Order: 1}}, 7, 5)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = PlanMove([]models.PlaylistChannel{{ID: 1, Order: 1}}, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestRemoveMiddle(t *testing.T) {
	f := newFixture(t, 5)
	ids := f.fill(t, 5)

	require.NoError(t, f.mgr.Remove(f.ctx, f.playlist, ids[2]))

	assert.Equal(t, []int64{ids[0], ids[1], ids[3], ids[4]}, f.sequence(t))
	assert.ErrorIs(t, f.mgr.Remove(f.ctx, f.playlist, ids[2]), store.ErrNotFound)
}

func TestUpdateOverridesAndOrder(t *testing.T) {
	f := newFixture(t, 3)
	ids := f.fill(t, 3)

	title, order := "Renamed", 1
	e, err := f.mgr.Update(f.ctx, f.playlist, ids[2], Patch{
		OverrideUpdate: store.OverrideUpdate{Title: &title},
		Order:          &order,
	})
	require.NoError(t, err)
	require.NotNil(t, e.Title)
	assert.Equal(t, "Renamed", *e.Title)
	assert.Equal(t, 1, e.Order)
	assert.Equal(t, []int64{ids[2], ids[0], ids[1]}, f.sequence(t))

	bad := 7
	_, err = f.mgr.Update(f.ctx, f.playlist, ids[0], Patch{
		OverrideUpdate: store.OverrideUpdate{Title: &title},
		Order:          &bad,
	})
	require.ErrorIs(t, err, ErrInvalidOrder)

	entries, _, err := f.mem.ListPlaylistChannels(f.ctx, f.playlist, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, entries[1].Title, "failed update rolls back its overrides")
}

func TestPlanMoveParksMovedEntry(t *testing.T) {
	entries := []models.PlaylistChannel{
		{ID: 10, Order: 1}, {ID: 11, Order: 2}, {ID: 12, Order: 3}, {ID: 13, Order: 4},
	}

	changes, err := PlanMove(entries, 11, 4)
	require.NoError(t, err)
	assert.Equal(t, []store.OrderChange{
		{ChannelID: 11, Order: -11},
		{ChannelID: 12, Order: 2},
		{ChannelID: 13, Order: 3},
		{ChannelID: 11, Order: 4},
	}, changes)

	changes, err = PlanMove(entries, 13, 2)
	require.NoError(t, err)
	assert.Equal(t, []store.OrderChange{
		{ChannelID: 13, Order: -13},
		{ChannelID: 12, Order: 4},
		{ChannelID: 11, Order: 3},
		{ChannelID: 13, Order: 2},
	}, changes)
}

func TestEveryMoveOnFiftyEntries(t *testing.T) {
	f := newFixture(t, 50)
	ids := f.fill(t, 50)

	for from := 1; from <= 50; from++ {
		for _, to := range []int{1, 2, 25, 49, 50} {
			cur := f.sequence(t)
			moved := cur[from-1]
			require.NoError(t, f.mgr.Move(f.ctx, f.playlist, moved, to), "move %d -> %d", from, to)

			want := append([]int64{}, cur[:from-1]...)
			want = append(want, cur[from:]...)
			want = append(want[:to-1], append([]int64{moved}, want[to-1:]...)...)
			require.Equal(t, want, f.sequence(t), "move %d -> %d", from, to)
		}
	}
	assert.ElementsMatch(t, ids, f.sequence(t))
}

func TestRandomOperationsStayDense(t *testing.T) {
	const nStreams = 30
	f := newFixture(t, nStreams)
	rng := rand.New(rand.NewSource(42))

	inPlaylist := map[int64]int64{} // stream id -> entry id
	for step := 0; step < 500; step++ {
		seq := f.sequence(t)
		switch op := rng.Intn(3); {
		case op == 0 || len(seq) < 2:
			sid := f.streams[rng.Intn(nStreams)]
			if _, ok := inPlaylist[sid]; ok {
				continue
			}
			e, err := f.mgr.Append(f.ctx, f.playlist, NewEntry{StreamID: sid})
			require.NoError(t, err)
			assert.Equal(t, len(seq)+1, e.Order)
			inPlaylist[sid] = e.ID
		case op == 1:
			id := seq[rng.Intn(len(seq))]
			require.NoError(t, f.mgr.Move(f.ctx, f.playlist, id, 1+rng.Intn(len(seq))))
		default:
			id := seq[rng.Intn(len(seq))]
			require.NoError(t, f.mgr.Remove(f.ctx, f.playlist, id))
			for sid, eid := range inPlaylist {
				if eid == id {
					delete(inPlaylist, sid)
				}
			}
		}
		require.Len(t, f.sequence(t), len(inPlaylist))
	}
}

func TestDense(t *testing.T) {
	assert.True(t, Dense(nil))
	assert.True(t, Dense([]models.PlaylistChannel{{Order: 2}, {Order: 1}}))
	assert.False(t, Dense([]models.PlaylistChannel{{Order: 1}, {Order: 3}}))
	assert.False(t, Dense([]models.PlaylistChannel{{Order: 1}, {Order: 1}}))
}
