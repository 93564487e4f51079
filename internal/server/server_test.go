package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/voyagen/channelvault/internal/broadcast"
	"github.com/voyagen/channelvault/internal/jobs"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/ordering"
	"github.com/voyagen/channelvault/internal/queue"
	"github.com/voyagen/channelvault/internal/store"
	"github.com/voyagen/channelvault/internal/storetest"
)

type nopPublisher struct{ n int }

func (p *nopPublisher) Publish(context.Context, queue.Message) error {
	p.n++
	return nil
}

type reloadCounter struct{ n int }

func (r *reloadCounter) Reload(context.Context) error {
	r.n++
	return nil
}

type testServer struct {
	*httptest.Server
	mem    *storetest.Memory
	pub    *nopPublisher
	reload *reloadCounter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := storetest.NewMemory()
	pub := &nopPublisher{}
	rc := &reloadCounter{}
	coord := jobs.New(mem, pub)
	srv := New("0", Deps{
		Store:      mem,
		Jobs:       coord,
		Ordering:   ordering.NewManager(mem),
		Scheduler:  rc,
		ActiveJobs: broadcast.NewTopic(context.Background(), "jobs", 10*time.Millisecond, broadcast.ActiveJobs(coord)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, mem: mem, pub: pub, reload: rc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) seedStreams(t *testing.T, sourceID int64, titles ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	streams := make([]models.Stream, len(titles))
	for i, title := range titles {
		streams[i] = models.Stream{Title: title, Group: "News", MediaURL: "http://s/" + title, IsActive: true}
	}
	require.NoError(t, ts.mem.InSourceTx(ctx, sourceID, func(tx store.StreamTx) error {
		return tx.CreateStreams(ctx, streams)
	}))
	ids := make([]int64, len(streams))
	for i, s := range streams {
		ids[i] = s.ID
	}
	return ids
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSourceCRUD(t *testing.T) {
	ts := newTestServer(t)

	var apiErr APIError
	status := ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "", "url": "ftp://x", "kind": "tv"}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, apiErr.Details, 3)

	var src models.Source
	status = ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "Provider", "url": "http://p/list.m3u"}, &src)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, models.SourceKindProvider, src.Kind)
	assert.True(t, src.Enabled)

	status = ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "Provider", "url": "http://p/other.m3u"}, &apiErr)
	assert.Equal(t, http.StatusConflict, status)

	var updated models.Source
	status = ts.do(t, http.MethodPatch, fmt.Sprintf("/api/sources/%d", src.ID), map[string]any{"enabled": false}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, updated.Enabled)

	var list []models.Source
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sources", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, fmt.Sprintf("/api/sources/%d", src.ID), nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, fmt.Sprintf("/api/sources/%d", src.ID), nil, &apiErr))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/sources/abc", nil, &apiErr))
}

func TestListStreams(t *testing.T) {
	ts := newTestServer(t)
	var src models.Source
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "p", "url": "http://p"}, &src))
	ts.seedStreams(t, src.ID, "A", "B", "C")

	var page struct {
		Total int             `json:"total"`
		Items []models.Stream `json:"items"`
	}
	status := ts.do(t, http.MethodGet, fmt.Sprintf("/api/sources/%d/streams?size=2&search=b", src.ID), nil, &page)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "B", page.Items[0].Title)

	var apiErr APIError
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, fmt.Sprintf("/api/sources/%d/streams?page=0", src.ID), nil, &apiErr))
}

func TestTriggerAndStatus(t *testing.T) {
	ts := newTestServer(t)
	var src models.Source
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "p", "url": "http://p"}, &src))

	var first, second jobs.TriggerResult
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, fmt.Sprintf("/api/sources/%d/sync", src.ID), nil, &first))
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, fmt.Sprintf("/api/sources/%d/sync", src.ID), nil, &second))
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, ts.pub.n)

	var st jobs.StatusResult
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, fmt.Sprintf("/api/sources/%d/sync?job_id=%s", src.ID, first.JobID), nil, &st))
	assert.Equal(t, jobs.StatusQueued, st.Status)

	var apiErr APIError
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, fmt.Sprintf("/api/sources/%d/sync?job_id=nope", src.ID), nil, &apiErr))

	var list jobs.JobList
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, fmt.Sprintf("/api/sources/%d/jobs", src.ID), nil, &list))
	assert.Len(t, list.ActiveJobs, 1)
	assert.Empty(t, list.Items)
}

func TestTriggerDisabledSource(t *testing.T) {
	ts := newTestServer(t)
	var src models.Source
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "p", "url": "http://p", "enabled": false}, &src))

	var apiErr APIError
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, fmt.Sprintf("/api/sources/%d/sync", src.ID), nil, &apiErr))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/sources/999/sync", nil, &apiErr))
	assert.Zero(t, ts.pub.n)
}

func TestPlaylistChannels(t *testing.T) {
	ts := newTestServer(t)
	var src models.Source
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "p", "url": "http://p"}, &src))
	streamIDs := ts.seedStreams(t, src.ID, "A", "B", "C", "D", "E")

	var pl models.Playlist
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/playlists", map[string]any{"name": "Main", "starting_channel_number": 100}, &pl))

	channelIDs := make([]int64, len(streamIDs))
	for i, sid := range streamIDs {
		var ch channelView
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, fmt.Sprintf("/api/playlists/%d/channels", pl.ID), map[string]any{"stream_id": sid}, &ch))
		assert.Equal(t, i+1, ch.Order)
		assert.Equal(t, 100+i, ch.ChannelNumber)
		channelIDs[i] = ch.ID
	}

	var apiErr APIError
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, fmt.Sprintf("/api/playlists/%d/channels", pl.ID), map[string]any{"stream_id": streamIDs[0]}, &apiErr))

	// Move the fourth entry to the front.
	var moved channelView
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, fmt.Sprintf("/api/playlists/%d/channels/%d", pl.ID, channelIDs[3]), map[string]any{"order": 1}, &moved))
	assert.Equal(t, 100, moved.ChannelNumber)

	status := ts.do(t, http.MethodPatch, fmt.Sprintf("/api/playlists/%d/channels/%d", pl.ID, channelIDs[0]), map[string]any{"order": 6}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotEmpty(t, apiErr.Details)
	assert.Equal(t, "order", apiErr.Details[0].Field)

	// Remove what is now order 3 (entry B).
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, fmt.Sprintf("/api/playlists/%d/channels/%d", pl.ID, channelIDs[1]), nil, nil))

	var page struct {
		Total int           `json:"total"`
		Items []channelView `json:"items"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, fmt.Sprintf("/api/playlists/%d/channels?page=1&size=10", pl.ID), nil, &page))
	assert.Equal(t, 4, page.Total)
	var got []int64
	for i, it := range page.Items {
		assert.Equal(t, i+1, it.Order)
		got = append(got, it.ID)
	}
	assert.Equal(t, []int64{channelIDs[3], channelIDs[0], channelIDs[2], channelIDs[4]}, got)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, fmt.Sprintf("/api/playlists/%d/channels?size=101", pl.ID), nil, &apiErr))

	// Renumbering the playlist leaves orders alone.
	var renumbered models.Playlist
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, fmt.Sprintf("/api/playlists/%d", pl.ID), map[string]any{"starting_channel_number": 1}, &renumbered))
	assert.Equal(t, []int{1, 2, 3, 4}, ts.mem.Orders(pl.ID))
}

func TestExportPlaylist(t *testing.T) {
	ts := newTestServer(t)
	var src models.Source
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "p", "url": "http://p"}, &src))
	streamIDs := ts.seedStreams(t, src.ID, "A", "B")

	var pl models.Playlist
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/playlists", map[string]any{"name": "Main", "starting_channel_number": 7}, &pl))
	for _, sid := range streamIDs {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, fmt.Sprintf("/api/playlists/%d/channels", pl.ID), map[string]any{"stream_id": sid, "category": "Favs"}, nil))
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/playlists/%d/m3u", ts.URL, pl.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, `#EXTINF:-1 tvg-chno="7" tvg-name="A" group-title="Favs",A`, lines[1])
	assert.Equal(t, "http://s/A", lines[2])
	assert.Contains(t, lines[3], `tvg-chno="8"`)
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t)

	var s models.Settings
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/settings", nil, &s))
	assert.Equal(t, models.DefaultSettings(), s)

	var apiErr APIError
	status := ts.do(t, http.MethodPut, "/api/settings", map[string]any{
		"sync_enabled": true, "sync_schedules": []string{"bad"}, "sync_job_max_attempts": 0,
	}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, apiErr.Details, 2)
	assert.Zero(t, ts.reload.n)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/settings", map[string]any{
		"sync_enabled": true, "sync_schedules": []string{"0 4 * * *"}, "allow_stream_auto_deletion": false, "sync_job_max_attempts": 5,
	}, &s))
	assert.Equal(t, 1, ts.reload.n)
	assert.False(t, s.AllowStreamAutoDeletion)

	stored, err := ts.mem.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0 4 * * *"}, stored.SyncSchedules)
}

func TestActiveJobsWebsocket(t *testing.T) {
	ts := newTestServer(t)
	var src models.Source
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sources", map[string]any{"name": "p", "url": "http://p"}, &src))
	var res jobs.TriggerResult
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, fmt.Sprintf("/api/sources/%d/sync", src.ID), nil, &res))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/jobs", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg broadcast.ActiveJobsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "active_jobs_update", msg.Type)
	require.Len(t, msg.ActiveJobs, 1)
	assert.Equal(t, res.JobID, msg.ActiveJobs[0].Job.JobID)
	assert.Equal(t, src.ID, msg.ActiveJobs[0].OwnerID)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}
