// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
)

// Memory is a store.Store backed by maps. Every call holds one mutex, so
// transactions are fully serialized; a failing transaction restores the state
// it started from. Unique constraints of the SQL schema are checked on every
// single write, so a sequence that would collide halfway fails here too.
type Memory struct {
	mu sync.Mutex
	st state

	// Now is the clock used for timestamps.
	Now func() time.Time
	// OrderWrites counts single-row order writes, for tests.
	OrderWrites int
}

type state struct {
	nextID    int64
	sources   map[int64]models.Source
	streams   map[int64]models.Stream
	playlists map[int64]models.Playlist
	entries   map[int64]models.PlaylistChannel
	jobs      map[int64]models.Job
	settings  *models.Settings
}

func (s state) clone() state {
	c := state{
		nextID:    s.nextID,
		sources:   cloneMap(s.sources),
		streams:   cloneMap(s.streams),
		playlists: cloneMap(s.playlists),
		entries:   cloneMap(s.entries),
		jobs:      cloneMap(s.jobs),
	}
	if s.settings != nil {
		cp := *s.settings
		cp.SyncSchedules = slices.Clone(s.settings.SyncSchedules)
		c.settings = &cp
	}
	return c
}

func cloneMap[V any](m map[int64]V) map[int64]V {
	c := make(map[int64]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		st: state{
			sources:   map[int64]models.Source{},
			streams:   map[int64]models.Stream{},
			playlists: map[int64]models.Playlist{},
			entries:   map[int64]models.PlaylistChannel{},
			jobs:      map[int64]models.Job{},
		},
		Now: time.Now,
	}
}

func (m *Memory) id() int64 {
	m.st.nextID++
	return m.st.nextID
}

// tx runs fn under the lock and restores the prior state when it fails.
func (m *Memory) tx(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.st.clone()
	if err := fn(); err != nil {
		m.st = saved
		return err
	}
	return nil
}

// --- sources ---

func (m *Memory) CreateSource(_ context.Context, src *models.Source) error {
	return m.tx(func() error {
		for _, s := range m.st.sources {
			if s.Name == src.Name {
				return fmt.Errorf("CreateSource: %w: sources_name_key", store.ErrConflict)
			}
		}
		now := m.Now()
		src.ID = m.id()
		src.CreatedAt, src.UpdatedAt = now, now
		m.st.sources[src.ID] = *src
		return nil
	})
}

func (m *Memory) GetSource(_ context.Context, sourceID int64) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("GetSource: %w", store.ErrNotFound)
	}
	return &s, nil
}

func (m *Memory) ListSources(context.Context) ([]models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Source{}
	for _, s := range m.st.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateSource(_ context.Context, sourceID int64, u store.SourceUpdate) (*models.Source, error) {
	var out models.Source
	err := m.tx(func() error {
		s, ok := m.st.sources[sourceID]
		if !ok {
			return fmt.Errorf("UpdateSource: %w", store.ErrNotFound)
		}
		if u.Name != nil {
			for id, other := range m.st.sources {
				if id != sourceID && other.Name == *u.Name {
					return fmt.Errorf("UpdateSource: %w: sources_name_key", store.ErrConflict)
				}
			}
			s.Name = *u.Name
		}
		if u.URL != nil {
			s.URL = *u.URL
		}
		if u.UserAgent != nil {
			s.UserAgent = *u.UserAgent
		}
		if u.Enabled != nil {
			s.Enabled = *u.Enabled
		}
		s.UpdatedAt = m.Now()
		m.st.sources[sourceID] = s
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Memory) DeleteSource(_ context.Context, sourceID int64) error {
	return m.tx(func() error {
		if _, ok := m.st.sources[sourceID]; !ok {
			return fmt.Errorf("DeleteSource: %w", store.ErrNotFound)
		}
		var streamIDs []int64
		for id, s := range m.st.streams {
			if s.SourceID == sourceID {
				streamIDs = append(streamIDs, id)
			}
		}
		if err := m.deleteStreams(streamIDs); err != nil {
			return err
		}
		for id, j := range m.st.jobs {
			if j.SourceID == sourceID {
				delete(m.st.jobs, id)
			}
		}
		delete(m.st.sources, sourceID)
		return nil
	})
}

func (m *Memory) MarkSourceSynced(_ context.Context, sourceID int64, at time.Time) error {
	return m.tx(func() error {
		s, ok := m.st.sources[sourceID]
		if !ok {
			return fmt.Errorf("MarkSourceSynced: %w", store.ErrNotFound)
		}
		s.LastSyncedAt = &at
		s.UpdatedAt = m.Now()
		m.st.sources[sourceID] = s
		return nil
	})
}

// --- streams ---

func (m *Memory) GetStream(_ context.Context, streamID int64) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("GetStream: %w", store.ErrNotFound)
	}
	return &s, nil
}

func (m *Memory) ListStreams(_ context.Context, f store.StreamFilter) ([]models.Stream, int, error) {
	f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []models.Stream
	for _, s := range m.st.streams {
		if f.SourceID != nil && s.SourceID != *f.SourceID {
			continue
		}
		if f.Group != nil && s.Group != *f.Group {
			continue
		}
		if f.Active != nil && s.IsActive != *f.Active {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(s.Title), strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return page(all, f.Limit, f.Offset), len(all), nil
}

// Streams returns every stream of a source ordered by id.
func (m *Memory) Streams(sourceID int64) []models.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceStreams(sourceID)
}

func (m *Memory) sourceStreams(sourceID int64) []models.Stream {
	var out []models.Stream
	for _, s := range m.st.streams {
		if s.SourceID == sourceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) InSourceTx(ctx context.Context, sourceID int64, fn func(tx store.StreamTx) error) error {
	return m.tx(func() error {
		return fn(&memStreamTx{m: m, sourceID: sourceID})
	})
}

type memStreamTx struct {
	m        *Memory
	sourceID int64
}

func (t *memStreamTx) ListSourceStreams(context.Context) ([]models.Stream, error) {
	return t.m.sourceStreams(t.sourceID), nil
}

func (t *memStreamTx) CreateStreams(_ context.Context, streams []models.Stream) error {
	now := t.m.Now()
	for i := range streams {
		s := &streams[i]
		for _, other := range t.m.st.streams {
			if other.SourceID == t.sourceID && other.Title == s.Title && other.Group == s.Group {
				return fmt.Errorf("CreateStreams: %w: streams_source_id_title_group_title_key", store.ErrConflict)
			}
		}
		s.ID = t.m.id()
		s.SourceID = t.sourceID
		s.CreatedAt, s.UpdatedAt = now, now
		t.m.st.streams[s.ID] = *s
	}
	return nil
}

func (t *memStreamTx) UpdateStreams(_ context.Context, streams []models.Stream) error {
	now := t.m.Now()
	for _, s := range streams {
		cur, ok := t.m.st.streams[s.ID]
		if !ok || cur.SourceID != t.sourceID {
			continue
		}
		cur.TvgID, cur.MediaURL, cur.LogoURL, cur.IsActive = s.TvgID, s.MediaURL, s.LogoURL, s.IsActive
		cur.UpdatedAt = now
		t.m.st.streams[s.ID] = cur
	}
	return nil
}

func (t *memStreamTx) DeactivateStreams(_ context.Context, streamIDs []int64) error {
	now := t.m.Now()
	for _, id := range streamIDs {
		cur, ok := t.m.st.streams[id]
		if !ok || cur.SourceID != t.sourceID || !cur.IsActive {
			continue
		}
		cur.IsActive = false
		cur.UpdatedAt = now
		t.m.st.streams[id] = cur
	}
	return nil
}

func (t *memStreamTx) DeleteStreams(_ context.Context, streamIDs []int64) error {
	var own []int64
	for _, id := range streamIDs {
		if s, ok := t.m.st.streams[id]; ok && s.SourceID == t.sourceID {
			own = append(own, id)
		}
	}
	return t.m.deleteStreams(own)
}

// deleteStreams cascades to playlist entries and compacts the affected playlists.
func (m *Memory) deleteStreams(ids []int64) error {
	affected := map[int64]bool{}
	for _, id := range ids {
		for eid, e := range m.st.entries {
			if e.StreamID == id {
				affected[e.PlaylistID] = true
				delete(m.st.entries, eid)
			}
		}
		delete(m.st.streams, id)
	}
	for pid := range affected {
		var changes []store.OrderChange
		for i, e := range m.playlistEntries(pid) {
			if e.Order != i+1 {
				changes = append(changes, store.OrderChange{ChannelID: e.ID, Order: i + 1})
			}
		}
		if err := m.applyOrder(pid, changes); err != nil {
			return err
		}
	}
	return nil
}

// --- playlists ---

func (m *Memory) withCounts(p models.Playlist) models.Playlist {
	p.ChannelCount, p.InactiveChannelCount = 0, 0
	for _, e := range m.st.entries {
		if e.PlaylistID != p.ID {
			continue
		}
		p.ChannelCount++
		if s, ok := m.st.streams[e.StreamID]; ok && !s.IsActive {
			p.InactiveChannelCount++
		}
	}
	return p
}

func (m *Memory) CreatePlaylist(_ context.Context, p *models.Playlist) error {
	return m.tx(func() error {
		if p.StartingChannelNumber == 0 {
			p.StartingChannelNumber = 1
		}
		now := m.Now()
		p.ID = m.id()
		p.CreatedAt, p.UpdatedAt = now, now
		m.st.playlists[p.ID] = *p
		return nil
	})
}

func (m *Memory) GetPlaylist(_ context.Context, playlistID int64) (*models.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.playlists[playlistID]
	if !ok {
		return nil, fmt.Errorf("GetPlaylist: %w", store.ErrNotFound)
	}
	p = m.withCounts(p)
	return &p, nil
}

func (m *Memory) ListPlaylists(context.Context) ([]models.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Playlist{}
	for _, p := range m.st.playlists {
		out = append(out, m.withCounts(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdatePlaylist(ctx context.Context, playlistID int64, u store.PlaylistUpdate) (*models.Playlist, error) {
	err := m.tx(func() error {
		p, ok := m.st.playlists[playlistID]
		if !ok {
			return fmt.Errorf("UpdatePlaylist: %w", store.ErrNotFound)
		}
		if u.Name != nil {
			p.Name = *u.Name
		}
		if u.StartingChannelNumber != nil {
			p.StartingChannelNumber = *u.StartingChannelNumber
		}
		p.UpdatedAt = m.Now()
		m.st.playlists[playlistID] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.GetPlaylist(ctx, playlistID)
}

func (m *Memory) DeletePlaylist(_ context.Context, playlistID int64) error {
	return m.tx(func() error {
		if _, ok := m.st.playlists[playlistID]; !ok {
			return fmt.Errorf("DeletePlaylist: %w", store.ErrNotFound)
		}
		for id, e := range m.st.entries {
			if e.PlaylistID == playlistID {
				delete(m.st.entries, id)
			}
		}
		delete(m.st.playlists, playlistID)
		return nil
	})
}

func (m *Memory) playlistEntries(playlistID int64) []models.PlaylistChannel {
	var out []models.PlaylistChannel
	for _, e := range m.st.entries {
		if e.PlaylistID == playlistID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Orders returns the entry orders of a playlist, ascending.
func (m *Memory) Orders(playlistID int64) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, e := range m.playlistEntries(playlistID) {
		out = append(out, e.Order)
	}
	return out
}

func (m *Memory) ListPlaylistChannels(_ context.Context, playlistID int64, limit, offset int) ([]models.PlaylistChannel, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.playlistEntries(playlistID)
	for i := range all {
		if s, ok := m.st.streams[all[i].StreamID]; ok {
			all[i].Stream = &s
		}
	}
	return page(all, limit, offset), len(all), nil
}

func (m *Memory) InPlaylistTx(_ context.Context, playlistID int64, fn func(tx store.PlaylistTx) error) error {
	return m.tx(func() error {
		p, ok := m.st.playlists[playlistID]
		if !ok {
			return fmt.Errorf("InPlaylistTx: %w", store.ErrNotFound)
		}
		return fn(&memPlaylistTx{m: m, playlist: &p})
	})
}

type memPlaylistTx struct {
	m        *Memory
	playlist *models.Playlist
}

func (t *memPlaylistTx) Playlist() *models.Playlist { return t.playlist }

func (t *memPlaylistTx) Entries(context.Context) ([]models.PlaylistChannel, error) {
	return t.m.playlistEntries(t.playlist.ID), nil
}

func (t *memPlaylistTx) Entry(_ context.Context, channelID int64) (*models.PlaylistChannel, error) {
	e, ok := t.m.st.entries[channelID]
	if !ok || e.PlaylistID != t.playlist.ID {
		return nil, fmt.Errorf("Entry: %w", store.ErrNotFound)
	}
	return &e, nil
}

func (t *memPlaylistTx) InsertEntry(_ context.Context, e *models.PlaylistChannel) error {
	if _, ok := t.m.st.streams[e.StreamID]; !ok {
		return fmt.Errorf("InsertEntry: %w: playlist_channels_stream_id_fkey", store.ErrNotFound)
	}
	for _, other := range t.m.st.entries {
		if other.PlaylistID != t.playlist.ID {
			continue
		}
		if other.StreamID == e.StreamID {
			return fmt.Errorf("InsertEntry: %w: playlist_channels_playlist_id_stream_id_key", store.ErrConflict)
		}
		if other.Order == e.Order {
			return fmt.Errorf("InsertEntry: %w: playlist_channels_playlist_id_order_key", store.ErrConflict)
		}
	}
	now := t.m.Now()
	e.ID = t.m.id()
	e.PlaylistID = t.playlist.ID
	e.CreatedAt, e.UpdatedAt = now, now
	t.m.st.entries[e.ID] = *e
	return nil
}

func (t *memPlaylistTx) UpdateOverrides(_ context.Context, channelID int64, u store.OverrideUpdate) error {
	e, ok := t.m.st.entries[channelID]
	if !ok || e.PlaylistID != t.playlist.ID {
		return fmt.Errorf("UpdateOverrides: %w", store.ErrNotFound)
	}
	set := func(dst **string, v *string) {
		if v == nil {
			return
		}
		if *v == "" {
			*dst = nil
			return
		}
		cp := *v
		*dst = &cp
	}
	set(&e.Title, u.Title)
	set(&e.TvgID, u.TvgID)
	set(&e.Category, u.Category)
	set(&e.LogoURL, u.LogoURL)
	e.UpdatedAt = t.m.Now()
	t.m.st.entries[channelID] = e
	return nil
}

func (t *memPlaylistTx) DeleteEntry(_ context.Context, channelID int64) error {
	e, ok := t.m.st.entries[channelID]
	if !ok || e.PlaylistID != t.playlist.ID {
		return fmt.Errorf("DeleteEntry: %w", store.ErrNotFound)
	}
	delete(t.m.st.entries, channelID)
	return nil
}

func (t *memPlaylistTx) ApplyOrder(_ context.Context, changes []store.OrderChange) error {
	return t.m.applyOrder(t.playlist.ID, changes)
}

// applyOrder writes one row at a time and fails on the first write that would
// duplicate an order within the playlist.
func (m *Memory) applyOrder(playlistID int64, changes []store.OrderChange) error {
	for _, c := range changes {
		e, ok := m.st.entries[c.ChannelID]
		if !ok || e.PlaylistID != playlistID {
			continue
		}
		for id, other := range m.st.entries {
			if id != c.ChannelID && other.PlaylistID == playlistID && other.Order == c.Order {
				return fmt.Errorf("ApplyOrder: %w: playlist_channels_playlist_id_order_key (order %d)",
					store.ErrConflict, c.Order)
			}
		}
		e.Order = c.Order
		e.UpdatedAt = m.Now()
		m.st.entries[c.ChannelID] = e
		m.OrderWrites++
	}
	return nil
}

// --- jobs ---

func (m *Memory) CreateJobIfIdle(_ context.Context, job *models.Job) (*models.Job, bool, error) {
	var (
		out     models.Job
		created bool
	)
	err := m.tx(func() error {
		var found *models.Job
		for _, j := range m.st.jobs {
			if j.SourceID == job.SourceID && j.Type == job.Type && !j.State.Terminal() {
				if found == nil || j.CreatedAt.After(found.CreatedAt) {
					jc := j
					found = &jc
				}
			}
		}
		if found != nil {
			out = *found
			return nil
		}
		if _, ok := m.st.sources[job.SourceID]; !ok {
			return fmt.Errorf("CreateJobIfIdle: %w: jobs_source_id_fkey", store.ErrNotFound)
		}
		now := m.Now()
		job.ID = m.id()
		job.CreatedAt, job.UpdatedAt = now, now
		m.st.jobs[job.ID] = *job
		out, created = *job, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (m *Memory) findJob(jobID uuid.UUID) (models.Job, bool) {
	for _, j := range m.st.jobs {
		if j.JobID == jobID {
			return j, true
		}
	}
	return models.Job{}, false
}

func (m *Memory) GetJob(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.findJob(jobID)
	if !ok {
		return nil, fmt.Errorf("GetJob: %w", store.ErrNotFound)
	}
	return &j, nil
}

func (m *Memory) sortedJobs(keep func(models.Job) bool) []models.Job {
	out := []models.Job{}
	for _, j := range m.st.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (m *Memory) LatestJob(_ context.Context, sourceID int64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.sortedJobs(func(j models.Job) bool { return j.SourceID == sourceID })
	if len(jobs) == 0 {
		return nil, fmt.Errorf("LatestJob: %w", store.ErrNotFound)
	}
	return &jobs[len(jobs)-1], nil
}

func (m *Memory) ListActiveJobs(context.Context) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedJobs(func(j models.Job) bool { return !j.State.Terminal() }), nil
}

func (m *Memory) ListJobs(_ context.Context, f store.JobFilter) ([]models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.sortedJobs(func(j models.Job) bool { return j.SourceID == f.SourceID && j.State.Terminal() })
	slices.Reverse(jobs)
	return page(jobs, f.Limit, f.Offset), len(jobs), nil
}

func (m *Memory) TransitionJob(_ context.Context, jobID uuid.UUID, from models.JobState, mutate func(j *models.Job)) (*models.Job, error) {
	var out *models.Job
	err := m.tx(func() error {
		j, ok := m.findJob(jobID)
		if !ok {
			return fmt.Errorf("TransitionJob: %w", store.ErrNotFound)
		}
		if j.State != from {
			out = &j
			return fmt.Errorf("TransitionJob %s: %w (is %s, want %s)", jobID, store.ErrStateMismatch, j.State, from)
		}
		mutate(&j)
		if j.State != from && !models.CanTransition(from, j.State) {
			return fmt.Errorf("TransitionJob %s: illegal transition %s -> %s", jobID, from, j.State)
		}
		j.UpdatedAt = m.Now()
		m.st.jobs[j.ID] = j
		out = &j
		return nil
	})
	return out, err
}

// PutJob stores j as is, for tests that need a job in a given state.
func (m *Memory) PutJob(j models.Job) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == 0 {
		j.ID = m.id()
	}
	if j.JobID == uuid.Nil {
		j.JobID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.Now()
	}
	j.UpdatedAt = j.CreatedAt
	m.st.jobs[j.ID] = j
	return j
}

// --- settings ---

func (m *Memory) GetSettings(context.Context) (models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.settings == nil {
		return models.DefaultSettings(), nil
	}
	s := *m.st.settings
	s.SyncSchedules = slices.Clone(s.SyncSchedules)
	return s, nil
}

func (m *Memory) SaveSettings(_ context.Context, s models.Settings) error {
	return m.tx(func() error {
		s.SyncSchedules = slices.Clone(s.SyncSchedules)
		m.st.settings = &s
		return nil
	})
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

var _ store.Store = (*Memory)(nil)
