package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/voyagen/channelvault/internal/errs"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/ordering"
	"github.com/voyagen/channelvault/internal/store"
)

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	playlists, err := s.Store.ListPlaylists(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if playlists == nil {
		playlists = []models.Playlist{}
	}
	writeJSON(w, http.StatusOK, playlists)
}

type createPlaylistRequest struct {
	Name                  string `json:"name"`
	StartingChannelNumber *int   `json:"starting_channel_number"`
}

func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	var req createPlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	p := &models.Playlist{Name: strings.TrimSpace(req.Name), StartingChannelNumber: 1}
	if req.StartingChannelNumber != nil {
		p.StartingChannelNumber = *req.StartingChannelNumber
	}
	if details := validatePlaylist(&p.Name, &p.StartingChannelNumber); len(details) > 0 {
		writeErr(w, r, errs.E(http.StatusBadRequest, "invalid playlist", details))
		return
	}

	if err := s.Store.CreatePlaylist(r.Context(), p); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func validatePlaylist(name *string, start *int) []errs.Detail {
	var details []errs.Detail
	if name != nil && strings.TrimSpace(*name) == "" {
		details = append(details, errs.Detail{Field: "name", Error: "is required"})
	}
	if start != nil && *start < 1 {
		details = append(details, errs.Detail{Field: "starting_channel_number", Error: "must be at least 1"})
	}
	return details
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := s.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		writeErr(w, r, notFound(err, "playlist %d not found", playlistID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updatePlaylistRequest struct {
	Name                  *string `json:"name"`
	StartingChannelNumber *int    `json:"starting_channel_number"`
}

func (s *Server) handleUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updatePlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if details := validatePlaylist(req.Name, req.StartingChannelNumber); len(details) > 0 {
		writeErr(w, r, errs.E(http.StatusBadRequest, "invalid playlist", details))
		return
	}

	p, err := s.Store.UpdatePlaylist(r.Context(), playlistID, store.PlaylistUpdate{
		Name:                  trimmed(req.Name),
		StartingChannelNumber: req.StartingChannelNumber,
	})
	if err != nil {
		writeErr(w, r, notFound(err, "playlist %d not found", playlistID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.Store.DeletePlaylist(r.Context(), playlistID); err != nil {
		writeErr(w, r, notFound(err, "playlist %d not found", playlistID))
		return
	}
	writeNoContent(w)
}

// --- playlist channels ---

// channelView is an entry with its user-visible channel number.
type channelView struct {
	models.PlaylistChannel
	ChannelNumber int `json:"channel_number"`
}

func view(p *models.Playlist, e models.PlaylistChannel) channelView {
	return channelView{PlaylistChannel: e, ChannelNumber: p.ChannelNumber(e.Order)}
}

func (s *Server) handleListPlaylistChannels(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	page, size, err := parsePage(r, 50, 100)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := s.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		writeErr(w, r, notFound(err, "playlist %d not found", playlistID))
		return
	}

	entries, total, err := s.Store.ListPlaylistChannels(r.Context(), playlistID, size, (page-1)*size)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	items := make([]channelView, len(entries))
	for i, e := range entries {
		items[i] = view(p, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":  page,
		"size":  size,
		"total": total,
		"items": items,
	})
}

type addChannelRequest struct {
	StreamID int64   `json:"stream_id"`
	Title    *string `json:"title"`
	TvgID    *string `json:"tvg_id"`
	Category *string `json:"category"`
	LogoURL  *string `json:"logo_url"`
}

func (s *Server) handleAddPlaylistChannel(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req addChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.StreamID <= 0 {
		writeErr(w, r, errs.Invalid("stream_id", "is required"))
		return
	}
	p, err := s.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		writeErr(w, r, notFound(err, "playlist %d not found", playlistID))
		return
	}

	e, err := s.Ordering.Append(r.Context(), playlistID, ordering.NewEntry{
		StreamID: req.StreamID,
		Title:    req.Title,
		TvgID:    req.TvgID,
		Category: req.Category,
		LogoURL:  req.LogoURL,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(p, *e))
}

type updateChannelRequest struct {
	Title    *string `json:"title"`
	TvgID    *string `json:"tvg_id"`
	Category *string `json:"category"`
	LogoURL  *string `json:"logo_url"`
	Order    *int    `json:"order"`
}

func (s *Server) handleUpdatePlaylistChannel(w http.ResponseWriter, r *http.Request) {
	playlistID, channelID, err := parseChannelPath(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updateChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	e, err := s.Ordering.Update(r.Context(), playlistID, channelID, ordering.Patch{
		OverrideUpdate: store.OverrideUpdate{
			Title:    trimmed(req.Title),
			TvgID:    trimmed(req.TvgID),
			Category: trimmed(req.Category),
			LogoURL:  trimmed(req.LogoURL),
		},
		Order: req.Order,
	})
	if err != nil {
		writeErr(w, r, notFound(err, "channel %d not found in playlist %d", channelID, playlistID))
		return
	}
	p, err := s.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(p, *e))
}

func (s *Server) handleRemovePlaylistChannel(w http.ResponseWriter, r *http.Request) {
	playlistID, channelID, err := parseChannelPath(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.Ordering.Remove(r.Context(), playlistID, channelID); err != nil {
		writeErr(w, r, notFound(err, "channel %d not found in playlist %d", channelID, playlistID))
		return
	}
	writeNoContent(w)
}

func parseChannelPath(r *http.Request) (playlistID, channelID int64, err error) {
	if playlistID, err = parseID(r, "id"); err != nil {
		return 0, 0, err
	}
	if channelID, err = parseID(r, "channelID"); err != nil {
		return 0, 0, err
	}
	return playlistID, channelID, nil
}

// --- export ---

// handleExportPlaylist renders the playlist's active channels as M3U, in
// order, numbered from the playlist's starting channel number.
func (s *Server) handleExportPlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := s.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		writeErr(w, r, notFound(err, "playlist %d not found", playlistID))
		return
	}
	entries, _, err := s.Store.ListPlaylistChannels(r.Context(), playlistID, 0, 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, e := range entries {
		if e.Stream == nil || !e.Stream.IsActive {
			continue
		}
		writeExtinf(&b, p.ChannelNumber(e.Order), e)
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "playlist-"+strconv.FormatInt(p.ID, 10)+".m3u"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func writeExtinf(b *strings.Builder, number int, e models.PlaylistChannel) {
	st := e.Stream
	title := pick(e.Title, st.Title)
	fmt.Fprintf(b, `#EXTINF:-1 tvg-chno="%d"`, number)
	for _, attr := range []struct{ key, val string }{
		{"tvg-id", pick(e.TvgID, st.TvgID)},
		{"tvg-name", title},
		{"tvg-logo", pick(e.LogoURL, st.LogoURL)},
		{"group-title", pick(e.Category, st.Group)},
	} {
		if attr.val != "" {
			fmt.Fprintf(b, ` %s="%s"`, attr.key, strings.ReplaceAll(attr.val, `"`, "'"))
		}
	}
	fmt.Fprintf(b, ",%s\n%s\n", title, st.MediaURL)
}

func pick(override *string, fallback string) string {
	if override != nil && *override != "" {
		return *override
	}
	return fallback
}
