package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/voyagen/channelvault/internal/errs"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
)

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.Store.ListSources(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if sources == nil {
		sources = []models.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type createSourceRequest struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	UserAgent string `json:"user_agent"`
	Enabled   *bool  `json:"enabled"`
}

func validURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (req *createSourceRequest) validate() error {
	var details []errs.Detail
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if req.Name == "" {
		details = append(details, errs.Detail{Field: "name", Error: "is required"})
	}
	if !validURL(req.URL) {
		details = append(details, errs.Detail{Field: "url", Error: "must be a valid http or https URL"})
	}
	switch req.Kind {
	case "":
		req.Kind = models.SourceKindProvider
	case models.SourceKindProvider, models.SourceKindPlaylist:
	default:
		details = append(details, errs.Detail{Field: "kind", Error: "must be provider or playlist"})
	}
	if len(details) > 0 {
		return errs.E(http.StatusBadRequest, "invalid source", details)
	}
	return nil
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeErr(w, r, err)
		return
	}

	src := &models.Source{
		Name:      req.Name,
		URL:       req.URL,
		Kind:      req.Kind,
		UserAgent: strings.TrimSpace(req.UserAgent),
		Enabled:   req.Enabled == nil || *req.Enabled,
	}
	if err := s.Store.CreateSource(r.Context(), src); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	src, err := s.Store.GetSource(r.Context(), sourceID)
	if err != nil {
		writeErr(w, r, notFound(err, "source %d not found", sourceID))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

type updateSourceRequest struct {
	Name      *string `json:"name"`
	URL       *string `json:"url"`
	UserAgent *string `json:"user_agent"`
	Enabled   *bool   `json:"enabled"`
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	var req updateSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	var details []errs.Detail
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		details = append(details, errs.Detail{Field: "name", Error: "must not be empty"})
	}
	if req.URL != nil && !validURL(strings.TrimSpace(*req.URL)) {
		details = append(details, errs.Detail{Field: "url", Error: "must be a valid http or https URL"})
	}
	if len(details) > 0 {
		writeErr(w, r, errs.E(http.StatusBadRequest, "invalid source", details))
		return
	}

	src, err := s.Store.UpdateSource(r.Context(), sourceID, store.SourceUpdate{
		Name:      trimmed(req.Name),
		URL:       trimmed(req.URL),
		UserAgent: trimmed(req.UserAgent),
		Enabled:   req.Enabled,
	})
	if err != nil {
		writeErr(w, r, notFound(err, "source %d not found", sourceID))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	if err := s.Store.DeleteSource(r.Context(), sourceID); err != nil {
		writeErr(w, r, notFound(err, "source %d not found", sourceID))
		return
	}
	writeNoContent(w)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if _, err := s.Store.GetSource(r.Context(), sourceID); err != nil {
		writeErr(w, r, notFound(err, "source %d not found", sourceID))
		return
	}
	page, size, err := parsePage(r, 50, 200)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	q := r.URL.Query()
	f := store.StreamFilter{
		SourceID: &sourceID,
		Search:   strings.TrimSpace(q.Get("search")),
		Limit:    size,
		Offset:   (page - 1) * size,
	}
	if q.Has("group") {
		g := q.Get("group")
		f.Group = &g
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, r, errs.Invalid("active", "must be true or false"))
			return
		}
		f.Active = &active
	}

	streams, total, err := s.Store.ListStreams(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":  page,
		"size":  size,
		"total": total,
		"items": streams,
	})
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
