package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/voyagen/channelvault/internal/errs"
	"github.com/voyagen/channelvault/internal/jobs"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/scheduler"
)

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	res, err := s.Jobs.Trigger(r.Context(), jobs.TriggerRequest{SourceID: sourceID, Manual: true})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Status == jobs.StatusFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	res, err := s.Jobs.Status(r.Context(), sourceID, r.URL.Query().Get("job_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	sourceID, err := parseID(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	page, size, err := parsePage(r, 20, 100)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	list, err := s.Jobs.ListJobs(r.Context(), sourceID, page, size)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list.Items == nil {
		list.Items = []models.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Store.GetSettings(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	settings := models.DefaultSettings()
	if err := decodeJSON(r, &settings); err != nil {
		writeErr(w, r, err)
		return
	}
	if settings.SyncSchedules == nil {
		settings.SyncSchedules = []string{}
	}
	for i, spec := range settings.SyncSchedules {
		settings.SyncSchedules[i] = strings.TrimSpace(spec)
	}

	details := scheduler.ValidateSchedules(settings.SyncSchedules)
	if settings.SyncJobMaxAttempts < 1 || settings.SyncJobMaxAttempts > jobs.AbsoluteMaxAttempts {
		details = append(details, errs.Detail{Field: "sync_job_max_attempts", Error: "must be between 1 and 100"})
	}
	if len(details) > 0 {
		writeErr(w, r, errs.E(http.StatusBadRequest, "invalid settings", details))
		return
	}

	if err := s.Store.SaveSettings(r.Context(), settings); err != nil {
		writeErr(w, r, err)
		return
	}
	if s.Scheduler != nil {
		if err := s.Scheduler.Reload(r.Context()); err != nil {
			slog.ErrorContext(r.Context(), "reloading schedules", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, settings)
}
