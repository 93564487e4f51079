package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/channelvault/api"
	"github.com/voyagen/channelvault/internal/broadcast"
	"github.com/voyagen/channelvault/internal/errs"
	"github.com/voyagen/channelvault/internal/jobs"
	"github.com/voyagen/channelvault/internal/logger"
	"github.com/voyagen/channelvault/internal/ordering"
	"github.com/voyagen/channelvault/internal/store"
)

// Scheduler is reloaded after the settings change.
type Scheduler interface {
	Reload(ctx context.Context) error
}

// Deps are the components the HTTP API serves.
type Deps struct {
	Store    store.Store
	Jobs     *jobs.Coordinator
	Ordering *ordering.Manager

	// Optional.
	Scheduler  Scheduler
	ActiveJobs *broadcast.Topic
	Stats      *broadcast.Topic
	Ping       func(ctx context.Context) error
}

// Server holds dependencies for the HTTP API.
type Server struct {
	Deps
	port string
	mux  *http.ServeMux
}

// New creates a Server listening on port and registers routes.
func New(port string, d Deps) *Server {
	srv := &Server{Deps: d, port: port, mux: http.NewServeMux()}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/system/resources", s.handleResources)
	s.mux.HandleFunc("GET /api/system/time", s.handleTime)

	// Sources
	s.mux.HandleFunc("GET /api/sources", s.handleListSources)
	s.mux.HandleFunc("POST /api/sources", s.handleCreateSource)
	s.mux.HandleFunc("GET /api/sources/{id}", s.handleGetSource)
	s.mux.HandleFunc("PATCH /api/sources/{id}", s.handleUpdateSource)
	s.mux.HandleFunc("DELETE /api/sources/{id}", s.handleDeleteSource)
	s.mux.HandleFunc("GET /api/sources/{id}/streams", s.handleListStreams)

	// Sync jobs
	s.mux.HandleFunc("POST /api/sources/{id}/sync", s.handleTriggerSync)
	s.mux.HandleFunc("GET /api/sources/{id}/sync", s.handleSyncStatus)
	s.mux.HandleFunc("GET /api/sources/{id}/jobs", s.handleListJobs)

	// Playlists
	s.mux.HandleFunc("GET /api/playlists", s.handleListPlaylists)
	s.mux.HandleFunc("POST /api/playlists", s.handleCreatePlaylist)
	s.mux.HandleFunc("GET /api/playlists/{id}", s.handleGetPlaylist)
	s.mux.HandleFunc("PATCH /api/playlists/{id}", s.handleUpdatePlaylist)
	s.mux.HandleFunc("DELETE /api/playlists/{id}", s.handleDeletePlaylist)
	s.mux.HandleFunc("GET /api/playlists/{id}/channels", s.handleListPlaylistChannels)
	s.mux.HandleFunc("POST /api/playlists/{id}/channels", s.handleAddPlaylistChannel)
	s.mux.HandleFunc("PATCH /api/playlists/{id}/channels/{channelID}", s.handleUpdatePlaylistChannel)
	s.mux.HandleFunc("DELETE /api/playlists/{id}/channels/{channelID}", s.handleRemovePlaylistChannel)
	s.mux.HandleFunc("GET /api/playlists/{id}/m3u", s.handleExportPlaylist)

	// Settings
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	// Live updates
	if s.ActiveJobs != nil {
		s.mux.HandleFunc("GET /ws/jobs", s.serveTopic(s.ActiveJobs))
	}
	if s.Stats != nil {
		s.mux.HandleFunc("GET /ws/stats", s.serveTopic(s.Stats))
	}

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler is the server's handler wrapped in its middleware.
func (s *Server) Handler() http.Handler {
	return withCORS(withLogging(s))
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
		// Request contexts end on shutdown, which closes websocket subscribers.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "api_status": "ok", "db_status": "ok"}
	if s.Ping != nil {
		if err := s.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "health check", "error", err)
			resp["status"], resp["db_status"] = "degraded", "error"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	u, err := broadcast.SampleResources(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]time.Time{"time": time.Now()})
}

// --- middleware ---

// withCORS adds CORS headers to every response and handles preflight OPTIONS requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// withLogging tags the request context with a request id and logs each
// request with method, path, status and duration.
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		ctx := logger.Ctx(r.Context(), slog.String("request_id", uuid.NewString()))
		r = r.WithContext(ctx)

		next.ServeHTTP(sw, r)

		level := slog.LevelInfo
		if sw.status >= 500 {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", sw.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status  int           `json:"status"`
	Error   string        `json:"error"`
	Detail  string        `json:"detail,omitempty"`
	Details []errs.Detail `json:"details,omitempty"`
}

// parseID extracts a path parameter by name and parses it as int64.
func parseID(r *http.Request, param string) (int64, error) {
	v := r.PathValue(param)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Invalid(param, fmt.Sprintf("%q is not a valid id", v))
	}
	return id, nil
}

// parsePage reads page (>= 1, default 1) and size (1..maxSize, default
// defSize) from the query string.
func parsePage(r *http.Request, defSize, maxSize int) (page, size int, err error) {
	page, size = 1, defSize
	var details []errs.Detail
	if v := r.URL.Query().Get("page"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 {
			details = append(details, errs.Detail{Field: "page", Error: "must be an integer of at least 1"})
		}
		page = n
	}
	if v := r.URL.Query().Get("size"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 || n > maxSize {
			details = append(details, errs.Detail{Field: "size", Error: fmt.Sprintf("must be an integer between 1 and %d", maxSize)})
		}
		size = n
	}
	if len(details) > 0 {
		return 0, 0, errs.E(http.StatusBadRequest, "invalid pagination", details)
	}
	return page, size, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.E(http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", "error", err)
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// asHTTP maps domain errors onto *errs.Error.
func asHTTP(err error) *errs.Error {
	var e *errs.Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, store.ErrNotFound):
		return errs.E(http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return errs.E(http.StatusConflict, err)
	case errors.Is(err, ordering.ErrInvalidOrder):
		return errs.E(http.StatusBadRequest, err, errs.Detail{Field: "order", Error: err.Error()})
	case errors.Is(err, ordering.ErrInvalidEntry):
		return errs.E(http.StatusBadRequest, err)
	}
	return errs.E(err)
}

// notFound replaces a store.ErrNotFound with a 404 carrying a readable message.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound(format, args...)
	}
	return err
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e := asHTTP(err)
	if e.Status >= 500 {
		slog.ErrorContext(r.Context(), "request failed", "status", e.Status, "error", err)
	}
	writeJSON(w, e.Status, APIError{
		Status:  e.Status,
		Error:   http.StatusText(e.Status),
		Detail:  e.Err.Error(),
		Details: e.Details,
	})
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>ChannelVault API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>html{box-sizing:border-box;overflow-y:scroll}*,*:before,*:after{box-sizing:inherit}body{margin:0;background:#fafafa}</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/docs/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`
