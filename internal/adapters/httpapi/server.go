// Package httpapi exposes the collector over HTTP and WebSocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"camcollect/internal/core/domain"
	"camcollect/internal/notify"
	"camcollect/internal/service"
)

const (
	rootMessage  = "Camera Collector API is running!"
	startPrefix  = "/collection/start/"
	maxBodyBytes = 1 << 16
)

var errJobNotFound = errors.New("job id not found")

// Collector is the job surface the handlers drive.
type Collector interface {
	Start(sourceRef string) (string, error)
	Cancel(id string) error
	Get(id string) (domain.Job, error)
	List() []domain.Job
	ListActive() []domain.Job
	Subscribe(scope notify.Scope, sink notify.Sink) func()
}

// Server holds the HTTP handlers.
type Server struct {
	collector Collector
	version   string
	logger    *slog.Logger
}

// NewServer creates the handler set. version is reported by the root endpoint.
func NewServer(collector Collector, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		collector: collector,
		version:   version,
		logger:    logger.With("component", "http_api"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /collection/start", s.handleStart)
	mux.HandleFunc("GET /collection/status/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /collection/{id}", s.handleCancel)
	mux.HandleFunc("GET /active-collections", s.handleActive)
	mux.HandleFunc("GET /collections", s.handleList)
	mux.HandleFunc("GET /ws/{id}", s.handleJobSocket)
	mux.HandleFunc("GET /ws", s.handleBroadcastSocket)

	// Source URLs embedded in the path contain "//", which ServeMux would
	// redirect to a cleaned path, so that route is matched before the mux.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, startPrefix) {
			s.startWithSource(w, r, sourceFromPath(r))
			return
		}
		mux.ServeHTTP(w, r)
	})
}

type startRequest struct {
	SourceURL string `json:"source_url"`
}

type startResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"message": rootMessage, "version": s.version})
}

// handleStart takes the source from ?url= or a JSON body; both are optional.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("url")
	if source == "" && r.Body != nil {
		var req startRequest
		err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
		switch {
		case err == nil:
			source = req.SourceURL
		case errors.Is(err, io.EOF):
		default:
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
			return
		}
	}
	s.startWithSource(w, r, source)
}

func (s *Server) startWithSource(w http.ResponseWriter, r *http.Request, source string) {
	id, err := s.collector.Start(source)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoSource):
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "missing_source", Err: err})
		case errors.Is(err, service.ErrClosed):
			WriteError(w, ErrorParams{Code: http.StatusServiceUnavailable, ErrCode: "shutting_down", Err: err})
		default:
			s.logger.ErrorContext(r.Context(), "failed to start collection", "error", err)
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "start_failed", Err: err})
		}
		return
	}
	s.logger.InfoContext(r.Context(), "collection started", "job_id", id)
	WriteJSON(w, http.StatusOK, startResponse{
		JobID:   id,
		Message: fmt.Sprintf("Collection started with Job ID %s", id),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.collector.Get(id)
	if err != nil {
		s.logger.WarnContext(r.Context(), "job not found", "job_id", id)
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errJobNotFound})
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.collector.Cancel(id)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusAccepted, startResponse{JobID: id, Message: "cancellation requested"})
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errJobNotFound})
	case errors.Is(err, service.ErrJobFinished):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "job_finished", Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "cancel_failed", Err: err})
	}
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string][]domain.Job{"active_jobs": s.collector.ListActive()})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string][]domain.Job{"jobs": s.collector.List()})
}

// sourceFromPath recovers a URL passed as the path tail, including its query.
func sourceFromPath(r *http.Request) string {
	source := strings.TrimPrefix(r.URL.Path, startPrefix)
	for _, scheme := range []string{"https:/", "http:/"} {
		if strings.HasPrefix(source, scheme) && !strings.HasPrefix(source, scheme+"/") {
			source = scheme + "/" + strings.TrimPrefix(source, scheme)
			break
		}
	}
	if source != "" && r.URL.RawQuery != "" {
		source += "?" + r.URL.RawQuery
	}
	return source
}
