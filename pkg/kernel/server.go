package kernel

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/services"
	"github.com/oapi-codegen/runtime"
)

const defaultKeepAlive = 25 * time.Second

type Options struct {
	// JWTSecret enables bearer authentication. Empty means development mode.
	JWTSecret string
	// KeepAlive is the idle interval between stream keep-alive frames.
	KeepAlive time.Duration
}

type Server struct {
	logger     *slog.Logger
	management *services.JobManagementService
	queries    *services.JobQueryService
	eventBus   *services.EventBus
	validator  *requestValidator
	opts       Options

	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(
	logger *slog.Logger,
	management *services.JobManagementService,
	queries *services.JobQueryService,
	eventBus *services.EventBus,
	opts Options,
) (*Server, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	return &Server{
		logger:     logger,
		management: management,
		queries:    queries,
		eventBus:   eventBus,
		validator:  validator,
		opts:       opts,
		closing:    make(chan struct{}),
	}, nil
}

// CloseStreams ends every open SSE and WebSocket stream. http.Server.Shutdown
// does not wait for them.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openAPISpec)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(newAuthMiddleware(s.logger, s.opts.JWTSecret))

		r.Get("/events", s.handleEventsSSE)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/files", func(r chi.Router) {
			r.Use(s.validator.middleware)
			r.Post("/generate", s.handleGenerate)
			r.Get("/recent", s.handleRecent)
			r.Get("/{jobId}", s.handleJobStatus)
			r.Post("/cancel/{jobId}", s.handleCancel)
			r.Post("/retry/{jobId}", s.handleRetry)
			r.Get("/download/{jobId}", s.handleDownload)
		})
	})
	return r
}

type generateRequest struct {
	FileType   string         `json:"fileType"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type jobAccepted struct {
	JobID domain.JobID `json:"jobId"`
}

// POST /v1/files/generate
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	fileType, err := domain.ParseFileType(req.FileType)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	p := principal(r)
	job, err := s.management.InitiateJob(r.Context(), p, fileType, req.Parameters)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID})
}

// GET /v1/files/recent
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	var page, size int
	if err := runtime.BindQueryParameter("form", true, false, "page", r.URL.Query(), &page); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid format for parameter page")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "size", r.URL.Query(), &size); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid format for parameter size")
		return
	}

	jobs, err := s.queries.RecentJobs(r.Context(), principal(r), page, size)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GET /v1/files/{jobId}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	view, err := s.queries.JobStatus(r.Context(), principal(r), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v1/files/cancel/{jobId}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	cancelled, err := s.management.CancelJob(r.Context(), principal(r), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// POST /v1/files/retry/{jobId}
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.management.RetryJob(r.Context(), principal(r), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID})
}

// GET /v1/files/download/{jobId}
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	artifact, err := s.queries.PrepareDownload(r.Context(), principal(r), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(artifact.Payload); err != nil {
		s.logger.Warn("download interrupted", "job_id", id, "error", err)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (domain.JobID, bool) {
	var id string
	err := runtime.BindStyledParameterWithLocation("simple", false, "jobId", runtime.ParamLocationPath, chi.URLParam(r, "jobId"), &id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid format for parameter jobId")
		return "", false
	}
	return domain.JobID(id), true
}

func principal(r *http.Request) domain.Principal {
	p, _ := PrincipalFromContext(r.Context())
	return p
}
