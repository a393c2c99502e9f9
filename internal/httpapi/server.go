// Package httpapi serves the admin surface: health, Prometheus metrics, and
// a JSON API over the producer client. The API is a read projection plus
// calls into the producer and schedule management operations; it never
// touches worker state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/logger"
	"github.com/aatumaykin/nexq/internal/queue"
	"github.com/aatumaykin/nexq/internal/version"
)

// API is the subset of queue.Client the server calls.
type API interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	GetJob(ctx context.Context, id string) (*queue.JobView, error)
	ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error)
	Retry(ctx context.Context, id string) error
	Stats(ctx context.Context) (job.Stats, error)
	ListSchedules(ctx context.Context) ([]*job.Schedule, error)
	EnableSchedule(ctx context.Context, name string) error
	DisableSchedule(ctx context.Context, name string) error
}

// Config holds HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	srv    *http.Server
	logger *logger.Logger
}

// New builds the server. gatherer backs /metrics; nil disables the endpoint.
func New(cfg Config, api API, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log = log.With(logger.Field{Key: "component", Value: "http"})
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(api, gatherer, log),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		logger: log,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("http server listening", logger.Field{Key: "addr", Value: ln.Addr().String()})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// NewRouter builds the route table.
func NewRouter(api API, gatherer prometheus.Gatherer, log *logger.Logger) http.Handler {
	h := &handler{api: api, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Get("/jobs", h.listJobs)
		r.Post("/jobs", h.enqueue)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/retry", h.retry)
		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules/{name}/enable", h.enableSchedule)
		r.Post("/schedules/{name}/disable", h.disableSchedule)
	})
	return r
}

type handler struct {
	api    API
	logger *logger.Logger
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.DebugCtx(r.Context(), "http request",
			logger.Field{Key: "method", Value: r.Method},
			logger.Field{Key: "path", Value: r.URL.Path},
			logger.Field{Key: "status", Value: ww.Status()},
			logger.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())},
			logger.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()})
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.api.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{
		Queue:    q.Get("queue"),
		Type:     q.Get("type"),
		Status:   job.Status(q.Get("status")),
		Schedule: q.Get("schedule"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, r, err)
		return
	}

	jobs, err := h.api.ListJobs(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type enqueueBody struct {
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Delay       string          `json:"delay"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     string          `json:"timeout"`
	Backoff     string          `json:"backoff"`
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", job.ErrInvalidJob, err))
		return
	}

	req := queue.EnqueueRequest{
		Type:        body.Type,
		Queue:       body.Queue,
		Payload:     body.Payload,
		Priority:    body.Priority,
		MaxAttempts: body.MaxAttempts,
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{body.Delay, &req.Delay},
		{body.Timeout, &req.Timeout},
		{body.Backoff, &req.Backoff},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", job.ErrInvalidJob, err))
			return
		}
		*d.dst = v
	}

	id, err := h.api.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.api.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.api.Retry(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(job.StatusPending)})
}

func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.api.ListSchedules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (h *handler) enableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, h.api.EnableSchedule)
}

func (h *handler) disableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, h.api.DisableSchedule)
}

func (h *handler) toggleSchedule(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	if err := fn(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad integer %q", job.ErrInvalidJob, s)
	}
	return n, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var parseErr *job.ScheduleParseError
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidJob), errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrScheduleExists):
		return http.StatusConflict
	case errors.Is(err, job.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorCtx(r.Context(), "http request failed", err,
			logger.Field{Key: "path", Value: r.URL.Path})
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
