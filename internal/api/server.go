// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/config"
	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/jobs"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
	"github.com/JakeFAU/learning-bits-crawler/internal/metrics"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
)

// JobService is the job control surface the server drives. *jobs.Manager
// satisfies it.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.SubmitResult, error)
	Stop(ctx context.Context, jobID string) (crawler.CrawlJob, error)
	Status(jobID string) (crawler.CrawlJob, error)
	List() []crawler.CrawlJob
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the job manager and the bit store.
type Server struct {
	router   chi.Router
	jobs     JobService
	bits     *BitsHandler
	defaults crawler.CrawlConfig
	ready    []ReadinessCheck
	logger   *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadinessCheck adds a check consulted by /readyz.
func WithReadinessCheck(check ReadinessCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.ready = append(s.ready, check)
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobService JobService, store crawler.Store, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	logger = logging.OrNop(logger).Named("api")
	s := &Server{
		jobs:     jobService,
		bits:     NewBitsHandler(store, logger),
		defaults: cfg.CrawlDefaults(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/stop", s.stopJob)
			})
		})
		r.Route("/bits", func(r chi.Router) {
			r.Get("/", s.bits.QueryBits)
			r.Get("/search", s.bits.SearchBits)
			r.Route("/{bit_id}", func(r chi.Router) {
				r.Get("/", s.bits.GetBit)
				r.Get("/references", s.bits.References)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitJobRequest carries a seed plus optional overrides of the
// environment-level crawl defaults. Durations are milliseconds.
type submitJobRequest struct {
	JobID              string `json:"job_id"`
	SeedURL            string `json:"seed_url"`
	Priority           string `json:"priority"`
	MaxDepth           *int   `json:"max_depth"`
	MaxPages           *int   `json:"max_pages"`
	MaxPagesPerDomain  *int   `json:"max_pages_per_domain"`
	PolitenessDelayMS  *int64 `json:"politeness_delay_ms"`
	FetchTimeoutMS     *int64 `json:"fetch_timeout_ms"`
	RetryCount         *int   `json:"retry_count"`
	MinContentLength   *int   `json:"min_content_length"`
	MaxContentLength   *int   `json:"max_content_length"`
	FollowLinks        *bool  `json:"follow_links"`
	AllowExternalLinks *bool  `json:"allow_external_links"`
	RespectRobots      *bool  `json:"respect_robots"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SeedURL == "" {
		writeError(w, http.StatusBadRequest, "seed_url required")
		return
	}
	cfg := s.mergeConfig(req)
	res, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		JobID:    req.JobID,
		SeedURL:  req.SeedURL,
		Config:   &cfg,
		Priority: crawler.JobPriority(req.Priority),
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	status := http.StatusCreated
	if res.State == jobs.SubmitQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) mergeConfig(req submitJobRequest) crawler.CrawlConfig {
	cfg := s.defaults
	cfg.MaxDepth = valueOrDefault(req.MaxDepth, cfg.MaxDepth)
	cfg.MaxPages = valueOrDefault(req.MaxPages, cfg.MaxPages)
	cfg.MaxPagesPerDomain = valueOrDefault(req.MaxPagesPerDomain, cfg.MaxPagesPerDomain)
	cfg.RetryCount = valueOrDefault(req.RetryCount, cfg.RetryCount)
	cfg.MinContentLength = valueOrDefault(req.MinContentLength, cfg.MinContentLength)
	cfg.MaxContentLength = valueOrDefault(req.MaxContentLength, cfg.MaxContentLength)
	cfg.FollowLinks = valueOrDefault(req.FollowLinks, cfg.FollowLinks)
	cfg.AllowExternalLinks = valueOrDefault(req.AllowExternalLinks, cfg.AllowExternalLinks)
	cfg.RespectRobots = valueOrDefault(req.RespectRobots, cfg.RespectRobots)
	if req.PolitenessDelayMS != nil {
		cfg.PolitenessDelay = time.Duration(*req.PolitenessDelayMS) * time.Millisecond
	}
	if req.FetchTimeoutMS != nil {
		cfg.FetchTimeout = time.Duration(*req.FetchTimeoutMS) * time.Millisecond
	}
	return cfg
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	all := s.jobs.List()
	if raw := r.URL.Query().Get("status"); raw != "" {
		filtered := all[:0:0]
		for _, j := range all {
			if string(j.Status) == raw {
				filtered = append(filtered, j)
			}
		}
		all = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": all})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Stop(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	var cfgErr *crawler.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.Is(err, crawler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrJobExists):
		writeError(w, http.StatusConflict, "job already exists")
	case errors.Is(err, jobs.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "job queue is full")
	case errors.Is(err, jobs.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "job manager is shutting down")
	default:
		s.logger.Error("job request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
