package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsweep/internal/breaker"
	"github.com/JakeFAU/jobsweep/internal/harvest"
	iduuid "github.com/JakeFAU/jobsweep/internal/id/uuid"
	"github.com/JakeFAU/jobsweep/internal/output"
	"github.com/JakeFAU/jobsweep/internal/telemetry"
)

const defaultRequestTimeout = 60 * time.Second

// Runner executes a run and returns its report.
type Runner interface {
	Run(ctx context.Context, req harvest.RunRequest) (harvest.Report, error)
}

// SiteLister reports the registered site names.
type SiteLister interface {
	Names() []string
}

// IDGenerator creates request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BreakerReader exposes circuit snapshots.
type BreakerReader interface {
	Snapshots() []breaker.Snapshot
}

// Options tunes the server.
type Options struct {
	// Defaults fills fields missing from POST /v1/runs bodies.
	Defaults harvest.RunRequest
	// RequestTimeout bounds every route except run submission, which is
	// bounded by the orchestrator's global timeout.
	RequestTimeout time.Duration
	// Metrics serves /metrics; defaults to the process registry.
	Metrics http.Handler
	// IDs generates X-Request-ID values for requests that arrive without one.
	IDs IDGenerator
}

// Server wires HTTP handlers to the orchestrator and registries.
type Server struct {
	router   chi.Router
	runner   Runner
	sites    SiteLister
	breakers BreakerReader
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runner Runner,
	sites SiteLister,
	breakers BreakerReader,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Handler()
	}
	if opts.IDs == nil {
		opts.IDs = iduuid.New()
	}
	s := &Server{
		runner:   runner,
		sites:    sites,
		breakers: breakers,
		opts:     opts,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(opts.IDs, s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
		r.Get("/v1/sites", s.listSites)
		r.Get("/v1/breakers", s.listBreakers)
	})
	r.Post("/v1/runs", s.submitRun)

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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil || s.sites == nil || len(s.sites.Names()) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no sites registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSites(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if s.sites != nil {
		names = append(names, s.sites.Names()...)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sites": names})
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshots := []breaker.Snapshot{}
	if s.breakers != nil {
		snapshots = append(snapshots, s.breakers.Snapshots()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snapshots})
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner unavailable")
		return
	}
	var body runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	req, err := s.toRunRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeError(w, statusForRunError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, output.Build(report))
}

type runRequest struct {
	Search   *string  `json:"search"`
	Location *string  `json:"location"`
	Sites    []string `json:"sites"`
	Max      *int     `json:"max"`
}

func (s *Server) toRunRequest(body runRequest) (harvest.RunRequest, error) {
	req := harvest.RunRequest{
		Query:    valueOrDefault(body.Search, s.opts.Defaults.Query),
		Location: valueOrDefault(body.Location, s.opts.Defaults.Location),
		MaxItems: valueOrDefault(body.Max, s.opts.Defaults.MaxItems),
		Sites:    cloneStringSlice(s.opts.Defaults.Sites),
	}
	if body.Sites != nil {
		req.Sites = cloneStringSlice(body.Sites)
	}
	if strings.TrimSpace(req.Query) == "" {
		return harvest.RunRequest{}, errors.New("search required")
	}
	if req.MaxItems < 0 {
		return harvest.RunRequest{}, errors.New("max must be >= 0")
	}
	return req, nil
}

func statusForRunError(err error) int {
	switch {
	case errors.Is(err, harvest.ErrUnknownSite):
		return http.StatusBadRequest
	case errors.Is(err, harvest.ErrNoSitesAvailable), errors.Is(err, harvest.ErrNoSitesRegistered):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func cloneStringSlice(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func requestIDMiddleware(ids IDGenerator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				id, err := ids.NewID()
				if err != nil {
					logger.Warn("generate request id", zap.Error(err))
					next.ServeHTTP(w, r)
					return
				}
				reqID = id
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
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
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
						zap.Any("error", rec),
						zap.String("request_id", RequestID(r.Context())),
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, output.FailureDocument{Success: false, Error: msg})
}
