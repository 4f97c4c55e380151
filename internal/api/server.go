// Package api is the HTTP surface of the analysis service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/CZERTAINLY/RepoStats/internal/github"
	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// Jobs is the job lifecycle the API exposes. service.Supervisor implements it.
type Jobs interface {
	Submit(ctx context.Context, a model.Analysis) (model.Job, error)
	Cancel(ctx context.Context, id string) (model.Job, error)
	Get(id string) (model.Job, error)
	List(limit int) []model.Job
}

// TokenChecker asks GitHub about a token. github.Checker implements it.
type TokenChecker interface {
	ValidateToken(ctx context.Context, token model.Secret, hostname string) (github.User, error)
	RateLimit(ctx context.Context, token model.Secret, hostname string) (github.RateLimit, error)
}

type Options struct {
	Jobs           Jobs
	Tokens         TokenChecker
	Limits         model.Limits
	Version        string
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

type Server struct {
	router   *chi.Mux
	jobs     Jobs
	tokens   TokenChecker
	limiter  *rate.Limiter
	validate *validator.Validate
	version  string
}

func New(opts Options) (*Server, error) {
	if opts.Jobs == nil || opts.Tokens == nil {
		return nil, errors.New("jobs and token checker are required")
	}
	rps, burst := opts.Limits.AnalyzeRPS, opts.Limits.AnalyzeBurst
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing(opts.TracerProvider))
	r.Use(loggerMiddleware)
	r.Use(m.middleware)
	r.Use(middleware.Recoverer)

	s := &Server{
		router:   r,
		jobs:     opts.Jobs,
		tokens:   opts.Tokens,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		validate: newValidator(),
		version:  opts.Version,
	}
	s.routes()
	return s, nil
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.With(s.rateLimit).Post("/analyze", s.handleAnalyze)
		r.Get("/status/{id}", s.handleStatus)
		r.Post("/cancel/{id}", s.handleCancel)
		r.Get("/results/{id}", s.handleResults)
		r.Get("/download/{id}", s.handleDownload)
		r.Get("/jobs", s.handleJobs)
		r.Get("/sample", s.handleSample)
		r.Post("/validate-token", s.handleValidateToken)
		r.Post("/rate-limit", s.handleRateLimit)
	})
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.DebugContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// rateLimit answers 429 once the analyze budget is exhausted.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many analysis requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts the server
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting server", "addr", ln.Addr().String())
	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
