// Package httpapi exposes the check-in engine operations as a JSON API.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autocheckin/internal/codes"
	"autocheckin/internal/obs"
	"autocheckin/internal/orchestrator"
	"autocheckin/internal/session"
	"autocheckin/internal/state"
	"autocheckin/internal/task/scheduler"
	logx "autocheckin/pkg/logx"
)

// Engine is the set of operations served over HTTP.
type Engine interface {
	Status() orchestrator.StatusView
	State() state.GlobalState
	RefreshAll(ctx context.Context) (session.RefreshAllResult, orchestrator.Status)
	RefreshUser(ctx context.Context, email string) (session.View, error)
	Sessions() []session.View
	FetchUsers(ctx context.Context) (int, error)
	Codes(ctx context.Context) ([]codes.Code, error)
	TryCodes(ctx context.Context) state.Submission
	FetchAttendance(ctx context.Context, year, week int) (orchestrator.AttendanceResult, error)
	FetchAttendanceByUser(ctx context.Context, email string, year, week int) (orchestrator.AttendanceResult, error)
	FetchPriorAttendance(ctx context.Context, email string, all bool) (orchestrator.PriorOutcome, error)
}

type Config struct {
	Key        string
	DevMode    bool
	RatePerSec float64
	Burst      int
	Profiler   bool
}

type Server struct {
	router  *chi.Mux
	eng     Engine
	cfg     Config
	log     logx.Logger
	metrics *obs.Metrics
	jobs    func() []scheduler.JobInfo
}

type Option func(*Server)

func WithLogger(l logx.Logger) Option               { return func(s *Server) { s.log = l } }
func WithMetrics(m *obs.Metrics) Option             { return func(s *Server) { s.metrics = m } }
func WithJobs(fn func() []scheduler.JobInfo) Option { return func(s *Server) { s.jobs = fn } }

func New(eng Engine, cfg Config, opts ...Option) *Server {
	s := &Server{router: chi.NewRouter(), eng: eng, cfg: cfg, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "http"))

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(accessLog(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.Instrument)
	}
	r.Use(middleware.Recoverer)
	if cfg.RatePerSec > 0 {
		r.Use(newIPLimiter(cfg.RatePerSec, cfg.Burst).middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		fail(w, http.StatusNotFound, "API Error", errors.New("endpoint not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		fail(w, http.StatusMethodNotAllowed, "API Error", errors.New("method not allowed"))
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(requireKey(cfg.Key, cfg.DevMode))
		r.Get("/", s.index)
		if cfg.Profiler {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", s.status)
			r.Get("/state", s.state)
			r.Get("/refresh", s.refreshAll)
			r.Get("/refresh-session/{email}", s.refreshUser)
			r.Get("/sessions", s.sessions)
			r.Get("/fetch-users", s.fetchUsers)
			r.Get("/codes", s.codes)
			r.Get("/try-codes", s.tryCodes)
			r.Get("/fetch-attendance", s.fetchAttendance)
			r.Get("/fetch-attendance/{email}", s.fetchAttendanceByUser)
			r.Get("/fetch-prior-attendance", s.fetchPriorAttendance)
			r.Get("/jobs", s.listJobs)
			r.HandleFunc("/auth/test", s.authTest)
		})
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("http stopped")
	return nil
}
