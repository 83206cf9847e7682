// Package httpapi is the local control API: job submission, logout,
// connectivity push, queue inspection, remote library listing and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"syncq/internal/job"
	"syncq/internal/netgate"
	"syncq/internal/queue"
	"syncq/internal/remote"
	"syncq/internal/scheduler"
	logx "syncq/pkg/logx"
)

type Config struct {
	Addr  string
	Pprof bool
}

type Scheduler interface {
	ScheduleFileUploadJob(ctx context.Context, relativePath, remoteURLPath string) error
	ScheduleMetadataUploadJob(ctx context.Context, item scheduler.SyncableItem) error
}

type Logouter interface {
	Logout(ctx context.Context) error
}

type Snapshotter interface {
	Snapshot() queue.Snapshot
}

type FailureHistory interface {
	History() []queue.Failure
}

// Library lists the remote library.
type Library interface {
	Contents(ctx context.Context, path string) ([]remote.SyncedItem, error)
}

// Deps are the components the API drives. Nil members disable their routes.
type Deps struct {
	Scheduler    Scheduler
	Lifecycle    Logouter
	Connectivity *netgate.Monitor
	Queues       []Snapshotter
	Failures     FailureHistory
	Library      Library
	Metrics      http.Handler
	// Health returns nil when the process is healthy.
	Health func() error
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	router chi.Router

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Route("/v1", func(r chi.Router) {
		if deps.Scheduler != nil {
			r.Post("/jobs/file", s.handleFileJob)
			r.Post("/jobs/metadata", s.handleMetadataJob)
		}
		if deps.Lifecycle != nil {
			r.Post("/logout", s.handleLogout)
		}
		if deps.Connectivity != nil {
			r.Get("/connectivity", s.handleGetConnectivity)
			r.Put("/connectivity", s.handlePutConnectivity)
		}
		r.Get("/queues", s.handleQueues)
		if deps.Failures != nil {
			r.Get("/failures", s.handleFailures)
		}
		if deps.Library != nil {
			r.Get("/library", s.handleLibrary)
		}
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("control api listening", logx.String("addr", s.Addr()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("control api shutdown error", logx.Err(err))
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr is the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrStopped), errors.Is(err, scheduler.ErrNoQueue):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
