// Package api is the REST surface: scan submission, task status, event
// streaming, and the operational endpoints.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vantagesec/scand/internal/coordinator"
	"github.com/vantagesec/scand/internal/middleware"
	"github.com/vantagesec/scand/internal/scan"
	"github.com/vantagesec/scand/internal/store"
	"github.com/vantagesec/scand/internal/tasks"
)

// Config carries the request-validation knobs the handlers enforce before
// a task is accepted.
type Config struct {
	PortLimit         int
	PortWarnThreshold int
	PrivateWhitelist  map[string]bool
}

// Server wires the handlers onto a mux router.
type Server struct {
	registry *tasks.Registry
	coord    *coordinator.Coordinator
	auth     *middleware.Auth
	sse      http.Handler
	ws       http.Handler
	cfg      Config
	logger   *log.Logger

	router *mux.Router
}

func NewServer(registry *tasks.Registry, coord *coordinator.Coordinator, auth *middleware.Auth, sse, ws http.Handler, cfg Config) *Server {
	s := &Server{
		registry: registry,
		coord:    coord,
		auth:     auth,
		sse:      sse,
		ws:       ws,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.Logging)

	// Unauthenticated operational endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// The WS endpoint carries its own token check.
	if s.ws != nil {
		r.Handle("/ws/command", s.ws).Methods(http.MethodGet)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(s.auth.Middleware)

	// /scan/stream must register before /scan/{task_id} so "stream" is not
	// taken for a task ID.
	if s.sse != nil {
		authed.Handle("/scan/stream", s.sse).Methods(http.MethodGet)
	}
	authed.HandleFunc("/scan", s.handleSubmit).Methods(http.MethodPost)
	authed.HandleFunc("/scan/{task_id}", s.handleStatus).Methods(http.MethodGet)
	authed.HandleFunc("/scan/{task_id}", s.handleCancel).Methods(http.MethodDelete)
	authed.HandleFunc("/scans", s.handleList).Methods(http.MethodGet)
	authed.HandleFunc("/admin/clients/{client_id}/reset", s.handleResetClient).Methods(http.MethodPost)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a bounded graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrInvalidTarget),
		errors.Is(err, scan.ErrInvalidPortSet),
		errors.Is(err, scan.ErrBlockedTarget):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrRateLimited),
		errors.Is(err, scan.ErrOnCooldown),
		errors.Is(err, scan.ErrExceedsConcurrency):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
