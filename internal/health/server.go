package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentq/internal/db"
)

const defaultMetricsTimeout = 2 * time.Second

// Store is what the health endpoints read.
type Store interface {
	Metrics(ctx context.Context) (db.Metrics, error)
	ResolveJobID(ctx context.Context, prefix string) (string, error)
	GetJob(ctx context.Context, jobID string) (db.Job, error)
}

// InFlightCounter reports executions currently running in this process.
type InFlightCounter interface {
	InFlight() int
}

type Server struct {
	store     Store
	worker    InFlightCounter
	timeout   time.Duration
	startedAt time.Time
	e         *echo.Echo
}

// NewServer builds the health server. timeout bounds each store read; zero
// uses 2s.
func NewServer(store Store, worker InFlightCounter, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = defaultMetricsTimeout
	}
	s := &Server{
		store:     store,
		worker:    worker,
		timeout:   timeout,
		startedAt: time.Now(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(requestLogger())
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/jobs/:id", s.handleJob)
	s.e = e
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe(addr string) error {
	slog.Info("health: listening", "addr", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type healthResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int        `json:"uptime_seconds"`
	InFlight      int        `json:"in_flight"`
	Metrics       db.Metrics `json:"metrics"`
}

func (s *Server) handleHealth(c echo.Context) error {
	m, err := s.metrics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:        "running",
		UptimeSeconds: max(int(time.Since(s.startedAt).Seconds()), 0),
		InFlight:      s.inFlight(),
		Metrics:       m,
	})
}

func (s *Server) handleMetrics(c echo.Context) error {
	m, err := s.metrics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleJob(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.timeout)
	defer cancel()

	id, err := s.store.ResolveJobID(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) metrics(ctx context.Context) (db.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Metrics(ctx)
}

func (s *Server) inFlight() int {
	if s.worker == nil {
		return 0
	}
	return s.worker.InFlight()
}
