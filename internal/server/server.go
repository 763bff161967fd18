// Package server exposes the operational HTTP surface: manual runs, sync log
// inspection and health.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/beekhof/calsync/internal/scheduler"
	"github.com/beekhof/calsync/internal/store"
	calsync "github.com/beekhof/calsync/internal/sync"
)

const (
	defaultLogLimit   = 20
	maxLogLimit       = 500
	defaultStaleAfter = time.Hour
)

// Runs is the trigger surface of the scheduler.
type Runs interface {
	RunOnce(ctx context.Context, trigger calsync.Trigger) (*calsync.RunSummary, error)
	Enabled() bool
	Running() bool
	Entries() []scheduler.Entry
	LastFinished() time.Time
}

// Logs reads the sync audit trail.
type Logs interface {
	Get(ctx context.Context, id string) (*store.SyncLogEntry, error)
	ListRecent(ctx context.Context, limit int) ([]store.SyncLogEntry, error)
	FindStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]store.SyncLogEntry, error)
}

// Server serves the admin API.
type Server struct {
	runs   Runs
	logs   Logs
	logger zerolog.Logger
	engine *gin.Engine
}

// New builds the router.
func New(runs Runs, logs Logs, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{runs: runs, logs: logs, logger: logger, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/health", s.health)

		sync := api.Group("/sync")
		{
			sync.POST("/run", s.runNow)
			sync.GET("/logs", s.listLogs)
			sync.GET("/logs/stale", s.staleLogs)
			sync.GET("/logs/:id", s.getLog)
		}
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("admin API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type runRequest struct {
	Label string `json:"label"`
}

func (s *Server) runNow(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	// A run has no external cancellation point; a client hanging up must not
	// abort it halfway.
	ctx := context.WithoutCancel(c.Request.Context())
	summary, err := s.runs.RunOnce(ctx, calsync.Trigger{Source: calsync.SourceManual, Label: req.Label})
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrEngineDisabled), errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil && summary == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, summary)
	default:
		c.JSON(http.StatusOK, summary)
	}
}

func (s *Server) listLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := s.logs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (s *Server) staleLogs(c *gin.Context) {
	olderThan := defaultStaleAfter
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "olderThan must be a positive duration such as 1h"})
			return
		}
		olderThan = d
	}

	entries, err := s.logs.FindStale(c.Request.Context(), olderThan, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"olderThan": olderThan.String(), "logs": entries})
}

func (s *Server) getLog(c *gin.Context) {
	entry, err := s.logs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync log not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"engineEnabled": s.runs.Enabled(),
		"running":       s.runs.Running(),
		"schedules":     s.runs.Entries(),
		"lastFinished":  lastFinished(s.runs.LastFinished()),
	})
}

// lastFinished is nil until the first run ends.
func lastFinished(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}
