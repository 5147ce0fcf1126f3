// Package server exposes plugin webhook routes and a read-only session API
// over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/user/chanbridge/internal/plugin"
	"github.com/user/chanbridge/internal/session"
)

const defaultListLimit = 100

// Sessions is the session manager surface the API reads from.
type Sessions interface {
	ListSessions(ctx context.Context) ([]string, error)
	Lookup(ctx context.Context, sessionID string) (session.Record, error)
	EndSession(ctx context.Context, sessionID string) (session.Record, error)
}

// Server is the HTTP front of the process.
type Server struct {
	echo     *echo.Echo
	sessions Sessions
	logger   *slog.Logger
	plugins  []string
}

// New builds the router. Plugin routes are added with Mount.
func New(sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:     echo.New(),
		sessions: sessions,
		logger:   logger.With("component", "http"),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/api/sessions", s.handleListSessions)
	e.GET("/api/sessions/:id", s.handleGetSession)
	e.POST("/api/sessions/:id/end", s.handleEndSession)
	return s
}

// Mount routes the given methods on path to the plugin's HandleRequest.
func (s *Server) Mount(path string, methods []string, p plugin.Plugin) {
	s.echo.Match(methods, path, echo.WrapHandler(http.HandlerFunc(p.HandleRequest)))
	s.plugins = append(s.plugins, p.Name())
	s.logger.Info("plugin route mounted", "plugin", p.Name(), "path", path, "methods", methods)
}

// Track lists a plugin that owns no route, such as a long-polling bot, on
// /health.
func (s *Server) Track(name string) {
	s.plugins = append(s.plugins, name)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	plugins := append([]string(nil), s.plugins...)
	sort.Strings(plugins)
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "plugins": plugins})
}

type sessionSummary struct {
	SessionID   string  `json:"session_id"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time"`
	TotalTimeMS int64   `json:"total_time_ms"`
	Messages    int     `json:"messages"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

func summarize(rec session.Record) sessionSummary {
	base := rec.Base()
	sum := sessionSummary{
		SessionID:   base.SessionID,
		StartTime:   base.StartTime,
		EndTime:     base.EndTime,
		TotalTimeMS: base.TotalTimeMS,
	}
	if s, ok := rec.(*session.EnrichedSession); ok {
		sum.Messages = len(s.Messages)
		sum.TotalTokens = s.TotalCost.TotalTokens
		sum.TotalCost = s.TotalCost.TotalCost
	}
	return sum
}

func (s *Server) handleListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := s.sessions.ListSessions(ctx)
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}

	limit := defaultListLimit
	if q := c.QueryParam("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	result := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.sessions.Lookup(ctx, id)
		if err != nil {
			s.logger.Warn("load session failed", "session_id", id, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		result = append(result, summarize(rec))
	}
	return c.JSON(http.StatusOK, result)
}

// sessionID returns the unescaped :id path parameter. Ids may contain
// slashes when a channel id does.
func sessionID(c echo.Context) string {
	id := c.Param("id")
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	return id
}

func (s *Server) lookup(c echo.Context) (session.Record, string, error) {
	id := sessionID(c)
	rec, err := s.sessions.Lookup(c.Request().Context(), id)
	return rec, id, err
}

func (s *Server) handleGetSession(c echo.Context) error {
	rec, id, err := s.lookup(c)
	if err != nil {
		s.logger.Error("load session failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
	if rec == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleEndSession(c echo.Context) error {
	id := sessionID(c)
	rec, err := s.sessions.EndSession(c.Request().Context(), id)
	if err != nil {
		s.logger.Error("end session failed", "session_id", id, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
	if rec == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, summarize(rec))
}
