// Package api exposes the catalog, the download queue, and the task
// registry over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/library"
	"github.com/downpour/downpour/internal/provider"
	"github.com/downpour/downpour/internal/queue"
	"github.com/downpour/downpour/internal/reconcile"
	"github.com/downpour/downpour/internal/scheduler"
	"github.com/downpour/downpour/internal/websocket"
)

// Server handles HTTP requests.
type Server struct {
	echo       *echo.Echo
	store      *catalog.Store
	layout     library.Layout
	queue      *queue.Scheduler
	reconciler *reconcile.Service
	tasks      *scheduler.Scheduler
	hub        *websocket.Hub
	adapters   map[catalog.Kind]provider.Adapter
	logger     zerolog.Logger
}

// NewServer wires the API surface. adapters maps each title kind to the
// provider used for user-facing searches.
func NewServer(store *catalog.Store, layout library.Layout, q *queue.Scheduler, reconciler *reconcile.Service, tasks *scheduler.Scheduler, hub *websocket.Hub, adapters map[catalog.Kind]provider.Adapter, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		store:      store,
		layout:     layout,
		queue:      q,
		reconciler: reconciler,
		tasks:      tasks,
		hub:        hub,
		adapters:   adapters,
		logger:     logger.With().Str("component", "api").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", s.healthCheck)
	api.GET("/status", s.getStatus)

	api.GET("/titles/:kind", s.listTitles)
	api.POST("/titles/:kind", s.addTitle)
	api.GET("/titles/:kind/:name", s.getTitle)
	api.DELETE("/titles/:kind/:name", s.removeTitle)

	api.GET("/search/:kind", s.searchProvider)

	api.GET("/queue", s.getQueue)
	api.GET("/queue/:id", s.getJob)
	api.DELETE("/queue/:id", s.cancelJob)

	api.POST("/sync", s.startSync)

	api.GET("/tasks", s.listTasks)
	api.POST("/tasks/:id/run", s.runTask)

	if s.hub != nil {
		s.echo.GET("/ws", s.hub.HandleWebSocket)
	}
}

// Start begins serving on the given address and blocks.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("Starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying echo instance, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// --- Handlers ---

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	counts, err := s.store.Counts(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	ov := s.queue.Overview()
	return c.JSON(http.StatusOK, map[string]any{
		"titles": counts,
		"queue":  ov,
	})
}

func kindParam(c echo.Context) (catalog.Kind, error) {
	kind := catalog.Kind(c.Param("kind"))
	if !kind.Valid() {
		return "", errors.New("unknown kind, expected anime, series or film")
	}
	return kind, nil
}

func (s *Server) listTitles(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	titles, err := s.store.List(c.Request().Context(), kind)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, titles)
}

type addTitleRequest struct {
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	Link       string `json:"link"`
	MediaID    int64  `json:"mediaId"`
	Slug       string `json:"slug"`
	Language   string `json:"language"`
	Year       string `json:"year"`
	TotalUnits int    `json:"totalUnits"`
}

func (s *Server) addTitle(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var req addTitleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	title := &catalog.Title{
		Kind:     kind,
		Name:     req.Name,
		Provider: req.Provider,
		Ref: catalog.ProviderRef{
			Link:     req.Link,
			MediaID:  req.MediaID,
			Slug:     req.Slug,
			Language: req.Language,
		},
		Year:       req.Year,
		TotalUnits: req.TotalUnits,
	}

	if err := s.store.Add(c.Request().Context(), title); err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "title already tracked"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, title)
}

func (s *Server) getTitle(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	title, err := s.store.Search(c.Request().Context(), kind, c.Param("name"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "title not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, title)
}

func (s *Server) removeTitle(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	ctx := c.Request().Context()

	// Resolve the partial name first so the directory removal matches.
	title, err := s.store.Search(ctx, kind, c.Param("name"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "title not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	removed, err := s.store.Remove(ctx, kind, title.Name)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !removed {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "title not found"})
	}

	if err := s.layout.RemoveTitleDir(kind, title.Name); err != nil {
		s.logger.Warn().Err(err).Str("name", title.Name).Msg("Failed to remove title directory")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) searchProvider(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	query := c.QueryParam("q")
	if query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "q is required"})
	}

	adapter, ok := s.adapters[kind]
	if !ok {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "no provider for kind"})
	}

	hits, err := adapter.Search(c.Request().Context(), query)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, hits)
}

func (s *Server) getQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.Overview())
}

func (s *Server) getJob(c echo.Context) error {
	view, ok := s.queue.Status(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) cancelJob(c echo.Context) error {
	id := c.Param("id")
	cancelled := s.queue.Cancel(id)
	return c.JSON(http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

type syncRequest struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Season int    `json:"season"`
	Force  bool   `json:"force"`
}

func (s *Server) startSync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Name == "" {
		go func() {
			if err := s.reconciler.SyncAll(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Full sync failed")
			}
		}()
		return c.JSON(http.StatusAccepted, map[string]string{"status": "sync started"})
	}

	kind := catalog.Kind(req.Kind)
	if !kind.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind is required with name"})
	}

	if err := s.reconciler.SyncTitle(c.Request().Context(), kind, req.Name, req.Season, req.Force); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "title not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "sync started"})
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tasks.ListTasks())
}

func (s *Server) runTask(c echo.Context) error {
	if err := s.tasks.RunNow(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "task started"})
}
