package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
	"github.com/mohammad-safakhou/newsdesk/internal/worker"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidRequest wraps run requests rejected before dispatch.
var ErrInvalidRequest = errors.New("invalid run request")

// RunStore is the read and bookkeeping side of the run store.
type RunStore interface {
	RunStarter
	GetRun(ctx context.Context, sessionID string) (store.RunRecord, bool, error)
	ListRuns(ctx context.Context, f store.ListFilter) ([]store.RunRecord, error)
	ListStories(ctx context.Context, sessionID string, categories ...string) ([]store.StoryRecord, error)
}

// RunStarter records accepted runs.
type RunStarter interface {
	MarkRunStarted(ctx context.Context, sessionID, date, mode string) error
}

// RequestResolver fills request defaults and validates them.
type RequestResolver interface {
	Resolve(req streams.RunRequest) (streams.RunRequest, error)
}

// Submitter accepts run requests from the API and the scheduler.
type Submitter struct {
	resolver   RequestResolver
	starter    RunStarter
	dispatcher worker.Dispatcher
}

// NewSubmitter returns a Submitter; starter may be nil.
func NewSubmitter(resolver RequestResolver, starter RunStarter, dispatcher worker.Dispatcher) *Submitter {
	return &Submitter{resolver: resolver, starter: starter, dispatcher: dispatcher}
}

// Submit resolves req, records it as running and hands it off.
func (s *Submitter) Submit(ctx context.Context, req streams.RunRequest) (streams.RunRequest, error) {
	resolved, err := s.resolver.Resolve(req)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.starter != nil {
		if err := s.starter.MarkRunStarted(ctx, resolved.RequestID, resolved.Date, resolved.Mode); err != nil {
			return resolved, fmt.Errorf("record run: %w", err)
		}
	}
	if err := s.dispatcher.Dispatch(ctx, resolved); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// RunsHandler serves /api/runs and /api/queue.
type RunsHandler struct {
	store     RunStore
	submitter *Submitter
	redis     redis.Cmdable
	redisCfg  config.RedisConfig
}

func (h *RunsHandler) Register(g *echo.Group, read, write []echo.MiddlewareFunc) {
	g.POST("/runs", h.create, write...)
	g.GET("/runs", h.list, read...)
	g.GET("/runs/:id", h.get, read...)
	g.GET("/queue", h.queue, read...)
}

type createRunRequest struct {
	Date string `json:"date"`
	Mode string `json:"mode"`
}

type createRunResponse struct {
	SessionID string `json:"session_id"`
	Date      string `json:"date"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
}

type runDetail struct {
	Run     store.RunRecord     `json:"run"`
	Stories []store.StoryRecord `json:"stories"`
}

func (h *RunsHandler) create(c echo.Context) error {
	var body createRunRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.submitter.Submit(c.Request().Context(), streams.RunRequest{
		Date:    strings.TrimSpace(body.Date),
		Mode:    strings.TrimSpace(body.Mode),
		Trigger: "api",
	})
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, worker.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, createRunResponse{
		SessionID: req.RequestID,
		Date:      req.Date,
		Mode:      req.Mode,
		Status:    store.RunStatusRunning,
	})
}

func (h *RunsHandler) list(c echo.Context) error {
	if h.store == nil {
		return errNoStore
	}
	var f store.ListFilter
	for _, raw := range c.QueryParams()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, s)
			}
		}
	}
	var err error
	if f.Limit, err = queryUint(c, "limit"); err != nil {
		return err
	}
	if f.Offset, err = queryUint(c, "offset"); err != nil {
		return err
	}
	runs, err := h.store.ListRuns(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *RunsHandler) get(c echo.Context) error {
	if h.store == nil {
		return errNoStore
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	rec, found, err := h.store.GetRun(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	var categories []string
	if cat := strings.TrimSpace(c.QueryParam("category")); cat != "" {
		categories = strings.Split(cat, ",")
	}
	stories, err := h.store.ListStories(ctx, id, categories...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if stories == nil {
		stories = []store.StoryRecord{}
	}
	return c.JSON(http.StatusOK, runDetail{Run: rec, Stories: stories})
}

func (h *RunsHandler) queue(c echo.Context) error {
	if h.redis == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "redis not configured")
	}
	lag, err := streams.GroupLag(c.Request().Context(), h.redis, h.redisCfg.RunsStream, h.redisCfg.WorkerGroup)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, lag)
}

var errNoStore = echo.NewHTTPError(http.StatusServiceUnavailable, "run store not configured")

func queryUint(c echo.Context, name string) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}
