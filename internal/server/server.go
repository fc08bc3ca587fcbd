// Package server exposes the run API and the daily scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps wires the HTTP server. Store and Redis are optional; the endpoints
// that need them answer 503 when absent.
type Deps struct {
	Config    *config.Config
	Store     RunStore
	Submitter *Submitter
	Redis     redis.Cmdable
	Secret    []byte
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// New builds the echo instance with every route mounted.
func New(d Deps) (*echo.Echo, error) {
	if d.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if d.Submitter == nil {
		return nil, errors.New("server: submitter is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	logger := d.Logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	read, write := []echo.MiddlewareFunc{}, []echo.MiddlewareFunc{}
	if len(d.Secret) > 0 {
		api.Use(runtime.EchoAuthMiddleware(d.Secret))
		read = append(read, runtime.RequireScopes(runtime.ScopeRunsRead))
		write = append(write, runtime.RequireScopes(runtime.ScopeRunsWrite))
	} else {
		logger.Warn("no jwt secret configured; the run API is unauthenticated")
	}

	h := &RunsHandler{
		store:     d.Store,
		submitter: d.Submitter,
		redis:     d.Redis,
		redisCfg:  d.Config.Storage.Redis,
	}
	h.Register(api, read, write)
	return e, nil
}

// Serve runs e on addr until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
