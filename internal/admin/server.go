package admin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"offcache/internal/offcache"
)

// Cache is the read side of the controller the admin API reports on.
type Cache interface {
	Current() string
	Stats() offcache.Stats
	Generations(ctx context.Context) ([]offcache.GenerationInfo, error)
}

// Checker runs one update check, returning the active version afterwards.
type Checker interface {
	Check(ctx context.Context) (string, error)
}

type handlers struct {
	cache   Cache
	checker Checker
	log     *zap.Logger
}

// New returns the admin API:
//
//	GET  /healthz
//	GET  /generations
//	GET  /stats
//	POST /update
func New(cache Cache, checker Checker, log *zap.Logger) *echo.Echo {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("admin request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	h := &handlers{cache: cache, checker: checker, log: log}
	e.GET("/healthz", h.health)
	e.GET("/generations", h.generations)
	e.GET("/stats", h.stats)
	e.POST("/update", h.update)
	return e
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"active": h.cache.Current(),
	})
}

func (h *handlers) generations(c echo.Context) error {
	gens, err := h.cache.Generations(c.Request().Context())
	if err != nil {
		h.log.Warn("list generations failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list generations")
	}
	if gens == nil {
		gens = []offcache.GenerationInfo{}
	}
	return c.JSON(http.StatusOK, gens)
}

func (h *handlers) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cache.Stats())
}

type updateResponse struct {
	Active string `json:"active"`
	Error  string `json:"error,omitempty"`
}

func (h *handlers) update(c echo.Context) error {
	// an install outlives the admin client that asked for it
	ctx := context.WithoutCancel(c.Request().Context())
	active, err := h.checker.Check(ctx)
	if err != nil {
		h.log.Warn("update check failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, updateResponse{Active: active, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, updateResponse{Active: active})
}
