package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/omochice/broadcast-chat/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	apiRatePerSecond = 5
	apiBurst         = 10
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.requestLogger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.httpMetrics.Middleware("/", "/ws", "/metrics"))

	if s.cfg.StaticDir != "" {
		s.echo.Use(middleware.StaticWithConfig(middleware.StaticConfig{
			Root:    s.cfg.StaticDir,
			Index:   "index.html",
			Skipper: isUpgrade,
		}))
	}

	wsHandler := echo.WrapHandler(s.wsHandler)
	s.echo.GET("/ws", wsHandler)
	s.echo.GET("/", func(c echo.Context) error {
		if isUpgrade(c) {
			return wsHandler(c)
		}
		return echo.ErrNotFound
	})

	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.metricsReg)))

	api := s.echo.Group("/api", newRateLimiter(apiRatePerSecond, apiBurst))
	api.POST("/genToken", s.handleGenToken)
	api.GET("/verifyToken", s.handleVerifyToken)
}

// isUpgrade reports whether the request asks for a WebSocket upgrade.
func isUpgrade(c echo.Context) bool {
	return strings.EqualFold(c.Request().Header.Get("Upgrade"), "websocket")
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper:    isUpgrade,
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.Debug("Request", attrs...)
			return nil
		},
	})
}

func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(ratePerSecond),
			Burst: burst,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, apiResponse{
				Message: "Too many requests",
				Status:  http.StatusTooManyRequests,
			})
		},
	})
}
