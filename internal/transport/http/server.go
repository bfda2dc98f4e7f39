// Package http provides the controller's HTTP server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/config"
	"github.com/icunnyngham/sherpa/internal/hub"
	"github.com/icunnyngham/sherpa/internal/service"
	v1 "github.com/icunnyngham/sherpa/internal/transport/http/v1"
)

// NewServer creates and configures the controller API server: trial
// submission, stop requests, result listing and the result stream.
func NewServer(ctrl *service.Controller, h *hub.Hub, cfg config.Controller, logger *zap.Logger) *echo.Echo {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger.Named("http")))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(ctrl, h, v1.StreamOptions{
		PingInterval: cfg.PingInterval,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("request", fields...)
			return nil
		},
	})
}
