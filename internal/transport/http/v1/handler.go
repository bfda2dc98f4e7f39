// Package v1 provides the controller's v1 HTTP handlers.
package v1

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/hub"
	"github.com/icunnyngham/sherpa/internal/service"
)

// StreamOptions tunes the result stream's keepalive.
type StreamOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Handler handles HTTP requests.
type Handler struct {
	controller *service.Controller
	hub        *hub.Hub
	stream     StreamOptions
	logger     *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(ctrl *service.Controller, h *hub.Hub, stream StreamOptions, logger *zap.Logger) *Handler {
	if stream.PingInterval <= 0 {
		stream.PingInterval = 30 * time.Second
	}
	if stream.WriteTimeout <= 0 {
		stream.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		controller: ctrl,
		hub:        h,
		stream:     stream,
		logger:     logger.Named("api"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Trials
	e.POST("/v1/trials", h.EnqueueTrial)
	e.GET("/v1/trials", h.ListTrials)
	e.POST("/v1/trials/:trial_id/stop", h.StopTrial)

	// Results
	e.POST("/v1/results/drain", h.DrainResults)
	e.GET("/v1/results", h.ListResults)
	e.GET("/v1/results/stream", h.StreamResults)

	e.GET("/health", h.Health)
}

// Health reports whether the supervised database is alive.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	resp := domain.HealthResponse{
		Status: "healthy",
		Seen:   h.controller.SeenCount(),
	}
	if h.hub != nil {
		resp.Stream = h.hub.ConnectionCount()
	}
	if err := h.controller.CheckLiveness(); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// errorJSON writes err with the status its kind maps to.
func errorJSON(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), domain.ErrorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	var ce *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrInvalidTrialID), errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateTrial):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnrepresentable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTrialNotFound):
		return http.StatusNotFound
	case domain.IsLiveness(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// parseTrialID reads an optional trial ID. Empty means all trials.
func parseTrialID(raw string) (domain.TrialID, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !domain.TrialID(id).Valid() {
		return 0, domain.ErrInvalidTrialID
	}
	return domain.TrialID(id), nil
}
