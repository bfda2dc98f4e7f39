package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// DrainResults returns results not yet delivered by this controller and
// publishes them to stream subscribers.
// POST /v1/results/drain
func (h *Handler) DrainResults(c echo.Context) error {
	results, err := h.controller.GetNewResults(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}

	if h.hub != nil {
		for _, r := range results {
			if err := h.hub.PublishResult(r); err != nil {
				h.logger.Warn("failed to publish result", zap.String("result_id", r.ID), zap.Error(err))
			}
		}
	}
	return c.JSON(http.StatusOK, domain.ResultsResponse{Results: results})
}

// ListResults lists stored results without marking them delivered.
// GET /v1/results?trial_id=N
func (h *Handler) ListResults(c echo.Context) error {
	trialID, err := parseTrialID(c.QueryParam("trial_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "invalid trial_id"})
	}

	results, err := h.controller.ListResults(c.Request().Context(), trialID)
	if err != nil {
		return errorJSON(c, err)
	}
	if results == nil {
		results = []domain.ResultRecord{}
	}
	return c.JSON(http.StatusOK, domain.ResultsResponse{Results: results})
}
