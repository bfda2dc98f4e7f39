package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// EnqueueTrial writes a trial request for workers.
// POST /v1/trials
func (h *Handler) EnqueueTrial(c echo.Context) error {
	ctx := c.Request().Context()

	// Numbers stay json.Number so integer parameters are stored as integers.
	var req domain.EnqueueTrialRequest
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "invalid request body"})
	}
	if err := h.controller.EnqueueTrial(ctx, domain.Trial{ID: req.TrialID, Parameters: req.Parameters}); err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"ok":       true,
		"trial_id": req.TrialID,
	})
}

// ListTrials lists every enqueued trial request.
// GET /v1/trials
func (h *Handler) ListTrials(c echo.Context) error {
	trials, err := h.controller.ListTrials(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	if trials == nil {
		trials = []domain.TrialRequest{}
	}
	return c.JSON(http.StatusOK, domain.TrialsResponse{Trials: trials})
}

// StopTrial records a stop request.
// POST /v1/trials/:trial_id/stop
func (h *Handler) StopTrial(c echo.Context) error {
	trialID, err := parseTrialID(c.Param("trial_id"))
	if err != nil || trialID == 0 {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "invalid trial_id"})
	}

	if err := h.controller.MarkForStopping(c.Request().Context(), trialID); err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"ok":       true,
		"trial_id": trialID,
	})
}
