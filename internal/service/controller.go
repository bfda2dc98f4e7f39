// Package service implements the two sides of the study protocol: the
// controller that enqueues trials, collects results and requests stops, and
// the worker that resolves its trial and reports metrics.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/repository"
)

// Liveness is checked before every controller operation.
// *supervisor.Supervisor and supervisor.Embedded implement it.
type Liveness interface {
	CheckLiveness() error
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// Resume marks the controller as continuing an existing study. Results
	// already in the store are recorded as seen and never delivered.
	Resume bool
}

// Controller is the study-side session. It is safe for concurrent use.
type Controller struct {
	store    repository.Store
	liveness Liveness
	opts     ControllerOptions
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewController creates a controller session. With opts.Resume set it drains
// every result currently in the store into the seen set before returning.
// The seen set lives in memory only: results drained this way are not
// replayed to the caller.
func NewController(ctx context.Context, store repository.Store, liveness Liveness, opts ControllerOptions, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:    store,
		liveness: liveness,
		opts:     opts,
		logger:   logger.Named("controller"),
		seen:     make(map[string]struct{}),
	}

	if opts.Resume {
		drained, err := c.GetNewResults(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to reconstruct seen results: %w", err)
		}
		c.logger.Info("resumed study", zap.Int("skipped_results", len(drained)))
	}
	return c, nil
}

// CheckLiveness reports whether the backing database is still running.
func (c *Controller) CheckLiveness() error {
	if c.liveness == nil {
		return nil
	}
	return c.liveness.CheckLiveness()
}

// EnqueueTrial writes a trial request for workers to pick up. When the store
// rejects a parameter as unrepresentable, the parameters are normalized and
// the insert is retried once.
func (c *Controller) EnqueueTrial(ctx context.Context, trial domain.Trial) error {
	if err := c.CheckLiveness(); err != nil {
		return err
	}
	if !trial.ID.Valid() {
		return fmt.Errorf("trial %d: %w", trial.ID, domain.ErrInvalidTrialID)
	}

	params := trial.Parameters
	if params == nil {
		params = domain.Parameters{}
	}

	err := c.store.InsertTrial(ctx, &domain.TrialRequest{TrialID: trial.ID, Parameters: params})
	if errors.Is(err, domain.ErrUnrepresentable) {
		c.logger.Debug("normalizing trial parameters", zap.Int64("trial_id", int64(trial.ID)), zap.Error(err))
		err = c.store.InsertTrial(ctx, &domain.TrialRequest{
			TrialID:    trial.ID,
			Parameters: domain.NormalizeParameters(params),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue trial %d: %w", trial.ID, err)
	}

	c.logger.Debug("enqueued trial", zap.Int64("trial_id", int64(trial.ID)))
	return nil
}

// GetNewResults returns every result not yet delivered by this controller.
// Each result ID is returned at most once per controller lifetime.
func (c *Controller) GetNewResults(ctx context.Context) ([]domain.ResultRecord, error) {
	if err := c.CheckLiveness(); err != nil {
		return nil, err
	}

	all, err := c.store.ListResults(ctx, repository.ResultFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := make([]domain.ResultRecord, 0)
	for _, r := range all {
		if _, ok := c.seen[r.ID]; ok {
			continue
		}
		c.seen[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh, nil
}

// MarkForStopping records a stop request for trialID. Calling it more than
// once for the same trial is harmless.
func (c *Controller) MarkForStopping(ctx context.Context, trialID domain.TrialID) error {
	if err := c.CheckLiveness(); err != nil {
		return err
	}
	if !trialID.Valid() {
		return fmt.Errorf("trial %d: %w", trialID, domain.ErrInvalidTrialID)
	}

	if err := c.store.InsertStopRequest(ctx, &domain.StopRequest{TrialID: trialID}); err != nil {
		return fmt.Errorf("failed to mark trial %d for stopping: %w", trialID, err)
	}
	c.logger.Info("marked trial for stopping", zap.Int64("trial_id", int64(trialID)))
	return nil
}

// ListTrials returns every enqueued trial request.
func (c *Controller) ListTrials(ctx context.Context) ([]domain.TrialRequest, error) {
	if err := c.CheckLiveness(); err != nil {
		return nil, err
	}
	trials, err := c.store.ListTrials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	return trials, nil
}

// ListResults returns stored results without touching the seen set. A zero
// trialID lists every trial's results.
func (c *Controller) ListResults(ctx context.Context, trialID domain.TrialID) ([]domain.ResultRecord, error) {
	if err := c.CheckLiveness(); err != nil {
		return nil, err
	}
	results, err := c.store.ListResults(ctx, repository.ResultFilter{TrialID: trialID})
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

// SeenCount is the number of result IDs delivered (or skipped on resume).
func (c *Controller) SeenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
