package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/config"
	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/repository"
	"github.com/icunnyngham/sherpa/internal/retry"
)

// DefaultRetryPolicy bounds how long a worker waits for its trial request to
// appear: five lookups, ten seconds apart.
var DefaultRetryPolicy = retry.Policy{Attempts: 5, Backoff: 10 * time.Second}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Retry retry.Policy
	// LookupEnv reads SHERPA_TRIAL_ID. Defaults to os.LookupEnv.
	LookupEnv config.LookupFunc
}

// Worker is the trial-side session, running inside the process that
// evaluates one trial. It owns its store.
type Worker struct {
	store  repository.Store
	opts   WorkerOptions
	logger *zap.Logger

	mu    sync.Mutex
	state domain.TrialState
}

// NewWorker creates a worker session on store.
func NewWorker(store repository.Store, opts WorkerOptions, logger *zap.Logger) *Worker {
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:  store,
		opts:   opts,
		logger: logger.Named("worker"),
		state:  domain.TrialStateUnassigned,
	}
}

// ConnectWorker resolves the database address (explicit config, then
// SHERPA_DB_HOST/SHERPA_DB_PORT, then localhost:27010) and dials it.
func ConnectWorker(ctx context.Context, cfg config.Worker, lookup config.LookupFunc, logger *zap.Logger) (*Worker, error) {
	host, port, err := config.ResolveWorkerAddress(cfg.Host, cfg.Port, lookup)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	store, err := repository.NewMongoStore(dialCtx, repository.MongoURI(host, port), cfg.Database)
	if err != nil {
		return nil, err
	}

	return NewWorker(store, WorkerOptions{
		Retry:     retry.Policy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff},
		LookupEnv: lookup,
	}, logger), nil
}

// State is the trial's current lifecycle state.
func (w *Worker) State() domain.TrialState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transition moves to next unless a terminal state was already reached.
func (w *Worker) transition(next domain.TrialState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Terminal() {
		return
	}
	w.state = next
}

func (w *Worker) fail(err error) error {
	w.transition(domain.TrialStateFailed)
	return err
}

// GetAssignedTrial resolves the trial this process must run. The ID comes from
// explicitID when positive, otherwise from SHERPA_TRIAL_ID. The trial request
// is polled for according to the retry policy; if it never appears the error
// wraps domain.ErrTrialNotFound.
func (w *Worker) GetAssignedTrial(ctx context.Context, explicitID domain.TrialID) (*domain.Trial, error) {
	trialID, err := config.ResolveTrialID(explicitID, w.opts.LookupEnv)
	if err != nil {
		return nil, w.fail(err)
	}

	req, err := retry.Do(ctx, w.opts.Retry, func(ctx context.Context, attempt int) (*domain.TrialRequest, bool, error) {
		req, err := w.store.FindTrial(ctx, trialID)
		if err != nil {
			return nil, false, err
		}
		if req == nil {
			w.logger.Debug("trial not found yet",
				zap.Int64("trial_id", int64(trialID)),
				zap.Int("attempt", attempt),
				zap.Int("attempts", w.opts.Retry.Attempts))
			return nil, false, nil
		}
		return req, true, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, w.fail(fmt.Errorf("trial %d: %w", trialID, domain.ErrTrialNotFound))
	}
	if err != nil {
		return nil, w.fail(fmt.Errorf("failed to resolve trial %d: %w", trialID, err))
	}

	w.transition(domain.TrialStateResolved)
	w.logger.Info("resolved trial", zap.Int64("trial_id", int64(trialID)))
	return req.Trial(), nil
}

// SendMetrics appends one result record for the trial and then checks for a
// stop request. Calling it twice with the same iteration writes two records.
//
// The outcome is domain.ReportedAndCancelled when the controller asked the
// trial to stop; the caller's run loop must stop then.
func (w *Worker) SendMetrics(ctx context.Context, trial *domain.Trial, iteration int, objective float64, resultContext map[string]any) (domain.ReportOutcome, error) {
	if trial == nil {
		return "", w.fail(errors.New("send metrics: nil trial"))
	}
	if resultContext == nil {
		resultContext = map[string]any{}
	}

	rec := &domain.ResultRecord{
		TrialID:    trial.ID,
		Parameters: trial.Parameters.Clone(),
		Iteration:  iteration,
		Objective:  objective,
		Context:    resultContext,
	}
	if err := w.store.InsertResult(ctx, rec); err != nil {
		return "", w.fail(fmt.Errorf("failed to send metrics for trial %d: %w", trial.ID, err))
	}

	stop, err := w.store.HasStopRequest(ctx, trial.ID)
	if err != nil {
		return "", w.fail(fmt.Errorf("failed to check stop requests for trial %d: %w", trial.ID, err))
	}
	if stop {
		w.transition(domain.TrialStateCancelled)
		w.logger.Info("trial listed for stopping", zap.Int64("trial_id", int64(trial.ID)), zap.Int("iteration", iteration))
		return domain.ReportedAndCancelled, nil
	}

	w.transition(domain.TrialStateRunning)
	return domain.Reported, nil
}

// Complete marks the trial as finished by its own run loop. It has no effect
// once the trial was cancelled or failed.
func (w *Worker) Complete() domain.TrialState {
	w.transition(domain.TrialStateCompleted)
	return w.State()
}

// Close closes the worker's store.
func (w *Worker) Close() error {
	return w.store.Close()
}
