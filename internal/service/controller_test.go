package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/repository"
	"github.com/icunnyngham/sherpa/internal/retry"
	"github.com/icunnyngham/sherpa/tests/helpers"
)

func newTestController(t *testing.T, store repository.Store, live Liveness) *Controller {
	t.Helper()
	c, err := NewController(context.Background(), store, live, ControllerOptions{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func newTestWorker(t *testing.T, store repository.Store, env map[string]string) *Worker {
	t.Helper()
	return NewWorker(store, WorkerOptions{
		Retry: retry.Policy{Attempts: 5, Backoff: 0},
		LookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
	}, zaptest.NewLogger(t))
}

func TestEnqueueThenResolve(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)

	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 1, Parameters: domain.Parameters{"lr": 0.1}}))

	w := newTestWorker(t, db, map[string]string{"SHERPA_TRIAL_ID": "1"})
	trial, err := w.GetAssignedTrial(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, &domain.Trial{ID: 1, Parameters: domain.Parameters{"lr": 0.1}}, trial)
	assert.Equal(t, domain.TrialStateResolved, w.State())
}

func TestEnqueueRejectsInvalidAndDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, helpers.NewTestSQLiteStore(t), nil)

	assert.ErrorIs(t, c.EnqueueTrial(ctx, domain.Trial{ID: 0}), domain.ErrInvalidTrialID)
	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 2}))
	assert.ErrorIs(t, c.EnqueueTrial(ctx, domain.Trial{ID: 2}), domain.ErrDuplicateTrial)
}

func TestEnqueueCoercesUnsignedIntegers(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)

	params := domain.Parameters{"batch_size": uint64(128), "lr": 0.01}
	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 3, Parameters: params}))

	req, err := db.FindTrial(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, int64(128), req.Parameters["batch_size"])
	assert.Equal(t, 0.01, req.Parameters["lr"])
	assert.Equal(t, uint64(128), params["batch_size"], "caller's parameters are not mutated")
}

func TestEnqueueKeepsUncoercibleValuesFailing(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, helpers.NewTestSQLiteStore(t), nil)

	err := c.EnqueueTrial(ctx, domain.Trial{ID: 4, Parameters: domain.Parameters{"huge": uint64(1 << 63)}})
	assert.ErrorIs(t, err, domain.ErrUnrepresentable)
}

func TestGetNewResultsDeliversOnce(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)
	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 1, Parameters: domain.Parameters{"lr": 0.1}}))

	w := newTestWorker(t, db, nil)
	trial, err := w.GetAssignedTrial(ctx, 1)
	require.NoError(t, err)

	outcome, err := w.SendMetrics(ctx, trial, 1, 0.5, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, domain.Reported, outcome)

	first, err := c.GetNewResults(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, domain.TrialID(1), first[0].TrialID)
	assert.Equal(t, 1, first[0].Iteration)
	assert.Equal(t, 0.5, first[0].Objective)
	assert.Empty(t, first[0].Context)
	assert.Equal(t, domain.Parameters{"lr": 0.1}, first[0].Parameters)

	second, err := c.GetNewResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, c.SeenCount())
}

func TestGetNewResultsConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)
	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 1}))

	trial := &domain.Trial{ID: 1, Parameters: domain.Parameters{}}
	const writers, perWriter = 4, 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered = map[string]int{}
	)
	drain := func() {
		got, err := c.GetNewResults(ctx)
		assert.NoError(t, err)
		mu.Lock()
		for _, r := range got {
			delivered[r.ID]++
		}
		mu.Unlock()
	}

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := newTestWorker(t, db, nil)
			for it := 0; it < perWriter; it++ {
				_, err := w.SendMetrics(ctx, trial, i*perWriter+it, float64(it), nil)
				assert.NoError(t, err)
				drain()
			}
		}(i)
	}
	wg.Wait()
	drain()

	assert.Len(t, delivered, writers*perWriter)
	for id, n := range delivered {
		assert.Equal(t, 1, n, "result %s delivered more than once", id)
	}
}

func TestResumeSkipsExistingResults(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	trial := &domain.Trial{ID: 1, Parameters: domain.Parameters{}}

	w := newTestWorker(t, db, nil)
	for it := 1; it <= 3; it++ {
		_, err := w.SendMetrics(ctx, trial, it, 0.1, nil)
		require.NoError(t, err)
	}

	c, err := NewController(ctx, db, nil, ControllerOptions{Resume: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, c.SeenCount())

	got, err := c.GetNewResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = w.SendMetrics(ctx, trial, 4, 0.2, nil)
	require.NoError(t, err)
	got, err = c.GetNewResults(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Iteration)

	fresh := newTestController(t, db, nil)
	got, err = fresh.GetNewResults(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4, "a new study without resume sees every result")
}

func TestControllerPropagatesLivenessFailure(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	live := &helpers.Liveness{}
	c := newTestController(t, db, live)
	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 1}))

	live.Err = &domain.LivenessError{Code: 1}

	checks := map[string]func() error{
		"enqueue": func() error { return c.EnqueueTrial(ctx, domain.Trial{ID: 2}) },
		"results": func() error { _, err := c.GetNewResults(ctx); return err },
		"stop":    func() error { return c.MarkForStopping(ctx, 1) },
		"list":    func() error { _, err := c.ListTrials(ctx); return err },
		"history": func() error { _, err := c.ListResults(ctx, 0); return err },
	}
	for name, fn := range checks {
		t.Run(name, func(t *testing.T) {
			err := fn()
			assert.True(t, domain.IsLiveness(err), "got %v", err)
		})
	}

	req, err := db.FindTrial(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, req, "nothing is written once the database is down")

	_, err = NewController(ctx, db, live, ControllerOptions{Resume: true}, zaptest.NewLogger(t))
	assert.True(t, domain.IsLiveness(err))
}

func TestMarkForStoppingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)
	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 1}))

	assert.ErrorIs(t, c.MarkForStopping(ctx, -1), domain.ErrInvalidTrialID)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.MarkForStopping(ctx, 1))
	}

	w := newTestWorker(t, db, nil)
	trial, err := w.GetAssignedTrial(ctx, 1)
	require.NoError(t, err)

	for it := 1; it <= 2; it++ {
		outcome, err := w.SendMetrics(ctx, trial, it, 1.0, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.ReportedAndCancelled, outcome, fmt.Sprintf("iteration %d", it))
	}
}

func TestListResultsDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)

	w := newTestWorker(t, db, nil)
	for id := domain.TrialID(1); id <= 2; id++ {
		_, err := w.SendMetrics(ctx, &domain.Trial{ID: id}, 1, 0, nil)
		require.NoError(t, err)
	}

	only, err := c.ListResults(ctx, 2)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, domain.TrialID(2), only[0].TrialID)

	all, err := c.ListResults(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Zero(t, c.SeenCount())
}

func TestWholeFloatsReachWorkerAsFloats(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	c := newTestController(t, db, nil)

	require.NoError(t, c.EnqueueTrial(ctx, domain.Trial{ID: 1, Parameters: domain.Parameters{"dropout": 1.0, "momentum": 0.9}}))

	w := newTestWorker(t, db, nil)
	trial, err := w.GetAssignedTrial(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Parameters{"dropout": 1.0, "momentum": 0.9}, trial.Parameters)

	_, err = w.SendMetrics(ctx, trial, 1, 0.5, map[string]any{"loss": 2.0})
	require.NoError(t, err)

	got, err := c.GetNewResults(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"loss": 2.0}, got[0].Context)
	assert.Equal(t, trial.Parameters, got[0].Parameters)
}
