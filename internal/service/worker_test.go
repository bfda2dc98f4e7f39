package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/icunnyngham/sherpa/internal/config"
	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/repository"
	"github.com/icunnyngham/sherpa/internal/retry"
	"github.com/icunnyngham/sherpa/tests/helpers"
)

// countingStore counts trial lookups.
type countingStore struct {
	repository.Store
	lookups int
}

func (s *countingStore) FindTrial(ctx context.Context, id domain.TrialID) (*domain.TrialRequest, error) {
	s.lookups++
	return s.Store.FindTrial(ctx, id)
}

// failingStore fails every write.
type failingStore struct {
	repository.Store
	err error
}

func (s *failingStore) InsertResult(context.Context, *domain.ResultRecord) error {
	return s.err
}

func TestGetAssignedTrialNotFound(t *testing.T) {
	db := &countingStore{Store: helpers.NewTestSQLiteStore(t)}
	w := NewWorker(db, WorkerOptions{
		Retry: retry.Policy{Attempts: 5, Backoff: time.Millisecond},
	}, zaptest.NewLogger(t))

	trial, err := w.GetAssignedTrial(context.Background(), 999)
	assert.Nil(t, trial)
	require.ErrorIs(t, err, domain.ErrTrialNotFound)
	assert.Equal(t, 5, db.lookups)
	assert.Equal(t, domain.TrialStateFailed, w.State())
}

func TestGetAssignedTrialWaitsForEnqueue(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	w := NewWorker(db, WorkerOptions{
		Retry: retry.Policy{Attempts: 50, Backoff: 10 * time.Millisecond},
	}, zaptest.NewLogger(t))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = db.InsertTrial(ctx, &domain.TrialRequest{TrialID: 7, Parameters: domain.Parameters{"depth": int64(3)}})
	}()

	trial, err := w.GetAssignedTrial(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.Parameters{"depth": int64(3)}, trial.Parameters)
}

func TestGetAssignedTrialHonorsContext(t *testing.T) {
	w := NewWorker(helpers.NewTestSQLiteStore(t), WorkerOptions{
		Retry: retry.Policy{Attempts: 5, Backoff: time.Hour},
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.GetAssignedTrial(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.TrialStateFailed, w.State())
}

func TestGetAssignedTrialRequiresID(t *testing.T) {
	w := newTestWorker(t, helpers.NewTestSQLiteStore(t), nil)

	_, err := w.GetAssignedTrial(context.Background(), 0)
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), config.EnvTrialID)
}

func TestSendMetricsStoresRecordVerbatim(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	w := newTestWorker(t, db, nil)
	trial := &domain.Trial{ID: 5, Parameters: domain.Parameters{"lr": 0.3, "layers": int64(2)}}

	resultContext := map[string]any{"loss": 0.25, "phase": "val", "epoch": int64(4)}
	_, err := w.SendMetrics(ctx, trial, 4, 0.75, resultContext)
	require.NoError(t, err)
	_, err = w.SendMetrics(ctx, trial, 4, 0.75, resultContext)
	require.NoError(t, err)

	got, err := db.ListResults(ctx, repository.ResultFilter{TrialID: 5})
	require.NoError(t, err)
	require.Len(t, got, 2, "repeated iterations are not deduplicated")
	assert.NotEqual(t, got[0].ID, got[1].ID)
	for _, r := range got {
		assert.Equal(t, 4, r.Iteration)
		assert.Equal(t, 0.75, r.Objective)
		assert.Equal(t, resultContext, r.Context)
		assert.Equal(t, trial.Parameters, r.Parameters)
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	require.NoError(t, db.InsertTrial(ctx, &domain.TrialRequest{TrialID: 1, Parameters: domain.Parameters{}}))

	w := newTestWorker(t, db, nil)
	assert.Equal(t, domain.TrialStateUnassigned, w.State())

	trial, err := w.GetAssignedTrial(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStateResolved, w.State())

	_, err = w.SendMetrics(ctx, trial, 1, 0.1, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStateRunning, w.State())

	assert.Equal(t, domain.TrialStateCompleted, w.Complete())
}

func TestWorkerCancelledIsTerminal(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	require.NoError(t, db.InsertStopRequest(ctx, &domain.StopRequest{TrialID: 1}))

	w := newTestWorker(t, db, nil)
	outcome, err := w.SendMetrics(ctx, &domain.Trial{ID: 1}, 1, 0, nil)
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled())
	assert.Equal(t, domain.TrialStateCancelled, w.State())

	assert.Equal(t, domain.TrialStateCancelled, w.Complete())
}

func TestSendMetricsStoreFailure(t *testing.T) {
	boom := errors.New("connection reset")
	w := newTestWorker(t, &failingStore{Store: helpers.NewTestSQLiteStore(t), err: boom}, nil)

	outcome, err := w.SendMetrics(context.Background(), &domain.Trial{ID: 1}, 1, 0, nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, outcome)
	assert.Equal(t, domain.TrialStateFailed, w.State())
}

func TestSendMetricsOtherTrialStopDoesNotCancel(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	require.NoError(t, db.InsertStopRequest(ctx, &domain.StopRequest{TrialID: 2}))

	w := newTestWorker(t, db, nil)
	outcome, err := w.SendMetrics(ctx, &domain.Trial{ID: 1}, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Reported, outcome)
}
