package repository

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// testStoreContract exercises the behaviour every backend must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("TrialRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		params := domain.Parameters{"lr": 0.1, "layers": 3, "optimizer": "adam", "nesterov": true}
		require.NoError(t, s.InsertTrial(ctx, &domain.TrialRequest{TrialID: 1, Parameters: params}))

		got, err := s.FindTrial(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.TrialID(1), got.TrialID)
		assert.Equal(t, domain.Parameters{
			"lr":        0.1,
			"layers":    int64(3),
			"optimizer": "adam",
			"nesterov":  true,
		}, got.Parameters)
		assert.False(t, got.CreatedAt.IsZero())

		missing, err := s.FindTrial(ctx, 2)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("DuplicateTrial", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.InsertTrial(ctx, &domain.TrialRequest{TrialID: 7, Parameters: domain.Parameters{}}))
		err := s.InsertTrial(ctx, &domain.TrialRequest{TrialID: 7, Parameters: domain.Parameters{}})
		assert.ErrorIs(t, err, domain.ErrDuplicateTrial)
	})

	t.Run("UnrepresentableTrial", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		err := s.InsertTrial(ctx, &domain.TrialRequest{TrialID: 3, Parameters: domain.Parameters{"batch_size": uint64(64)}})
		require.ErrorIs(t, err, domain.ErrUnrepresentable)

		got, err := s.FindTrial(ctx, 3)
		require.NoError(t, err)
		assert.Nil(t, got, "rejected insert must not write")
	})

	t.Run("ListTrials", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, id := range []domain.TrialID{3, 1, 2} {
			require.NoError(t, s.InsertTrial(ctx, &domain.TrialRequest{TrialID: id, Parameters: domain.Parameters{"id": int64(id)}}))
		}
		trials, err := s.ListTrials(ctx)
		require.NoError(t, err)
		require.Len(t, trials, 3)
		assert.Equal(t, domain.TrialID(1), trials[0].TrialID)
		assert.Equal(t, domain.TrialID(3), trials[2].TrialID)
	})

	t.Run("Results", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		first := &domain.ResultRecord{TrialID: 1, Parameters: domain.Parameters{"lr": 0.1}, Iteration: 1, Objective: 0.5}
		second := &domain.ResultRecord{
			TrialID:   2,
			Iteration: 1,
			Objective: 0.25,
			Context:   map[string]any{"val_loss": 0.3, "extra": map[string]any{"epoch_time": int64(12)}},
		}
		third := &domain.ResultRecord{TrialID: 1, Iteration: 1, Objective: 0.5}
		for _, rec := range []*domain.ResultRecord{first, second, third} {
			require.NoError(t, s.InsertResult(ctx, rec))
			require.NotEmpty(t, rec.ID)
		}
		assert.NotEqual(t, first.ID, third.ID, "identical reports are distinct records")

		all, err := s.ListResults(ctx, ResultFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

		assert.Equal(t, 0.1, all[0].Parameters["lr"])
		assert.Equal(t, map[string]any{}, all[0].Context)
		assert.Equal(t, map[string]any{"val_loss": 0.3, "extra": map[string]any{"epoch_time": int64(12)}}, all[1].Context)

		trialOne, err := s.ListResults(ctx, ResultFilter{TrialID: 1})
		require.NoError(t, err)
		assert.Len(t, trialOne, 2)
	})

	t.Run("IntegralFloatsStayFloats", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		params := domain.Parameters{"dropout": 1.0, "momentum": 0.9, "layers": 2, "scale": float32(4)}
		require.NoError(t, s.InsertTrial(ctx, &domain.TrialRequest{TrialID: 1, Parameters: params}))
		got, err := s.FindTrial(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.Parameters{"dropout": 1.0, "momentum": 0.9, "layers": int64(2), "scale": 4.0}, got.Parameters)

		rec := &domain.ResultRecord{
			TrialID:    1,
			Parameters: got.Parameters,
			Iteration:  1,
			Objective:  3,
			Context:    map[string]any{"loss": 2.0, "big": 1e21, "epochs": []any{1.0, int64(2)}},
		}
		require.NoError(t, s.InsertResult(ctx, rec))
		all, err := s.ListResults(ctx, ResultFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, got.Parameters, all[0].Parameters)
		assert.Equal(t, map[string]any{"loss": 2.0, "big": 1e21, "epochs": []any{1.0, int64(2)}}, all[0].Context)
	})

	t.Run("StopRequests", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		has, err := s.HasStopRequest(ctx, 1)
		require.NoError(t, err)
		assert.False(t, has)

		require.NoError(t, s.InsertStopRequest(ctx, &domain.StopRequest{TrialID: 1}))
		require.NoError(t, s.InsertStopRequest(ctx, &domain.StopRequest{TrialID: 1}))

		has, err = s.HasStopRequest(ctx, 1)
		require.NoError(t, err)
		assert.True(t, has)

		has, err = s.HasStopRequest(ctx, 2)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return newTestStore(t)
	})
}

func TestSQLiteStoreNaNObjective(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &domain.ResultRecord{TrialID: 1, Iteration: 1, Objective: math.NaN()}
	require.NoError(t, s.InsertResult(ctx, rec))

	all, err := s.ListResults(ctx, ResultFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, math.IsNaN(all[0].Objective))
}
