package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultRecordJSONObjective(t *testing.T) {
	data, err := json.Marshal(ResultRecord{ID: "r1", TrialID: 3, Iteration: 1, Objective: math.NaN()})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"objective":null`)
	assert.Contains(t, string(data), `"trial_id":3`)

	var back ResultRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsNaN(back.Objective))
	assert.Equal(t, "r1", back.ID)
	assert.Equal(t, TrialID(3), back.TrialID)

	data, err = json.Marshal(ResultRecord{ID: "r2", Objective: 0.5})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0.5, back.Objective)
	assert.Equal(t, "r2", back.ID)
}

func TestParametersKeysSorted(t *testing.T) {
	p := Parameters{"b": 1, "a": 2, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, p.Keys())

	clone := p.Clone()
	clone["a"] = 9
	assert.Equal(t, 2, p["a"])
}
