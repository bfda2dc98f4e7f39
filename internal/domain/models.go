package domain

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// TrialID identifies a trial. It is assigned by the controller and must be
// positive.
type TrialID int64

// Valid reports whether the ID can name a trial.
func (id TrialID) Valid() bool {
	return id > 0
}

// Parameters maps parameter names to scalar values.
type Parameters map[string]any

// Keys returns the parameter names in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Trial is one concrete parameter assignment under evaluation.
type Trial struct {
	ID         TrialID    `json:"id"`
	Parameters Parameters `json:"parameters"`
}

// TrialRequest is written once by the controller and read by workers.
type TrialRequest struct {
	TrialID    TrialID    `json:"trial_id"`
	Parameters Parameters `json:"parameters"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Trial converts the request into the trial handed to a worker.
func (r *TrialRequest) Trial() *Trial {
	return &Trial{ID: r.TrialID, Parameters: r.Parameters}
}

// ResultRecord is one reported iteration. ID is assigned by the store on
// insert and is the only key used for duplicate suppression.
type ResultRecord struct {
	ID         string         `json:"id"`
	TrialID    TrialID        `json:"trial_id"`
	Parameters Parameters     `json:"parameters"`
	Iteration  int            `json:"iteration"`
	Objective  float64        `json:"objective"`
	Context    map[string]any `json:"context"`
	CreatedAt  time.Time      `json:"created_at"`
}

type resultRecordJSON ResultRecord

// MarshalJSON encodes a NaN or infinite objective as null.
func (r ResultRecord) MarshalJSON() ([]byte, error) {
	out := struct {
		resultRecordJSON
		Objective *float64 `json:"objective"`
	}{resultRecordJSON: resultRecordJSON(r)}
	if !math.IsNaN(r.Objective) && !math.IsInf(r.Objective, 0) {
		out.Objective = &r.Objective
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null objective as NaN.
func (r *ResultRecord) UnmarshalJSON(data []byte) error {
	aux := struct {
		*resultRecordJSON
		Objective *float64 `json:"objective"`
	}{resultRecordJSON: (*resultRecordJSON)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Objective = math.NaN()
	if aux.Objective != nil {
		r.Objective = *aux.Objective
	}
	return nil
}

// StopRequest marks a trial for stopping. Any number may exist per trial.
type StopRequest struct {
	TrialID   TrialID   `json:"trial_id"`
	CreatedAt time.Time `json:"created_at"`
}
