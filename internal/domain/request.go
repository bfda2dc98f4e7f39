package domain

// EnqueueTrialRequest is the body of POST /v1/trials.
type EnqueueTrialRequest struct {
	TrialID    TrialID    `json:"trial_id"`
	Parameters Parameters `json:"parameters"`
}

// ResultsResponse is returned by the results endpoints.
type ResultsResponse struct {
	Results []ResultRecord `json:"results"`
}

// TrialsResponse is returned by GET /v1/trials.
type TrialsResponse struct {
	Trials []TrialRequest `json:"trials"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Seen   int    `json:"seen_results"`
	Stream int    `json:"stream_connections"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResultEvent is pushed to stream subscribers for every newly drained result.
type ResultEvent struct {
	Type   string       `json:"type"`
	Ts     int64        `json:"ts"`
	Result ResultRecord `json:"result"`
}

// ResultEventType is the Type of a ResultEvent.
const ResultEventType = "result"
