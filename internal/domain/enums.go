// Package domain defines the records exchanged between the controller and
// workers through the shared store.
package domain

// TrialState is the worker-side lifecycle of a single trial.
type TrialState string

const (
	TrialStateUnassigned TrialState = "UNASSIGNED"
	TrialStateResolved   TrialState = "RESOLVED"
	TrialStateRunning    TrialState = "RUNNING"
	TrialStateCompleted  TrialState = "COMPLETED"
	TrialStateCancelled  TrialState = "CANCELLED"
	TrialStateFailed     TrialState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s TrialState) Terminal() bool {
	switch s {
	case TrialStateCompleted, TrialStateCancelled, TrialStateFailed:
		return true
	}
	return false
}

// ReportOutcome is what a worker learns from reporting an iteration.
type ReportOutcome string

const (
	// Reported means the record was written and the trial may continue.
	Reported ReportOutcome = "reported"
	// ReportedAndCancelled means the record was written and a stop request
	// exists for the trial. The run loop must stop now.
	ReportedAndCancelled ReportOutcome = "reported_and_cancelled"
)

// Cancelled reports whether the trial was asked to stop.
func (o ReportOutcome) Cancelled() bool {
	return o == ReportedAndCancelled
}

// Collection names inside the study database.
const (
	CollectionTrials  = "trials"
	CollectionResults = "results"
	CollectionStop    = "stop"
)

// DefaultDatabase is the database that holds the three collections.
const DefaultDatabase = "sherpa"
