// Package repository defines the shared store that carries trial requests,
// results and stop requests between the controller and its workers.
package repository

import (
	"context"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// Store is the protocol's view of the shared document store. Implementations
// must be safe for concurrent use.
type Store interface {
	// Trial requests
	InsertTrial(ctx context.Context, req *domain.TrialRequest) error
	FindTrial(ctx context.Context, trialID domain.TrialID) (*domain.TrialRequest, error)
	ListTrials(ctx context.Context) ([]domain.TrialRequest, error)

	// Results. InsertResult sets rec.ID to the store-assigned identifier.
	InsertResult(ctx context.Context, rec *domain.ResultRecord) error
	ListResults(ctx context.Context, filter ResultFilter) ([]domain.ResultRecord, error)

	// Stop requests
	InsertStopRequest(ctx context.Context, req *domain.StopRequest) error
	HasStopRequest(ctx context.Context, trialID domain.TrialID) (bool, error)

	// Lifecycle
	Close() error
}

// ResultFilter narrows ListResults. The zero value matches every result.
type ResultFilter struct {
	TrialID domain.TrialID
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
)
