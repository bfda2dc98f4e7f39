// Package helpers holds shared test fixtures.
package helpers

import (
	"testing"

	"github.com/icunnyngham/sherpa/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// Liveness is a switchable liveness check for tests.
type Liveness struct {
	Err error
}

func (l *Liveness) CheckLiveness() error {
	return l.Err
}
