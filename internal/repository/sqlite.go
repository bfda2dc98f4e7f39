package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// SQLiteStore implements Store on an embedded SQLite database. Documents are
// kept as JSON columns; result IDs are random UUIDs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trials (
			trial_id INTEGER PRIMARY KEY,
			parameters TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			result_id TEXT NOT NULL UNIQUE,
			trial_id INTEGER NOT NULL,
			parameters TEXT,
			iteration INTEGER NOT NULL,
			objective REAL,
			context TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_trial ON results(trial_id, seq)`,
		`CREATE TABLE IF NOT EXISTS stop (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			trial_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stop_trial ON stop(trial_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// InsertTrial writes a trial request. Parameters must be representable.
func (s *SQLiteStore) InsertTrial(ctx context.Context, req *domain.TrialRequest) error {
	if err := domain.ValidateParameters(req.Parameters); err != nil {
		return err
	}
	params, err := encodeDocument(req.Parameters)
	if err != nil {
		return err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trials (trial_id, parameters, created_at) VALUES (?, ?, ?)`,
		int64(req.TrialID), params, req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trial %d: %w", req.TrialID, domain.ErrDuplicateTrial)
		}
		return fmt.Errorf("failed to insert trial: %w", err)
	}
	return nil
}

// FindTrial returns the request for trialID, or nil when there is none.
func (s *SQLiteStore) FindTrial(ctx context.Context, trialID domain.TrialID) (*domain.TrialRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trial_id, parameters, created_at FROM trials WHERE trial_id = ?`, int64(trialID))

	req, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	return req, nil
}

// ListTrials returns every trial request in ID order.
func (s *SQLiteStore) ListTrials(ctx context.Context) ([]domain.TrialRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trial_id, parameters, created_at FROM trials ORDER BY trial_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	defer rows.Close()

	var trials []domain.TrialRequest
	for rows.Next() {
		req, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trial: %w", err)
		}
		trials = append(trials, *req)
	}
	return trials, rows.Err()
}

// InsertResult appends a result record and assigns its ID.
func (s *SQLiteStore) InsertResult(ctx context.Context, rec *domain.ResultRecord) error {
	params, err := encodeDocument(rec.Parameters)
	if err != nil {
		return err
	}
	resultContext, err := encodeDocument(rec.Context)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (result_id, trial_id, parameters, iteration, objective, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, int64(rec.TrialID), params, rec.Iteration, nullFloat(rec.Objective), resultContext, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	rec.ID = id
	return nil
}

// ListResults returns results in insertion order.
func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]domain.ResultRecord, error) {
	query := `SELECT result_id, trial_id, parameters, iteration, objective, context, created_at FROM results`
	var args []interface{}
	if filter.TrialID != 0 {
		query += ` WHERE trial_id = ?`
		args = append(args, int64(filter.TrialID))
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []domain.ResultRecord
	for rows.Next() {
		var (
			rec           domain.ResultRecord
			trialID       int64
			params        sql.NullString
			objective     sql.NullFloat64
			resultContext sql.NullString
		)
		if err := rows.Scan(&rec.ID, &trialID, &params, &rec.Iteration, &objective, &resultContext, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.TrialID = domain.TrialID(trialID)
		rec.Objective = math.NaN()
		if objective.Valid {
			rec.Objective = objective.Float64
		}
		if rec.Parameters, err = decodeDocument(params.String); err != nil {
			return nil, err
		}
		if rec.Context, err = decodeDocument(resultContext.String); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// InsertStopRequest appends a stop request. Duplicates are allowed.
func (s *SQLiteStore) InsertStopRequest(ctx context.Context, req *domain.StopRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stop (trial_id, created_at) VALUES (?, ?)`, int64(req.TrialID), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert stop request: %w", err)
	}
	return nil
}

// HasStopRequest reports whether at least one stop request exists for trialID.
func (s *SQLiteStore) HasStopRequest(ctx context.Context, trialID domain.TrialID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stop WHERE trial_id = ?)`, int64(trialID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check stop requests: %w", err)
	}
	return exists, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrial(row rowScanner) (*domain.TrialRequest, error) {
	var (
		req     domain.TrialRequest
		trialID int64
		params  string
	)
	if err := row.Scan(&trialID, &params, &req.CreatedAt); err != nil {
		return nil, err
	}
	req.TrialID = domain.TrialID(trialID)

	decoded, err := decodeDocument(params)
	if err != nil {
		return nil, err
	}
	req.Parameters = decoded
	return &req, nil
}

func encodeDocument(doc map[string]any) (string, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	data, err := json.Marshal(markFloats(doc))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnrepresentable, err)
	}
	return string(data), nil
}

// markFloats rewrites finite floats as json.Number literals that always carry
// a fraction or exponent, so 1.0 is stored as 1.0 and decodes as a float.
func markFloats(v any) any {
	switch x := v.(type) {
	case float64:
		return floatNumber(x)
	case float32:
		return floatNumber(float64(x))
	case domain.Parameters:
		return markFloats(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = markFloats(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = markFloats(vv)
		}
		return out
	}
	return v
}

func floatNumber(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// left for json.Marshal to reject
		return f
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

// decodeDocument keeps integers as int64 instead of letting encoding/json
// turn every number into a float64. Numbers with a fraction or exponent stay
// float64.
func decodeDocument(data string) (map[string]any, error) {
	out := map[string]any{}
	if data == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	for k, v := range out {
		out[k] = domain.CanonicalValue(v)
	}
	return out, nil
}

func nullFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
