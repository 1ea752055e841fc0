// Package planstore persists the recommendation version chain in a
// local SQLite database. Versions are append-only: rows are inserted
// once and only their state column ever changes afterwards.
package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cdss-reasoning-server/internal/domain"
)

// SQLiteStore implements domain.PlanStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the plan history database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		supersedes TEXT DEFAULT '',
		state TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rec_patient ON recommendations(patient_id, version);
	CREATE INDEX IF NOT EXISTS idx_rec_state ON recommendations(state);
	`
	_, err := db.Exec(schema)
	return err
}

// Save inserts one recommendation version. Inserting an existing id is
// an error; versions are never rewritten.
func (s *SQLiteStore) Save(ctx context.Context, rec *domain.Recommendation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding recommendation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recommendations (id, patient_id, version, supersedes, state, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, rec.Version, rec.Supersedes, string(rec.State), string(payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving recommendation %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns one version by id, in the state currently recorded for it.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Recommendation, error) {
	var payload, state string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload, state FROM recommendations WHERE id = ?", id,
	).Scan(&payload, &state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("loading recommendation %s: %w", id, err)
	}
	return decodeRecommendation(payload, state)
}

// History returns every version for the patient, oldest first. Adjusted
// and resolved versions are included; the chain is never pruned.
func (s *SQLiteStore) History(ctx context.Context, patientID string) ([]*domain.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, state FROM recommendations
		WHERE patient_id = ?
		ORDER BY version, created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []*domain.Recommendation
	for rows.Next() {
		var payload, state string
		if err := rows.Scan(&payload, &state); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		rec, err := decodeRecommendation(payload, state)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateState changes the lifecycle state of an existing version. The
// payload itself stays untouched.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state domain.PlanState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE recommendations SET state = ? WHERE id = ?", string(state), id)
	if err != nil {
		return fmt.Errorf("updating state for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating state for %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// decodeRecommendation unmarshals the stored payload, taking the state
// from the column since state transitions do not rewrite the payload.
func decodeRecommendation(payload, state string) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decoding recommendation: %w", err)
	}
	rec.State = domain.PlanState(state)
	return &rec, nil
}
