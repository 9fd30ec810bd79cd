package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dwifit/internal/models"
)

// schema.sql creates the voxel_params table: one row per key with the
// encoded parameter volume as payload.
//
//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps parameter volumes in a single SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// Run describes one persisted fit
type Run struct {
	KeyID     string
	DataID    string
	Model     string
	RunID     string
	CreatedAt time.Time
}

// OpenSQLite opens (or creates) the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single writer avoids SQLITE_BUSY from concurrent saves
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Exists implements ParamStore
func (s *SQLiteStore) Exists(key Key) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM voxel_params WHERE key_id = ?`, key.ID()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query params: %w", err)
	}
	return n > 0, nil
}

// Load implements ParamStore
func (s *SQLiteStore) Load(key Key) (*models.ParamVolume, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM voxel_params WHERE key_id = ?`, key.ID()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key.ID())
	}
	if err != nil {
		return nil, fmt.Errorf("query params: %w", err)
	}
	return DecodeParams(payload)
}

// Save implements ParamStore. Saving an existing key replaces its payload
// and assigns a new run id.
func (s *SQLiteStore) Save(key Key, p *models.ParamVolume) error {
	payload, err := EncodeParams(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO voxel_params (key_id, data_id, model, config, run_id, created_at_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			run_id = excluded.run_id,
			created_at_ns = excluded.created_at_ns,
			payload = excluded.payload
	`
	_, err = s.db.Exec(query, key.ID(), key.Data, key.Model, key.Config,
		uuid.NewString(), time.Now().UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("failed to save params: %w", err)
	}
	return nil
}

// Runs lists persisted fits for a data identity, newest first
func (s *SQLiteStore) Runs(dataID string) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT key_id, data_id, model, run_id, created_at_ns
		FROM voxel_params WHERE data_id = ?
		ORDER BY created_at_ns DESC, key_id
	`, dataID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ns int64
		if err := rows.Scan(&r.KeyID, &r.DataID, &r.Model, &r.RunID, &ns); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt = time.Unix(0, ns)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
