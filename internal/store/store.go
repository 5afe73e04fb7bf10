// Package store persists sandbox session records and snapshots in a local
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.jetify.com/typeid"
	_ "modernc.org/sqlite"

	"github.com/stackpad/stackpad/internal/reconciler"
)

// Store is a SQLite-backed session store. The database is opened per
// operation; SQLite handles the locking and the mutex keeps schema
// initialisation and multi-statement operations serialised within the
// process.
type Store struct {
	mu     sync.Mutex
	dbPath string

	initOnce sync.Once
	initErr  error
}

var _ reconciler.SessionStore = (*Store)(nil)

// New creates a store writing to dbPath. The schema is created lazily on
// first use.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("missing database path")
	}
	return &Store{dbPath: dbPath}, nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	s.initOnce.Do(func() {
		s.initErr = s.initDB(ctx)
	})
	if s.initErr != nil {
		return nil, s.initErr
	}
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session database %q: %w", s.dbPath, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("open session database %q: %w", s.dbPath, err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_records (
			id TEXT PRIMARY KEY,
			sandbox_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL,
			stopped_at_unix INTEGER,
			snapshot_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_session_records_sandbox ON session_records(sandbox_id);
		CREATE INDEX IF NOT EXISTS idx_session_records_project ON session_records(project_id);

		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			provider_ref TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project_id);
	`)
	if err != nil {
		return fmt.Errorf("initialise session schema: %w", err)
	}
	return nil
}

// CreateRecord registers a new session in the starting state and returns it.
func (s *Store) CreateRecord(ctx context.Context, sandboxID, projectID, teamID string) (*reconciler.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rec := &reconciler.SessionRecord{
		ID:        newRecordID(),
		SandboxID: sandboxID,
		ProjectID: projectID,
		TeamID:    teamID,
		Status:    reconciler.StatusStarting,
		CreatedAt: time.Now().UTC(),
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO session_records (id, sandbox_id, project_id, team_id, status, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SandboxID, rec.ProjectID, rec.TeamID, rec.Status, rec.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert session record: %w", err)
	}
	return rec, nil
}

// MarkReady transitions a record out of the starting state.
func (s *Store) MarkReady(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		UPDATE session_records SET status = ? WHERE id = ? AND status = ?
	`, reconciler.StatusReady, id, reconciler.StatusStarting)
	if err != nil {
		return fmt.Errorf("mark record %q ready: %w", id, err)
	}
	return nil
}

// MarkStopped transitions a record to the terminal stopped state. Repeat
// calls are harmless: last write wins on the stop timestamp and the status
// stays stopped.
func (s *Store) MarkStopped(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		UPDATE session_records SET status = ?, stopped_at_unix = ? WHERE id = ?
	`, reconciler.StatusStopped, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark record %q stopped: %w", id, err)
	}
	return nil
}

// GetBySandboxID returns the most recently created record for a sandbox,
// or reconciler.ErrNotFound.
func (s *Store) GetBySandboxID(ctx context.Context, sandboxID string) (*reconciler.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT id, sandbox_id, project_id, team_id, status, created_at_unix, stopped_at_unix, snapshot_id
		FROM session_records
		WHERE sandbox_id = ?
		ORDER BY created_at_unix DESC, id DESC
		LIMIT 1
	`, sandboxID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconciler.ErrNotFound
		}
		return nil, fmt.Errorf("query session record for %q: %w", sandboxID, err)
	}
	return rec, nil
}

// ListForProject returns the project's session records, newest first.
func (s *Store) ListForProject(ctx context.Context, projectID string) ([]*reconciler.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, sandbox_id, project_id, team_id, status, created_at_unix, stopped_at_unix, snapshot_id
		FROM session_records
		WHERE project_id = ?
		ORDER BY created_at_unix DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query session records for project %q: %w", projectID, err)
	}
	defer rows.Close()

	recs := make([]*reconciler.SessionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// SaveSnapshot upserts snapshot bookkeeping and links it to the sandbox's
// session record.
func (s *Store) SaveSnapshot(ctx context.Context, snap reconciler.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO snapshots (id, project_id, provider_ref, reason, created_at_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_ref = excluded.provider_ref,
			reason = excluded.reason,
			created_at_unix = excluded.created_at_unix
	`, snap.ID, snap.ProjectID, snap.ProviderRef, snap.Reason, snap.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert snapshot %q: %w", snap.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE session_records SET snapshot_id = ? WHERE sandbox_id = ?
	`, snap.ID, snap.ProviderRef)
	if err != nil {
		return fmt.Errorf("link snapshot %q to session record: %w", snap.ID, err)
	}
	return nil
}

// ListSnapshots returns the project's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, projectID string) ([]reconciler.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, project_id, provider_ref, reason, created_at_unix
		FROM snapshots
		WHERE project_id = ?
		ORDER BY created_at_unix DESC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots for project %q: %w", projectID, err)
	}
	defer rows.Close()

	snaps := make([]reconciler.Snapshot, 0)
	for rows.Next() {
		var snap reconciler.Snapshot
		var createdUnix int64
		if err := rows.Scan(&snap.ID, &snap.ProjectID, &snap.ProviderRef, &snap.Reason, &createdUnix); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CreatedAt = time.Unix(createdUnix, 0).UTC()
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*reconciler.SessionRecord, error) {
	var rec reconciler.SessionRecord
	var createdUnix int64
	var stoppedUnix sql.NullInt64
	if err := row.Scan(
		&rec.ID,
		&rec.SandboxID,
		&rec.ProjectID,
		&rec.TeamID,
		&rec.Status,
		&createdUnix,
		&stoppedUnix,
		&rec.SnapshotID,
	); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdUnix, 0).UTC()
	if stoppedUnix.Valid {
		t := time.Unix(stoppedUnix.Int64, 0).UTC()
		rec.StoppedAt = &t
	}
	return &rec, nil
}

func newRecordID() string {
	id, err := typeid.WithPrefix("sess")
	if err != nil {
		return fmt.Sprintf("sess_%d", time.Now().UnixNano())
	}
	return id.String()
}
