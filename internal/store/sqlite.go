package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/session"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps snapshots in a single table. The state and round columns
// duplicate the JSON document so List does not decode every row.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
	now    func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of concurrent saves.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, path: path, logger: logger.WithComponent("store"), now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite store opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			current_round INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

// LockDir returns the directory holding the owner lock of session id. The
// database records no owner, so locks live in files beside it.
func (s *SQLiteStore) LockDir(id string) string {
	return filepath.Join(filepath.Dir(s.path), LocksDirName, id)
}

// Acquire claims a session for this process.
func (s *SQLiteStore) Acquire(id string) (*Lock, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return AcquireLock(s.LockDir(id), id, s.logger)
}

// Save upserts snap.
func (s *SQLiteStore) Save(ctx context.Context, snap session.Snapshot) error {
	if err := validID(snap.ID); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return storeErr("marshal", snap.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, current_round, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			current_round = excluded.current_round,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		snap.ID, snap.State.String(), snap.CurrentRound, s.now().UnixNano(), string(data))
	if err != nil {
		return storeErr("save", snap.ID, err)
	}
	return nil
}

// Load reads the snapshot of id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (session.Snapshot, error) {
	if err := validID(id); err != nil {
		return session.Snapshot{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, forgeerrors.UnknownSession(id)
	}
	if err != nil {
		return session.Snapshot{}, storeErr("load", id, err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return session.Snapshot{}, storeErr("decode", id, err)
	}
	return snap, nil
}

// List returns every stored session, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, current_round, updated_at FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, storeErr("list", s.path, err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			state   string
			updated int64
		)
		if err := rows.Scan(&info.ID, &state, &info.CurrentRound, &updated); err != nil {
			return nil, storeErr("list", s.path, err)
		}
		st, err := session.ParseState(state)
		if err != nil {
			s.logger.Debug("skipping row with unknown state", "session_id", info.ID, "state", state)
			continue
		}
		info.State = st
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", s.path, err)
	}
	return out, nil
}

// Delete removes the row of id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete", id, err)
	}
	if n == 0 {
		return forgeerrors.UnknownSession(id)
	}
	// Only an empty, released lock directory goes.
	_ = os.Remove(s.LockDir(id))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
