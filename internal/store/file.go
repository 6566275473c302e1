package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/session"
)

// SnapshotFileName is the snapshot file inside a session directory.
const SnapshotFileName = "session.json"

// FileStore keeps one JSON snapshot per session at {dir}/{id}/session.json.
// Writes are atomic (temp file then rename) and serialized across processes
// with a flock on the store directory.
type FileStore struct {
	dir    string
	logger *logging.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger.WithComponent("store")}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

// SessionDir returns the directory of one session.
func (s *FileStore) SessionDir(id string) string { return filepath.Join(s.dir, id) }

// Save writes snap atomically.
func (s *FileStore) Save(ctx context.Context, snap session.Snapshot) error {
	if err := validID(snap.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return storeErr("marshal", snap.ID, err)
	}

	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return storeErr("lock", snap.ID, err)
	}
	defer func() { _ = fl.Unlock() }()

	dir := s.SessionDir(snap.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return storeErr("mkdir", snap.ID, err)
	}
	target := filepath.Join(dir, SnapshotFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return storeErr("write", snap.ID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return storeErr("rename", snap.ID, err)
	}
	return nil
}

// Load reads the snapshot of id.
func (s *FileStore) Load(ctx context.Context, id string) (session.Snapshot, error) {
	if err := validID(id); err != nil {
		return session.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}
	fl := NewFileLock(s.dir)
	if err := fl.RLock(); err != nil {
		return session.Snapshot{}, storeErr("lock", id, err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(s.SessionDir(id), SnapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return session.Snapshot{}, forgeerrors.UnknownSession(id)
		}
		return session.Snapshot{}, storeErr("read", id, err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, storeErr("decode", id, err)
	}
	return snap, nil
}

// summary is the part of a snapshot List needs.
type summary struct {
	ID           string        `json:"id"`
	State        session.State `json:"state"`
	CurrentRound int           `json:"current_round"`
}

// List scans the store directory. Unreadable sessions are skipped.
func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeErr("list", s.dir, err)
	}
	var out []Info
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := s.info(entry.Name())
		if err != nil {
			s.logger.Debug("skipping unreadable session", "session_id", entry.Name(), "error", err)
			continue
		}
		out = append(out, info)
	}
	sortInfos(out)
	return out, nil
}

func (s *FileStore) info(id string) (Info, error) {
	dir := s.SessionDir(id)
	path := filepath.Join(dir, SnapshotFileName)
	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var sum summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Info{}, err
	}
	lock, locked := IsLocked(dir)
	return Info{
		ID:           sum.ID,
		State:        sum.State,
		CurrentRound: sum.CurrentRound,
		UpdatedAt:    stat.ModTime(),
		Locked:       locked,
		Lock:         lock,
	}, nil
}

// Delete removes a session directory.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return storeErr("lock", id, err)
	}
	defer func() { _ = fl.Unlock() }()

	dir := s.SessionDir(id)
	if _, err := os.Stat(filepath.Join(dir, SnapshotFileName)); os.IsNotExist(err) {
		return forgeerrors.UnknownSession(id)
	}
	if lock, locked := IsLocked(dir); locked && lock.PID != os.Getpid() {
		return fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, lock.PID, lock.Hostname)
	}
	if err := os.RemoveAll(dir); err != nil {
		return storeErr("delete", id, err)
	}
	return nil
}

// Acquire claims a session for this process.
func (s *FileStore) Acquire(id string) (*Lock, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return AcquireLock(s.SessionDir(id), id, s.logger)
}

// CleanupStaleLocks removes locks left by dead processes and returns the
// affected session IDs. It returns ErrStoreBusy rather than wait while
// another process is writing the store.
func (s *FileStore) CleanupStaleLocks() ([]string, error) {
	fl := NewFileLock(s.dir)
	ok, err := fl.TryLock()
	if err != nil {
		if os.IsNotExist(forgeerrors.Unwrap(err)) {
			return nil, nil
		}
		return nil, err
	}
	if !ok {
		return nil, ErrStoreBusy
	}
	defer func() { _ = fl.Unlock() }()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cleaned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ok, err := CleanStaleLock(s.SessionDir(entry.Name()), s.logger)
		if err != nil {
			return cleaned, err
		}
		if ok {
			cleaned = append(cleaned, entry.Name())
		}
	}
	return cleaned, nil
}

// Close is a no-op; FileStore holds no open handles between calls.
func (s *FileStore) Close() error { return nil }

func sortInfos(out []Info) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

var _ Store = (*FileStore)(nil)
