// Package store persists session snapshots so a session can be restored
// after the process restarts. Backends: JSON files guarded by flock(2), a
// SQLite table, or nothing at all.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/forge/internal/config"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/session"
)

// Store saves and loads session snapshots. Load of a missing session returns
// an error matching errors.ErrUnknownSession.
type Store interface {
	Save(ctx context.Context, snap session.Snapshot) error
	Load(ctx context.Context, id string) (session.Snapshot, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Info summarizes a stored session without restoring it.
type Info struct {
	ID           string        `json:"id" yaml:"id"`
	State        session.State `json:"state" yaml:"state"`
	CurrentRound int           `json:"current_round" yaml:"current_round"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"updated_at"`
	// Locked is true while a live process owns the session.
	Locked bool  `json:"locked" yaml:"locked"`
	Lock   *Lock `json:"lock,omitempty" yaml:"lock,omitempty"`
}

// Backend names accepted by New.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// DatabaseFileName is the SQLite file inside the store directory.
const DatabaseFileName = "forge.db"

// New opens the backend selected by cfg.
func New(cfg config.StoreConfig, logger *logging.Logger) (Store, error) {
	dir := cfg.ResolveStoreDir()
	switch cfg.Backend {
	case BackendJSON, "":
		return NewFileStore(dir, logger)
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, DatabaseFileName), logger)
	case BackendNone:
		return Nop{}, nil
	}
	return nil, forgeerrors.NewValidationError("unknown store backend").WithField("store.backend").WithValue(cfg.Backend)
}

// validID rejects IDs that could escape the store directory.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: invalid session id %q", forgeerrors.ErrInvalidInput, id)
	}
	return nil
}

func storeErr(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", forgeerrors.ErrStore, op, id, err)
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Save(context.Context, session.Snapshot) error { return nil }

func (Nop) Load(_ context.Context, id string) (session.Snapshot, error) {
	return session.Snapshot{}, forgeerrors.UnknownSession(id)
}

func (Nop) List(context.Context) ([]Info, error) { return nil, nil }

func (Nop) Delete(_ context.Context, id string) error { return forgeerrors.UnknownSession(id) }

func (Nop) Close() error { return nil }
