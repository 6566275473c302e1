package orchestrator

import (
	"time"

	"github.com/Iron-Ham/forge/internal/config"
	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/convergence"
	"github.com/Iron-Ham/forge/internal/drafts"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/pause"
	"github.com/Iron-Ham/forge/internal/session"
	"github.com/Iron-Ham/forge/internal/store"
)

// Options are the collaborators shared by every session of an Orchestrator.
type Options struct {
	// Fetcher supplies participant drafts. Required.
	Fetcher  drafts.Fetcher
	Scorer   session.Scorer
	Detector session.Detector
	// Store persists snapshots after every committed change. Nil disables
	// persistence.
	Store  store.Store
	Bus    *event.Bus
	Logger *logging.Logger
	Pause  pause.Options
	// PauseSchedule is a cron expression armed for every session on Start.
	PauseSchedule string
	// Defaults fill in a zero Config passed to CreateSession.
	Defaults session.Config
	Now      func() time.Time
	NewID    func() string
}

// FromConfig builds Options from a loaded configuration. The fetcher and
// store are supplied by the caller.
func FromConfig(cfg *config.Config, fetcher drafts.Fetcher, st store.Store, logger *logging.Logger) (Options, error) {
	sim, err := convergence.NewSimilarity(cfg.Convergence.Similarity)
	if err != nil {
		return Options{}, forgeerrors.NewValidationError("invalid similarity").
			WithField("convergence.similarity").
			WithValue(cfg.Convergence.Similarity).
			WithCause(err)
	}
	if cfg.Pause.Schedule != "" {
		if err := pause.ValidateCron(cfg.Pause.Schedule); err != nil {
			return Options{}, forgeerrors.NewValidationError("invalid pause schedule").
				WithField("pause.schedule").
				WithValue(cfg.Pause.Schedule).
				WithCause(err)
		}
	}
	defaults := session.ConfigFrom(cfg.Session)
	return Options{
		Fetcher: fetcher,
		Scorer: convergence.NewEngine(convergence.Options{
			Similarity:       sim,
			Topics:           defaults.Topics,
			DissentThreshold: cfg.Convergence.DissentThreshold,
			MaxParallel:      cfg.Convergence.MaxParallel,
		}),
		Detector: conflict.NewDetector(conflict.Options{
			MinOverlap:           cfg.Conflict.MinOverlap,
			NumericTolerance:     cfg.Conflict.NumericTolerance,
			CriticalNumericDelta: cfg.Conflict.CriticalNumericDelta,
			MaxParallel:          cfg.Conflict.MaxParallel,
		}),
		Store:         st,
		Logger:        logger,
		Pause:         pause.Options{PollInterval: cfg.Pause.PollInterval(), MaxWait: cfg.Pause.MaxWait()},
		PauseSchedule: cfg.Pause.Schedule,
		Defaults:      defaults,
	}, nil
}
