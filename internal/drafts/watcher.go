package drafts

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/forge/internal/logging"
)

// RoundActivity reports that draft files changed in one round directory.
type RoundActivity struct {
	SessionID string
	Round     int
	Files     []string
}

// Watcher watches a session's draft tree and invokes the callback once per
// debounce window with the rounds whose files were created or written.
type Watcher struct {
	store     *FileStore
	sessionID string
	debounce  time.Duration
	onChange  func(RoundActivity)
	logger    *logging.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewWatcher creates a Watcher for sessionID. Start must be called to begin
// delivering events.
func NewWatcher(store *FileStore, sessionID string, debounce time.Duration, onChange func(RoundActivity), logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		store:     store,
		sessionID: sessionID,
		debounce:  debounce,
		onChange:  onChange,
		logger:    logger.WithSession(sessionID).WithComponent("drafts"),
		watcher:   fw,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start creates the session directory if needed, watches it and every
// existing round directory, and launches the event loop.
func (w *Watcher) Start() error {
	root := filepath.Join(w.store.Root(), w.sessionID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create session draft directory: %w", err)
	}
	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read %s: %w", root, err)
	}
	for _, e := range entries {
		if _, ok := ParseRoundDirName(e.Name()); ok && e.IsDir() {
			_ = w.watcher.Add(filepath.Join(root, e.Name()))
		}
	}
	w.started.Store(true)
	go w.loop()
	return nil
}

// Stop ends the event loop and releases the OS watcher. It is safe to call
// more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) loop() {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[int]map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if round, files := w.classify(ev); len(files) > 0 {
				if pending[round] == nil {
					pending[round] = make(map[string]struct{})
				}
				for _, f := range files {
					pending[round][f] = struct{}{}
				}
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			for round, files := range pending {
				act := RoundActivity{SessionID: w.sessionID, Round: round}
				for f := range files {
					act.Files = append(act.Files, f)
				}
				w.logger.Debug("draft activity", "round", round, "files", len(act.Files))
				if w.onChange != nil {
					w.onChange(act)
				}
			}
			pending = make(map[int]map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("draft watcher error", "error", err.Error())
		}
	}
}

// classify maps an fsnotify event to a round and the draft files it
// touched. A new round directory is added to the watch set and any drafts
// already inside it are reported, since they may predate the watch.
func (w *Watcher) classify(ev fsnotify.Event) (int, []string) {
	info, err := os.Stat(ev.Name)
	if err == nil && info.IsDir() {
		round, ok := ParseRoundDirName(filepath.Base(ev.Name))
		if !ok {
			return 0, nil
		}
		if err := w.watcher.Add(ev.Name); err != nil {
			w.logger.Warn("failed to watch round directory", "path", ev.Name, "error", err.Error())
		}
		entries, err := os.ReadDir(ev.Name)
		if err != nil {
			return 0, nil
		}
		var files []string
		for _, e := range entries {
			if !e.IsDir() && w.store.pattern.Match(e.Name()) {
				files = append(files, filepath.Join(ev.Name, e.Name()))
			}
		}
		return round, files
	}

	round, ok := ParseRoundDirName(filepath.Base(filepath.Dir(ev.Name)))
	if !ok || !w.store.pattern.Match(filepath.Base(ev.Name)) {
		return 0, nil
	}
	return round, []string{ev.Name}
}
