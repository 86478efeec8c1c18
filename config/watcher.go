package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsrun/opsrun/runbook"
)

// ChangeEvent describes one observed definition change.
type ChangeEvent struct {
	Path     string
	OldHash  string
	NewHash  string
	Workflow *runbook.Workflow
	Time     time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce duration for file change events.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger for the watcher.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Watcher monitors one workflow definition file and invokes a callback with
// the reparsed definition whenever its content changes. It watches the
// directory containing the file for atomic-save compatibility, and gates
// callbacks on a content hash so duplicate filesystem events and no-op
// rewrites never trigger a reload. An edit that fails to parse or validate
// is logged and skipped; the previous definition stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ChangeEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event time
}

// NewWatcher creates a Watcher for the definition file at path.
func NewWatcher(path string, onChange func(ChangeEvent), opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching the definition file's directory for changes.
func (w *Watcher) Start() error {
	hash, err := hashFile(w.path)
	if err != nil {
		return fmt.Errorf("definition watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	// Watch the directory so we catch atomic saves (rename-over).
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("definition watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for the background goroutine to
// exit. It is safe to call Stop multiple times.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Any write/create/rename in the watched directory
				// enqueues the definition path for a hash check. That
				// covers direct writes, editor atomic saves, and
				// ConfigMap-style symlink swaps; the hash gate filters
				// out events for unrelated siblings.
				w.mu.Lock()
				w.pending[w.path] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", "err", err)

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.processChange(path)
	}
}

// processChange reparses the definition, computes its hash, and calls
// onChange if the content actually changed since the last known hash.
func (w *Watcher) processChange(path string) {
	wf, err := LoadWorkflow(path)
	if err != nil {
		w.logger.Error("definition watcher: reload failed, keeping previous definition", "path", path, "err", err)
		return
	}

	newHash, err := hashFile(path)
	if err != nil {
		w.logger.Error("definition watcher: hash failed", "path", path, "err", err)
		return
	}

	if newHash == w.lastHash {
		w.logger.Debug("definition watcher: content unchanged, skipping", "path", path)
		return
	}

	oldHash := w.lastHash
	w.lastHash = newHash

	w.logger.Info("workflow definition changed", "path", path, "old_hash", oldHash[:8], "new_hash", newHash[:8])

	w.onChange(ChangeEvent{
		Path:     path,
		OldHash:  oldHash,
		NewHash:  newHash,
		Workflow: wf,
		Time:     time.Now(),
	})
}

// hashFile returns the SHA256 hex digest of the file's raw bytes.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
