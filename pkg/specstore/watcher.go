package specstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period after the last file event before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Invalidator drops cached resolutions. *Resolver implements it.
type Invalidator interface {
	Invalidate(smartCode, tenantID string)
}

// Watcher reloads a DirectorySource when its files change and invalidates the
// resolutions of every spec that was added, changed, or removed.
type Watcher struct {
	source      *DirectorySource
	invalidator Invalidator
	logger      zerolog.Logger
	debounce    time.Duration

	// OnReload, if set, is called after every reload with the changed keys.
	OnReload func(changed []Key, err error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher. A zero debounce uses DefaultDebounce.
func NewWatcher(source *DirectorySource, invalidator Invalidator, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		source:      source,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "spec-watcher").Logger(),
		debounce:    debounce,
	}
}

// Start begins watching the source directory recursively. Watching stops when
// ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	if err := w.watchTree(w.source.Root()); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.source.Root(), err)
	}

	go w.processEvents(ctx)

	w.logger.Info().Str("root", w.source.Root()).Dur("debounce", w.debounce).Msg("watching spec directory")
	return nil
}

// watchTree adds dir and every subdirectory to the watcher.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		_ = w.watcher.Close()
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("spec watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
			}
			w.schedule()
			return
		}
	}

	if !IsSpecFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("spec file changed")
	w.schedule()
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		_, _ = w.Reload()
	})
}

// Reload reloads the source and invalidates changed keys. Specs from files that
// failed to load are dropped, so their keys are invalidated too.
func (w *Watcher) Reload() ([]Key, error) {
	changed, err := w.source.Reload()

	var loadErr *LoadError
	if err != nil && !errors.As(err, &loadErr) {
		w.logger.Error().Err(err).Msg("spec reload failed")
		if w.OnReload != nil {
			w.OnReload(nil, err)
		}
		return nil, err
	}
	if loadErr != nil {
		for _, p := range loadErr.Problems {
			w.logger.Warn().Str("problem", p).Msg("spec file rejected")
		}
	}

	for _, key := range changed {
		w.invalidator.Invalidate(key.SmartCode, key.TenantID)
	}
	if len(changed) > 0 {
		w.logger.Info().Int("changed", len(changed)).Msg("spec cache invalidated")
	}

	if w.OnReload != nil {
		w.OnReload(changed, err)
	}
	return changed, err
}
