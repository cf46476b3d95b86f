package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the reloaded stack, or the error that prevented it.
type ReloadFunc func(stack *Stack, err error)

// Watcher reloads a stack when any of its files change.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the stack at path.
func NewWatcher(loader *Loader, path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		path:     path,
		debounce: debounce,
		logger:   loader.logger.With().Str("component", "stack-watcher").Logger(),
	}
}

// Start begins watching. onReload runs on a background goroutine after each
// debounced change until ctx is done.
func (w *Watcher) Start(ctx context.Context, onReload ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace files, so watch the containing directory.
	dir := w.path
	if !isDir(dir) {
		dir = filepath.Dir(dir)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw, onReload)

	w.logger.Info().Str("path", w.path).Msg("Watching stack for changes")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, onReload ReloadFunc) {
	defer func() { _ = fw.Close() }()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Stack file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() {
				stack, err := w.loader.Load(ctx, w.path)
				if err != nil {
					w.logger.Warn().Err(err).Msg("Stack reload failed")
				}
				onReload(stack, err)
			})
			w.mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// relevant filters directory events down to the watched file, or to stack
// sources when a directory is watched.
func (w *Watcher) relevant(name string) bool {
	if isDir(w.path) {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".cue", ".yaml", ".yml", ".json", ".star":
			return true
		}
		return false
	}
	return filepath.Clean(name) == filepath.Clean(w.path)
}
