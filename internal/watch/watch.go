// Package watch reloads a volume when its container file changes on disk.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ptolstoi/ntypool/pool"
)

// DefaultSettle is how long the watcher waits for a burst of events on a
// file to end before reloading.
const DefaultSettle = 50 * time.Millisecond

// Watcher follows the container files of the volumes attached to a pool.
type Watcher struct {
	pool     *pool.GlobalPool
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	settle   time.Duration
	onChange func(*pool.Volume)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// OnChange is called after a volume was reloaded or invalidated.
func OnChange(fn func(*pool.Volume)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

// New watches every volume of p that was attached from a file. Volumes
// attached later are not followed.
func New(p *pool.GlobalPool, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{pool: p, watcher: fw, settle: DefaultSettle}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "watch")

	// editors and build tools replace files by renaming, so the directory
	// is watched rather than the file
	dirs := make(map[string]bool)
	for _, v := range p.Volumes() {
		if v.Path() == "" {
			continue
		}
		dir := filepath.Dir(v.Path())
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
		dirs[dir] = true
	}
	return w, nil
}

// Run handles events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	changed := make(map[string]bool)
	timer := time.NewTimer(w.settle)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			changed[filepath.Clean(event.Name)] = true
			timer.Reset(w.settle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			for path := range changed {
				w.reload(path)
			}
			clear(changed)
		}
	}
}

// reload switches the volumes attached from path to the file's current
// content. A file that cannot be opened, such as one still being written or
// one that was removed, only invalidates the caches; the next event retries.
func (w *Watcher) reload(path string) {
	for _, v := range w.pool.Volumes() {
		if v.Path() == "" || filepath.Clean(v.Path()) != path {
			continue
		}
		if err := w.pool.ReloadVolume(v.ID()); err != nil {
			w.logger.Warn("reloading volume failed", "volume", v.Name(), "path", path, "error", err)
			if err := w.pool.InvalidateVolume(v.ID()); err != nil {
				continue
			}
		} else {
			w.logger.Info("container changed", "volume", v.Name(), "path", path)
		}
		if w.onChange != nil {
			w.onChange(v)
		}
	}
}
