package loaders

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long Watch waits for a burst of file events to
// settle before reporting it.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports changes to decision files under a Dir. Engines cache
// compiled decisions per key, so callers typically swap in a fresh engine
// when a change is reported.
type Watcher struct {
	dir      *Dir
	debounce time.Duration
	log      *zap.Logger
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the settle interval.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *zap.Logger) WatchOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher watches dir's root.
func NewWatcher(dir *Dir, opts ...WatchOption) *Watcher {
	w := &Watcher{dir: dir, debounce: DefaultDebounce, log: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch blocks until ctx is done, calling onChange with the changed keys,
// in arrival order, after each burst of events. Cached entries for those
// keys are evicted first.
func (w *Watcher) Watch(ctx context.Context, onChange func(keys []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.dir.root); err != nil {
		return err
	}
	w.log.Debug("watching decisions", zap.String("root", w.dir.root))

	var (
		mu      sync.Mutex
		pending []string
		seen    = make(map[string]bool)
		timer   *time.Timer
	)
	flush := func() {
		mu.Lock()
		keys := pending
		pending, seen = nil, make(map[string]bool)
		mu.Unlock()
		if len(keys) == 0 {
			return
		}
		for _, k := range keys {
			w.dir.Evict(k)
			w.dir.Evict(strings.TrimSuffix(k, filepath.Ext(k)))
		}
		w.log.Debug("decisions changed", zap.Strings("keys", keys))
		onChange(keys)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.log.Warn("cannot watch new directory", zap.String("path", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			key, ok := w.key(ev.Name)
			if !ok {
				continue
			}

			mu.Lock()
			if !seen[key] {
				seen[key] = true
				pending = append(pending, key)
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, flush)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// key maps a file path to the loader key it is served under. The
// extension is kept, matching how Keys reports files.
func (w *Watcher) key(name string) (string, bool) {
	if !decisionFile(name) || strings.HasPrefix(filepath.Base(name), ".") {
		return "", false
	}
	rel, err := filepath.Rel(w.dir.root, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
