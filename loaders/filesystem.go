package loaders

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	zen "github.com/wippyai/zen-runtime"
)

// extensions are tried in order for keys without one.
var extensions = []string{".json", ".yaml", ".yml"}

// Dir loads decisions from files under a root directory. Keys are slash
// separated paths relative to the root and may not escape it.
type Dir struct {
	root  string
	cache bool

	mu      sync.RWMutex
	entries map[string][]byte
}

// DirOption configures a Dir.
type DirOption func(*Dir)

// WithCache keeps loaded files in memory until Evict or Clear.
func WithCache(enabled bool) DirOption {
	return func(d *Dir) { d.cache = enabled }
}

// NewDir returns a loader rooted at root.
func NewDir(root string, opts ...DirOption) *Dir {
	d := &Dir{root: root, entries: make(map[string][]byte)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Filesystem is shorthand for NewDir(root).Load.
func Filesystem(root string) zen.Loader {
	return NewDir(root).Load
}

// Root returns the directory decisions are read from.
func (d *Dir) Root() string { return d.root }

// Load implements zen.Loader.
func (d *Dir) Load(_ context.Context, key string) ([]byte, error) {
	if d.cache {
		d.mu.RLock()
		content, ok := d.entries[key]
		d.mu.RUnlock()
		if ok {
			return content, nil
		}
	}

	name, err := d.resolve(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read decision %q: %w", key, err)
	}
	content, err := normalize(name, raw)
	if err != nil {
		return nil, err
	}

	if d.cache {
		d.mu.Lock()
		d.entries[key] = content
		d.mu.Unlock()
	}
	return content, nil
}

// Evict drops key from the cache.
func (d *Dir) Evict(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

// Clear drops every cached entry.
func (d *Dir) Clear() {
	d.mu.Lock()
	d.entries = make(map[string][]byte)
	d.mu.Unlock()
}

// Keys lists every decision file under the root as a loader key.
func (d *Dir) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if p != d.root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !decisionFile(p) {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

func (d *Dir) resolve(key string) (string, error) {
	if key == "" || strings.ContainsRune(key, '\\') {
		return "", fmt.Errorf("invalid decision key %q: %w", key, zen.ErrDecisionNotFound)
	}
	clean := path.Clean("/" + key)
	if clean != "/"+key {
		return "", fmt.Errorf("invalid decision key %q: %w", key, zen.ErrDecisionNotFound)
	}
	base := filepath.Join(d.root, filepath.FromSlash(clean))

	candidates := []string{base}
	if path.Ext(clean) == "" {
		candidates = candidates[:0]
		for _, ext := range extensions {
			candidates = append(candidates, base+ext)
		}
	}
	for _, name := range candidates {
		info, err := os.Stat(name)
		switch {
		case err == nil && !info.IsDir():
			return name, nil
		case err != nil && !stderrors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat decision %q: %w", key, err)
		}
	}
	return "", fmt.Errorf("decision file %q: %w", key, zen.ErrDecisionNotFound)
}

func decisionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
