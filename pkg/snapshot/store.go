// Package snapshot holds the read-only view of the host program's state that
// dialog conditions and handlers consult. The snapshot is a JSON document;
// keys are gjson paths such as "ship.fuel" or "crew.0.name".
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidJSON is returned when a replacement document does not parse.
var ErrInvalidJSON = errors.New("snapshot: invalid JSON document")

// Store is a versioned JSON snapshot. All access is thread-safe.
type Store struct {
	mu      sync.RWMutex
	doc     string
	version uint64
}

// New returns an empty snapshot.
func New() *Store {
	return &Store{doc: "{}"}
}

func (s *Store) get(key string) gjson.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gjson.Get(s.doc, key)
}

// Get returns the raw result at key.
func (s *Store) Get(key string) gjson.Result { return s.get(key) }

// Flag reports the boolean at key; missing keys are false.
func (s *Store) Flag(key string) bool { return s.get(key).Bool() }

// Num returns the number at key; missing keys are 0.
func (s *Store) Num(key string) float64 { return s.get(key).Float() }

// Str returns the string form of the value at key.
func (s *Store) Str(key string) string { return s.get(key).String() }

// Has reports whether key is present.
func (s *Store) Has(key string) bool { return s.get(key).Exists() }

// Set writes value at key and bumps the version.
func (s *Store) Set(key string, value interface{}) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := sjson.Set(s.doc, key, value)
	if err != nil {
		return s.version, fmt.Errorf("snapshot set %q: %w", key, err)
	}
	s.doc = doc
	s.version++
	return s.version, nil
}

// Replace swaps in a whole document and bumps the version.
func (s *Store) Replace(doc []byte) (uint64, error) {
	if !gjson.ValidBytes(doc) {
		return 0, ErrInvalidJSON
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = string(doc)
	s.version++
	return s.version, nil
}

// Load replaces the snapshot with the contents of path.
func (s *Store) Load(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read snapshot %q: %w", path, err)
	}
	v, err := s.Replace(data)
	if err != nil {
		return 0, fmt.Errorf("load snapshot %q: %w", path, err)
	}
	return v, nil
}

// Version increases on every successful change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// JSON returns the current document.
func (s *Store) JSON() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Watch reloads path whenever it is written or replaced, calling onChange
// with the new version. The parent directory is watched so editors that
// replace the file by rename are covered. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, path string, onChange func(version uint64)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch dir %q: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			v, err := s.Load(path)
			if err != nil {
				slog.WarnContext(ctx, "snapshot reload failed", slog.String("error", err.Error()))
				continue
			}
			if onChange != nil {
				onChange(v)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
