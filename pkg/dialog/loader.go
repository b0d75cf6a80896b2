package dialog

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads and optionally hot-reloads dialog definitions from YAML files.
type Loader struct {
	dir   string
	known func(id string) bool

	mu      sync.RWMutex
	dialogs map[string]*Definition
}

// NewLoader creates a new dialog loader for the given directory. known, if
// set, validates handler ids.
func NewLoader(dir string, known func(id string) bool) *Loader {
	return &Loader{
		dir:     dir,
		known:   known,
		dialogs: make(map[string]*Definition),
	}
}

// LoadAll loads all .yaml and .yml files from the configured directory.
func (l *Loader) LoadAll() (map[string]*Definition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read dialog dir %q: %w", l.dir, err)
	}

	result := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isDialogFile(entry.Name()) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		d, err := l.loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		if _, dup := result[d.Name]; dup {
			return nil, fmt.Errorf("load %q: dialog %q defined twice", path, d.Name)
		}
		result[d.Name] = d
	}

	l.mu.Lock()
	l.dialogs = result
	l.mu.Unlock()

	return result, nil
}

// Get returns a loaded definition by dialog name.
func (l *Loader) Get(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.dialogs[name]
	return d, ok
}

// All returns all loaded definitions.
func (l *Loader) All() map[string]*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.dialogs)
}

func (l *Loader) loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if d.Name == "" {
		base := filepath.Base(path)
		d.Name = base[:len(base)-len(filepath.Ext(base))]
	}

	if err := d.Validate(l.known); err != nil {
		return nil, err
	}

	return &d, nil
}

func isDialogFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// WatchAndReload watches the dialog directory and reloads on change, calling
// onReload with the new set. A failed reload is logged and the previous set
// stays in effect. This blocks until done is closed.
func (l *Loader) WatchAndReload(done <-chan struct{}, onReload func(map[string]*Definition)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", l.dir, err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove)) {
				continue
			}
			if !isDialogFile(event.Name) {
				continue
			}
			dialogs, err := l.LoadAll()
			if err != nil {
				slog.Warn("dialog reload failed", slog.String("file", event.Name), slog.String("error", err.Error()))
				continue
			}
			slog.Info("dialogs reloaded", slog.Int("count", len(dialogs)))
			if onReload != nil {
				onReload(dialogs)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
