// Package registry holds the named speech backend factories. Backends add
// themselves from init; the daemon picks them by configured name.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/voicetyped/vi/pkg/speech"
)

// ErrUnknownBackend is returned by Create for a name nothing registered.
var ErrUnknownBackend = errors.New("unknown speech backend")

// Factory builds a backend from its config map.
type Factory[T any] func(config map[string]string) (T, error)

// Registry maps backend names to factories of T.
type Registry[T any] struct {
	kind string

	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// New creates an empty registry. kind names the backend role in errors.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// Register adds factory under name. A later registration replaces an
// earlier one.
func (r *Registry[T]) Register(name string, factory Factory[T]) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// Create builds the named backend.
func (r *Registry[T]) Create(name string, config map[string]string) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %q: %w (have %v)", r.kind, name, ErrUnknownBackend, r.List())
	}
	v, err := factory(config)
	if err != nil {
		return v, fmt.Errorf("%s %q: %w", r.kind, name, err)
	}
	return v, nil
}

func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered names, sorted.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

var (
	Recognizers  = New[speech.Recognizer]("recognizer")
	Synthesizers = New[speech.Synthesizer]("voice")
	Players      = New[speech.Player]("player")
)
