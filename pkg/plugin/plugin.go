// Package plugin defines command handlers: the extension points that react
// to dialog actions, poll external state on a tick, and clean up at exit.
package plugin

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/snapshot"
)

// Handler is a command handler bound to dialog nodes by id.
type Handler interface {
	ID() string
	Name() string
	OnDialogAction(ctx context.Context, node *dialog.Node) error
	OnGameDataUpdate(ctx context.Context) error
	OnProgramShutdown(ctx context.Context) error
}

// Host is the runtime surface handlers may call back into. Engine may
// change when dialogs are reloaded, so handlers fetch it on every use.
type Host interface {
	Engine() *dialog.Engine
	Snapshot() *snapshot.Store
	Events() *events.Publisher
}

// Factory builds a handler from merged parameters.
type Factory func(host Host, params Params) (Handler, error)

// Registration describes a handler type.
type Registration struct {
	ID         string
	Name       string
	Parameters []Parameter
	New        Factory
}

// Registry holds handler registrations by id.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Default is the registry built-in handlers add themselves to.
var Default = NewRegistry()

// Register adds a registration. Ids must be unique.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" || reg.New == nil {
		return fmt.Errorf("register handler %q: id and factory are required", reg.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.regs[reg.ID]; dup {
		return fmt.Errorf("register handler %q: already registered", reg.ID)
	}
	r.regs[reg.ID] = reg
	return nil
}

// MustRegister is Register for init-time use.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.regs[id]
	return ok
}

// Get returns the registration for id.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	return reg, ok
}

// List returns registered ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.regs))
}

// Create instantiates id with overrides merged over its declared defaults.
func (r *Registry) Create(host Host, id string, overrides map[string]string) (Handler, error) {
	reg, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", id)
	}
	params, err := MergeParams(reg.Parameters, overrides)
	if err != nil {
		return nil, fmt.Errorf("handler %q: %w", id, err)
	}
	h, err := reg.New(host, params)
	if err != nil {
		return nil, fmt.Errorf("create handler %q: %w", id, err)
	}
	return h, nil
}

// Set is the live handler table for one dialog session.
type Set struct {
	handlers map[string]Handler
	order    []string
}

// NewSet indexes handlers by id; the first handler wins on duplicate ids.
func NewSet(handlers ...Handler) *Set {
	s := &Set{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := s.handlers[h.ID()]; dup {
			continue
		}
		s.handlers[h.ID()] = h
		s.order = append(s.order, h.ID())
	}
	return s
}

// Lookup resolves id for the dialog engine.
func (s *Set) Lookup(id string) (dialog.ActionHandler, bool) {
	h, ok := s.handlers[id]
	return h, ok
}

// Handlers returns the handlers in insertion order.
func (s *Set) Handlers() []Handler {
	out := make([]Handler, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handlers[id])
	}
	return out
}
