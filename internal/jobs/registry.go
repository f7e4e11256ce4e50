package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory reconstructs a job from its serialized parameters and state.
// state is empty for a job that is being created.
type Factory func(parameters, state json.RawMessage) (Job, error)

// Registry maps job kinds to their factories. It is populated at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory for a given job kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
	slog.Debug("Registry.Register", "kind", kind)
}

// New builds a job of the given kind.
func (r *Registry) New(kind string, parameters, state json.RawMessage) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	job, err := f(parameters, state)
	if err != nil {
		return nil, fmt.Errorf("build %s job: %w", kind, err)
	}
	return job, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
