// Package updates implements the pending update queue: durable intents to
// start a job, dispatched in creation order once the resources they depend
// on are free.
package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/SearchIngest/internal/store"
)

// ErrUnknownKind is returned when no factory is registered for an update kind.
var ErrUnknownKind = errors.New("unknown update kind")

// Update is a durable intent to eventually run a job.
type Update interface {
	// Kind names the registered factory that reconstructs the update on load.
	Kind() string
	// JobKind is the kind of job started at dispatch.
	JobKind() string
	// JobParameters are handed to the job at dispatch and are what is persisted.
	JobParameters() any
	// JobKey is the resource the started job occupies. It equals the job's Key.
	JobKey() string
	// WaitKeys lists resources that must have no registered job before the
	// update may start. The update's own JobKey is always checked as well.
	WaitKeys() []string
	// IsReady is an extra precondition evaluated against current store state.
	IsReady(ctx context.Context, tx store.Tx) (bool, error)
}

// Always is an IsReady implementation for updates without preconditions.
type Always struct{}

func (Always) IsReady(context.Context, store.Tx) (bool, error) { return true, nil }

// Factory rebuilds an update from its persisted job parameters.
type Factory func(parameters json.RawMessage) (Update, error)

// Registry maps update kinds to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory for a given update kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
	slog.Debug("Registry.Register", "kind", kind)
}

// New builds an update of the given kind.
func (r *Registry) New(kind string, parameters json.RawMessage) (Update, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	u, err := f(parameters)
	if err != nil {
		return nil, fmt.Errorf("build %s update: %w", kind, err)
	}
	return u, nil
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
