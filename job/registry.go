package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/fleetjobs/device"
)

// BuildFunc is a type-erased request builder that accepts the step's
// property bag as JSON.
type BuildFunc func(ctx context.Context, t *Target, props []byte) (*device.Request, error)

// StepDefinition is a typed step definition. T is the shape of the step's
// property bag.
type StepDefinition[T any] struct {
	// Name is the unique identifier steps reference.
	Name string

	// Build turns a target and its decoded properties into the request
	// sent to the target's device.
	Build func(ctx context.Context, t *Target, props T) (*device.Request, error)
}

// NewStepDefinition creates a typed step definition.
func NewStepDefinition[T any](name string, build func(ctx context.Context, t *Target, props T) (*device.Request, error)) *StepDefinition[T] {
	return &StepDefinition[T]{Name: name, Build: build}
}

// Registry maps step definition names to type-erased builders.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]BuildFunc
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]BuildFunc)}
}

// RegisterStepDefinition registers a typed step definition, replacing any
// previous definition with the same name. The builder is wrapped in a
// closure that decodes the property bag into T first.
func RegisterStepDefinition[T any](r *Registry, def *StepDefinition[T]) {
	build := func(ctx context.Context, t *Target, props []byte) (*device.Request, error) {
		var p T
		if len(props) > 0 {
			if err := json.Unmarshal(props, &p); err != nil {
				return nil, fmt.Errorf("decode properties for step %q: %w", def.Name, err)
			}
		}
		return def.Build(ctx, t, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[def.Name] = build
}

// Get returns the builder for the given definition name.
func (r *Registry) Get(name string) (BuildFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

// Names returns the registered definition names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
