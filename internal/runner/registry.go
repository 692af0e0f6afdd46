package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/validator/internal/envelope"
)

// Registry holds runners keyed by validator type.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds r under its metadata type, replacing any previous runner for
// that type.
func (r *Registry) Register(rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[rn.Metadata().Type] = rn
}

// Resolve returns the runner for validatorType.
func (r *Registry) Resolve(validatorType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[validatorType]
	if !ok {
		return nil, fmt.Errorf("%w: validator type %q", ErrRunnerNotFound, validatorType)
	}
	return rn, nil
}

// List returns the metadata of every registered runner, sorted by type for
// a stable API response.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.runners))
	for _, rn := range r.runners {
		out = append(out, rn.Metadata())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type < out[j].Type
	})
	return out
}

// RegisterShapes adds the envelope shape of every Shaped runner to shapes.
// Runners without a declared shape get an open one so their envelopes still
// decode.
func (r *Registry) RegisterShapes(shapes *envelope.Registry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		shape := envelope.Shape{Type: t}
		if s, ok := r.runners[t].(Shaped); ok {
			shape = s.Shape()
			shape.Type = t
		}
		if err := shapes.Register(shape); err != nil {
			return fmt.Errorf("register shape for %s: %w", t, err)
		}
	}
	return nil
}
