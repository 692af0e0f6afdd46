package envelope

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrDuplicateShape is returned when a validator type is registered twice.
var ErrDuplicateShape = errors.New("shape already registered")

// Shape describes the validator-specific parts of an envelope: the JSON
// Schema for "inputs" and "outputs" and the Go types they decode into.
// Empty schemas accept anything; nil constructors decode into map[string]any.
type Shape struct {
	Type         string
	InputSchema  string
	OutputSchema string
	NewInputs    func() any
	NewOutputs   func() any
}

type compiledShape struct {
	Shape
	inputs  *jsonschema.Schema
	outputs *jsonschema.Schema
}

// Registry maps validator.type to its Shape. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	shapes map[string]*compiledShape
}

func NewRegistry() *Registry {
	return &Registry{shapes: make(map[string]*compiledShape)}
}

// Register compiles the shape's schemas and adds it to the registry.
func (r *Registry) Register(s Shape) error {
	if s.Type == "" {
		return fmt.Errorf("register shape: empty validator type")
	}

	cs := &compiledShape{Shape: s}
	var err error
	if cs.inputs, err = compileShapeSchema(s.Type, "inputs", s.InputSchema); err != nil {
		return err
	}
	if cs.outputs, err = compileShapeSchema(s.Type, "outputs", s.OutputSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shapes[s.Type]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateShape, s.Type)
	}
	r.shapes[s.Type] = cs
	return nil
}

// MustRegister is Register that panics on error. Intended for package
// initialization with static schemas.
func (r *Registry) MustRegister(s Shape) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the shape registered for validatorType.
func (r *Registry) Lookup(validatorType string) (Shape, bool) {
	cs, ok := r.lookup(validatorType)
	if !ok {
		return Shape{}, false
	}
	return cs.Shape, true
}

// Types returns the registered validator types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.shapes))
	for t := range r.shapes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) lookup(validatorType string) (*compiledShape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.shapes[validatorType]
	return cs, ok
}

func compileShapeSchema(validatorType, part, schema string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, nil
	}
	url := fmt.Sprintf("https://validator.schemas.local/shapes/%s/%s.schema.json", strings.ToLower(validatorType), part)
	return compileSchema(url, schema)
}

func compileSchema(url, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}
