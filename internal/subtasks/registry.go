// Package subtasks implements the typed subtask-kind registry mandated by
// the controller's design notes: a closed set of kinds known to the
// controller, each carrying a statically-checked args schema. The
// implementation of a kind (what it actually does on the machine) lives
// only in the agent runtime — the controller only ever sees
// {kind, args} -> {status, result, error}.
package subtasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind describes one registered subtask kind known to the controller.
type Kind struct {
	Name        string
	Description string

	// ArgsSchema is a JSON Schema document (as a Go value, marshaled to JSON
	// internally) describing the shape of a subtask's args. Nil means args
	// are not validated at all.
	ArgsSchema map[string]any

	compiled *jsonschema.Schema
}

// Registry is the closed, in-memory catalog of subtask kinds the controller
// accepts. It is constructed once at startup and passed down explicitly
// (no global singletons).
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register adds a kind to the catalog, compiling its schema if present.
// Registering the same name twice is an error — kinds are closed at startup.
func (r *Registry) Register(k Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[k.Name]; exists {
		return fmt.Errorf("subtask kind %q already registered", k.Name)
	}

	if k.ArgsSchema != nil {
		compiled, err := compileSchema(k.Name, k.ArgsSchema)
		if err != nil {
			return fmt.Errorf("compile args schema for %q: %w", k.Name, err)
		}
		k.compiled = compiled
	}

	r.kinds[k.Name] = &k
	return nil
}

// Lookup returns the kind for name, or false if it is not registered.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return Kind{}, false
	}
	return *k, true
}

// List returns the catalog sorted by registration order is not guaranteed;
// callers that need a stable order should sort the result themselves.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, *k)
	}
	return out
}

// Validate checks argsJSON (a JSON object, serialized) against the named
// kind's schema. Unknown kinds and schema violations both surface as plain
// errors; callers convert them to coordination.KindInvalidInput.
func (r *Registry) Validate(name string, argsJSON []byte) error {
	r.mu.RLock()
	k, ok := r.kinds[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown subtask kind %q", name)
	}
	if k.compiled == nil {
		return nil
	}

	var v any
	if len(argsJSON) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(argsJSON, &v); err != nil {
		return fmt.Errorf("args is not valid JSON: %w", err)
	}
	if err := k.compiled.Validate(v); err != nil {
		return fmt.Errorf("args for kind %q: %w", name, err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resourceURL := "mem://subtasks/" + name + ".json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}
