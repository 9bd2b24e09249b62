package handlers

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/tevix/nodeflow/pkg/schema"
)

// Registry is the thread-safe node type registry. It maps node type
// identifiers to handler implementations and is the engine's single dispatch
// point.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Registration validates up front: nil handlers,
// empty type names and duplicates are rejected so bad wiring fails at startup
// rather than mid-run.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	typeName := h.Type()
	if typeName == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typeName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", typeName)
	}

	r.handlers[typeName] = h
	return nil
}

// Resolve retrieves the handler for a node type.
func (r *Registry) Resolve(typeName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[typeName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node type %q not registered", typeName)
	}
	return h, nil
}

// Has checks whether a node type is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typeName]
	return ok
}

// ConfigSchemaFor returns the config schema of the handler for a node type.
func (r *Registry) ConfigSchemaFor(typeName string) (json.RawMessage, error) {
	h, err := r.Resolve(typeName)
	if err != nil {
		return nil, err
	}
	return h.ConfigSchema(), nil
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
