package relay

import (
	"fmt"
	"sync"
)

// ToolRegistry owns the catalog of callable tools and their compiled
// validators. A registry belongs to exactly one bridge client; there is no
// cross-connection sharing.
type ToolRegistry struct {
	mu         sync.RWMutex
	order      []string
	tools      map[string]Tool
	validators map[string]*SchemaValidator
	logger     func(format string, args ...interface{})
}

func NewToolRegistry(logger func(format string, args ...interface{})) *ToolRegistry {
	if logger == nil {
		logger = func(format string, args ...interface{}) {}
	}
	return &ToolRegistry{
		tools:      make(map[string]Tool),
		validators: make(map[string]*SchemaValidator),
		logger:     logger,
	}
}

// Register stores a tool, replacing any prior entry with the same name.
// Validator compilation failure is non-fatal: the tool is still stored and
// validation falls back to permissive.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	delete(r.validators, t.Name)
	if t.InputSchema == nil {
		return nil
	}
	v, err := compileStrictValidator(t.InputSchema)
	if err != nil {
		r.logger("warning: could not compile input schema for tool %q: %v", t.Name, err)
		return nil
	}
	r.validators[t.Name] = v
	return nil
}

func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// GetHandler returns the handler for name, if the tool exists and has one.
func (r *ToolRegistry) GetHandler(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok || t.Handler == nil {
		return nil, false
	}
	return t.Handler, true
}

// GetDefinition returns the tool without its handler.
func (r *ToolRegistry) GetDefinition(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return t.definition(), true
}

// GetAll returns handler-free definitions in registration order. The order
// is stable within a session; callers must not depend on more than that.
func (r *ToolRegistry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].definition())
	}
	return out
}

// Validate checks args against the tool's compiled validator. Absence of a
// validator must never block execution, so an unknown name or a tool whose
// schema failed to compile validates as valid. args may be mutated in
// place (defaults, coercion); callers must use the post-validation value.
func (r *ToolRegistry) Validate(name string, args map[string]any) ValidationResult {
	r.mu.RLock()
	v := r.validators[name]
	r.mu.RUnlock()
	if v == nil {
		return ValidationResult{IsValid: true}
	}
	return v.Validate(args)
}

// SetHandler attaches a handler to an existing tool. An unknown name gets
// a minimal synthesized definition so handlers can be bound late without
// redeclaring the schema.
func (r *ToolRegistry) SetHandler(name string, handler ToolHandler) error {
	if name == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	if t, ok := r.tools[name]; ok {
		t.Handler = handler
		r.tools[name] = t
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.Register(Tool{
		Name:        name,
		InputSchema: map[string]any{"type": "object"},
		Handler:     handler,
	})
}

// Clear removes all tools and validators.
func (r *ToolRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.tools = make(map[string]Tool)
	r.validators = make(map[string]*SchemaValidator)
}

func (r *ToolRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
