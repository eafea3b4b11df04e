package tools

import (
	"fmt"
	"sort"
	"sync"

	"autonomy/internal/logging"
	"autonomy/internal/types"
)

// Registry holds all available tools and provides lookup by name and by
// category. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	byCategory map[Category][]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		byCategory: make(map[Category][]*Tool),
	}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(tool *Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("invalid tool: empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("invalid tool %s: nil handler", tool.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Definition.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Definition.Name)
	}
	r.tools[tool.Definition.Name] = tool
	r.byCategory[tool.Category] = append(r.byCategory[tool.Category], tool)

	logging.ToolsDebug("registered tool %s (category=%s)", tool.Definition.Name, tool.Category)
	return nil
}

// MustRegister registers a tool and panics on error. For static
// registration at construction time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Definition.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool definitions for the given categories, in
// stable name order, ready to hand to the model client.
func (r *Registry) Definitions(categories ...Category) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ToolDefinition
	for _, cat := range categories {
		for _, t := range r.byCategory[cat] {
			out = append(out, t.Definition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
