package routing

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the known agent categories.
type Registry struct {
	categories map[string]*Category
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		categories: make(map[string]*Category),
	}
}

// Register adds or updates a category.
func (r *Registry) Register(c Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Name == "" {
		return fmt.Errorf("category name cannot be empty")
	}
	r.categories[c.Name] = &c
	return nil
}

// Get retrieves a category by name.
func (r *Registry) Get(name string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.categories[name]
	if !ok {
		return Category{}, false
	}
	return *c, true
}

// SetEnabled toggles a category.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.categories[name]
	if !ok {
		return fmt.Errorf("category %q not found", name)
	}
	c.Enabled = enabled
	return nil
}

// Enabled returns enabled categories sorted by priority (desc), then name.
func (r *Registry) Enabled() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Category, 0, len(r.categories))
	for _, c := range r.categories {
		if c.Enabled {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RegisterDefaults registers the built-in agent categories.
func (r *Registry) RegisterDefaults() {
	defaults := []Category{
		{Name: "general", Description: "Anything without a better fit", Priority: 10, Enabled: true},
		{Name: "explore", Description: "Read and map a codebase", Priority: 90, Enabled: true},
		{Name: "build", Description: "Write or change code", Priority: 80, Enabled: true},
		{Name: "review", Description: "Review changes and find defects", Priority: 70, Enabled: true},
		{Name: "test", Description: "Write and run tests", Priority: 60, Enabled: true},
		{Name: "research", Description: "Look things up outside the repo", Priority: 50, Enabled: true},
		{Name: "docs", Description: "Write documentation", Priority: 40, Enabled: true},
	}
	for _, c := range defaults {
		r.Register(c)
	}
}
