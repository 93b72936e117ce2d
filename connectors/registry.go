// ABOUTME: Thread-safe registry of configured connectors
// ABOUTME: Lists connectors in source priority order so merges fold deterministically
package connectors

import (
	"sort"
	"sync"

	"github.com/harperreed/contactsync/models"
)

// Registry holds the enabled connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[models.Source]Connector
	priority   []models.Source
}

// NewRegistry creates an empty registry ordered by priority.
func NewRegistry(priority []models.Source) *Registry {
	return &Registry{
		connectors: make(map[models.Source]Connector),
		priority:   append([]models.Source(nil), priority...),
	}
}

// Register adds or replaces the connector for its source.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector for a source.
func (r *Registry) Get(s models.Source) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[s]
	return c, ok
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}

// List returns connectors in priority order; unranked sources follow by name.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connector, 0, len(r.connectors))
	seen := make(map[models.Source]bool, len(r.connectors))
	for _, s := range r.priority {
		if c, ok := r.connectors[s]; ok && !seen[s] {
			out = append(out, c)
			seen[s] = true
		}
	}
	var rest []models.Source
	for s := range r.connectors {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, s := range rest {
		out = append(out, r.connectors[s])
	}
	return out
}

// Sources returns the registered source names in priority order.
func (r *Registry) Sources() []models.Source {
	list := r.List()
	out := make([]models.Source, len(list))
	for i, c := range list {
		out[i] = c.Name()
	}
	return out
}
