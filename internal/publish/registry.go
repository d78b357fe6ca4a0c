package publish

import (
	"sort"
	"sync"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// Registry maps platform names to publisher adapters.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]domain.Publisher
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[string]domain.Publisher)}
}

// Register installs p for platform, replacing any previous adapter.
func (r *Registry) Register(platform string, p domain.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[platform] = p
}

// Get returns the adapter for platform.
func (r *Registry) Get(platform string) (domain.Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	return p, ok
}

// Platforms lists the registered platforms in name order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
