package scrape

import (
	"sort"
	"sync"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// Registry maps platform names to scraper adapters.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]domain.Scraper
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]domain.Scraper)}
}

// Register installs s for platform, replacing any previous adapter.
func (r *Registry) Register(platform string, s domain.Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[platform] = s
}

// Get returns the adapter for platform.
func (r *Registry) Get(platform string) (domain.Scraper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[platform]
	return s, ok
}

// Platforms lists the registered platforms in name order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scrapers))
	for name := range r.scrapers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
