package provider

import (
	"context"
	"sort"
	"sync"
)

// Backend is the capability contract every plugin implements. Concrete
// backends live behind it and must be swappable without touching the router.
type Backend interface {
	// List returns recent records for the account.
	List(ctx context.Context, acct LiveAccount, q ListQuery) ([]NormalizedRecord, error)
	// Read returns a single record by its provider-local id.
	Read(ctx context.Context, acct LiveAccount, providerEntityID string) (*NormalizedRecord, error)
	// Send delivers a draft and returns the provider message id.
	Send(ctx context.Context, acct LiveAccount, d Draft) (string, error)
	// Search returns records matching the query.
	Search(ctx context.Context, acct LiveAccount, q SearchQuery) ([]NormalizedRecord, error)
}

// Registration binds a plugin id to its backend and category.
type Registration struct {
	PluginID string
	Category Category
	Backend  Backend
}

// Registry is the process-wide plugin table. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Registration
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Registration)}
}

// Register adds or replaces a plugin registration.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[reg.PluginID] = reg
}

// Backend returns the backend for a plugin id.
func (r *Registry) Backend(pluginID string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.plugins[pluginID]
	if !ok {
		return nil, false
	}
	return reg.Backend, true
}

// Category returns the category a plugin belongs to.
func (r *Registry) Category(pluginID string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.plugins[pluginID]
	if !ok {
		return "", false
	}
	return reg.Category, true
}

// PluginsInCategory returns the plugin ids registered under a category,
// sorted for deterministic iteration.
func (r *Registry) PluginsInCategory(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, reg := range r.plugins {
		if reg.Category == cat {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
