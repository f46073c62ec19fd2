package router

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/router/adapters"
)

// Registry maps each provider family to the adapter that speaks its protocol.
type Registry struct {
	mu       sync.RWMutex
	adapters map[config.Family]adapters.Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[config.Family]adapters.Adapter),
	}
}

func (r *Registry) Register(adapter adapters.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Family()] = adapter
}

// ForFamily returns the adapter for family or an error wrapping ErrUnknownFamily.
// There is no fallback to another protocol.
func (r *Registry) ForFamily(family config.Family) (adapters.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	return a, nil
}

// Families lists the registered families.
func (r *Registry) Families() []config.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.Family, 0, len(r.adapters))
	for _, f := range config.Families() {
		if _, ok := r.adapters[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// NewHTTPClient builds the shared outbound client. Per-call deadlines come from
// the request context, so the client itself has no timeout.
func NewHTTPClient(maxIdlePerHost int) *http.Client {
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 32
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        maxIdlePerHost * 4,
			MaxIdleConnsPerHost: maxIdlePerHost,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// BuildRegistry registers one adapter per known family over a shared client.
func BuildRegistry(client *http.Client) *Registry {
	registry := NewRegistry()
	registry.Register(adapters.NewOpenAIAdapter(client))
	registry.Register(adapters.NewAnthropicAdapter(client))
	registry.Register(adapters.NewGeminiAdapter(client))
	return registry
}
