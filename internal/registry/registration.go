package registry

import (
	"context"
	"sync"
)

// Registration ties a domain service's lifetime to its registry entry:
// Start registers it, Stop removes it again.
type Registration struct {
	registry *Registry
	name     string
	url      string

	mu     sync.Mutex
	active bool
}

func NewRegistration(r *Registry, name, url string) *Registration {
	return &Registration{registry: r, name: name, url: url}
}

func (g *Registration) Name() string {
	return g.name
}

func (g *Registration) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.registry.Register(ctx, g.name, g.url); err != nil {
		return err
	}
	g.active = true
	return nil
}

// Stop unregisters the service. Calling it more than once, or without a
// successful Start, does nothing.
func (g *Registration) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return nil
	}
	if err := g.registry.Unregister(ctx, g.name); err != nil {
		return err
	}
	g.active = false
	return nil
}
