package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Service is one invocable unit of server logic. Invoke receives the
// opaque argument bytes of a call and returns the result bytes. The
// context is cancelled when the processor shuts down.
type Service interface {
	Invoke(ctx context.Context, args []byte) ([]byte, error)
}

// ServiceFunc adapts a plain function to the Service interface.
type ServiceFunc func(ctx context.Context, args []byte) ([]byte, error)

// Invoke implements Service.
func (f ServiceFunc) Invoke(ctx context.Context, args []byte) ([]byte, error) {
	return f(ctx, args)
}

// Registry maps service names to implementations. Registration happens
// at startup; lookups run on every request.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register installs svc under name. Registering an empty name, a nil
// service or a name already taken is an error.
func (r *Registry) Register(name string, svc Service) error {
	if name == "" {
		return fmt.Errorf("registry: empty service name")
	}
	if svc == nil {
		return fmt.Errorf("registry: nil service for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("registry: service %q already registered", name)
	}
	r.services[name] = svc
	return nil
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
