// Package registry owns the named services of a member and the custom read
// resolvers they reference. It is created at start, passed by reference and
// closed at stop.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/distcache/internal/locator"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Service is a named component with a lifecycle
type Service interface {
	Name() string
	Close() error
}

// Registry holds named services and resolvers
type Registry struct {
	mu        sync.RWMutex
	services  map[string]Service
	order     []string
	resolvers map[string]locator.Resolver
	closed    bool
	logger    *zap.Logger
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	return &Registry{
		services:  make(map[string]Service),
		resolvers: make(map[string]locator.Resolver),
		logger:    logger,
	}
}

// Register adds a service under its name
func (r *Registry) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("registry is closed")
	}
	name := svc.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	r.services[name] = svc
	r.order = append(r.order, name)

	r.logger.Info("Service registered", zap.String("service", name))
	return nil
}

// Lookup returns the service registered under name
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns the registered services in registration order
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name])
	}
	return out
}

// RegisterResolver makes a custom read resolver available as custom:<ref>
func (r *Registry) RegisterResolver(ref string, res locator.Resolver) error {
	if ref == "" {
		return fmt.Errorf("resolver reference is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resolvers[ref]; exists {
		return fmt.Errorf("resolver %q already registered", ref)
	}
	r.resolvers[ref] = res
	return nil
}

// Resolver implements locator.ResolverSource
func (r *Registry) Resolver(ref string) (locator.Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[ref]
	return res, ok
}

// ResolverRefs lists registered resolver references
func (r *Registry) ResolverRefs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.resolvers))
	for ref := range r.resolvers {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Close closes every service in reverse registration order.
// Later calls are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	order := append([]string(nil), r.order...)
	services := r.services
	r.mu.Unlock()

	var result *multierror.Error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := services[name].Close(); err != nil {
			r.logger.Error("Failed to close service", zap.String("service", name), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
			continue
		}
		r.logger.Info("Service closed", zap.String("service", name))
	}
	return result.ErrorOrNil()
}
