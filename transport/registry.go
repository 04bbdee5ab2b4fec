package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps DSN schemes to their builders and capabilities.
// Transport packages register themselves using RegisterWithCapabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Clone returns an independent copy of r.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for scheme, builder := range r.builders {
		out.builders[scheme] = builder
	}
	for scheme, caps := range r.capabilities {
		out.capabilities[scheme] = caps
	}
	return out
}

// Register adds a builder for the given DSN schemes.
func (r *Registry) Register(builder Builder, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.builders[scheme] = builder
	}
}

// RegisterWithCapabilities adds a builder and its capabilities for the given
// DSN schemes.
func (r *Registry) RegisterWithCapabilities(builder Builder, caps Capabilities, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.builders[scheme] = builder
		r.capabilities[scheme] = caps
	}
}

// GetCapabilities returns the capabilities registered for scheme. Unknown
// schemes get a zero Capabilities value carrying only the name.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[scheme]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build creates the transport described by def using the builder of its
// scheme.
func (r *Registry) Build(ctx context.Context, def Definition, logger watermill.LoggerAdapter) (Transport, error) {
	r.mu.RLock()
	builder, ok := r.builders[def.DSN.Scheme]
	r.mu.RUnlock()

	if !ok {
		return Transport{}, fmt.Errorf("%w: %q for transport %q (registered: %v)", ErrUnknownScheme, def.DSN.Scheme, def.Name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return builder(ctx, def, logger)
}

// Names returns the registered schemes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a builder is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[scheme]
	return ok
}

// Register adds a builder to the default registry.
func Register(builder Builder, schemes ...string) {
	DefaultRegistry.Register(builder, schemes...)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(builder Builder, caps Capabilities, schemes ...string) {
	DefaultRegistry.RegisterWithCapabilities(builder, caps, schemes...)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, def Definition, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, def, logger)
}
