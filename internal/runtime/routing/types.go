package routing

import (
	"reflect"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const typeListCacheSize = 512

// TypeRegistry knows the message types a messenger deals with. It maps
// routing names back to Go types for decoding and lists, for a concrete
// message, every key a handler or route may be registered under.
type TypeRegistry struct {
	mu         sync.RWMutex
	byName     map[string]reflect.Type
	interfaces []reflect.Type
	lists      *lru.Cache[reflect.Type, []string]
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	cache, _ := lru.New[reflect.Type, []string](typeListCacheSize)
	return &TypeRegistry{
		byName: make(map[string]reflect.Type),
		lists:  cache,
	}
}

// Register records the types of the given samples. Samples may be values,
// nil pointers or reflect.Type values; strings are ignored.
func (r *TypeRegistry) Register(samples ...any) {
	for _, sample := range samples {
		if _, ok := sample.(string); ok {
			continue
		}
		r.RegisterType(TypeOf(sample))
	}
}

// RegisterType records t. Interface types take part in List; concrete types
// become decodable by name.
func (r *TypeRegistry) RegisterType(t reflect.Type) {
	if t == nil {
		return
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	name := TypeName(base)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return
	}
	r.byName[name] = base
	if base.Kind() == reflect.Interface {
		r.interfaces = append(r.interfaces, base)
		r.lists.Purge()
	}
}

// Lookup returns the Go type registered under name.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Len returns the number of registered types.
func (r *TypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// List returns the lookup keys for msg: its own type name, then every
// registered interface it implements in registration order, then Wildcard.
func (r *TypeRegistry) List(msg any) []string {
	t := reflect.TypeOf(msg)
	if t == nil {
		return []string{Wildcard}
	}
	if cached, ok := r.lists.Get(t); ok {
		return cached
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := []string{TypeName(t)}
	for _, iface := range r.interfaces {
		if implements(t, iface) {
			names = append(names, TypeName(iface))
		}
	}
	names = append(names, Wildcard)
	// Cached under the read lock so a concurrent RegisterType purges after it.
	r.lists.Add(t, names)
	return names
}

func implements(t, iface reflect.Type) bool {
	if t.Implements(iface) {
		return true
	}
	return t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(iface)
}
