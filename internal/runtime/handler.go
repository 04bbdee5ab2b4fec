package runtime

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/routing"
)

// HandlerRegistration describes one handler service: its name, how to obtain
// the service value and the routing metadata attached to it. Build one with
// NewHandler, NewLazyHandler or HandleFunc.
type HandlerRegistration struct {
	service  string
	sample   any
	factory  func() (any, error)
	tag      routing.Tag
	accepts  []any
	messages []any
	err      error
}

// NewHandler registers value under service. Value is inspected for its
// methods; by default its Handle method is the entry point and the type of
// its single parameter is the handled message.
func NewHandler(service string, value any) *HandlerRegistration {
	r := &HandlerRegistration{service: service, sample: value}
	if value == nil {
		r.err = errspkg.ErrHandlerRequired
	}
	r.factory = func() (any, error) { return value, nil }
	return r
}

// NewLazyHandler registers a service that is only constructed when a message
// is first routed to it. The factory runs at most once.
func NewLazyHandler[T any](service string, factory func() (T, error)) *HandlerRegistration {
	var zero T
	r := &HandlerRegistration{service: service, sample: zero}
	if factory == nil {
		r.err = errspkg.ErrHandlerRequired
		return r
	}
	if reflect.TypeFor[T]().Kind() == reflect.Interface {
		r.err = fmt.Errorf("busflow: lazy handler %q must name a concrete type, got %s", service, reflect.TypeFor[T]())
		return r
	}
	r.factory = func() (any, error) {
		v, err := factory()
		return v, err
	}
	return r
}

// OnBus restricts the handler to one bus.
func (r *HandlerRegistration) OnBus(bus string) *HandlerRegistration {
	r.tag.Bus = bus
	return r
}

// Handles names the handled message explicitly instead of inferring it from
// the entry method. Sample may be a message value, a nil pointer of the
// message type, a reflect.Type or a literal type name.
func (r *HandlerRegistration) Handles(sample any) *HandlerRegistration {
	r.tag.Handles = routing.NameOf(sample)
	r.messages = append(r.messages, sample)
	return r
}

// Method sets the entry method.
func (r *HandlerRegistration) Method(name string) *HandlerRegistration {
	r.tag.Method = name
	return r
}

// Alias makes handlers sharing the alias run once per message.
func (r *HandlerRegistration) Alias(alias string) *HandlerRegistration {
	r.tag.Alias = alias
	return r
}

// Priority orders handlers of one message, higher first.
func (r *HandlerRegistration) Priority(priority int) *HandlerRegistration {
	r.tag.Priority = &priority
	return r
}

// FromTransport limits the handler to messages received from transport.
func (r *HandlerRegistration) FromTransport(transport string) *HandlerRegistration {
	r.tag.FromTransport = transport
	return r
}

// Accepts declares the entry method's parameter as the union of the given
// message types. Builtin members are dropped during resolution.
func (r *HandlerRegistration) Accepts(samples ...any) *HandlerRegistration {
	r.accepts = append(r.accepts, samples...)
	r.messages = append(r.messages, samples...)
	return r
}

// Service returns the service name.
func (r *HandlerRegistration) Service() string {
	return r.service
}

// Candidate returns the routing view of the registration.
func (r *HandlerRegistration) Candidate() (routing.Candidate, error) {
	if r.err != nil {
		return routing.Candidate{}, r.err
	}
	if r.service == "" {
		return routing.Candidate{}, errspkg.ErrServiceNameRequired
	}

	typeName, methods := routing.Inspect(r.sample)
	c := routing.Candidate{
		Service: r.service,
		Type:    typeName,
		Tag:     r.tag,
		Methods: methods,
	}
	if sub, ok := subscriberOf(r.sample); ok {
		c.Subscriber = true
		c.Subscriptions = sub.HandledMessages()
	}
	if len(r.accepts) > 0 {
		name := r.tag.Method
		if name == "" {
			name = routing.DefaultMethod
		}
		if m, ok := c.Methods[name]; ok && len(m.Params) > 0 {
			union := make([]routing.TypeInfo, 0, len(r.accepts))
			for _, sample := range r.accepts {
				union = append(union, routing.DescribeSample(sample))
			}
			params := append([]routing.Param(nil), m.Params...)
			params[0].Types = union
			m.Params = params
			c.Methods[name] = m
		}
	}
	return c, nil
}

// messageTypes returns the Go types the handler consumes so they can be
// registered for decoding.
func (r *HandlerRegistration) messageTypes(c routing.Candidate) []any {
	out := append([]any(nil), r.messages...)
	for _, m := range c.Methods {
		for _, p := range m.Params {
			for _, info := range p.Types {
				if info.Type != nil && !info.Builtin {
					out = append(out, info.Type)
				}
			}
		}
	}
	return out
}

// subscriberOf asks a nil pointer sample for its subscriptions through a
// zero value of the pointed-to type.
func subscriberOf(sample any) (routing.Subscriber, bool) {
	if _, ok := sample.(routing.Subscriber); !ok {
		return nil, false
	}
	rv := reflect.ValueOf(sample)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		sample = reflect.New(rv.Type().Elem()).Interface()
	}
	sub, ok := sample.(routing.Subscriber)
	return sub, ok
}

// HandleFunc registers fn as a handler of T. The compiler guarantees the
// single typed argument the resolver would otherwise check.
func HandleFunc[T any](service string, fn func(ctx context.Context, msg T) error) *HandlerRegistration {
	if fn == nil {
		return &HandlerRegistration{service: service, err: errspkg.ErrHandlerRequired}
	}
	return NewHandler(service, funcHandler[T]{fn: fn})
}

// HandleFuncWithResult is HandleFunc for handlers that return a result,
// which is recorded in the handled stamp.
func HandleFuncWithResult[T, R any](service string, fn func(ctx context.Context, msg T) (R, error)) *HandlerRegistration {
	if fn == nil {
		return &HandlerRegistration{service: service, err: errspkg.ErrHandlerRequired}
	}
	return NewHandler(service, resultFuncHandler[T, R]{fn: fn})
}

type funcHandler[T any] struct {
	fn func(context.Context, T) error
}

func (h funcHandler[T]) Handle(ctx context.Context, msg T) error {
	return h.fn(ctx, msg)
}

type resultFuncHandler[T, R any] struct {
	fn func(context.Context, T) (R, error)
}

func (h resultFuncHandler[T, R]) Handle(ctx context.Context, msg T) (R, error) {
	return h.fn(ctx, msg)
}
