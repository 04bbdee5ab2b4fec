// Package routing turns registered handler services into immutable,
// per-bus routing tables.
//
// Resolution is a pure function over Candidate metadata: it never touches
// live service instances, so the same candidate set always produces the same
// tables. The runtime builds candidates from Go values (see Inspect), the
// resolver turns them into HandlerDefinitions, and a Table answers
// dispatch-time lookups.
package routing

import "reflect"

// DefaultMethod is the entry method used when neither the tag nor a
// subscription names one.
const DefaultMethod = "Handle"

// Wildcard is the catch-all message key consulted after every concrete type.
const Wildcard = "*"

// TypeInfo describes one declared type of a handler parameter.
type TypeInfo struct {
	Name    string
	Builtin bool
	// Type is the Go type the name was derived from, when known.
	Type reflect.Type
}

// Param describes one handler method parameter.
type Param struct {
	Name string
	// Types holds the declared type. It is empty when the parameter accepts
	// anything and holds more than one element for a union.
	Types    []TypeInfo
	Optional bool
}

// Method describes a callable entry point of a handler service.
type Method struct {
	Name   string
	Params []Param
}

// RequiredParams counts the parameters a caller must supply.
func (m Method) RequiredParams() int {
	n := 0
	for _, p := range m.Params {
		if !p.Optional {
			n++
		}
	}
	return n
}

// Tag carries the typed metadata attached to a handler registration. Zero
// values mean "not set".
type Tag struct {
	Bus           string
	Handles       string
	Method        string
	Alias         string
	Priority      *int
	FromTransport string
}

// Subscription is one entry of a subscriber's handled message list.
type Subscription struct {
	Message       string
	Method        string
	Bus           string
	Priority      *int
	FromTransport string
}

// Subscribe starts a Subscription for the message type of sample. Sample may
// be a message value, a nil pointer of the message type, a reflect.Type or a
// literal type name.
func Subscribe(sample any) Subscription {
	return Subscription{Message: NameOf(sample)}
}

// WithMethod returns a copy of s handled by the named method.
func (s Subscription) WithMethod(method string) Subscription {
	s.Method = method
	return s
}

// OnBus returns a copy of s restricted to bus.
func (s Subscription) OnBus(bus string) Subscription {
	s.Bus = bus
	return s
}

// WithPriority returns a copy of s with an explicit priority.
func (s Subscription) WithPriority(priority int) Subscription {
	s.Priority = &priority
	return s
}

// WithFromTransport returns a copy of s that only handles messages received
// from transport.
func (s Subscription) WithFromTransport(transport string) Subscription {
	s.FromTransport = transport
	return s
}

// Subscriber is implemented by handler services that declare their handled
// messages programmatically.
type Subscriber interface {
	HandledMessages() []Subscription
}

// Candidate is a registered handler service as seen by the resolver.
type Candidate struct {
	Service string
	Type    string
	Tag     Tag
	// Subscriber marks candidates whose Subscriptions replace type
	// inference, even when the list is empty.
	Subscriber    bool
	Subscriptions []Subscription
	Methods       map[string]Method
}

// BusSpec is the per-bus configuration relevant to resolution and dispatch.
type BusSpec struct {
	Name                    string
	SingleHandlerPerMessage bool
	AllowNoHandlers         bool
	Middleware              []string
	Panel                   bool
}

// Options holds the resolved per-definition settings.
type Options struct {
	Bus           string
	Priority      int
	FromTransport string
}

// HandlerDefinition is a resolved routing entry.
type HandlerDefinition struct {
	Service string
	Type    string
	Method  string
	Alias   string
	Options Options
}

// Name identifies the handler at dispatch time. Definitions sharing a type,
// method and alias share a name and therefore run once per message.
func (d HandlerDefinition) Name() string {
	alias := d.Alias
	if alias == "" {
		alias = d.Service
	}
	return d.Type + "." + d.Method + "@" + alias
}
