// Package transport defines how busflow reaches message infrastructure.
//
// A transport is addressed by a DSN whose scheme selects the implementation.
// Every implementation lives in its own sub-package and registers itself with
// the DefaultRegistry on import; import
// github.com/drblury/busflow/transport/transports to get all of them.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	// ErrUnknownScheme is returned when no builder is registered for a DSN scheme.
	ErrUnknownScheme = errors.New("busflow: unknown transport scheme")
	// ErrPublisherClosed is returned by publishers used after Close.
	ErrPublisherClosed = errors.New("busflow: publisher closed")
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber. A pair backed by one value
// is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Definition is everything a builder gets to know about one configured
// transport.
type Definition struct {
	// Name is the transport name used in routing and by the worker.
	Name string
	DSN  DSN
}

// Topic returns the topic the transport publishes to and consumes from: the
// "topic" DSN option, falling back to the transport name.
func (d Definition) Topic() string {
	return d.DSN.Option("topic", d.Name)
}

// NewDefinition parses dsn into a Definition.
func NewDefinition(name, dsn string) (Definition, error) {
	parsed, err := ParseDSN(dsn)
	if err != nil {
		return Definition{}, fmt.Errorf("transport %q: %w", name, err)
	}
	return Definition{Name: name, DSN: parsed}, nil
}

// Builder creates a transport from its definition.
type Builder func(ctx context.Context, def Definition, logger watermill.LoggerAdapter) (Transport, error)

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by transports that can report queue statistics.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
