/*
Package runtime provides the message buses, the handler invocation and the
worker of busflow.

# Architecture Overview

A Messenger is built from a configuration and a set of handler
registrations. Every handler registration is turned into a routing
candidate, the routing package resolves the candidates into one immutable
table per bus, and each bus dispatches messages through a middleware stack
that ends in those tables. Transports are Watermill publishers and
subscribers; the worker consumes them with a Watermill router.

# Package Structure

## Messenger (messenger.go)

The Messenger wires together:
  - Routing tables per bus
  - Buses and the bus locator
  - Transports, serializers and senders
  - Panel and metrics HTTP servers

## Handler Registration (handler.go, invoker.go)

NewHandler, NewLazyHandler, HandleFunc and HandleFuncWithResult describe
handler services. Entry methods are called by reflection and may take a
leading context.Context and return nothing, an error, a result or both.

## Buses (bus.go, sender.go, locator.go)

Every dispatch runs through these stages:
  - BusName: records the bus on the envelope
  - Panel: records handled messages when the panel is enabled
  - Configured middleware, by name
  - Send: hands routed messages to their transports
  - Handle: calls the handlers of the routing table in order

## Middleware (middleware.go)

Named middleware buses can list in their configuration:
  - correlation_id: stamps a correlation id
  - log_messages: debug logging of payloads
  - validation: ozzo-validation of Validatable messages
  - tracer: OpenTelemetry spans
  - metrics: Prometheus dispatch durations
  - recoverer: turns handler panics into errors

## Worker (worker.go, hooks.go, worker_metrics.go, resources.go)

Consume reads transports, dispatches received messages and retries,
moves or rejects failed ones. It stops on message, failure, time or memory
limits.

## Panel (panel.go, webui.go)

Per bus recorders of handled messages, rendered as text, HTML or JSON.

# Sub-packages

  - config/: Configuration tree, loading and validation
  - envelope/: Envelopes and stamps
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Stamp encoding as message metadata
  - routing/: Handler resolution and routing tables
  - serializer/: Envelope serializers

# Usage Example

	m, err := runtime.New(ctx, runtime.Options{
		Config: cfg,
		Handlers: []*runtime.HandlerRegistration{
			runtime.HandleFunc("orders.place", placeOrder),
			runtime.NewHandler("orders.notify", notifier).Priority(10),
		},
	})
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	env, err := m.Dispatch(ctx, PlaceOrder{ID: "42"})
*/
package runtime
