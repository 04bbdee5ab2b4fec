// Package busflow is a message bus for Go services built on Watermill. It
// discovers handler services, resolves a routing table per bus and
// dispatches messages to the handlers synchronously or through transports
// (in-memory, AMQP, Kafka, NATS, JetStream, HTTP, SNS, SQL databases or
// files).
//
// A Messenger is built from a Config and a list of handler registrations.
// NewHandler inspects a service for its Handle method; the type of the
// method's first argument names the message it handles. Interfaces route
// every message implementing them, and services that implement Subscriber
// list their messages, methods and priorities themselves:
//
//	m, err := busflow.New(ctx, busflow.Options{
//		Config: cfg,
//		Handlers: []*busflow.HandlerRegistration{
//			busflow.NewHandler("orders", &OrderHandler{}).Priority(10),
//			busflow.HandleFunc("audit", func(ctx context.Context, msg Auditable) error { ... }),
//		},
//	})
//	env, err := m.Dispatch(ctx, PlaceOrder{ID: "42"})
//
// Routing is resolved once when the Messenger is built. A handler whose
// signature cannot be routed, or two handlers for one message on a bus
// configured with singleHandlerPerMessage, fail construction instead of the
// first dispatch.
//
// # Buses
//
// Every configured bus has its own routing table and middleware chain. The
// built-in middleware are correlation_id, log_messages, validation, tracer,
// metrics and recoverer; more can be registered by name through
// Options.Middleware. Messages routed to transports in the routing section
// are sent instead of handled; Messenger.Consume receives them again,
// retries failures with the transport's retry strategy and finally moves
// them to the failure transport.
//
// # Dependency injection
//
// Module wires a Messenger into a go.uber.org/fx application. Handlers,
// middleware, transports and serializers are contributed through value
// groups (AsHandler, ProvideHandler, ProvideMiddleware, ProvideTransport,
// ProvideSerializer), and each bus is provided under BusName(name).
//
// # Console
//
// The console package provides consume, debug and config validate cobra
// commands for applications embedding a Messenger.
package busflow
