package runtime

import (
	"context"

	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/routing"
)

// DispatchFunc processes an envelope and returns it with the stamps added on
// the way.
type DispatchFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Middleware wraps a DispatchFunc.
type Middleware func(next DispatchFunc) DispatchFunc

// MessageBus dispatches messages. Msg may be a plain message or an
// *envelope.Envelope; stamps are added to the envelope before dispatch.
type MessageBus interface {
	Dispatch(ctx context.Context, msg any, stamps ...envelope.Stamp) (*envelope.Envelope, error)
}

// Bus is one configured message bus. Every dispatch runs through the bus
// name stamp, the panel recorder when enabled, the configured middleware,
// the sender and finally the handlers.
type Bus struct {
	name     string
	table    *routing.Table
	panel    *PanelLogger
	dispatch DispatchFunc
}

type busParts struct {
	spec       routing.BusSpec
	table      *routing.Table
	types      *routing.TypeRegistry
	services   *serviceLocator
	senders    *SendersLocator
	middleware []Middleware
	panel      *PanelLogger
	logger     loggingpkg.ServiceLogger
}

func newBus(p busParts) *Bus {
	chain := []Middleware{addBusNameStamp(p.spec.Name)}
	if p.panel != nil {
		chain = append(chain, p.panel.Middleware())
	}
	chain = append(chain, p.middleware...)
	if p.senders != nil {
		chain = append(chain, sendMessages(p.senders, p.types, p.logger))
	}
	chain = append(chain, handleMessages(p.spec, p.table, p.types, p.services, p.logger))

	return &Bus{
		name:     p.spec.Name,
		table:    p.table,
		panel:    p.panel,
		dispatch: Chain(chain...)(terminal),
	}
}

// Chain composes middleware so the first element runs first.
func Chain(middleware ...Middleware) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			if middleware[i] != nil {
				next = middleware[i](next)
			}
		}
		return next
	}
}

func terminal(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return env, nil
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Table returns the routing table of the bus.
func (b *Bus) Table() *routing.Table { return b.table }

// Panel returns the panel recorder, or nil when the panel is disabled for
// the bus.
func (b *Bus) Panel() *PanelLogger { return b.panel }

// Dispatch runs msg through the bus.
func (b *Bus) Dispatch(ctx context.Context, msg any, stamps ...envelope.Stamp) (*envelope.Envelope, error) {
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var env *envelope.Envelope
	if wrapped, ok := msg.(*envelope.Envelope); ok {
		env = wrapped.With(stamps...)
	} else {
		env = envelope.Wrap(msg, stamps...)
	}
	return b.dispatch(ctx, env)
}

func addBusNameStamp(bus string) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if _, ok := envelope.Last[envelope.BusNameStamp](env); !ok {
				env = env.With(envelope.BusNameStamp{Bus: bus})
			}
			return next(ctx, env)
		}
	}
}

// handleMessages calls every handler the table lists for the message, in
// table order. Handlers that already handled a redelivered message are
// skipped. Handler errors are collected and returned together once every
// handler ran.
func handleMessages(spec routing.BusSpec, table *routing.Table, types *routing.TypeRegistry, services *serviceLocator, logger loggingpkg.ServiceLogger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			msg := env.Message()
			keys := types.List(msg)
			messageName := keys[0]
			defs := table.Lookup(keys, envelope.ReceivedFrom(env))

			var (
				errs    []error
				handled []string
				found   bool
			)
			for _, def := range defs {
				found = true
				name := def.Name()
				if envelope.IsHandledBy(env, name) {
					continue
				}
				result, err := callHandler(ctx, services, def, msg)
				if err != nil {
					logger.Debug("Handler failed", loggingpkg.LogFields{
						"bus":     spec.Name,
						"message": messageName,
						"handler": name,
						"error":   err,
					})
					errs = append(errs, err)
					continue
				}
				env = env.With(envelope.HandledStamp{Handler: name, Result: result})
				handled = append(handled, name)
			}

			if !found && !spec.AllowNoHandlers {
				return env, &errspkg.NoHandlerForMessageError{Bus: spec.Name, Message: messageName}
			}
			if failed := errspkg.NewHandlerFailedError(messageName, handled, errs...); failed != nil {
				return env, failed
			}
			return next(ctx, env)
		}
	}
}

func callHandler(ctx context.Context, services *serviceLocator, def routing.HandlerDefinition, msg any) (any, error) {
	svc, err := services.get(def.Service)
	if err != nil {
		return nil, err
	}
	return invoke(ctx, svc, def.Method, msg)
}

// sendMessages hands messages routed to transports to their senders
// instead of the local handlers. Messages received from a transport are
// always handled locally.
func sendMessages(senders *SendersLocator, types *routing.TypeRegistry, logger loggingpkg.ServiceLogger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if _, received := envelope.Last[envelope.ReceivedStamp](env); received {
				return next(ctx, env)
			}
			keys := types.List(env.Message())
			targets, err := senders.SendersFor(keys)
			if err != nil {
				return env, err
			}
			if len(targets) == 0 {
				return next(ctx, env)
			}
			for _, sender := range targets {
				env, err = sender.Send(ctx, env)
				if err != nil {
					return env, err
				}
				logger.Trace("Message sent", loggingpkg.LogFields{
					"message":   keys[0],
					"transport": sender.Name(),
				})
			}
			return env, nil
		}
	}
}
