package busflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
	_ "github.com/drblury/busflow/transport/memory"
)

// Value groups the module collects contributions from.
const (
	HandlersGroup    = "busflow.handlers"
	MiddlewareGroup  = "busflow.middleware"
	TransportsGroup  = "busflow.transports"
	SerializersGroup = "busflow.serializers"
	MessagesGroup    = "busflow.messages"
)

// BusName returns the fx name under which the bus called name is provided,
// for use in `name:"..."` tags.
func BusName(name string) string {
	return "busflow.bus." + name
}

// TransportScheme contributes a transport builder to the module's registry.
type TransportScheme struct {
	Schemes      []string
	Builder      TransportBuilder
	Capabilities TransportCapabilities
}

// HandlerOption configures a handler registration made by AsHandler.
type HandlerOption func(r *HandlerRegistration)

func OnBus(bus string) HandlerOption {
	return func(r *HandlerRegistration) { r.OnBus(bus) }
}

func Handles(sample any) HandlerOption {
	return func(r *HandlerRegistration) { r.Handles(sample) }
}

func Method(name string) HandlerOption {
	return func(r *HandlerRegistration) { r.Method(name) }
}

func Alias(alias string) HandlerOption {
	return func(r *HandlerRegistration) { r.Alias(alias) }
}

func Priority(priority int) HandlerOption {
	return func(r *HandlerRegistration) { r.Priority(priority) }
}

func FromTransport(transport string) HandlerOption {
	return func(r *HandlerRegistration) { r.FromTransport(transport) }
}

func Accepts(samples ...any) HandlerOption {
	return func(r *HandlerRegistration) { r.Accepts(samples...) }
}

// Module provides a Messenger built from cfg and the contributions to the
// busflow value groups, its BusLocator, the default MessageBus and every
// configured bus as a *Bus named BusName(name).
//
// The panel and metrics servers start with the application; transports are
// closed when it stops.
func Module(cfg Config) fx.Option {
	provides := []any{
		newMessenger,
		busLocator,
		defaultBus,
	}
	for _, name := range cfg.WithDefaults().BusNames() {
		provides = append(provides, fx.Annotate(namedBus(name), fx.ResultTags(`name:"`+BusName(name)+`"`)))
	}
	return fx.Module("busflow",
		fx.Supply(cfg),
		fx.Provide(provides...),
		fx.Invoke(registerLifecycle),
	)
}

// WithLogger makes log available to the module and routes the fx event log
// through it.
func WithLogger(log ServiceLogger) fx.Option {
	return fx.Options(
		fx.Provide(func() ServiceLogger { return log }),
		fx.WithLogger(func() fxevent.Logger { return NewFxEventLogger(log) }),
	)
}

// AsHandler provides the value built by constructor and registers it as the
// handler service named service.
func AsHandler[T any](service string, constructor any, opts ...HandlerOption) fx.Option {
	return fx.Options(
		fx.Provide(constructor),
		fx.Provide(fx.Annotate(
			func(handler T) *HandlerRegistration {
				reg := NewHandler(service, handler)
				for _, opt := range opts {
					opt(reg)
				}
				return reg
			},
			fx.ResultTags(`group:"`+HandlersGroup+`"`),
		)),
	)
}

// ProvideHandler contributes a prepared registration, e.g. from
// NewLazyHandler or HandleFunc.
func ProvideHandler(reg *HandlerRegistration) fx.Option {
	return fx.Provide(fx.Annotate(
		func() *HandlerRegistration { return reg },
		fx.ResultTags(`group:"`+HandlersGroup+`"`),
	))
}

// ProvideMiddleware makes reg available to the buses by its name.
func ProvideMiddleware(reg MiddlewareRegistration) fx.Option {
	return fx.Provide(fx.Annotate(
		func() MiddlewareRegistration { return reg },
		fx.ResultTags(`group:"`+MiddlewareGroup+`"`),
	))
}

// ProvideTransport registers builder for schemes in the module's transport
// registry. The global transport.DefaultRegistry is left untouched.
func ProvideTransport(builder TransportBuilder, caps TransportCapabilities, schemes ...string) fx.Option {
	scheme := TransportScheme{Schemes: schemes, Builder: builder, Capabilities: caps}
	return fx.Provide(fx.Annotate(
		func() TransportScheme { return scheme },
		fx.ResultTags(`group:"`+TransportsGroup+`"`),
	))
}

func ProvideSerializer(name string, s Serializer) fx.Option {
	named := NamedSerializer{Name: name, Serializer: s}
	return fx.Provide(fx.Annotate(
		func() NamedSerializer { return named },
		fx.ResultTags(`group:"`+SerializersGroup+`"`),
	))
}

// ProvideMessages registers message types no local handler names, so that
// they can be decoded when received.
func ProvideMessages(samples ...any) fx.Option {
	return fx.Provide(fx.Annotate(
		func() []any { return samples },
		fx.ResultTags(`group:"`+MessagesGroup+`,flatten"`),
	))
}

type messengerParams struct {
	fx.In

	Config      Config
	Logger      ServiceLogger            `optional:"true"`
	Registerer  prometheus.Registerer    `optional:"true"`
	Hooks       WorkerHooks              `optional:"true"`
	Handlers    []*HandlerRegistration   `group:"busflow.handlers"`
	Middleware  []MiddlewareRegistration `group:"busflow.middleware"`
	Transports  []TransportScheme        `group:"busflow.transports"`
	Serializers []serializer.Named       `group:"busflow.serializers"`
	Messages    []any                    `group:"busflow.messages"`
}

func newMessenger(p messengerParams) (*Messenger, error) {
	opts := Options{
		Config:      p.Config,
		Logger:      p.Logger,
		Handlers:    p.Handlers,
		Messages:    p.Messages,
		Middleware:  p.Middleware,
		Serializers: p.Serializers,
		Registerer:  p.Registerer,
		Hooks:       p.Hooks,
	}
	if len(p.Transports) > 0 {
		registry := transport.DefaultRegistry.Clone()
		for _, t := range p.Transports {
			registry.RegisterWithCapabilities(t.Builder, t.Capabilities, t.Schemes...)
		}
		opts.Transports = registry
	}
	return New(context.Background(), opts)
}

func busLocator(m *Messenger) *BusLocator {
	return m.Buses()
}

func defaultBus(l *BusLocator) (MessageBus, error) {
	bus, err := l.Default()
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func namedBus(name string) func(l *BusLocator) (*Bus, error) {
	return func(l *BusLocator) (*Bus, error) {
		return l.Bus(name)
	}
}

func registerLifecycle(lc fx.Lifecycle, m *Messenger) {
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop:  m.Close,
	})
}
