package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/benbjohnson/clock"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/routing"
)

// MiddlewareEnv holds what middleware builders may depend on.
type MiddlewareEnv struct {
	Bus        string
	Logger     loggingpkg.ServiceLogger
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// MiddlewareBuilder constructs a bus middleware for the bus named in env.
type MiddlewareBuilder func(env MiddlewareEnv) (Middleware, error)

// MiddlewareRegistration makes a middleware available to buses by name.
// Buses list the names in their middleware configuration.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

func (r MiddlewareRegistration) build(env MiddlewareEnv) (Middleware, error) {
	switch {
	case r.Middleware != nil:
		return r.Middleware, nil
	case r.Builder != nil:
		return r.Builder(env)
	default:
		return nil, fmt.Errorf("busflow: middleware %q requires Middleware or Builder", r.Name)
	}
}

// DefaultMiddlewares returns the middleware every messenger knows by name.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		ValidationMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// middlewareSet resolves middleware names for buses.
type middlewareSet struct {
	mu            sync.RWMutex
	registrations map[string]MiddlewareRegistration
}

func newMiddlewareSet(registrations ...MiddlewareRegistration) (*middlewareSet, error) {
	set := &middlewareSet{registrations: make(map[string]MiddlewareRegistration)}
	for _, reg := range registrations {
		if reg.Name == "" {
			return nil, errors.New("busflow: middleware registration requires a name")
		}
		set.registrations[reg.Name] = reg
	}
	return set, nil
}

func (s *middlewareSet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.registrations))
	for name := range s.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// build returns the middleware for names, in order.
func (s *middlewareSet) build(names []string, env MiddlewareEnv) ([]Middleware, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Middleware, 0, len(names))
	for _, name := range names {
		reg, ok := s.registrations[name]
		if !ok {
			return nil, &errspkg.ServiceNotFoundError{Kind: "middleware", Key: name}
		}
		mw, err := reg.build(env)
		if err != nil {
			return nil, fmt.Errorf("busflow: building middleware %q for bus %q: %w", name, env.Bus, err)
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}

// CorrelationIDMiddleware stamps messages without a correlation id.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		if _, ok := envelope.Last[envelope.CorrelationIDStamp](env); !ok {
			env = env.With(envelope.CorrelationIDStamp{ID: idspkg.CreateULID()})
		}
		return next(ctx, env)
	}
}

// LogMessagesMiddleware logs every dispatched message with its payload.
// A nil logger uses the messenger logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(env MiddlewareEnv) (Middleware, error) {
			l := logger
			if l == nil {
				l = env.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(env.Bus, l), nil
		},
	}
}

func logMessagesMiddleware(bus string, logger loggingpkg.ServiceLogger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			fields := loggingpkg.LogFields{
				"bus":     bus,
				"message": routing.NameOf(env.Message()),
			}
			logger.Debug("Dispatching message", fields.With(loggingpkg.LogFields{
				"payload": jsoncodec.Dump(env.Message()),
				"stamps":  stampNames(env),
			}))
			result, err := next(ctx, env)
			if err != nil {
				logger.Error("Message dispatch failed", err, fields)
				return result, err
			}
			logger.Debug("Message dispatched", fields.With(loggingpkg.LogFields{
				"handled": len(envelope.All[envelope.HandledStamp](result)),
				"sent":    len(envelope.All[envelope.SentStamp](result)),
			}))
			return result, nil
		}
	}
}

func stampNames(env *envelope.Envelope) []string {
	stamps := env.Stamps()
	names := make([]string, 0, len(stamps))
	for _, s := range stamps {
		names = append(names, s.StampName())
	}
	return names
}

// ValidationMiddleware rejects messages implementing ozzo-validation's
// Validatable whose Validate fails. The error is unrecoverable, so workers
// do not retry such messages.
func ValidationMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "validation",
		Middleware: validationMiddleware,
	}
}

func validationMiddleware(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		if err := validation.Validate(env.Message()); err != nil {
			return env, errspkg.Unrecoverable(fmt.Errorf("busflow: invalid %s: %w", routing.NameOf(env.Message()), err))
		}
		return next(ctx, env)
	}
}

// TracerMiddleware wraps dispatching in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(env MiddlewareEnv) (Middleware, error) {
			return tracerMiddleware(env.Bus, otel.Tracer("busflow")), nil
		},
	}
}

func tracerMiddleware(bus string, tracer trace.Tracer) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			name := routing.NameOf(env.Message())
			ctx, span := tracer.Start(ctx, "Dispatch "+shortName(env.Message()))
			defer span.End()

			attrs := []attribute.KeyValue{
				attribute.String("messaging.bus", bus),
				attribute.String("messaging.message.type", name),
			}
			if from := envelope.ReceivedFrom(env); from != "" {
				attrs = append(attrs, attribute.String("messaging.source", from))
			}
			if id, ok := envelope.Last[envelope.CorrelationIDStamp](env); ok {
				attrs = append(attrs, attribute.String("messaging.correlation_id", id.ID))
			}
			span.SetAttributes(attrs...)

			result, err := next(ctx, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}

// MetricsMiddleware records dispatch durations in the
// busflow_bus_dispatch_duration_seconds histogram.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(env MiddlewareEnv) (Middleware, error) {
			hist, err := dispatchHistogram(env.Registerer)
			if err != nil {
				return nil, err
			}
			clk := env.Clock
			if clk == nil {
				clk = clock.New()
			}
			return metricsMiddleware(env.Bus, hist, clk), nil
		},
	}
}

func dispatchHistogram(registerer prometheus.Registerer) (*prometheus.HistogramVec, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "busflow",
		Subsystem: "bus",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent dispatching a message through a bus",
		Buckets:   prometheus.DefBuckets,
	}, []string{"bus", "message", "outcome"})
	if err := registerer.Register(hist); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return hist, nil
}

func metricsMiddleware(bus string, hist *prometheus.HistogramVec, clk clock.Clock) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			start := clk.Now()
			result, err := next(ctx, env)
			outcome := "handled"
			switch {
			case err != nil:
				outcome = "failed"
			case len(envelope.All[envelope.SentStamp](result)) > 0:
				outcome = "sent"
			}
			hist.WithLabelValues(bus, routing.NameOf(env.Message()), outcome).Observe(clk.Since(start).Seconds())
			return result, err
		}
	}
}

// RecovererMiddleware turns handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

func recovererMiddleware(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, env *envelope.Envelope) (result *envelope.Envelope, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = env
				err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
			}
		}()
		return next(ctx, env)
	}
}
