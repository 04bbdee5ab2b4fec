package busflow

import (
	"context"
	"time"

	"github.com/drblury/busflow/internal/runtime"
	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/routing"
	"github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
)

type (
	Messenger      = runtime.Messenger
	Options        = runtime.Options
	Bus            = runtime.Bus
	MessageBus     = runtime.MessageBus
	BusLocator     = runtime.BusLocator
	DispatchFunc   = runtime.DispatchFunc
	Middleware     = runtime.Middleware
	MiddlewareEnv  = runtime.MiddlewareEnv
	Sender         = runtime.Sender
	SendersLocator = runtime.SendersLocator

	MiddlewareBuilder      = runtime.MiddlewareBuilder
	MiddlewareRegistration = runtime.MiddlewareRegistration
	HandlerRegistration    = runtime.HandlerRegistration

	ConsumeOptions = runtime.ConsumeOptions
	ConsumeResult  = runtime.ConsumeResult
	StopReason     = runtime.StopReason
	WorkerHooks    = runtime.WorkerHooks
	WorkerEvent    = runtime.WorkerEvent
	WorkerMetrics  = runtime.WorkerMetrics
	FailureAction  = runtime.FailureAction

	Panel          = runtime.Panel
	PanelLogger    = runtime.PanelLogger
	HandledMessage = runtime.HandledMessage

	Config           = configpkg.Config
	BusConfig        = configpkg.BusConfig
	TransportConfig  = configpkg.TransportConfig
	RetryStrategy    = configpkg.RetryStrategy
	Route            = configpkg.Route
	PanelConfig      = configpkg.PanelConfig
	MetricsConfig    = configpkg.MetricsConfig
	SerializerConfig = configpkg.SerializerConfig

	Envelope                    = envelope.Envelope
	Stamp                       = envelope.Stamp
	BusNameStamp                = envelope.BusNameStamp
	ReceivedStamp               = envelope.ReceivedStamp
	SentStamp                   = envelope.SentStamp
	HandledStamp                = envelope.HandledStamp
	RedeliveryStamp             = envelope.RedeliveryStamp
	DelayStamp                  = envelope.DelayStamp
	SentToFailureTransportStamp = envelope.SentToFailureTransportStamp
	ErrorDetailsStamp           = envelope.ErrorDetailsStamp
	TransportMessageIDStamp     = envelope.TransportMessageIDStamp
	CorrelationIDStamp          = envelope.CorrelationIDStamp

	// Subscription is returned by services that list their messages through
	// HandledMessages.
	Subscription      = routing.Subscription
	Subscriber        = routing.Subscriber
	HandlerDefinition = routing.HandlerDefinition
	RoutingTable      = routing.Table

	Serializer      = serializer.Serializer
	NamedSerializer = serializer.Named

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields
	Metadata      = metadatapkg.Metadata

	InvalidHandlerServiceError = errspkg.InvalidHandlerServiceError
	MultipleHandlersFoundError = errspkg.MultipleHandlersFoundError
	NoHandlerForMessageError   = errspkg.NoHandlerForMessageError
	HandlerFailedError         = errspkg.HandlerFailedError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportDefinition   = transport.Definition
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewHandler     = runtime.NewHandler
	NewBusLocator  = runtime.NewBusLocator
	NewPanelLogger = runtime.NewPanelLogger
	Chain          = runtime.Chain
	RetryDelay     = runtime.RetryDelay

	LoadConfig       = configpkg.Load
	LoadConfigReader = configpkg.LoadReader

	Subscribe = routing.Subscribe
	NameOf    = routing.NameOf

	DefaultMiddlewares      = runtime.DefaultMiddlewares
	CorrelationIDMiddleware = runtime.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtime.LogMessagesMiddleware
	ValidationMiddleware    = runtime.ValidationMiddleware
	TracerMiddleware        = runtime.TracerMiddleware
	MetricsMiddleware       = runtime.MetricsMiddleware
	RecovererMiddleware     = runtime.RecovererMiddleware

	LoggingHooks = runtime.LoggingHooks
	MetricsHooks = runtime.MetricsHooks

	Wrap         = envelope.Wrap
	ReceivedFrom = envelope.ReceivedFrom
	RetryCount   = envelope.RetryCount

	Unrecoverable   = errspkg.Unrecoverable
	IsUnrecoverable = errspkg.IsUnrecoverable

	ErrInvalidHandlerService = errspkg.ErrInvalidHandlerService
	ErrMultipleHandlersFound = errspkg.ErrMultipleHandlersFound
	ErrNoHandlerForMessage   = errspkg.ErrNoHandlerForMessage
	ErrHandlerFailed         = errspkg.ErrHandlerFailed
	ErrSenderNotFound        = errspkg.ErrSenderNotFound
	ErrServiceNotFound       = errspkg.ErrServiceNotFound
	ErrBusNotFound           = errspkg.ErrBusNotFound
	ErrUnknownMessageType    = errspkg.ErrUnknownMessageType
	ErrServiceNameRequired   = errspkg.ErrServiceNameRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrMessageRequired       = errspkg.ErrMessageRequired
	ErrMessengerClosed       = errspkg.ErrMessengerClosed
	ErrUnknownScheme         = transport.ErrUnknownScheme

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewFxEventLogger     = loggingpkg.NewFxEventLogger

	CreateULID = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

// Metadata keys written by the serializers.
const (
	MetadataKeyType             = metadatapkg.KeyType
	MetadataKeyBus              = metadatapkg.KeyBus
	MetadataKeyRetryCount       = metadatapkg.KeyRetryCount
	MetadataKeyDelay            = metadatapkg.KeyDelay
	MetadataKeyOriginalReceiver = metadatapkg.KeyOriginalReceiver
	MetadataKeyErrorMessage     = metadatapkg.KeyErrorMessage
	MetadataKeyHandled          = metadatapkg.KeyHandled
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
)

// Reasons a worker stops.
const (
	StopContextDone  = runtime.StopContextDone
	StopMessageLimit = runtime.StopMessageLimit
	StopFailureLimit = runtime.StopFailureLimit
	StopTimeLimit    = runtime.StopTimeLimit
	StopMemoryLimit  = runtime.StopMemoryLimit
)

const (
	FailureRetried                = runtime.FailureRetried
	FailureSentToFailureTransport = runtime.FailureSentToFailureTransport
	FailureRejected               = runtime.FailureRejected
)

// New builds a Messenger from opts.
func New(ctx context.Context, opts Options) (*Messenger, error) {
	return runtime.New(ctx, opts)
}

// NewLazyHandler registers a handler service that is built on its first
// dispatch.
func NewLazyHandler[T any](service string, factory func() (T, error)) *HandlerRegistration {
	return runtime.NewLazyHandler(service, factory)
}

// HandleFunc registers fn as the handler service named service.
func HandleFunc[T any](service string, fn func(ctx context.Context, msg T) error) *HandlerRegistration {
	return runtime.HandleFunc(service, fn)
}

func HandleFuncWithResult[T, R any](service string, fn func(ctx context.Context, msg T) (R, error)) *HandlerRegistration {
	return runtime.HandleFuncWithResult(service, fn)
}

// Last returns the last stamp of type S on env.
func Last[S Stamp](env *Envelope) (S, bool) {
	return envelope.Last[S](env)
}

func All[S Stamp](env *Envelope) []S {
	return envelope.All[S](env)
}

// Results returns the results of the handlers that ran for env, in handler
// order.
func Results(env *Envelope) []any {
	handled := envelope.All[envelope.HandledStamp](env)
	results := make([]any, 0, len(handled))
	for _, h := range handled {
		results = append(results, h.Result)
	}
	return results
}

// WithDelay returns a stamp asking transports to hold the message back.
// Example: bus.Dispatch(ctx, msg, busflow.WithDelay(30*time.Second))
func WithDelay(delay time.Duration) Stamp {
	return envelope.DelayStamp{Delay: delay}
}
