package errors

import (
	sterrors "errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrInvalidHandlerService is matched by every InvalidHandlerServiceError.
	ErrInvalidHandlerService = sterrors.New("busflow: invalid handler service")
	// ErrMultipleHandlersFound is matched by MultipleHandlersFoundError.
	ErrMultipleHandlersFound = sterrors.New("busflow: multiple handlers found")
	// ErrNoHandlerForMessage is matched by NoHandlerForMessageError.
	ErrNoHandlerForMessage = sterrors.New("busflow: no handler for message")
	// ErrHandlerFailed is matched by HandlerFailedError.
	ErrHandlerFailed = sterrors.New("busflow: handler failed")
	// ErrSenderNotFound is returned when routing names an unknown transport.
	ErrSenderNotFound = sterrors.New("busflow: sender not found")
	// ErrServiceNotFound is returned when a handler service is not registered.
	ErrServiceNotFound = sterrors.New("busflow: service not found")
	// ErrBusNotFound is returned when a bus name is not configured.
	ErrBusNotFound = sterrors.New("busflow: bus not found")
	// ErrUnknownMessageType is returned when a received message names an unregistered type.
	ErrUnknownMessageType = sterrors.New("busflow: unknown message type")
	// ErrServiceNameRequired is returned when a handler registration has no service name.
	ErrServiceNameRequired = sterrors.New("busflow: handler service name is required")
	// ErrHandlerRequired is returned for a nil handler value or registration.
	ErrHandlerRequired = sterrors.New("busflow: handler value is required")
	// ErrMessageRequired is returned when dispatching a nil message.
	ErrMessageRequired = sterrors.New("busflow: message is required")
	// ErrMessengerClosed is returned by a messenger after Close.
	ErrMessengerClosed = sterrors.New("busflow: messenger is closed")
)

// Reason identifies why a handler service was rejected.
type Reason string

const (
	ReasonMissingHandlerMethod     Reason = "missing_handler_method"
	ReasonMissingArgumentType      Reason = "missing_argument_type"
	ReasonWrongAmountOfArguments   Reason = "wrong_amount_of_arguments"
	ReasonInvalidArgumentType      Reason = "invalid_argument_type"
	ReasonInvalidArgumentUnionType Reason = "invalid_argument_union_type"
)

// InvalidHandlerServiceError is returned when a handler candidate cannot be
// turned into routing entries.
type InvalidHandlerServiceError struct {
	Reason  Reason
	Service string
	Type    string
	Method  string
	Param   string
	Types   []string
}

// MissingHandlerMethod reports a handler type without the named entry method.
func MissingHandlerMethod(service, typeName, method string) *InvalidHandlerServiceError {
	return &InvalidHandlerServiceError{Reason: ReasonMissingHandlerMethod, Service: service, Type: typeName, Method: method}
}

// MissingArgumentType reports an entry method parameter without a declared type.
func MissingArgumentType(service, typeName, method, param string) *InvalidHandlerServiceError {
	return &InvalidHandlerServiceError{Reason: ReasonMissingArgumentType, Service: service, Type: typeName, Method: method, Param: param}
}

// WrongAmountOfArguments reports an entry method that does not take exactly one message.
func WrongAmountOfArguments(service, typeName, method string) *InvalidHandlerServiceError {
	return &InvalidHandlerServiceError{Reason: ReasonWrongAmountOfArguments, Service: service, Type: typeName, Method: method}
}

// InvalidArgumentType reports a message parameter of a builtin type.
func InvalidArgumentType(service, typeName, method, param, given string) *InvalidHandlerServiceError {
	return &InvalidHandlerServiceError{Reason: ReasonInvalidArgumentType, Service: service, Type: typeName, Method: method, Param: param, Types: []string{given}}
}

// InvalidArgumentUnionType reports a union parameter whose members are all builtin.
func InvalidArgumentUnionType(service, typeName, method, param string, given []string) *InvalidHandlerServiceError {
	types := append([]string(nil), given...)
	return &InvalidHandlerServiceError{Reason: ReasonInvalidArgumentUnionType, Service: service, Type: typeName, Method: method, Param: param, Types: types}
}

func (e *InvalidHandlerServiceError) Error() string {
	switch e.Reason {
	case ReasonMissingHandlerMethod:
		return fmt.Sprintf(`Invalid handler service "%s": type "%s" must have a "%s()" method.`, e.Service, e.Type, e.Method)
	case ReasonMissingArgumentType:
		return fmt.Sprintf(`Invalid handler service "%s": argument "%s" of method "%s.%s()" must have a type corresponding to the message it handles.`, e.Service, e.Param, e.Type, e.Method)
	case ReasonWrongAmountOfArguments:
		return fmt.Sprintf(`Invalid handler service "%s": method "%s.%s()" requires exactly one argument, first one being the message it handles.`, e.Service, e.Type, e.Method)
	default:
		return fmt.Sprintf(`Invalid handler service "%s": type of argument "%s" in method "%s.%s()" must be a struct or interface, "%s" given.`, e.Service, e.Param, e.Type, e.Method, strings.Join(e.Types, "|"))
	}
}

func (e *InvalidHandlerServiceError) Is(target error) bool {
	return target == ErrInvalidHandlerService
}

// HandlerRef names one conflicting handler service.
type HandlerRef struct {
	Service string
	Type    string
}

// MultipleHandlersFoundError is returned when a single-handler bus resolves
// more than one service for a message.
type MultipleHandlersFoundError struct {
	Message  string
	Handlers []HandlerRef
}

func (e *MultipleHandlersFoundError) Error() string {
	parts := make([]string, 0, len(e.Handlers))
	for _, h := range e.Handlers {
		parts = append(parts, fmt.Sprintf("%s (%s)", h.Service, h.Type))
	}
	return fmt.Sprintf(`There are multiple handlers for message "%s": %s`, e.Message, strings.Join(parts, ", "))
}

func (e *MultipleHandlersFoundError) Is(target error) bool {
	return target == ErrMultipleHandlersFound
}

// NoHandlerForMessageError is returned by a bus that does not allow
// unhandled messages.
type NoHandlerForMessageError struct {
	Bus     string
	Message string
}

func (e *NoHandlerForMessageError) Error() string {
	return fmt.Sprintf(`No handler for message "%s" on bus "%s".`, e.Message, e.Bus)
}

func (e *NoHandlerForMessageError) Is(target error) bool {
	return target == ErrNoHandlerForMessage
}

// HandlerFailedError aggregates every handler error raised while handling a
// single message. Handlers that succeeded before the failure are still
// reflected in Handled.
type HandlerFailedError struct {
	Message string
	Handled []string
	err     error
}

// NewHandlerFailedError combines errs into a HandlerFailedError. It returns
// nil when every element of errs is nil.
func NewHandlerFailedError(message string, handled []string, errs ...error) *HandlerFailedError {
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}
	return &HandlerFailedError{Message: message, Handled: handled, err: combined}
}

func (e *HandlerFailedError) Error() string {
	errs := multierr.Errors(e.err)
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) == 1 {
		return fmt.Sprintf(`Handling "%s" failed: %s`, e.Message, msgs[0])
	}
	return fmt.Sprintf(`Handling "%s" failed: %d handlers failed: %s`, e.Message, len(msgs), strings.Join(msgs, ", "))
}

// Errors returns the individual handler errors.
func (e *HandlerFailedError) Errors() []error {
	return multierr.Errors(e.err)
}

func (e *HandlerFailedError) Unwrap() []error {
	return multierr.Errors(e.err)
}

func (e *HandlerFailedError) Is(target error) bool {
	return target == ErrHandlerFailed
}

// SenderNotFoundError is returned when routing names a transport that is not
// configured.
type SenderNotFoundError struct {
	Alias string
}

func (e *SenderNotFoundError) Error() string {
	return fmt.Sprintf(`Sender with alias "%s" was not found`, e.Alias)
}

func (e *SenderNotFoundError) Is(target error) bool {
	return target == ErrSenderNotFound
}

// ServiceNotFoundError is returned when a locator has no service for a key.
type ServiceNotFoundError struct {
	Kind string
	Key  string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf(`Service with %s "%s" was not found`, e.Kind, e.Key)
}

func (e *ServiceNotFoundError) Is(target error) bool {
	return target == ErrServiceNotFound
}

// UnrecoverableError marks a handler error that must not be retried.
type UnrecoverableError struct {
	Err error
}

// Unrecoverable wraps err so the worker skips retries for it.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

func (e *UnrecoverableError) Error() string {
	return e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// IsUnrecoverable reports whether err, or any handler error it aggregates, is
// marked unrecoverable.
func IsUnrecoverable(err error) bool {
	var target *UnrecoverableError
	return sterrors.As(err, &target)
}
