package runtime

import (
	"context"
	"time"

	"github.com/drblury/busflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

// FailureAction is what a worker did with a message whose handling failed.
type FailureAction string

const (
	// FailureRetried means the message was published again with a delay.
	FailureRetried FailureAction = "retried"
	// FailureSentToFailureTransport means the message was moved to the
	// receiver's failure transport.
	FailureSentToFailureTransport FailureAction = "sent_to_failure_transport"
	// FailureRejected means the message was dropped.
	FailureRejected FailureAction = "rejected"
)

// WorkerEvent describes one received message to worker hooks.
type WorkerEvent struct {
	// Receiver is the transport the message was consumed from.
	Receiver    string
	MessageType string
	MessageUUID string
	// Envelope is the decoded envelope; nil when decoding failed.
	Envelope *envelope.Envelope
	Context  context.Context
	// StartedAt is when the worker received the message.
	StartedAt time.Time
	// Duration is set for OnHandled and OnFailed.
	Duration   time.Duration
	RetryCount int
	// Action is set for OnFailed.
	Action FailureAction
}

// WorkerHooks are callbacks around message consumption. Nil hooks are
// skipped.
type WorkerHooks struct {
	// OnReceived runs after decoding, before dispatch.
	OnReceived func(ev WorkerEvent)
	// OnHandled runs after a successful dispatch.
	OnHandled func(ev WorkerEvent)
	// OnFailed runs once the failure was dealt with; ev.Action tells how.
	OnFailed func(ev WorkerEvent, err error)
}

// Merge returns hooks calling h first and other second.
func (h WorkerHooks) Merge(other WorkerHooks) WorkerHooks {
	return WorkerHooks{
		OnReceived: chainEventHooks(h.OnReceived, other.OnReceived),
		OnHandled:  chainEventHooks(h.OnHandled, other.OnHandled),
		OnFailed:   chainFailureHooks(h.OnFailed, other.OnFailed),
	}
}

func chainEventHooks(a, b func(WorkerEvent)) func(WorkerEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev WorkerEvent) {
		a(ev)
		b(ev)
	}
}

func chainFailureHooks(a, b func(WorkerEvent, error)) func(WorkerEvent, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev WorkerEvent, err error) {
		a(ev, err)
		b(ev, err)
	}
}

func (h WorkerHooks) received(ev WorkerEvent) {
	if h.OnReceived != nil {
		h.OnReceived(ev)
	}
}

func (h WorkerHooks) handled(ev WorkerEvent) {
	if h.OnHandled != nil {
		h.OnHandled(ev)
	}
}

func (h WorkerHooks) failed(ev WorkerEvent, err error) {
	if h.OnFailed != nil {
		h.OnFailed(ev, err)
	}
}

// LoggingHooks logs the consumption lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) WorkerHooks {
	return WorkerHooks{
		OnReceived: func(ev WorkerEvent) {
			logger.Debug("Message received", loggingpkg.LogFields{
				"receiver":     ev.Receiver,
				"message":      ev.MessageType,
				"message_uuid": ev.MessageUUID,
				"retry_count":  ev.RetryCount,
			})
		},
		OnHandled: func(ev WorkerEvent) {
			logger.Info("Message handled", loggingpkg.LogFields{
				"receiver":     ev.Receiver,
				"message":      ev.MessageType,
				"message_uuid": ev.MessageUUID,
				"duration_ms":  ev.Duration.Milliseconds(),
			})
		},
		OnFailed: func(ev WorkerEvent, err error) {
			logger.Error("Message handling failed", err, loggingpkg.LogFields{
				"receiver":     ev.Receiver,
				"message":      ev.MessageType,
				"message_uuid": ev.MessageUUID,
				"duration_ms":  ev.Duration.Milliseconds(),
				"retry_count":  ev.RetryCount,
				"action":       string(ev.Action),
			})
		},
	}
}

// MetricsHooks records the consumption lifecycle in m.
func MetricsHooks(m *WorkerMetrics) WorkerHooks {
	return WorkerHooks{
		OnReceived: func(ev WorkerEvent) {
			m.RecordReceived(ev.Receiver)
		},
		OnHandled: func(ev WorkerEvent) {
			m.RecordHandled(ev.Receiver, ev.Duration)
		},
		OnFailed: func(ev WorkerEvent, _ error) {
			m.RecordFailed(ev.Receiver, ev.Action, ev.RetryCount, ev.Duration)
		},
	}
}
