// Package envelope wraps dispatched messages together with the stamps the
// bus, transports and worker attach to them.
package envelope

import "time"

// Stamp is metadata attached to an envelope.
type Stamp interface {
	StampName() string
}

// Envelope is an immutable message wrapper. Every modification returns a
// new Envelope.
type Envelope struct {
	message any
	stamps  []Stamp
}

// Wrap returns msg as an envelope. An existing envelope is extended with the
// given stamps instead of being nested.
func Wrap(msg any, stamps ...Stamp) *Envelope {
	if env, ok := msg.(*Envelope); ok {
		return env.With(stamps...)
	}
	return &Envelope{message: msg, stamps: append([]Stamp(nil), stamps...)}
}

// Message returns the wrapped message.
func (e *Envelope) Message() any {
	return e.message
}

// With returns a copy of e with stamps appended.
func (e *Envelope) With(stamps ...Stamp) *Envelope {
	out := make([]Stamp, 0, len(e.stamps)+len(stamps))
	out = append(out, e.stamps...)
	out = append(out, stamps...)
	return &Envelope{message: e.message, stamps: out}
}

// WithoutAll returns a copy of e without stamps of the given name.
func (e *Envelope) WithoutAll(name string) *Envelope {
	out := make([]Stamp, 0, len(e.stamps))
	for _, s := range e.stamps {
		if s.StampName() != name {
			out = append(out, s)
		}
	}
	return &Envelope{message: e.message, stamps: out}
}

// Stamps returns every stamp in attachment order.
func (e *Envelope) Stamps() []Stamp {
	out := make([]Stamp, len(e.stamps))
	copy(out, e.stamps)
	return out
}

// Last returns the most recently attached stamp of type S.
func Last[S Stamp](e *Envelope) (S, bool) {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if s, ok := e.stamps[i].(S); ok {
			return s, true
		}
	}
	var zero S
	return zero, false
}

// All returns every stamp of type S in attachment order.
func All[S Stamp](e *Envelope) []S {
	var out []S
	for _, stamp := range e.stamps {
		if s, ok := stamp.(S); ok {
			out = append(out, s)
		}
	}
	return out
}

// BusNameStamp records the bus a message was first dispatched on.
type BusNameStamp struct {
	Bus string
}

func (BusNameStamp) StampName() string { return "bus_name" }

// ReceivedStamp marks a message consumed from a transport.
type ReceivedStamp struct {
	Transport string
}

func (ReceivedStamp) StampName() string { return "received" }

// SentStamp records a transport the message was sent to.
type SentStamp struct {
	Transport string
	Topic     string
}

func (SentStamp) StampName() string { return "sent" }

// HandledStamp records the result of one handler.
type HandledStamp struct {
	Handler string
	Result  any
}

func (HandledStamp) StampName() string { return "handled" }

// RedeliveryStamp counts delivery retries.
type RedeliveryStamp struct {
	RetryCount    int
	RedeliveredAt time.Time
}

func (RedeliveryStamp) StampName() string { return "redelivery" }

// DelayStamp asks the transport to postpone delivery.
type DelayStamp struct {
	Delay time.Duration
}

func (DelayStamp) StampName() string { return "delay" }

// SentToFailureTransportStamp remembers the receiver a failed message came
// from.
type SentToFailureTransportStamp struct {
	OriginalReceiver string
}

func (SentToFailureTransportStamp) StampName() string { return "sent_to_failure_transport" }

// ErrorDetailsStamp carries the error that made a message fail.
type ErrorDetailsStamp struct {
	Message  string
	FailedAt time.Time
}

func (ErrorDetailsStamp) StampName() string { return "error_details" }

// TransportMessageIDStamp carries the transport level message id.
type TransportMessageIDStamp struct {
	ID string
}

func (TransportMessageIDStamp) StampName() string { return "transport_message_id" }

// CorrelationIDStamp links messages that belong to one flow.
type CorrelationIDStamp struct {
	ID string
}

func (CorrelationIDStamp) StampName() string { return "correlation_id" }

// ReceivedFrom returns the transport e was received from, if any.
func ReceivedFrom(e *Envelope) string {
	if s, ok := Last[ReceivedStamp](e); ok {
		return s.Transport
	}
	return ""
}

// RetryCount returns the redelivery count recorded on e.
func RetryCount(e *Envelope) int {
	if s, ok := Last[RedeliveryStamp](e); ok {
		return s.RetryCount
	}
	return 0
}

// IsHandledBy reports whether a HandledStamp for handler is present.
func IsHandledBy(e *Envelope, handler string) bool {
	for _, s := range All[HandledStamp](e) {
		if s.Handler == handler {
			return true
		}
	}
	return false
}
