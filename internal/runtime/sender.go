package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/serializer"
)

// Sender publishes envelopes to one transport.
type Sender struct {
	name       string
	topic      string
	publisher  message.Publisher
	serializer serializer.Serializer
}

// NewSender returns a sender publishing to topic through pub.
func NewSender(name, topic string, pub message.Publisher, s serializer.Serializer) *Sender {
	return &Sender{name: name, topic: topic, publisher: pub, serializer: s}
}

// Name returns the transport name.
func (s *Sender) Name() string { return s.name }

// Topic returns the topic messages are published to.
func (s *Sender) Topic() string { return s.topic }

// Send encodes env and publishes it. The returned envelope carries a
// SentStamp.
func (s *Sender) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	msg, err := s.serializer.Encode(env)
	if err != nil {
		return env, fmt.Errorf("busflow: encoding for transport %q: %w", s.name, err)
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return env, fmt.Errorf("busflow: publishing to transport %q: %w", s.name, err)
	}
	return env.With(envelope.SentStamp{Transport: s.name, Topic: s.topic}), nil
}

// SendersLocator maps message routing keys to senders.
type SendersLocator struct {
	routes  map[string][]string
	senders map[string]*Sender
}

// NewSendersLocator returns a locator for routes, keyed by message type
// name or routing.Wildcard.
func NewSendersLocator(routes map[string][]string, senders map[string]*Sender) *SendersLocator {
	return &SendersLocator{routes: routes, senders: senders}
}

// SendersFor merges the senders routed for every key, in key order, each
// transport once. Keys are the message's routing keys from
// routing.TypeRegistry.List. A route naming an unknown transport is an
// error.
func (l *SendersLocator) SendersFor(keys []string) ([]*Sender, error) {
	var (
		out  []*Sender
		seen = make(map[string]struct{})
	)
	for _, key := range keys {
		for _, alias := range l.routes[key] {
			if _, ok := seen[alias]; ok {
				continue
			}
			sender, ok := l.senders[alias]
			if !ok {
				return nil, &errspkg.SenderNotFoundError{Alias: alias}
			}
			seen[alias] = struct{}{}
			out = append(out, sender)
		}
	}
	return out, nil
}

// Sender returns the sender of a transport.
func (l *SendersLocator) Sender(name string) (*Sender, error) {
	sender, ok := l.senders[name]
	if !ok {
		return nil, &errspkg.SenderNotFoundError{Alias: name}
	}
	return sender, nil
}

// Names returns the known transport names in alphabetical order.
func (l *SendersLocator) Names() []string {
	names := make([]string, 0, len(l.senders))
	for name := range l.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
