// Package transporttest holds fakes shared by the transport tests.
package transporttest

import (
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
)

// Definition parses dsn or fails the test.
func Definition(t testing.TB, name, dsn string) transport.Definition {
	t.Helper()
	def, err := transport.NewDefinition(name, dsn)
	if err != nil {
		t.Fatalf("parse dsn %q: %v", dsn, err)
	}
	return def
}

// SwapRegistry installs an empty default registry for the duration of the
// test.
func SwapRegistry(t testing.TB) *transport.Registry {
	t.Helper()
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	return transport.DefaultRegistry
}

// Publisher records published messages.
type Publisher struct {
	mu        sync.Mutex
	Err       error
	published map[string][]*message.Message
	closed    bool
}

// Publish implements message.Publisher.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.Err != nil {
		return p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

// Published returns the messages published to topic.
func (p *Publisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

// Close implements message.Publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Subscriber hands out one channel per topic that tests feed directly.
type Subscriber struct {
	mu       sync.Mutex
	Err      error
	channels map[string]chan *message.Message
	closed   bool
}

// Subscribe implements message.Subscriber.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Channel(topic), nil
}

// Channel returns the channel backing topic.
func (s *Subscriber) Channel(topic string) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]chan *message.Message)
	}
	ch, ok := s.channels[topic]
	if !ok {
		ch = make(chan *message.Message, 16)
		s.channels[topic] = ch
	}
	return ch
}

// Close implements message.Subscriber.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		for _, ch := range s.channels {
			close(ch)
		}
	}
	return nil
}
