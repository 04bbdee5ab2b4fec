// Package memory provides the in-memory transport, backed by a Watermill Go
// channel. It is meant for tests and local development: messages never leave
// the process.
package memory

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/busflow/transport"
)

// Scheme is the DSN scheme of this transport.
const Scheme = "in-memory"

// DefaultBufferSize is the output channel buffer of each subscription.
const DefaultBufferSize = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the in-memory transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.InMemoryCapabilities, Scheme)
}

// Build creates an in-memory transport. Options:
//
//	buffer     output channel buffer per subscription (default 256)
//	persistent keep messages for late subscribers (default true)
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: int64(def.DSN.IntOption("buffer", DefaultBufferSize)),
		Persistent:          def.DSN.BoolOption("persistent", true),
	}, logger)

	recorder := &Recorder{Publisher: pub}
	return transport.Transport{
		Publisher:  recorder,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.InMemoryCapabilities
}

// Recorder remembers every message it publishes.
type Recorder struct {
	message.Publisher

	mu   sync.Mutex
	sent []Sent
}

// Sent is one recorded publish.
type Sent struct {
	Topic   string
	Message *message.Message
}

// Publish records and forwards messages.
func (r *Recorder) Publish(topic string, messages ...*message.Message) error {
	if err := r.Publisher.Publish(topic, messages...); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range messages {
		r.sent = append(r.sent, Sent{Topic: topic, Message: msg})
	}
	return nil
}

// Sent returns the recorded messages in publish order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Reset forgets every recorded message.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
