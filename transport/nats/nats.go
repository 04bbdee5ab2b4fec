// Package nats provides the NATS Core transport for the nats DSN scheme.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/busflow/transport"
)

// Scheme is the DSN scheme of this transport.
const Scheme = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.NATSCapabilities, Scheme)
}

// Build connects to NATS Core. Options:
//
//	queue  queue group shared by competing consumers
//	name   client connection name
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := def.DSN.URL("nats", "topic", "queue", "name")
	marshaler := &nats.NATSMarshaler{}

	var options []natsgo.Option
	if name := def.DSN.Option("name", ""); name != "" {
		options = append(options, natsgo.Name(name))
	}
	jsDisabled := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			Marshaler:   marshaler,
			NatsOptions: options,
			JetStream:   jsDisabled,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			NatsOptions:      options,
			QueueGroupPrefix: def.DSN.Option("queue", ""),
			JetStream:        jsDisabled,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
