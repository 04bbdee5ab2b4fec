// Package kafka provides the Kafka transport for the kafka DSN scheme.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
)

// Scheme is the DSN scheme of this transport.
const Scheme = "kafka"

// DefaultConsumerGroup is used when the DSN names no group.
const DefaultConsumerGroup = "busflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.KafkaCapabilities, Scheme)
}

// Build connects to the brokers listed in the DSN host part, e.g.
// kafka://broker1:9092,broker2:9092?group=billing.
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := def.DSN.Hosts
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: dsn lists no brokers")
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: def.DSN.Option("group", DefaultConsumerGroup),
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
	return transport.KafkaCapabilities
}
