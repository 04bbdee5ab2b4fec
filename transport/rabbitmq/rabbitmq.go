// Package rabbitmq provides the RabbitMQ transport for the amqp and amqps
// DSN schemes.
package rabbitmq

import (
	"context"
	"crypto/tls"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
)

// Schemes are the DSN schemes handled by this transport.
var Schemes = []string{"amqp", "amqps"}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.AMQPCapabilities, Schemes...)
}

// Build connects to RabbitMQ. Options (stripped from the broker URI):
//
//	topic     exchange and queue name (default: transport name)
//	durable   durable exchanges and queues (default true)
//	consumer  queue suffix, so several consumer groups share one exchange
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := def.DSN.URL(def.DSN.Scheme, "topic", "durable", "consumer")

	queueName := amqp.GenerateQueueNameTopicName
	if suffix := def.DSN.Option("consumer", ""); suffix != "" {
		queueName = amqp.GenerateQueueNameTopicNameWithSuffix(suffix)
	}

	amqpConfig := amqp.NewDurablePubSubConfig(uri, queueName)
	if !def.DSN.BoolOption("durable", true) {
		amqpConfig = amqp.NewNonDurablePubSubConfig(uri, queueName)
	}

	connConfig := amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}
	if def.DSN.Scheme == "amqps" {
		connConfig.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := ConnectionFactory(connConfig, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
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
	return transport.AMQPCapabilities
}
