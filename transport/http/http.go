// Package http provides the HTTP transport for the http and https DSN
// schemes. Messages are POSTed to <dsn base>/<topic>; a transport with a
// "listen" option also serves those paths so it can be consumed.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
)

// Schemes are the DSN schemes handled by this transport.
var Schemes = []string{"http", "https"}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.HTTPCapabilities, Schemes...)
}

// Build creates the HTTP transport. Option "listen" (e.g. ":8080") enables
// the subscriber side.
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := BaseURL(def.DSN)

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+strings.TrimPrefix(topic, "/"), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	listen := def.DSN.Option("listen", "")
	if listen == "" {
		return transport.Transport{Publisher: publisher}, nil
	}

	subscriber, err := SubscriberFactory(
		listen,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &pathSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

// BaseURL returns the URL topics are appended to. It always ends in a slash.
func BaseURL(dsn transport.DSN) string {
	base := dsn.Scheme + "://" + dsn.Host("localhost") + dsn.Path
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// pathSubscriber turns topics into URL paths and starts the HTTP server once
// the first route is registered.
type pathSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	start  sync.Once
}

func (s *pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, "/"+strings.TrimPrefix(topic, "/"))
	if err != nil {
		return nil, err
	}
	s.start.Do(func() {
		server, ok := s.Subscriber.(*http.Subscriber)
		if !ok {
			return
		}
		go func() {
			if err := server.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return messages, nil
}
