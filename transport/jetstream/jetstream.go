// Package jetstream provides the NATS JetStream transport for the
// nats-jetstream DSN scheme. Unlike NATS Core it delays delivery natively:
// a message with a delay header is held back with NakWithDelay until it is
// due.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// Scheme is the DSN scheme of this transport.
const Scheme = "nats-jetstream"

const (
	// DefaultStreamName is used when the DSN names no stream.
	DefaultStreamName = "BUSFLOW"
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3
	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// HeaderDelayUntil holds the unix milliseconds a delayed message is due.
	HeaderDelayUntil = "busflow_delay_until"
	// HeaderMessageID carries the Watermill message UUID.
	HeaderMessageID = "busflow_message_id"
)

var errClosed = errors.New("jetstream: transport is closed")

// Now is the clock used for delay bookkeeping.
var Now = time.Now

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.NATSJetStreamCapabilities, Scheme)
}

// Build connects to JetStream. Options: stream, max_deliver, ack_wait,
// replicas, retention (limits|interest|workqueue) and consumer (durable
// consumer prefix).
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ConfigFromDSN(def.DSN), logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL             string
	StreamName      string
	ConsumerPrefix  string
	MaxDeliver      int
	AckWait         time.Duration
	Replicas        int
	RetentionPolicy string
}

// ConfigFromDSN reads the transport options of dsn.
func ConfigFromDSN(dsn transport.DSN) Config {
	return Config{
		URL:             dsn.URL("nats", "topic", "stream", "max_deliver", "ack_wait", "replicas", "retention", "consumer"),
		StreamName:      dsn.Option("stream", ""),
		ConsumerPrefix:  dsn.Option("consumer", ""),
		MaxDeliver:      dsn.IntOption("max_deliver", 0),
		AckWait:         dsn.DurationOption("ack_wait", 0),
		Replicas:        dsn.IntOption("replicas", 0),
		RetentionPolicy: dsn.Option("retention", ""),
	}
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "busflow"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.RetentionPolicy {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

func (c Config) consumer(topic string) string {
	return c.ConsumerPrefix + "_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closedMu   sync.RWMutex
	closed     bool
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}

	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		t.logger.Info("JetStream stream kept as is", watermill.LogFields{
			"stream": t.config.StreamName,
			"reason": err.Error(),
		})
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes messages to the stream subject of topic.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}

	subject := t.config.subject(topic)
	for _, msg := range messages {
		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  toHeader(msg, Now()),
		}
		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe creates or updates a durable pull consumer for topic and streams
// its messages.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	subject := t.config.subject(topic)
	consumerName := t.config.consumer(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err = t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if t.isClosed() {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if remaining := remainingDelay(natsMsg.Header, Now()); remaining > 0 {
				if err := natsMsg.NakWithDelay(remaining); err != nil {
					t.logger.Error("Failed to postpone delayed message", err, watermill.LogFields{"topic": topic})
				}
				continue
			}

			if !t.deliver(ctx, output, natsMsg) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, output chan<- *message.Message, natsMsg *nats.Msg) bool {
	msg := toWatermill(natsMsg)
	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, nil)
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, nil)
		}
	case <-ctx.Done():
		return false
	}
	return true
}

// toHeader copies metadata into NATS headers and turns a relative delay
// into an absolute due time.
func toHeader(msg *message.Message, now time.Time) nats.Header {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(HeaderMessageID, msg.UUID)
	if delay := metadata.FromWatermill(msg.Metadata).Delay(); delay > 0 {
		header.Set(HeaderDelayUntil, strconv.FormatInt(now.Add(delay).UnixMilli(), 10))
	}
	return header
}

func remainingDelay(header nats.Header, now time.Time) time.Duration {
	raw := header.Get(HeaderDelayUntil)
	if raw == "" {
		return 0
	}
	due, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(due-now.UnixMilli()) * time.Millisecond
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(HeaderMessageID)
	if id == "" {
		id = watermill.NewULID()
	}

	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == HeaderMessageID || k == HeaderDelayUntil || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close unsubscribes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
