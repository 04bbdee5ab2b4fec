// Package file provides a JSON lines transport for the file DSN scheme.
// Every published message is appended to one file; subscribers tail the
// file and pick the lines of their topic. It is meant for local debugging
// and for audit trails, not for concurrent consumers.
package file

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/transport"
)

// Scheme is the DSN scheme of this transport.
const Scheme = "file"

const (
	// DefaultFilePath is used when the DSN names no file.
	DefaultFilePath = "busflow-messages.jsonl"
	// DefaultPollInterval is how often a subscriber checks for new lines.
	DefaultPollInterval = 50 * time.Millisecond
)

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.FileCapabilities, Scheme)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.FileCapabilities
}

// Build creates the file transport, e.g. file:///var/log/busflow.jsonl?poll=100ms.
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := Path(def.DSN)
	poll := def.DSN.DurationOption("poll", DefaultPollInterval)

	return transport.Transport{
		Publisher:  &Publisher{filePath: path},
		Subscriber: &Subscriber{filePath: path, poll: poll, logger: logger},
	}, nil
}

// Path returns the file a DSN points to. Relative paths are written
// without a leading slash: file://data/messages.jsonl.
func Path(dsn transport.DSN) string {
	path := dsn.Host("") + dsn.Path
	if path == "" {
		return DefaultFilePath
	}
	return path
}

// Record is one line of the file.
type Record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the file.
type Publisher struct {
	filePath string
	mu       sync.Mutex
	closed   bool
}

// Publish appends one line per message.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrPublisherClosed
	}

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		if err := jsoncodec.Encode(w, Record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		}); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Close marks the publisher closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Subscriber tails the file.
type Subscriber struct {
	filePath string
	poll     time.Duration
	logger   watermill.LoggerAdapter

	closeOnce sync.Once
	closing   chan struct{}
	initOnce  sync.Once
}

func (s *Subscriber) done() chan struct{} {
	s.initOnce.Do(func() { s.closing = make(chan struct{}) })
	return s.closing
}

// Subscribe streams every record of topic, starting at the beginning of the
// file. A message must be acked or nacked before the next one is sent.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	var offset int64
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			offset += int64(len(line))
			if !s.process(ctx, line, topic, out) {
				return
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			s.logger.Error("Failed to read message file", err, watermill.LogFields{"file": s.filePath})
			return
		}

		// Partial lines are read again once the writer finished them.
		select {
		case <-ctx.Done():
			return
		case <-s.done():
			return
		case <-time.After(s.poll):
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			s.logger.Error("Failed to seek message file", err, watermill.LogFields{"file": s.filePath})
			return
		}
		reader.Reset(f)
	}
}

func (s *Subscriber) process(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var record Record
	if err := jsoncodec.Unmarshal(line, &record); err != nil {
		s.logger.Error("Skipping malformed message line", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if record.Topic != topic {
		return true
	}

	msg := message.NewMessage(record.UUID, record.Payload)
	for k, v := range record.Metadata {
		msg.Metadata.Set(k, v)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.done():
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked, file transport does not redeliver", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.done():
		return false
	}
	return true
}

// Close stops every running subscription.
func (s *Subscriber) Close() error {
	done := s.done()
	s.closeOnce.Do(func() { close(done) })
	return nil
}
