package transport

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"

	"github.com/drblury/busflow/internal/runtime/metadata"
)

// DelayingPublisher emulates delayed delivery for transports that cannot
// postpone a message themselves. Messages carrying a delay header are held
// in memory and published once the delay elapsed; pending messages are lost
// when the process stops.
type DelayingPublisher struct {
	message.Publisher

	clock   clock.Clock
	mu      sync.Mutex
	pending map[*clock.Timer]struct{}
	closed  bool
	errs    chan error
}

// NewDelayingPublisher wraps pub. A nil clock uses the wall clock.
func NewDelayingPublisher(pub message.Publisher, clk clock.Clock) *DelayingPublisher {
	if clk == nil {
		clk = clock.New()
	}
	return &DelayingPublisher{
		Publisher: pub,
		clock:     clk,
		pending:   make(map[*clock.Timer]struct{}),
		errs:      make(chan error, 16),
	}
}

// Publish publishes undelayed messages right away and schedules the rest.
func (p *DelayingPublisher) Publish(topic string, messages ...*message.Message) error {
	var now []*message.Message
	for _, msg := range messages {
		delay := metadata.FromWatermill(msg.Metadata).Delay()
		if delay <= 0 {
			now = append(now, msg)
			continue
		}
		if err := p.schedule(topic, msg, delay); err != nil {
			return err
		}
	}
	if len(now) == 0 {
		return nil
	}
	return p.Publisher.Publish(topic, now...)
}

func (p *DelayingPublisher) schedule(topic string, msg *message.Message, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	var timer *clock.Timer
	timer = p.clock.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.pending, timer)
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.Publisher.Publish(topic, msg); err != nil {
			select {
			case p.errs <- err:
			default:
			}
		}
	})
	p.pending[timer] = struct{}{}
	return nil
}

// Pending returns the number of scheduled messages.
func (p *DelayingPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Errors reports failures of scheduled publishes. The channel is buffered
// and drops errors nobody reads.
func (p *DelayingPublisher) Errors() <-chan error {
	return p.errs
}

// Close stops every pending timer and closes the wrapped publisher.
func (p *DelayingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	for timer := range p.pending {
		timer.Stop()
	}
	p.pending = map[*clock.Timer]struct{}{}
	p.mu.Unlock()
	return p.Publisher.Close()
}
