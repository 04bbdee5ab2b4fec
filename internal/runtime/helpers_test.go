package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/routing"
	"github.com/drblury/busflow/transport"
)

type placeOrder struct {
	ID string `json:"id"`
}

type orderPlaced struct {
	ID string `json:"id"`
}

func (o orderPlaced) AuditID() string { return o.ID }

type auditable interface {
	AuditID() string
}

type shipOrder struct {
	ID string `json:"id"`
}

func (s shipOrder) Validate() error {
	return validation.ValidateStruct(&s, validation.Field(&s.ID, validation.Required))
}

// calls records handler invocations across goroutines.
type calls struct {
	mu   sync.Mutex
	list []string
}

func (c *calls) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, call)
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.list...)
}

type placeOrderHandler struct {
	calls  *calls
	name   string
	err    error
	result string
}

func (h *placeOrderHandler) Handle(ctx context.Context, msg placeOrder) (string, error) {
	h.calls.add(h.name + ":" + msg.ID)
	if h.err != nil {
		return "", h.err
	}
	return h.result, nil
}

type auditHandler struct {
	calls *calls
}

func (h auditHandler) Handle(msg auditable) {
	h.calls.add("audit:" + msg.AuditID())
}

type orderSubscriber struct {
	calls *calls
}

func (s *orderSubscriber) HandledMessages() []routing.Subscription {
	return []routing.Subscription{
		routing.Subscribe(orderPlaced{}).WithMethod("OnPlaced"),
		routing.Subscribe(shipOrder{}).WithMethod("OnShipped").WithPriority(5),
	}
}

func (s *orderSubscriber) OnPlaced(msg *orderPlaced) error {
	s.calls.add("placed:" + msg.ID)
	return nil
}

func (s *orderSubscriber) OnShipped(msg shipOrder) error {
	s.calls.add("shipped:" + msg.ID)
	return nil
}

func observedLogger() (loggingpkg.ServiceLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return loggingpkg.NewZapServiceLogger(zap.New(core)), logs
}

func testConfig() configpkg.Config {
	return configpkg.Config{
		Buses: map[string]configpkg.BusConfig{
			"default": {},
		},
	}
}

func newTestMessenger(t *testing.T, opts Options) *Messenger {
	t.Helper()
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// fakeTransports builds "test://" transports whose publishers record and
// whose subscribers are fed by the test.
type fakeTransports struct {
	mu          sync.Mutex
	publishers  map[string]*recordingPublisher
	subscribers map[string]*feedSubscriber
}

func newFakeTransports() *fakeTransports {
	return &fakeTransports{
		publishers:  make(map[string]*recordingPublisher),
		subscribers: make(map[string]*feedSubscriber),
	}
}

func (f *fakeTransports) registry() *transport.Registry {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(f.build, transport.Capabilities{Name: "test", SupportsDelay: true}, "test")
	return reg
}

func (f *fakeTransports) build(_ context.Context, def transport.Definition, _ watermill.LoggerAdapter) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pub := &recordingPublisher{}
	sub := &feedSubscriber{feed: make(chan *message.Message, 16)}
	f.publishers[def.Name] = pub
	f.subscribers[def.Name] = sub
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func (f *fakeTransports) publisher(name string) *recordingPublisher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishers[name]
}

func (f *fakeTransports) subscriber(name string) *feedSubscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribers[name]
}

type recordingPublisher struct {
	mu        sync.Mutex
	err       error
	published []*message.Message
	topics    []string
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, msg)
		p.topics = append(p.topics, topic)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published...)
}

// feedSubscriber forwards fed messages to the subscription until its
// context is done.
type feedSubscriber struct {
	feed chan *message.Message
}

func (s *feedSubscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.feed:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *feedSubscriber) Close() error { return nil }
