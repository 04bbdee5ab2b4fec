package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/envelope"
)

func timedHandler(clk *clock.Mock, took time.Duration, err error) DispatchFunc {
	return func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		clk.Add(took)
		if err != nil {
			return env, err
		}
		return env.With(envelope.HandledStamp{Handler: "h", Result: map[string]int{"n": 1}}), nil
	}
}

func TestPanelLoggerRecordsSuccessfulDispatches(t *testing.T) {
	clk := clock.NewMock()
	logger := NewPanelLogger("command", clk, 0)

	dispatch := logger.Middleware()(timedHandler(clk, 1234567*time.Nanosecond, nil))
	_, err := dispatch(context.Background(), envelope.Wrap(&placeOrder{ID: "1"}))
	require.NoError(t, err)

	failing := logger.Middleware()(timedHandler(clk, time.Millisecond, errors.New("boom")))
	_, err = failing(context.Background(), envelope.Wrap(placeOrder{ID: "2"}))
	require.Error(t, err)

	messages := logger.HandledMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "placeOrder", messages[0].MessageName)
	assert.Equal(t, 1.235, messages[0].TimeInMs)
	assert.JSONEq(t, `{"id":"1"}`, messages[0].MessageDump)
	assert.JSONEq(t, `{"n":1}`, messages[0].ResultDump)

	logger.Reset()
	assert.Empty(t, logger.HandledMessages())
}

func TestPanelLoggerCapacity(t *testing.T) {
	clk := clock.NewMock()
	logger := NewPanelLogger("command", clk, 2)
	dispatch := logger.Middleware()(timedHandler(clk, 0, nil))

	for _, id := range []string{"1", "2", "3"} {
		_, err := dispatch(context.Background(), envelope.Wrap(placeOrder{ID: id}))
		require.NoError(t, err)
	}

	messages := logger.HandledMessages()
	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"id":"2"}`, messages[0].MessageDump)
	assert.JSONEq(t, `{"id":"3"}`, messages[1].MessageDump)
}

func TestPanelTabAndRender(t *testing.T) {
	clk := clock.NewMock()
	command := NewPanelLogger("command", clk, 0)
	event := NewPanelLogger("event", clk, 0)
	idle := NewPanelLogger("idle", clk, 0)
	panel := NewPanel(command, event, idle)

	assert.Equal(t, " messages", panel.Tab())

	for i := 0; i < 2; i++ {
		_, err := command.Middleware()(timedHandler(clk, 0, nil))(context.Background(), envelope.Wrap(placeOrder{ID: "<b>"}))
		require.NoError(t, err)
	}
	_, err := event.Middleware()(timedHandler(clk, 0, nil))(context.Background(), envelope.Wrap(orderPlaced{ID: "x"}))
	require.NoError(t, err)

	assert.Equal(t, "2+1 messages", panel.Tab())

	views := panel.Buses()
	require.Len(t, views, 3)
	assert.Equal(t, "idle", views[2].Bus)
	assert.NotNil(t, views[2].Messages)

	html, err := panel.Render()
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Messenger</h1>")
	assert.Contains(t, html, "<h2>command</h2>")
	assert.Contains(t, html, "Handled messages")
	assert.Contains(t, html, "orderPlaced")
	assert.Contains(t, html, "No messages")
	assert.NotContains(t, html, "<b>")
}

func TestPanelThroughMessenger(t *testing.T) {
	cfg := testConfig()
	cfg.Buses["default"] = configpkg.BusConfig{Panel: true}
	cfg.Panel.Enabled = true
	cfg.Panel.Port = 0
	m := newTestMessenger(t, Options{
		Config:   cfg,
		Handlers: []*HandlerRegistration{NewHandler("h", &placeOrderHandler{calls: &calls{}, result: "ok"})},
	})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.NoError(t, err)

	bus, err := m.Bus("default")
	require.NoError(t, err)
	require.NotNil(t, bus.Panel())
	messages := bus.Panel().HandledMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, `"ok"`, messages[0].ResultDump)
	assert.Equal(t, "1 messages", m.Panel().Tab())
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "placeOrder", shortName(placeOrder{}))
	assert.Equal(t, "placeOrder", shortName(&placeOrder{}))
	assert.Equal(t, "nil", shortName(nil))
	assert.Equal(t, "map[string]int", shortName(map[string]int{}))
}
