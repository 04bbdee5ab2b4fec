package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/routing"
)

func handledResults(env *envelope.Envelope) []any {
	var out []any
	for _, h := range envelope.All[envelope.HandledStamp](env) {
		out = append(out, h.Result)
	}
	return out
}

func TestDispatchRunsHandlersByPriority(t *testing.T) {
	rec := &calls{}
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("low", &placeOrderHandler{calls: rec, name: "low", result: "l"}),
			NewHandler("high", &placeOrderHandler{calls: rec, name: "high", result: "h"}).Priority(10),
		},
	})

	env, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"high:1", "low:1"}, rec.all())
	assert.Equal(t, []any{"h", "l"}, handledResults(env))

	bus, ok := envelope.Last[envelope.BusNameStamp](env)
	require.True(t, ok)
	assert.Equal(t, "default", bus.Bus)
}

func TestDispatchWithoutHandler(t *testing.T) {
	m := newTestMessenger(t, Options{Config: testConfig()})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.ErrorIs(t, err, errspkg.ErrNoHandlerForMessage)
	assert.Contains(t, err.Error(), `on bus "default"`)

	cfg := testConfig()
	cfg.Buses["default"] = configpkg.BusConfig{AllowNoHandlers: true}
	lenient := newTestMessenger(t, Options{Config: cfg})

	env, err := lenient.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.NoError(t, err)
	assert.Empty(t, handledResults(env))
}

func TestDispatchCollectsHandlerFailures(t *testing.T) {
	rec := &calls{}
	boom := errors.New("boom")
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("ok", &placeOrderHandler{calls: rec, name: "ok", result: "done"}),
			NewHandler("broken", &placeOrderHandler{calls: rec, name: "broken", err: boom}),
		},
	})

	env, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.ErrorIs(t, err, errspkg.ErrHandlerFailed)
	assert.ErrorIs(t, err, boom)

	var failed *errspkg.HandlerFailedError
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Handled, 1)
	assert.Contains(t, failed.Handled[0], "@ok")

	require.NotNil(t, env)
	assert.Equal(t, []any{"done"}, handledResults(env))
	assert.Equal(t, []string{"ok:1", "broken:1"}, rec.all())
}

func TestDispatchSkipsHandlersThatAlreadyRan(t *testing.T) {
	rec := &calls{}
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("first", &placeOrderHandler{calls: rec, name: "first"}),
			NewHandler("second", &placeOrderHandler{calls: rec, name: "second"}),
		},
	})

	defs := m.Tables()["default"].Handlers(routing.NameOf(placeOrder{}))
	require.Len(t, defs, 2)

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"}, envelope.HandledStamp{Handler: defs[0].Name()})
	require.NoError(t, err)
	assert.Equal(t, []string{"second:1"}, rec.all())
}

func TestDispatchFiltersByTransport(t *testing.T) {
	rec := &calls{}
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("async-only", &placeOrderHandler{calls: rec, name: "async"}).FromTransport("async"),
			NewHandler("any", &placeOrderHandler{calls: rec, name: "any"}),
		},
	})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"}, envelope.ReceivedStamp{Transport: "sync"})
	require.NoError(t, err)
	assert.Equal(t, []string{"any:1"}, rec.all())

	_, err = m.Dispatch(context.Background(), placeOrder{ID: "2"}, envelope.ReceivedStamp{Transport: "async"})
	require.NoError(t, err)
	assert.Equal(t, []string{"any:1", "async:2", "any:2"}, rec.all())

	_, err = m.Dispatch(context.Background(), placeOrder{ID: "3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"any:1", "async:2", "any:2", "async:3", "any:3"}, rec.all())
}

func TestDispatchRoutesThroughInterfaces(t *testing.T) {
	rec := &calls{}
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("audit", auditHandler{calls: rec}),
			NewHandler("subscriber", &orderSubscriber{calls: rec}),
		},
	})

	_, err := m.Dispatch(context.Background(), orderPlaced{ID: "7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"placed:7", "audit:7"}, rec.all())

	_, err = m.Dispatch(context.Background(), shipOrder{ID: "8"})
	require.NoError(t, err)
	assert.Equal(t, []string{"placed:7", "audit:7", "shipped:8"}, rec.all())
}

func TestLazyHandlerIsBuiltOnFirstDispatch(t *testing.T) {
	rec := &calls{}
	built := 0
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewLazyHandler("lazy", func() (*placeOrderHandler, error) {
				built++
				return &placeOrderHandler{calls: rec, name: "lazy"}, nil
			}),
		},
	})
	assert.Zero(t, built)

	for _, id := range []string{"1", "2"} {
		_, err := m.Dispatch(context.Background(), placeOrder{ID: id})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, built)
	assert.Equal(t, []string{"lazy:1", "lazy:2"}, rec.all())
}

func TestHandleFuncDispatch(t *testing.T) {
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			HandleFuncWithResult("length", func(_ context.Context, msg placeOrder) (int, error) {
				return len(msg.ID), nil
			}),
		},
	})

	env, err := m.Dispatch(context.Background(), &placeOrder{ID: "abcd"})
	require.NoError(t, err)
	assert.Equal(t, []any{4}, handledResults(env))
}

func TestNewRejectsInvalidRouting(t *testing.T) {
	t.Run("single handler bus", func(t *testing.T) {
		cfg := testConfig()
		cfg.Buses["default"] = configpkg.BusConfig{SingleHandlerPerMessage: true}
		_, err := New(context.Background(), Options{
			Config: cfg,
			Handlers: []*HandlerRegistration{
				NewHandler("a", &placeOrderHandler{}),
				NewHandler("b", &placeOrderHandler{}),
			},
		})
		assert.ErrorIs(t, err, errspkg.ErrMultipleHandlersFound)
	})

	t.Run("missing handler method", func(t *testing.T) {
		_, err := New(context.Background(), Options{
			Config:   testConfig(),
			Handlers: []*HandlerRegistration{NewHandler("bad", &calls{})},
		})
		assert.ErrorIs(t, err, errspkg.ErrInvalidHandlerService)
	})

	t.Run("nil registration", func(t *testing.T) {
		_, err := New(context.Background(), Options{
			Config:   testConfig(),
			Handlers: []*HandlerRegistration{nil},
		})
		assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
	})
}

func TestDuplicateServiceKeepsLastRegistration(t *testing.T) {
	rec := &calls{}
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("svc", &placeOrderHandler{calls: rec, name: "first"}),
			NewHandler("other", &placeOrderHandler{calls: rec, name: "other"}),
			NewHandler("svc", &placeOrderHandler{calls: rec, name: "second"}),
		},
	})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"second:1", "other:1"}, rec.all())
}

func TestDuplicateServiceTakesLastPriority(t *testing.T) {
	rec := &calls{}
	m := newTestMessenger(t, Options{
		Config: testConfig(),
		Handlers: []*HandlerRegistration{
			NewHandler("svc", &placeOrderHandler{calls: rec, name: "first"}).Priority(-5),
			NewHandler("other", &placeOrderHandler{calls: rec, name: "other"}),
			NewHandler("svc", &placeOrderHandler{calls: rec, name: "second"}).Priority(10),
		},
	})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"second:1", "other:1"}, rec.all())
}

func TestHandlersBoundToOtherBusesAreIgnored(t *testing.T) {
	rec := &calls{}
	cfg := testConfig()
	cfg.Buses["events"] = configpkg.BusConfig{AllowNoHandlers: true}
	m := newTestMessenger(t, Options{
		Config: cfg,
		Handlers: []*HandlerRegistration{
			NewHandler("cmd", &placeOrderHandler{calls: rec, name: "cmd"}).OnBus("default"),
		},
	})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"}, envelope.BusNameStamp{Bus: "events"})
	require.NoError(t, err)
	assert.Empty(t, rec.all())

	_, err = m.Dispatch(context.Background(), placeOrder{ID: "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd:2"}, rec.all())
}

func TestConfiguredMiddlewareRunsInOrder(t *testing.T) {
	rec := &calls{}
	record := func(name string) MiddlewareRegistration {
		return MiddlewareRegistration{Name: name, Middleware: func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
				rec.add(name)
				return next(ctx, env)
			}
		}}
	}
	cfg := testConfig()
	cfg.Buses["default"] = configpkg.BusConfig{Middleware: []string{"second", "first"}}
	m := newTestMessenger(t, Options{
		Config:     cfg,
		Handlers:   []*HandlerRegistration{NewHandler("h", &placeOrderHandler{calls: rec, name: "h"})},
		Middleware: []MiddlewareRegistration{record("first"), record("second")},
	})

	_, err := m.Dispatch(context.Background(), placeOrder{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first", "h:1"}, rec.all())
}

func TestUnknownMiddlewareFailsConstruction(t *testing.T) {
	cfg := testConfig()
	cfg.Buses["default"] = configpkg.BusConfig{Middleware: []string{"missing"}}
	_, err := New(context.Background(), Options{Config: cfg})
	require.ErrorIs(t, err, errspkg.ErrServiceNotFound)
	assert.Contains(t, err.Error(), `middleware "missing"`)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
				order = append(order, name)
				return next(ctx, env)
			}
		}
	}

	dispatch := Chain(mw("a"), nil, mw("b"))(terminal)
	_, err := dispatch(context.Background(), envelope.Wrap(placeOrder{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestDispatchRequiresMessage(t *testing.T) {
	m := newTestMessenger(t, Options{Config: testConfig()})
	bus, err := m.Bus("default")
	require.NoError(t, err)

	_, err = bus.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageRequired)
	_, err = m.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageRequired)
}

func TestDispatchExtendsEnvelopes(t *testing.T) {
	m := newTestMessenger(t, Options{
		Config:   testConfig(),
		Handlers: []*HandlerRegistration{NewHandler("h", &placeOrderHandler{calls: &calls{}})},
	})

	in := envelope.Wrap(placeOrder{ID: "1"}, envelope.CorrelationIDStamp{ID: "c-1"})
	env, err := m.Dispatch(context.Background(), in, envelope.DelayStamp{})
	require.NoError(t, err)

	corr, ok := envelope.Last[envelope.CorrelationIDStamp](env)
	require.True(t, ok)
	assert.Equal(t, "c-1", corr.ID)
	_, ok = envelope.Last[envelope.DelayStamp](env)
	assert.True(t, ok)
	assert.Len(t, envelope.All[envelope.HandledStamp](env), 1)
}
