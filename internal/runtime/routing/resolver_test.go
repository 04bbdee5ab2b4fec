package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

type OrderPlaced struct{ ID string }

type OrderShipped struct{ ID string }

type orderHandler struct{}

func (orderHandler) Handle(ctx context.Context, msg OrderPlaced) error { return nil }

type shippingHandler struct{}

func (shippingHandler) Handle(msg *OrderShipped) (string, error) { return "shipped", nil }

type namedMethodsHandler struct{}

func (namedMethodsHandler) OnPlaced(msg OrderPlaced)   {}
func (namedMethodsHandler) OnShipped(msg OrderShipped) {}

type untypedHandler struct{}

func (untypedHandler) Handle(msg any) {}

type builtinHandler struct{}

func (builtinHandler) Handle(msg string) {}

type twoArgsHandler struct{}

func (twoArgsHandler) Handle(a OrderPlaced, b OrderShipped) {}

type variadicHandler struct{}

func (variadicHandler) Handle(msg OrderPlaced, opts ...string) {}

type noArgsHandler struct{}

func (noArgsHandler) Handle() {}

func candidateFor(service string, value any, tag Tag) Candidate {
	typ, methods := Inspect(value)
	return Candidate{Service: service, Type: typ, Tag: tag, Methods: methods}
}

func subscriberFor(service string, value any, tag Tag, subs ...Subscription) Candidate {
	c := candidateFor(service, value, tag)
	c.Subscriber = true
	c.Subscriptions = subs
	return c
}

func unionCandidate(service string, members ...TypeInfo) Candidate {
	return Candidate{
		Service: service,
		Type:    "app.UnionHandler",
		Methods: map[string]Method{
			DefaultMethod: {Name: DefaultMethod, Params: []Param{{Name: "arg0", Types: members}}},
		},
	}
}

func services(defs []HandlerDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, def := range defs {
		out = append(out, def.Service)
	}
	return out
}

func ptr(v int) *int { return &v }

var defaultBus = BusSpec{Name: "default"}

func TestResolve_SingleTypedParameter(t *testing.T) {
	table, err := Resolve([]Candidate{candidateFor("orders", orderHandler{}, Tag{})}, defaultBus)
	require.NoError(t, err)

	assert.Equal(t, []string{NameOf(OrderPlaced{})}, table.Messages())
	defs := table.Handlers(NameOf(OrderPlaced{}))
	require.Len(t, defs, 1)
	assert.Equal(t, "orders", defs[0].Service)
	assert.Equal(t, DefaultMethod, defs[0].Method)
	assert.Equal(t, "default", defs[0].Options.Bus)
	assert.Equal(t, 0, defs[0].Options.Priority)
}

func TestResolve_PointerParameterUsesElementName(t *testing.T) {
	table, err := Resolve([]Candidate{candidateFor("shipping", shippingHandler{}, Tag{})}, defaultBus)
	require.NoError(t, err)
	assert.Equal(t, []string{NameOf(OrderShipped{})}, table.Messages())
}

func TestResolve_UnionProducesOneEntryPerMember(t *testing.T) {
	c := unionCandidate("union",
		TypeInfo{Name: "app.A"},
		TypeInfo{Name: "string", Builtin: true},
		TypeInfo{Name: "app.B"},
		TypeInfo{Name: "app.C"},
	)

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)

	assert.Equal(t, []string{"app.A", "app.B", "app.C"}, table.Messages())
	for _, message := range table.Messages() {
		defs := table.Handlers(message)
		require.Len(t, defs, 1)
		assert.Equal(t, "union", defs[0].Service)
		assert.Equal(t, DefaultMethod, defs[0].Method)
	}
}

func TestResolve_InvalidCandidates(t *testing.T) {
	tests := []struct {
		name      string
		candidate Candidate
		reason    errspkg.Reason
		types     []string
	}{
		{"untyped parameter", candidateFor("svc", untypedHandler{}, Tag{}), errspkg.ReasonMissingArgumentType, nil},
		{"builtin parameter", candidateFor("svc", builtinHandler{}, Tag{}), errspkg.ReasonInvalidArgumentType, []string{"string"}},
		{"two arguments", candidateFor("svc", twoArgsHandler{}, Tag{}), errspkg.ReasonWrongAmountOfArguments, nil},
		{"no arguments", candidateFor("svc", noArgsHandler{}, Tag{}), errspkg.ReasonWrongAmountOfArguments, nil},
		{"missing method", candidateFor("svc", orderHandler{}, Tag{Method: "Consume"}), errspkg.ReasonMissingHandlerMethod, nil},
		{
			"builtin union",
			unionCandidate("svc", TypeInfo{Name: "string", Builtin: true}, TypeInfo{Name: "int", Builtin: true}),
			errspkg.ReasonInvalidArgumentUnionType,
			[]string{"string", "int"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Resolve([]Candidate{tt.candidate}, defaultBus)
			require.Error(t, err)
			assert.Nil(t, table)
			assert.ErrorIs(t, err, errspkg.ErrInvalidHandlerService)

			var invalid *errspkg.InvalidHandlerServiceError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.reason, invalid.Reason)
			assert.Equal(t, "svc", invalid.Service)
			if tt.types != nil {
				assert.Equal(t, tt.types, invalid.Types)
			}
		})
	}
}

func TestResolve_VariadicTailIsOptional(t *testing.T) {
	table, err := Resolve([]Candidate{candidateFor("svc", variadicHandler{}, Tag{})}, defaultBus)
	require.NoError(t, err)
	assert.Equal(t, []string{NameOf(OrderPlaced{})}, table.Messages())
}

func TestResolve_TagHandlesAndMethod(t *testing.T) {
	c := candidateFor("named", namedMethodsHandler{}, Tag{Handles: NameOf(OrderShipped{}), Method: "OnShipped"})

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)

	defs := table.Handlers(NameOf(OrderShipped{}))
	require.Len(t, defs, 1)
	assert.Equal(t, "OnShipped", defs[0].Method)
}

func TestResolve_TagHandlesRequiresExistingMethod(t *testing.T) {
	c := candidateFor("named", namedMethodsHandler{}, Tag{Handles: NameOf(OrderShipped{})})

	_, err := Resolve([]Candidate{c}, defaultBus)
	var invalid *errspkg.InvalidHandlerServiceError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, errspkg.ReasonMissingHandlerMethod, invalid.Reason)
	assert.Equal(t, DefaultMethod, invalid.Method)
}

func TestResolve_TagMethodUsedForInference(t *testing.T) {
	c := candidateFor("named", namedMethodsHandler{}, Tag{Method: "OnPlaced"})

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)
	defs := table.Handlers(NameOf(OrderPlaced{}))
	require.Len(t, defs, 1)
	assert.Equal(t, "OnPlaced", defs[0].Method)
}

func TestResolve_Subscriber(t *testing.T) {
	c := subscriberFor("subscriber", namedMethodsHandler{}, Tag{},
		Subscribe(OrderPlaced{}).WithMethod("OnPlaced"),
		Subscribe(&OrderShipped{}).WithMethod("OnShipped").WithPriority(5),
	)

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)

	assert.Equal(t, []string{NameOf(OrderPlaced{}), NameOf(OrderShipped{})}, table.Messages())
	assert.Equal(t, 5, table.Handlers(NameOf(OrderShipped{}))[0].Options.Priority)
}

func TestResolve_EmptySubscriberSkipsInference(t *testing.T) {
	c := subscriberFor("subscriber", untypedHandler{}, Tag{})

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestResolve_SubscriptionMethodMustExist(t *testing.T) {
	c := subscriberFor("subscriber", namedMethodsHandler{}, Tag{}, Subscribe(OrderPlaced{}))

	_, err := Resolve([]Candidate{c}, defaultBus)
	assert.ErrorIs(t, err, errspkg.ErrInvalidHandlerService)
}

func TestResolve_PriorityOrdering(t *testing.T) {
	candidates := []Candidate{
		candidateFor("zero", orderHandler{}, Tag{}),
		candidateFor("ten", orderHandler{}, Tag{Priority: ptr(10)}),
		candidateFor("minus-ten", orderHandler{}, Tag{Priority: ptr(-10)}),
	}

	table, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)
	assert.Equal(t, []string{"ten", "zero", "minus-ten"}, services(table.Handlers(NameOf(OrderPlaced{}))))
}

func TestResolve_EqualPrioritiesKeepDiscoveryOrder(t *testing.T) {
	candidates := []Candidate{
		candidateFor("a", orderHandler{}, Tag{Priority: ptr(1)}),
		candidateFor("b", orderHandler{}, Tag{}),
		candidateFor("c", orderHandler{}, Tag{Priority: ptr(1)}),
		candidateFor("d", orderHandler{}, Tag{}),
	}

	table, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, services(table.Handlers(NameOf(OrderPlaced{}))))
}

func TestResolve_TagPriorityOverridesSubscription(t *testing.T) {
	c := subscriberFor("subscriber", namedMethodsHandler{}, Tag{Priority: ptr(3)},
		Subscribe(OrderPlaced{}).WithMethod("OnPlaced").WithPriority(99),
	)

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Handlers(NameOf(OrderPlaced{}))[0].Options.Priority)
}

func TestResolve_FromTransportPrecedence(t *testing.T) {
	c := subscriberFor("subscriber", namedMethodsHandler{}, Tag{FromTransport: "tag-transport", Alias: "alias"},
		Subscribe(OrderPlaced{}).WithMethod("OnPlaced").WithFromTransport("entry-transport"),
		Subscribe(OrderShipped{}).WithMethod("OnShipped"),
	)

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)

	placed := table.Handlers(NameOf(OrderPlaced{}))[0]
	shipped := table.Handlers(NameOf(OrderShipped{}))[0]
	assert.Equal(t, "entry-transport", placed.Options.FromTransport)
	assert.Equal(t, "tag-transport", shipped.Options.FromTransport)
	assert.Equal(t, "alias", placed.Alias)
	assert.Equal(t, "alias", shipped.Alias)
}

func TestResolve_BusScoping(t *testing.T) {
	candidates := []Candidate{
		candidateFor("everywhere", orderHandler{}, Tag{}),
		candidateFor("command-only", orderHandler{}, Tag{Bus: "command"}),
		subscriberFor("subscriber", namedMethodsHandler{}, Tag{},
			Subscribe(OrderPlaced{}).WithMethod("OnPlaced").OnBus("event"),
			Subscribe(OrderShipped{}).WithMethod("OnShipped"),
		),
	}

	tables, err := ResolveAll(candidates, []BusSpec{{Name: "command"}, {Name: "event"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"everywhere", "command-only"}, services(tables["command"].Handlers(NameOf(OrderPlaced{}))))
	assert.Equal(t, []string{"everywhere", "subscriber"}, services(tables["event"].Handlers(NameOf(OrderPlaced{}))))
	assert.Equal(t, []string{"subscriber"}, services(tables["command"].Handlers(NameOf(OrderShipped{}))))
	assert.Equal(t, "event", tables["event"].Bus())
}

func TestResolve_SingleHandlerPerMessage(t *testing.T) {
	candidates := []Candidate{
		candidateFor("first", orderHandler{}, Tag{}),
		candidateFor("second", orderHandler{}, Tag{}),
		candidateFor("shipping", shippingHandler{}, Tag{}),
	}

	table, err := Resolve(candidates, BusSpec{Name: "command", SingleHandlerPerMessage: true})
	require.Error(t, err)
	assert.Nil(t, table)
	assert.ErrorIs(t, err, errspkg.ErrMultipleHandlersFound)

	var multiple *errspkg.MultipleHandlersFoundError
	require.ErrorAs(t, err, &multiple)
	assert.Equal(t, NameOf(OrderPlaced{}), multiple.Message)
	typeName := NameOf(orderHandler{})
	assert.Equal(t, []errspkg.HandlerRef{{Service: "first", Type: typeName}, {Service: "second", Type: typeName}}, multiple.Handlers)
}

func TestResolve_SingleHandlerPerMessageAllowsDistinctMessages(t *testing.T) {
	candidates := []Candidate{
		candidateFor("orders", orderHandler{}, Tag{}),
		candidateFor("shipping", shippingHandler{}, Tag{}),
	}

	table, err := Resolve(candidates, BusSpec{Name: "command", SingleHandlerPerMessage: true})
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
}

func TestResolve_DuplicateServiceRegistrationLastWins(t *testing.T) {
	candidates := []Candidate{
		candidateFor("dup", orderHandler{}, Tag{Alias: "first"}),
		candidateFor("other", orderHandler{}, Tag{}),
		candidateFor("dup", orderHandler{}, Tag{Alias: "second"}),
	}

	table, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)

	defs := table.Handlers(NameOf(OrderPlaced{}))
	assert.Equal(t, []string{"dup", "other"}, services(defs))
	assert.Equal(t, "second", defs[0].Alias)
}

func TestResolve_DuplicateSubscriptionLastWins(t *testing.T) {
	c := subscriberFor("subscriber", namedMethodsHandler{}, Tag{},
		Subscribe(OrderPlaced{}).WithMethod("OnPlaced"),
		Subscribe(OrderPlaced{}).WithMethod("OnShipped"),
	)

	table, err := Resolve([]Candidate{c}, defaultBus)
	require.NoError(t, err)

	defs := table.Handlers(NameOf(OrderPlaced{}))
	require.Len(t, defs, 1)
	assert.Equal(t, "OnShipped", defs[0].Method)
}

func priorities(defs []HandlerDefinition) []int {
	out := make([]int, 0, len(defs))
	for _, def := range defs {
		out = append(out, def.Options.Priority)
	}
	return out
}

func TestResolve_DuplicateAcrossPriorities(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		services   []string
		priorities []int
	}{
		{
			name: "later registration has lower priority",
			candidates: []Candidate{
				candidateFor("low", orderHandler{}, Tag{}),
				candidateFor("dup", orderHandler{}, Tag{Priority: ptr(10), Alias: "first"}),
				candidateFor("dup", orderHandler{}, Tag{Priority: ptr(-5), Alias: "late"}),
			},
			services:   []string{"low", "dup"},
			priorities: []int{0, -5},
		},
		{
			name: "later registration has higher priority",
			candidates: []Candidate{
				candidateFor("dup", orderHandler{}, Tag{Priority: ptr(-5), Alias: "first"}),
				candidateFor("low", orderHandler{}, Tag{}),
				candidateFor("dup", orderHandler{}, Tag{Priority: ptr(10), Alias: "late"}),
			},
			services:   []string{"dup", "low"},
			priorities: []int{10, 0},
		},
		{
			name: "same priority keeps the first slot",
			candidates: []Candidate{
				candidateFor("dup", orderHandler{}, Tag{Alias: "first"}),
				candidateFor("low", orderHandler{}, Tag{}),
				candidateFor("dup", orderHandler{}, Tag{Alias: "late"}),
			},
			services:   []string{"dup", "low"},
			priorities: []int{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Resolve(tt.candidates, defaultBus)
			require.NoError(t, err)

			defs := table.Handlers(NameOf(OrderPlaced{}))
			assert.Equal(t, tt.services, services(defs))
			assert.Equal(t, tt.priorities, priorities(defs))
			for _, def := range defs {
				if def.Service == "dup" {
					assert.Equal(t, "late", def.Alias)
				}
			}
		})
	}
}

func TestResolve_SubscriberDuplicateAscendingPriorities(t *testing.T) {
	candidates := []Candidate{
		subscriberFor("subscriber", namedMethodsHandler{}, Tag{},
			Subscribe(OrderPlaced{}).WithMethod("OnPlaced").WithPriority(-5),
			Subscribe(OrderPlaced{}).WithMethod("OnShipped").WithPriority(10),
		),
		candidateFor("plain", orderHandler{}, Tag{}),
	}

	table, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)

	defs := table.Handlers(NameOf(OrderPlaced{}))
	assert.Equal(t, []string{"subscriber", "plain"}, services(defs))
	assert.Equal(t, []int{10, 0}, priorities(defs))
	assert.Equal(t, "OnShipped", defs[0].Method)
}

func TestResolve_Idempotent(t *testing.T) {
	candidates := []Candidate{
		candidateFor("zero", orderHandler{}, Tag{}),
		candidateFor("ten", orderHandler{}, Tag{Priority: ptr(10)}),
		candidateFor("shipping", shippingHandler{}, Tag{}),
		unionCandidate("union", TypeInfo{Name: "app.A"}, TypeInfo{Name: "app.B"}),
	}

	first, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)
	second, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.Messages(), second.Messages())
}

func TestResolve_ErrorAbortsWholeResolution(t *testing.T) {
	candidates := []Candidate{
		candidateFor("ok", orderHandler{}, Tag{}),
		candidateFor("broken", builtinHandler{}, Tag{}),
	}

	tables, err := ResolveAll(candidates, []BusSpec{{Name: "a"}, {Name: "b"}})
	require.Error(t, err)
	assert.Nil(t, tables)
}

func TestResolve_ScopedInvalidCandidateIgnoredOnOtherBus(t *testing.T) {
	candidates := []Candidate{
		candidateFor("ok", orderHandler{}, Tag{}),
		candidateFor("broken", builtinHandler{}, Tag{Bus: "other"}),
	}

	table, err := Resolve(candidates, defaultBus)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, table.Services())
}
