package runtime

import (
	"context"
	"sort"

	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// BusLocator dispatches envelopes to the bus named by their BusNameStamp,
// falling back to the default bus. Workers use it for received messages.
type BusLocator struct {
	buses      map[string]*Bus
	defaultBus string
}

// NewBusLocator returns a locator over buses.
func NewBusLocator(buses map[string]*Bus, defaultBus string) *BusLocator {
	return &BusLocator{buses: buses, defaultBus: defaultBus}
}

// Bus returns the bus registered under name.
func (l *BusLocator) Bus(name string) (*Bus, error) {
	bus, ok := l.buses[name]
	if !ok {
		return nil, &busNotFoundError{bus: name}
	}
	return bus, nil
}

// Default returns the default bus.
func (l *BusLocator) Default() (*Bus, error) {
	return l.Bus(l.defaultBus)
}

// Names returns the bus names in alphabetical order.
func (l *BusLocator) Names() []string {
	names := make([]string, 0, len(l.buses))
	for name := range l.buses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch implements MessageBus.
func (l *BusLocator) Dispatch(ctx context.Context, msg any, stamps ...envelope.Stamp) (*envelope.Envelope, error) {
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	env, ok := msg.(*envelope.Envelope)
	if !ok {
		env = envelope.Wrap(msg)
	}
	env = env.With(stamps...)

	name := l.defaultBus
	if stamp, ok := envelope.Last[envelope.BusNameStamp](env); ok {
		name = stamp.Bus
	}
	bus, ok := l.buses[name]
	if !ok {
		return env, &busNotFoundError{bus: name}
	}
	return bus.Dispatch(ctx, env)
}

type busNotFoundError struct {
	bus string
}

func (e *busNotFoundError) Error() string {
	return `Bus "` + e.bus + `" was not found`
}

func (e *busNotFoundError) Is(target error) bool {
	return target == errspkg.ErrBusNotFound
}
