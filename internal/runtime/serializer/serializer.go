// Package serializer converts envelopes to Watermill messages and back.
//
// The payload carries the message itself; stamps that must survive the
// transport travel as metadata. The Go type of the message is written to
// the busflow_type header and looked up in a routing.TypeRegistry on the
// way back, so every type that is sent through a transport has to be
// registered.
package serializer

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/internal/runtime/envelope"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/routing"
)

// Serializer encodes envelopes for transports.
type Serializer interface {
	Encode(env *envelope.Envelope) (*message.Message, error)
	Decode(msg *message.Message) (*envelope.Envelope, error)
}

// Named is a serializer registered under a name, e.g. "json".
type Named struct {
	Name       string
	Serializer Serializer
}

// DecodingError reports a transport message that could not be decoded.
// The worker rejects such messages without retrying.
type DecodingError struct {
	UUID string
	Type string
	Err  error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("busflow: decode message %s (%s): %v", e.UUID, e.Type, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// payloadCodec is what differs between the built-in serializers.
type payloadCodec interface {
	contentType() string
	marshal(msg any) ([]byte, error)
	// unmarshal decodes data into a new value of t and returns the value to
	// dispatch.
	unmarshal(data []byte, t reflect.Type) (any, error)
}

type codecSerializer struct {
	types *routing.TypeRegistry
	codec payloadCodec
}

func (s *codecSerializer) Encode(env *envelope.Envelope) (*message.Message, error) {
	if env == nil || env.Message() == nil {
		return nil, errspkg.ErrMessageRequired
	}
	payload, err := s.codec.marshal(env.Message())
	if err != nil {
		return nil, fmt.Errorf("busflow: encode %s: %w", routing.NameOf(env.Message()), err)
	}

	md := metadata.FromEnvelope(env)
	md[metadata.KeyType] = routing.NameOf(env.Message())
	md[metadata.KeyContentType] = s.codec.contentType()

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = md.Watermill()
	return msg, nil
}

func (s *codecSerializer) Decode(msg *message.Message) (*envelope.Envelope, error) {
	md := metadata.FromWatermill(msg.Metadata)
	name := md[metadata.KeyType]
	if name == "" {
		return nil, &DecodingError{UUID: msg.UUID, Err: fmt.Errorf("missing %s header", metadata.KeyType)}
	}
	t, ok := s.types.Lookup(name)
	if !ok || t.Kind() == reflect.Interface {
		return nil, &DecodingError{UUID: msg.UUID, Type: name, Err: errspkg.ErrUnknownMessageType}
	}

	value, err := s.codec.unmarshal(msg.Payload, t)
	if err != nil {
		return nil, &DecodingError{UUID: msg.UUID, Type: name, Err: err}
	}

	stamps := append(md.Stamps(), envelope.TransportMessageIDStamp{ID: msg.UUID})
	return envelope.Wrap(value, stamps...), nil
}

// Registry holds the serializers available to transports.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
}

// NewRegistry returns a registry holding the built-in json and protojson
// serializers bound to types.
func NewRegistry(types *routing.TypeRegistry) *Registry {
	r := &Registry{serializers: map[string]Serializer{}}
	r.Register(JSONName, NewJSON(types))
	r.Register(ProtoJSONName, NewProtoJSON(types))
	return r
}

// Register adds or replaces a serializer.
func (r *Registry) Register(name string, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[name] = s
}

// Get returns the serializer registered under name.
func (r *Registry) Get(name string) (Serializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[name]
	if !ok {
		return nil, fmt.Errorf("busflow: unknown serializer %q (known: %v)", name, r.namesLocked())
	}
	return s, nil
}

// Names returns the registered serializer names in alphabetical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
