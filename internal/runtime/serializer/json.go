package serializer

import (
	"reflect"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/internal/runtime/routing"
)

// JSONName is the name of the default serializer.
const JSONName = "json"

// NewJSON returns the JSON serializer. Decoded messages are values, not
// pointers.
func NewJSON(types *routing.TypeRegistry) Serializer {
	return &codecSerializer{types: types, codec: jsonCodec{}}
}

type jsonCodec struct{}

func (jsonCodec) contentType() string { return "application/json" }

func (jsonCodec) marshal(msg any) ([]byte, error) {
	return jsoncodec.Marshal(msg)
}

func (jsonCodec) unmarshal(data []byte, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	if err := jsoncodec.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
