package serializer

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/busflow/internal/runtime/routing"
)

// ProtoJSONName is the name of the protobuf JSON serializer.
const ProtoJSONName = "protojson"

// NewProtoJSON returns a serializer for proto.Message values using the
// canonical protobuf JSON mapping. Decoded messages are pointers.
func NewProtoJSON(types *routing.TypeRegistry) Serializer {
	return &codecSerializer{types: types, codec: protoJSONCodec{}}
}

type protoJSONCodec struct{}

func (protoJSONCodec) contentType() string { return "application/protobuf+json" }

func (protoJSONCodec) marshal(msg any) ([]byte, error) {
	pm, ok := msg.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T is not a proto.Message", msg)
	}
	return protojson.Marshal(pm)
}

func (protoJSONCodec) unmarshal(data []byte, t reflect.Type) (any, error) {
	pm, ok := reflect.New(t).Interface().(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%s is not a proto.Message", t)
	}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, pm); err != nil {
		return nil, err
	}
	return pm, nil
}
