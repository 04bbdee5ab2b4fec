// Package jsoncodec is the JSON codec used by the serializer, the file and
// SQL transports and the panel. It is backed by sonic in standard library
// compatible mode.
package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// Dump renders v for humans. Values JSON cannot represent fall back to
// their %+v form.
func Dump(v any) string {
	if v == nil {
		return "null"
	}
	data, err := defaultConfig.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
