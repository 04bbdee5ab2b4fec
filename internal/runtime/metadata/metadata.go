// Package metadata maps envelope stamps onto transport message headers.
package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Header keys written by the serializers. They are reserved and should not be
// used for custom headers.
const (
	KeyType             = "busflow_type"
	KeyContentType      = "busflow_content_type"
	KeyBus              = "busflow_bus"
	KeyRetryCount       = "busflow_retry_count"
	KeyRedeliveredAt    = "busflow_redelivered_at"
	KeyDelay            = "busflow_delay"
	KeyOriginalReceiver = "busflow_original_receiver"
	KeyErrorMessage     = "busflow_error"
	KeyFailedAt         = "busflow_failed_at"
	KeyHandled          = "busflow_handled"
	KeyCorrelationID    = "correlation_id"
)

// Metadata is the header map carried alongside a transport message.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Watermill converts m into Watermill metadata.
func (m Metadata) Watermill() message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		wm[k] = v
	}
	return wm
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}
