package metadata

import (
	"strconv"
	"strings"
	"time"

	"github.com/drblury/busflow/internal/runtime/envelope"
)

// FromEnvelope encodes the stamps of env that survive a trip through a
// transport. Received and sent stamps are local to one process and are never
// written. Handled stamps travel as handler names only, so a redelivered
// message skips the handlers that already succeeded.
func FromEnvelope(env *envelope.Envelope) Metadata {
	md := Metadata{}
	if s, ok := envelope.Last[envelope.BusNameStamp](env); ok {
		md[KeyBus] = s.Bus
	}
	if s, ok := envelope.Last[envelope.RedeliveryStamp](env); ok {
		md[KeyRetryCount] = strconv.Itoa(s.RetryCount)
		if !s.RedeliveredAt.IsZero() {
			md[KeyRedeliveredAt] = s.RedeliveredAt.UTC().Format(time.RFC3339Nano)
		}
	}
	if s, ok := envelope.Last[envelope.DelayStamp](env); ok && s.Delay > 0 {
		md[KeyDelay] = s.Delay.String()
	}
	if s, ok := envelope.Last[envelope.SentToFailureTransportStamp](env); ok {
		md[KeyOriginalReceiver] = s.OriginalReceiver
	}
	if s, ok := envelope.Last[envelope.ErrorDetailsStamp](env); ok {
		md[KeyErrorMessage] = s.Message
		if !s.FailedAt.IsZero() {
			md[KeyFailedAt] = s.FailedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	if s, ok := envelope.Last[envelope.CorrelationIDStamp](env); ok {
		md[KeyCorrelationID] = s.ID
	}
	if handled := envelope.All[envelope.HandledStamp](env); len(handled) > 0 {
		names := make([]string, 0, len(handled))
		for _, h := range handled {
			names = append(names, h.Handler)
		}
		md[KeyHandled] = strings.Join(names, ",")
	}
	return md
}

// Stamps decodes the stamps FromEnvelope wrote. Malformed values are
// skipped.
func (m Metadata) Stamps() []envelope.Stamp {
	var stamps []envelope.Stamp
	if bus := m[KeyBus]; bus != "" {
		stamps = append(stamps, envelope.BusNameStamp{Bus: bus})
	}
	if raw := m[KeyRetryCount]; raw != "" {
		if count, err := strconv.Atoi(raw); err == nil {
			stamps = append(stamps, envelope.RedeliveryStamp{RetryCount: count, RedeliveredAt: parseTime(m[KeyRedeliveredAt])})
		}
	}
	if raw := m[KeyDelay]; raw != "" {
		if delay, err := time.ParseDuration(raw); err == nil {
			stamps = append(stamps, envelope.DelayStamp{Delay: delay})
		}
	}
	if receiver := m[KeyOriginalReceiver]; receiver != "" {
		stamps = append(stamps, envelope.SentToFailureTransportStamp{OriginalReceiver: receiver})
	}
	if msg, ok := m[KeyErrorMessage]; ok {
		stamps = append(stamps, envelope.ErrorDetailsStamp{Message: msg, FailedAt: parseTime(m[KeyFailedAt])})
	}
	if id := m[KeyCorrelationID]; id != "" {
		stamps = append(stamps, envelope.CorrelationIDStamp{ID: id})
	}
	if raw := m[KeyHandled]; raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name != "" {
				stamps = append(stamps, envelope.HandledStamp{Handler: name})
			}
		}
	}
	return stamps
}

// Delay returns the requested delivery delay, if any.
func (m Metadata) Delay() time.Duration {
	delay, err := time.ParseDuration(m[KeyDelay])
	if err != nil || delay < 0 {
		return 0
	}
	return delay
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
