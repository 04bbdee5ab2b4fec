// Package ids creates the identifiers busflow assigns to messages.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID for t. IDs created for the same millisecond are
// monotonic.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
