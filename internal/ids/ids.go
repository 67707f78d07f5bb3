package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// Allocation is serialized, so concurrent writers never share an id.
func New() string {
	return At(time.Now())
}

// At returns a new identifier whose timestamp component is t.
func At(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time extracts the creation time encoded in an identifier produced by New.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// NewSessionID returns the public identifier handed to clients for a session.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether s looks like an identifier from NewSessionID.
func ValidSessionID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
