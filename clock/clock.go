// Package clock supplies the scheduler's notion of time and identity:
// a mockable clock plus the ID and fingerprint hashing helpers every
// other component builds on (C1 in the design).
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Clock is the subset of github.com/benbjohnson/clock.Clock the scheduler
// depends on. Production code is wired to clock.New(); tests inject
// clock.NewMock() to control TTL expiry, EMA decay, and retry backoff
// without sleeping.
type Clock = clock.Clock

// New returns the real, wall-clock implementation.
func New() Clock {
	return clock.New()
}

// NewRequestID generates a unique, opaque request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// NewJobID generates a unique, opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Fingerprint computes a stable hash of a document payload plus the
// capability set the request needs satisfied. Two requests with the same
// payload and capability set (regardless of capability ordering) hash to
// the same fingerprint, which is the cache key the tiered cache (C4) keys
// exact lookups on.
func Fingerprint(payload []byte, capabilities []string) string {
	sorted := append([]string(nil), capabilities...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write(payload)
	for _, cap := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(cap))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StableHash hashes an arbitrary JSON-marshalable value deterministically.
// Used where the fingerprint needs to fold in structured metadata (e.g. a
// request's settings) rather than a flat byte payload.
func StableHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
