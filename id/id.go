// Package id mints the two identifiers the core never generates itself:
// DocId (spec §3: "opaque lowercase ULID string") and DeviceId (spec §3:
// "persistent per device... random UUID on first use").
package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewDocID mints a fresh, globally-unique, lowercase ULID DocId. IDs minted
// within the same millisecond from this process are strictly increasing
// (ulid.Monotonic), so DocIds remain naturally sortable by creation order.
func NewDocID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	t := ulid.Timestamp(time.Now())
	return strings.ToLower(ulid.MustNew(t, entropy).String())
}

// NewDeviceID mints a fresh random UUID DeviceId.
func NewDeviceID() string {
	return uuid.NewString()
}
